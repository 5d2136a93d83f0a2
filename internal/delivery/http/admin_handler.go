package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pedrofnts/consumer/internal/engine"
	"github.com/pedrofnts/consumer/internal/store"
	"github.com/pedrofnts/consumer/internal/webhook"
)

// AdminHandler exposes statistics, webhook probing and persistence
// maintenance operations.
type AdminHandler struct {
	engine *engine.Engine
	sender *webhook.Sender
	store  *store.Store
	logger *zap.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(eng *engine.Engine, sender *webhook.Sender, st *store.Store, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{engine: eng, sender: sender, store: st, logger: logger}
}

// Stats handles GET /stats.
func (h *AdminHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Stats())
}

// ResetStats handles POST /stats/reset.
func (h *AdminHandler) ResetStats(c *gin.Context) {
	h.engine.ResetStats()
	c.JSON(http.StatusOK, gin.H{"message": "Statistics reset"})
}

// TestWebhook handles POST /webhook/test.
func (h *AdminHandler) TestWebhook(c *gin.Context) {
	var req struct {
		URL            string `json:"url" binding:"required"`
		TimeoutSeconds int    `json:"timeout"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	result := h.sender.TestWebhook(c.Request.Context(), req.URL,
		time.Duration(req.TimeoutSeconds)*time.Second)
	if !result.Success {
		c.JSON(http.StatusBadRequest, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

// PersistedQueues handles GET /persisted-queues.
func (h *AdminHandler) PersistedQueues(c *gin.Context) {
	queues, err := h.store.LoadAll()
	if err != nil {
		h.logger.Error("Failed to load persisted queues", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	stats, err := h.store.StatsSnapshot()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"persisted": queues, "stats": stats})
}

// RestoreQueues handles POST /restore-queues.
func (h *AdminHandler) RestoreQueues(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.RestorePersisted())
}

// BackupConfigs handles POST /backup-configs.
func (h *AdminHandler) BackupConfigs(c *gin.Context) {
	var req struct {
		Path string `json:"path"`
	}
	// Body is optional.
	_ = c.ShouldBindJSON(&req)

	path, err := h.store.Backup(req.Path)
	if err != nil {
		h.logger.Error("Backup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"backup": path})
}

// RestoreBackup handles POST /restore-backup.
func (h *AdminHandler) RestoreBackup(c *gin.Context) {
	var req struct {
		BackupPath string `json:"backupPath" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	names, err := h.store.Restore(req.BackupPath)
	if err != nil {
		h.logger.Error("Restore failed",
			zap.String("path", req.BackupPath), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"restored": names})
}

// ClearConfigs handles DELETE /clear-configs.
func (h *AdminHandler) ClearConfigs(c *gin.Context) {
	if err := h.store.Clear(); err != nil {
		h.logger.Error("Clear configs failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Configuration store cleared"})
}

// CleanupOrphans handles POST /cleanup-orphans.
func (h *AdminHandler) CleanupOrphans(c *gin.Context) {
	removed, err := h.engine.CleanupOrphans()
	if err != nil {
		h.logger.Error("Orphan cleanup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// DeletePersistedQueue handles DELETE /persisted-queue/:queue.
func (h *AdminHandler) DeletePersistedQueue(c *gin.Context) {
	name := c.Param("queue")

	existed, err := h.store.Remove(name)
	if err != nil {
		h.logger.Error("Remove persisted queue failed",
			zap.String("queue", name), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !existed {
		c.JSON(http.StatusNotFound, gin.H{"error": "No persisted configuration for queue"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": name})
}
