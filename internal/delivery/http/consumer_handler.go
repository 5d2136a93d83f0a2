package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pedrofnts/consumer/internal/domain"
	"github.com/pedrofnts/consumer/internal/engine"
)

// defaultBusinessHours applies when a consume request omits the window.
var defaultBusinessHours = domain.BusinessHours{StartHour: 0, EndHour: 23}

// ConsumerHandler exposes consumer lifecycle operations.
type ConsumerHandler struct {
	engine *engine.Engine
	logger *zap.Logger
}

// NewConsumerHandler creates a ConsumerHandler.
func NewConsumerHandler(eng *engine.Engine, logger *zap.Logger) *ConsumerHandler {
	return &ConsumerHandler{engine: eng, logger: logger}
}

type consumeRequest struct {
	Queue         string                `json:"queue" binding:"required"`
	Webhook       string                `json:"webhook" binding:"required"`
	MinInterval   int                   `json:"minInterval"`
	MaxInterval   int                   `json:"maxInterval"`
	BusinessHours *domain.BusinessHours `json:"businessHours"`
}

type queueRequest struct {
	Queue string `json:"queue" binding:"required"`
}

// Consume handles POST /consume.
func (h *ConsumerHandler) Consume(c *gin.Context) {
	var req consumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	hours := defaultBusinessHours
	if req.BusinessHours != nil {
		hours = *req.BusinessHours
	}

	cfg, err := h.engine.StartConsuming(req.Queue, req.Webhook, req.MinInterval, req.MaxInterval, hours)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidConfig):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, domain.ErrAlreadyConsuming):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, domain.ErrQueueNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, domain.ErrNotConnected), errors.Is(err, domain.ErrShuttingDown):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		default:
			h.logger.Error("Start consuming failed",
				zap.String("queue", req.Queue), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"message": "Consumer started",
		"config":  cfg,
	})
}

// Pause handles POST /pause.
func (h *ConsumerHandler) Pause(c *gin.Context) {
	h.toggle(c, h.engine.PauseConsuming, "Consumer paused")
}

// Resume handles POST /resume.
func (h *ConsumerHandler) Resume(c *gin.Context) {
	h.toggle(c, h.engine.ResumeConsuming, "Consumer resumed")
}

func (h *ConsumerHandler) toggle(c *gin.Context, op func(string) error, message string) {
	var req queueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	if err := op(req.Queue); err != nil {
		switch {
		case errors.Is(err, domain.ErrNotConsuming):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, domain.ErrAlreadyPaused), errors.Is(err, domain.ErrNotPaused):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			h.logger.Error("Pause/resume failed",
				zap.String("queue", req.Queue), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": message, "queue": req.Queue})
}

// Stop handles POST /stop.
func (h *ConsumerHandler) Stop(c *gin.Context) {
	var req queueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	summary, err := h.engine.StopConsuming(req.Queue, domain.ReasonManual)
	if err != nil {
		if errors.Is(err, domain.ErrNotConsuming) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("Stop consuming failed",
			zap.String("queue", req.Queue), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, summary)
}

// ActiveQueues handles GET /active-queues.
func (h *ConsumerHandler) ActiveQueues(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"queues": h.engine.ActiveQueues()})
}

// QueueInfo handles GET /queue-info/:queue.
func (h *ConsumerHandler) QueueInfo(c *gin.Context) {
	name := c.Param("queue")

	info, err := h.engine.QueueInfo(name)
	if err != nil {
		h.respondQueueInfoErr(c, name, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// QueuesInfo handles POST /queues-info (batched).
func (h *ConsumerHandler) QueuesInfo(c *gin.Context) {
	var req struct {
		Queues []string `json:"queues" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	results := make(map[string]any, len(req.Queues))
	for _, name := range req.Queues {
		info, err := h.engine.QueueInfo(name)
		if err != nil {
			results[name] = gin.H{"error": err.Error()}
			continue
		}
		results[name] = info
	}
	c.JSON(http.StatusOK, gin.H{"queues": results})
}

func (h *ConsumerHandler) respondQueueInfoErr(c *gin.Context, name string, err error) {
	switch {
	case errors.Is(err, domain.ErrQueueNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrNotConnected):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		h.logger.Error("Queue info failed", zap.String("queue", name), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}
