package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pedrofnts/consumer/internal/engine"
)

// HealthHandler reports service readiness.
type HealthHandler struct {
	engine *engine.Engine
	logger *zap.Logger
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(eng *engine.Engine, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{engine: eng, logger: logger}
}

// Health handles GET /health: 200 when the broker is connected and the
// engine is initialised, 503 otherwise.
func (h *HealthHandler) Health(c *gin.Context) {
	connected := h.engine.IsConnected()
	initialized := h.engine.IsInitialized()

	status := http.StatusOK
	overall := "ok"
	if !connected || !initialized {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}

	c.JSON(status, gin.H{
		"status": overall,
		"services": gin.H{
			"rabbitmq":    connected,
			"initialized": initialized,
		},
	})
}
