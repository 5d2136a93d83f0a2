package http

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pedrofnts/consumer/internal/delivery/http/middleware"
	"github.com/pedrofnts/consumer/internal/engine"
	"github.com/pedrofnts/consumer/internal/events"
	"github.com/pedrofnts/consumer/internal/store"
	"github.com/pedrofnts/consumer/internal/webhook"
)

// RouterDeps holds all dependencies needed to construct the router.
type RouterDeps struct {
	Engine          *engine.Engine
	Sender          *webhook.Sender
	Store           *store.Store
	Bus             *events.Bus
	Logger          *zap.Logger
	RateLimitPerMin int
	Redis           *redis.Client
}

// NewRouter creates and configures the Gin router with all routes and middleware.
func NewRouter(deps *RouterDeps) *gin.Engine {
	router := gin.New()

	// Global middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.CORS())
	router.Use(middleware.Logger(deps.Logger))
	router.Use(middleware.BodySizeLimit(1 << 20)) // 1 MB max request body

	// Metrics endpoint (no rate limiting)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := NewHealthHandler(deps.Engine, deps.Logger)
	router.GET("/health", healthHandler.Health)

	eventsHandler := NewEventsHandler(deps.Bus, deps.Logger)
	router.GET("/events", eventsHandler.Stream)

	consumerHandler := NewConsumerHandler(deps.Engine, deps.Logger)
	adminHandler := NewAdminHandler(deps.Engine, deps.Sender, deps.Store, deps.Logger)

	// Mutating endpoints are rate limited when Redis is configured.
	limited := router.Group("")
	if deps.Redis != nil {
		limited.Use(middleware.RateLimiter(deps.Redis, deps.RateLimitPerMin))
	}
	{
		limited.POST("/consume", consumerHandler.Consume)
		limited.POST("/pause", consumerHandler.Pause)
		limited.POST("/resume", consumerHandler.Resume)
		limited.POST("/stop", consumerHandler.Stop)
		limited.POST("/webhook/test", adminHandler.TestWebhook)
		limited.POST("/restore-queues", adminHandler.RestoreQueues)
		limited.POST("/backup-configs", adminHandler.BackupConfigs)
		limited.POST("/restore-backup", adminHandler.RestoreBackup)
		limited.DELETE("/clear-configs", adminHandler.ClearConfigs)
		limited.POST("/cleanup-orphans", adminHandler.CleanupOrphans)
		limited.DELETE("/persisted-queue/:queue", adminHandler.DeletePersistedQueue)
		limited.POST("/stats/reset", adminHandler.ResetStats)
	}

	router.GET("/active-queues", consumerHandler.ActiveQueues)
	router.GET("/queue-info/:queue", consumerHandler.QueueInfo)
	router.POST("/queues-info", consumerHandler.QueuesInfo)
	router.GET("/stats", adminHandler.Stats)
	router.GET("/persisted-queues", adminHandler.PersistedQueues)

	return router
}
