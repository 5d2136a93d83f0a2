package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pedrofnts/consumer/internal/broker"
	"github.com/pedrofnts/consumer/internal/config"
	"github.com/pedrofnts/consumer/internal/dedup"
	handler "github.com/pedrofnts/consumer/internal/delivery/http"
	"github.com/pedrofnts/consumer/internal/engine"
	"github.com/pedrofnts/consumer/internal/events"
	"github.com/pedrofnts/consumer/internal/processor"
	"github.com/pedrofnts/consumer/internal/reconnect"
	"github.com/pedrofnts/consumer/internal/store"
	"github.com/pedrofnts/consumer/internal/webhook"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	logger.Info("Starting managed queue consumer")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("Failed to load configuration", zap.Error(err))
		return 1
	}

	gin.SetMode(cfg.Server.GinMode)

	// Persistence store
	configStore, err := store.NewStore(cfg.Store.Path, logger)
	if err != nil {
		logger.Error("Failed to open configuration store", zap.Error(err))
		return 1
	}

	// Optional Redis client for the control-plane rate limiter
	var redisClient *goredis.Client
	if cfg.Redis.URL != "" {
		opts, err := goredis.ParseURL(cfg.Redis.URL)
		if err != nil {
			logger.Error("Invalid Redis URL", zap.Error(err))
			return 1
		}
		redisClient = goredis.NewClient(opts)
		defer redisClient.Close()
	}

	// Event bus shared by the broker client, the reconnection controller,
	// the engine and the websocket event stream.
	bus := events.NewBus(logger)
	defer bus.Close()

	// Components
	brokerClient := broker.NewClient(cfg.RabbitMQ, bus, logger)

	dedupStore := dedup.NewStore(dedup.Options{
		MaxProcessed:    cfg.Consumer.DedupMaxProcessed,
		CleanupInterval: cfg.Consumer.DedupCleanupInterval,
		StaleAfter:      cfg.Consumer.DedupStaleAfter,
	}, logger)

	sender := webhook.NewSender(webhook.Options{
		Timeout:       cfg.Webhook.Timeout,
		ProbeTimeout:  cfg.Webhook.ProbeTimeout,
		RetryAttempts: cfg.Webhook.RetryAttempts,
		RetryBase:     cfg.Webhook.RetryBase,
		FinishURL:     cfg.Webhook.FinishURL,
	}, logger)

	pipeline, err := processor.NewProcessor(brokerClient, dedupStore, sender, cfg.Consumer.Timezone, logger)
	if err != nil {
		logger.Error("Failed to initialize processor", zap.Error(err))
		return 1
	}

	controller := reconnect.NewController(brokerClient, cfg.Reconnect, bus, logger)

	eng := engine.NewEngine(brokerClient, pipeline, configStore, sender,
		dedupStore, controller, bus, cfg.Consumer, logger)

	if err := eng.Initialize(); err != nil {
		logger.Error("Engine initialization failed", zap.Error(err))
		return 1
	}

	// Control-plane router
	router := handler.NewRouter(&handler.RouterDeps{
		Engine:          eng,
		Sender:          sender,
		Store:           configStore,
		Bus:             bus,
		Logger:          logger,
		RateLimitPerMin: cfg.Server.RateLimit,
		Redis:           redisClient,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Control API listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		logger.Error("Control API failed", zap.Error(err))
		return 1
	case sig := <-quit:
		logger.Info("Shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Control API shutdown error", zap.Error(err))
	}

	if err := eng.Shutdown(); err != nil {
		logger.Error("Engine shutdown failed", zap.Error(err))
		return 1
	}

	logger.Info("Consumer stopped")
	return 0
}
