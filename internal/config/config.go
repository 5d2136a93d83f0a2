package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the consumer service.
type Config struct {
	Server    ServerConfig
	RabbitMQ  RabbitMQConfig
	Redis     RedisConfig
	Store     StoreConfig
	Webhook   WebhookConfig
	Consumer  ConsumerConfig
	Reconnect ReconnectConfig
}

type ServerConfig struct {
	Port         int           `mapstructure:"API_PORT"`
	ReadTimeout  time.Duration `mapstructure:"API_READ_TIMEOUT"`
	WriteTimeout time.Duration `mapstructure:"API_WRITE_TIMEOUT"`
	RateLimit    int           `mapstructure:"API_RATE_LIMIT"`
	GinMode      string        `mapstructure:"GIN_MODE"`
}

type RabbitMQConfig struct {
	URL         string        `mapstructure:"RABBITMQ_URL"`
	Heartbeat   time.Duration `mapstructure:"RABBITMQ_HEARTBEAT"`
	DialTimeout time.Duration `mapstructure:"RABBITMQ_DIAL_TIMEOUT"`
}

type RedisConfig struct {
	// URL enables the Redis-backed control-plane rate limiter when set.
	URL string `mapstructure:"REDIS_URL"`
}

type StoreConfig struct {
	Path string `mapstructure:"STORE_PATH"`
}

type WebhookConfig struct {
	Timeout       time.Duration `mapstructure:"WEBHOOK_TIMEOUT"`
	ProbeTimeout  time.Duration `mapstructure:"WEBHOOK_PROBE_TIMEOUT"`
	RetryAttempts int           `mapstructure:"WEBHOOK_RETRY_ATTEMPTS"`
	RetryBase     time.Duration `mapstructure:"WEBHOOK_RETRY_BASE"`
	FinishURL     string        `mapstructure:"FINISH_WEBHOOK"`
}

type ConsumerConfig struct {
	Timezone             string        `mapstructure:"CONSUMER_TIMEZONE"`
	HealthCheckInterval  time.Duration `mapstructure:"HEALTH_CHECK_INTERVAL"`
	DedupMaxProcessed    int           `mapstructure:"DEDUP_MAX_PROCESSED"`
	DedupCleanupInterval time.Duration `mapstructure:"DEDUP_CLEANUP_INTERVAL"`
	DedupStaleAfter      time.Duration `mapstructure:"DEDUP_STALE_AFTER"`
	ShutdownTimeout      time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`
}

type ReconnectConfig struct {
	BaseDelay   time.Duration `mapstructure:"RECONNECT_BASE_DELAY"`
	Multiplier  float64       `mapstructure:"RECONNECT_MULTIPLIER"`
	MaxDelay    time.Duration `mapstructure:"RECONNECT_MAX_DELAY"`
	Debounce    time.Duration `mapstructure:"RECONNECT_DEBOUNCE"`
	MaxAttempts int           `mapstructure:"RECONNECT_MAX_ATTEMPTS"`
	// Monitor enables the proactive 30s connectivity probe. Off by default;
	// the event-driven path is canonical.
	Monitor         bool          `mapstructure:"RECONNECT_MONITOR"`
	MonitorInterval time.Duration `mapstructure:"RECONNECT_MONITOR_INTERVAL"`
}

// Load reads configuration from environment variables and an optional .env
// file. RABBITMQ_URL is required and must be an amqp(s) URL.
func Load() (*Config, error) {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()

	// Defaults
	viper.SetDefault("API_PORT", 3000)
	viper.SetDefault("API_READ_TIMEOUT", "10s")
	viper.SetDefault("API_WRITE_TIMEOUT", "30s")
	viper.SetDefault("API_RATE_LIMIT", 100)
	viper.SetDefault("GIN_MODE", "release")
	viper.SetDefault("RABBITMQ_HEARTBEAT", "60s")
	viper.SetDefault("RABBITMQ_DIAL_TIMEOUT", "10s")
	viper.SetDefault("STORE_PATH", "./data/queue-configurations.json")
	viper.SetDefault("WEBHOOK_TIMEOUT", "10s")
	viper.SetDefault("WEBHOOK_PROBE_TIMEOUT", "5s")
	viper.SetDefault("WEBHOOK_RETRY_ATTEMPTS", 3)
	viper.SetDefault("WEBHOOK_RETRY_BASE", "1s")
	viper.SetDefault("CONSUMER_TIMEZONE", "America/Sao_Paulo")
	viper.SetDefault("HEALTH_CHECK_INTERVAL", "300s")
	viper.SetDefault("DEDUP_MAX_PROCESSED", 10000)
	viper.SetDefault("DEDUP_CLEANUP_INTERVAL", "60s")
	viper.SetDefault("DEDUP_STALE_AFTER", "300s")
	viper.SetDefault("SHUTDOWN_TIMEOUT", "30s")
	viper.SetDefault("RECONNECT_BASE_DELAY", "5s")
	viper.SetDefault("RECONNECT_MULTIPLIER", 1.5)
	viper.SetDefault("RECONNECT_MAX_DELAY", "60s")
	viper.SetDefault("RECONNECT_DEBOUNCE", "3s")
	viper.SetDefault("RECONNECT_MAX_ATTEMPTS", 10)
	viper.SetDefault("RECONNECT_MONITOR", false)
	viper.SetDefault("RECONNECT_MONITOR_INTERVAL", "30s")

	// Attempt to read .env file (non-fatal if missing)
	_ = viper.ReadInConfig()

	cfg := &Config{}
	cfg.Server.Port = viper.GetInt("API_PORT")
	cfg.Server.ReadTimeout = viper.GetDuration("API_READ_TIMEOUT")
	cfg.Server.WriteTimeout = viper.GetDuration("API_WRITE_TIMEOUT")
	cfg.Server.RateLimit = viper.GetInt("API_RATE_LIMIT")
	cfg.Server.GinMode = viper.GetString("GIN_MODE")
	cfg.RabbitMQ.URL = viper.GetString("RABBITMQ_URL")
	cfg.RabbitMQ.Heartbeat = viper.GetDuration("RABBITMQ_HEARTBEAT")
	cfg.RabbitMQ.DialTimeout = viper.GetDuration("RABBITMQ_DIAL_TIMEOUT")
	cfg.Redis.URL = viper.GetString("REDIS_URL")
	cfg.Store.Path = viper.GetString("STORE_PATH")
	cfg.Webhook.Timeout = viper.GetDuration("WEBHOOK_TIMEOUT")
	cfg.Webhook.ProbeTimeout = viper.GetDuration("WEBHOOK_PROBE_TIMEOUT")
	cfg.Webhook.RetryAttempts = viper.GetInt("WEBHOOK_RETRY_ATTEMPTS")
	cfg.Webhook.RetryBase = viper.GetDuration("WEBHOOK_RETRY_BASE")
	cfg.Webhook.FinishURL = viper.GetString("FINISH_WEBHOOK")
	cfg.Consumer.Timezone = viper.GetString("CONSUMER_TIMEZONE")
	cfg.Consumer.HealthCheckInterval = viper.GetDuration("HEALTH_CHECK_INTERVAL")
	cfg.Consumer.DedupMaxProcessed = viper.GetInt("DEDUP_MAX_PROCESSED")
	cfg.Consumer.DedupCleanupInterval = viper.GetDuration("DEDUP_CLEANUP_INTERVAL")
	cfg.Consumer.DedupStaleAfter = viper.GetDuration("DEDUP_STALE_AFTER")
	cfg.Consumer.ShutdownTimeout = viper.GetDuration("SHUTDOWN_TIMEOUT")
	cfg.Reconnect.BaseDelay = viper.GetDuration("RECONNECT_BASE_DELAY")
	cfg.Reconnect.Multiplier = viper.GetFloat64("RECONNECT_MULTIPLIER")
	cfg.Reconnect.MaxDelay = viper.GetDuration("RECONNECT_MAX_DELAY")
	cfg.Reconnect.Debounce = viper.GetDuration("RECONNECT_DEBOUNCE")
	cfg.Reconnect.MaxAttempts = viper.GetInt("RECONNECT_MAX_ATTEMPTS")
	cfg.Reconnect.Monitor = viper.GetBool("RECONNECT_MONITOR")
	cfg.Reconnect.MonitorInterval = viper.GetDuration("RECONNECT_MONITOR_INTERVAL")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.RabbitMQ.URL == "" {
		return fmt.Errorf("RABBITMQ_URL is required")
	}
	if !strings.HasPrefix(c.RabbitMQ.URL, "amqp") {
		return fmt.Errorf("RABBITMQ_URL must be an amqp(s) URL, got %q", c.RabbitMQ.URL)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("API_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Webhook.RetryAttempts < 1 {
		return fmt.Errorf("WEBHOOK_RETRY_ATTEMPTS must be at least 1, got %d", c.Webhook.RetryAttempts)
	}
	if c.Reconnect.Multiplier < 1 {
		return fmt.Errorf("RECONNECT_MULTIPLIER must be at least 1, got %f", c.Reconnect.Multiplier)
	}
	return nil
}
