package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesTotal counts processed deliveries by queue and disposition reason.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consumer_messages_total",
			Help: "Total number of deliveries handled by the pipeline",
		},
		[]string{"queue", "reason"},
	)

	// WebhookRequestsTotal counts webhook dispatches by outcome.
	WebhookRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consumer_webhook_requests_total",
			Help: "Total number of webhook HTTP requests",
		},
		[]string{"outcome"},
	)

	// WebhookDuration tracks end-to-end webhook dispatch duration in seconds.
	WebhookDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "consumer_webhook_duration_seconds",
			Help:    "Duration of webhook dispatches in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		},
	)

	// ReconnectAttemptsTotal counts broker reconnection attempts.
	ReconnectAttemptsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "consumer_reconnect_attempts_total",
			Help: "Total number of broker reconnection attempts",
		},
	)

	// ActiveConsumers tracks the number of live queue subscriptions.
	ActiveConsumers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "consumer_active_consumers",
			Help: "Number of currently active queue consumers",
		},
	)

	// BrokerConnected is 1 while the broker channel is ready.
	BrokerConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "consumer_broker_connected",
			Help: "Whether the broker connection and channel are ready",
		},
	)
)
