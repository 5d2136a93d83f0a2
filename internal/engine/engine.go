package engine

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/pedrofnts/consumer/internal/broker"
	"github.com/pedrofnts/consumer/internal/config"
	"github.com/pedrofnts/consumer/internal/dedup"
	"github.com/pedrofnts/consumer/internal/domain"
	"github.com/pedrofnts/consumer/internal/events"
	"github.com/pedrofnts/consumer/internal/metrics"
	"github.com/pedrofnts/consumer/internal/processor"
	"github.com/pedrofnts/consumer/internal/reconnect"
	"github.com/pedrofnts/consumer/internal/store"
	"github.com/pedrofnts/consumer/internal/webhook"
)

// Broker is the slice of the broker client the engine drives.
type Broker interface {
	Connect() error
	Disconnect()
	IsChannelReady() bool
	CheckQueue(name string) (broker.QueueStatus, error)
	Consume(queue string, handler broker.DeliveryHandler) (string, error)
	CancelConsumer(tag string) error
	Nack(d *amqp.Delivery, requeue bool) error
}

// Pipeline processes one delivery at a time.
type Pipeline interface {
	Process(ctx context.Context, d *amqp.Delivery, cfg domain.ConsumerConfig) domain.Disposition
	CountersSnapshot() processor.Counters
	ResetCounters()
}

// ConfigStore persists consumer configurations across restarts.
type ConfigStore interface {
	Save(name string, cfg domain.StoredConfig) error
	Remove(name string) (bool, error)
	LoadAll() (map[string]domain.StoredConfig, error)
	StatsSnapshot() (store.Stats, error)
}

// Notifier is the slice of the webhook sender the engine uses directly.
type Notifier interface {
	NotifyQueueFinish(ctx context.Context, queue string, lastPayload json.RawMessage, meta map[string]any)
	StatsSnapshot() webhook.Stats
	ResetStats()
	Shutdown()
}

// DedupStore is the slice of the deduplication store the engine manages.
type DedupStore interface {
	StatsSnapshot() dedup.Stats
	Shutdown(ctx context.Context)
}

// Reconnector is the reconnection controller lifecycle.
type Reconnector interface {
	Start()
	Stop()
	StatsSnapshot() reconnect.Stats
}

// queueStatus is the engine-side state of one managed consumer.
type queueStatus string

const (
	statusStarting queueStatus = "starting"
	statusRunning  queueStatus = "running"
	statusPaused   queueStatus = "paused"
	statusStopping queueStatus = "stopping"
)

type queueState struct {
	cfg          domain.ConsumerConfig
	status       queueStatus
	nextInterval time.Duration
}

// QueueReport is the per-queue view returned to the control plane.
type QueueReport struct {
	Queue               string               `json:"queue"`
	Status              queueStatus          `json:"status"`
	Paused              bool                 `json:"paused"`
	WebhookURL          string               `json:"webhookUrl"`
	MessageCount        int64                `json:"messageCount"`
	ConsumerTag         string               `json:"consumerTag"`
	CreatedAt           time.Time            `json:"createdAt"`
	NextIntervalMs      int64                `json:"nextIntervalMs"`
	PendingMessages     int                  `json:"pendingMessages,omitempty"`
	EstimatedCompletion *time.Time           `json:"estimatedCompletion,omitempty"`
	BusinessHours       domain.BusinessHours `json:"businessHours"`
}

// QueueInfo combines the broker's view of a queue with the engine's.
type QueueInfo struct {
	Queue         string                 `json:"queue"`
	MessageCount  int                    `json:"messageCount"`
	ConsumerCount int                    `json:"consumerCount"`
	IsActive      bool                   `json:"isActive"`
	Config        *domain.ConsumerConfig `json:"config,omitempty"`
}

// StopSummary reports a stopped consumer back to the caller.
type StopSummary struct {
	Queue        string            `json:"queue"`
	Reason       domain.StopReason `json:"reason"`
	MessageCount int64             `json:"messageCount"`
}

// Engine orchestrates the per-queue consumers: lifecycle, pacing, restore
// on start, reestablish on reconnect and the queue-health monitor.
type Engine struct {
	broker      Broker
	pipeline    Pipeline
	configs     ConfigStore
	notifier    Notifier
	dedupStore  DedupStore
	reconnector Reconnector
	bus         *events.Bus
	logger      *zap.Logger
	cfg         config.ConsumerConfig

	mu           sync.RWMutex
	queues       map[string]*queueState
	initialized  bool
	shuttingDown bool

	ctx    context.Context
	cancel context.CancelFunc

	healthQuit chan struct{}
	healthDone chan struct{}
	eventsSub  chan domain.Event
	eventsDone chan struct{}
}

// NewEngine wires the orchestrator. Initialize starts it.
func NewEngine(
	b Broker,
	pipeline Pipeline,
	configs ConfigStore,
	notifier Notifier,
	dedupStore DedupStore,
	reconnector Reconnector,
	bus *events.Bus,
	cfg config.ConsumerConfig,
	logger *zap.Logger,
) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		broker:      b,
		pipeline:    pipeline,
		configs:     configs,
		notifier:    notifier,
		dedupStore:  dedupStore,
		reconnector: reconnector,
		bus:         bus,
		logger:      logger,
		cfg:         cfg,
		queues:      make(map[string]*queueState),
		ctx:         ctx,
		cancel:      cancel,
		healthQuit:  make(chan struct{}),
		healthDone:  make(chan struct{}),
		eventsDone:  make(chan struct{}),
	}
}

// Initialize connects the broker, starts the reconnection controller and
// the health monitor, and restores persisted consumers. A failed initial
// connect is not fatal: the reconnection controller takes over.
func (e *Engine) Initialize() error {
	if err := e.broker.Connect(); err != nil {
		e.logger.Error("Initial broker connect failed, scheduling reconnection", zap.Error(err))
		e.bus.Publish(domain.NewEvent(domain.EventNeedsReconnection).WithError(err))
	}

	e.reconnector.Start()

	e.eventsSub = e.bus.Subscribe(32)
	go e.eventLoop()

	go e.healthLoop()

	if e.broker.IsChannelReady() {
		result := e.RestorePersisted()
		e.logger.Info("Persisted consumers restored",
			zap.Int("restored", result.Restored),
			zap.Int("failed", result.Failed),
			zap.Strings("removed", result.Removed))
	}

	e.mu.Lock()
	e.initialized = true
	e.mu.Unlock()
	return nil
}

// IsInitialized reports whether Initialize has completed.
func (e *Engine) IsInitialized() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.initialized
}

// IsConnected reports whether the broker channel is ready.
func (e *Engine) IsConnected() bool {
	return e.broker.IsChannelReady()
}

// eventLoop reacts to lifecycle events: a successful reconnection rebuilds
// every consumer from the in-memory table, then retries anything that is
// persisted but not yet live.
func (e *Engine) eventLoop() {
	defer close(e.eventsDone)
	for evt := range e.eventsSub {
		if evt.Kind != domain.EventReconnectSuccessful {
			continue
		}
		if e.isShuttingDown() {
			return
		}
		e.reestablish()
		e.RestorePersisted()
	}
}

func (e *Engine) isShuttingDown() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.shuttingDown
}

// StartConsuming validates and registers a consumer for the queue, seeds
// its pacing interval and persists the configuration.
func (e *Engine) StartConsuming(name, webhookURL string, minMs, maxMs int, hours domain.BusinessHours) (*domain.ConsumerConfig, error) {
	if e.isShuttingDown() {
		return nil, domain.ErrShuttingDown
	}

	minMs, maxMs = processor.SanitizeIntervals(minMs, maxMs)
	cfg := domain.ConsumerConfig{
		QueueName:     name,
		WebhookURL:    webhookURL,
		MinIntervalMs: minMs,
		MaxIntervalMs: maxMs,
		BusinessHours: hours,
		CreatedAt:     time.Now().UTC(),
	}
	if err := processor.ValidateConfig(cfg); err != nil {
		return nil, err
	}

	// Reserve the slot before touching the broker so concurrent starts for
	// the same queue cannot both proceed.
	e.mu.Lock()
	if _, exists := e.queues[name]; exists {
		e.mu.Unlock()
		return nil, domain.ErrAlreadyConsuming
	}
	st := &queueState{cfg: cfg, status: statusStarting}
	e.queues[name] = st
	e.mu.Unlock()

	fail := func(err error) (*domain.ConsumerConfig, error) {
		e.mu.Lock()
		delete(e.queues, name)
		e.mu.Unlock()
		return nil, err
	}

	if !e.broker.IsChannelReady() {
		return fail(domain.ErrNotConnected)
	}

	status, err := e.broker.CheckQueue(name)
	if err != nil {
		if broker.IsQueueNotFound(err) {
			return fail(domain.ErrQueueNotFound)
		}
		return fail(err)
	}

	tag, err := e.broker.Consume(name, e.deliveryHandler(name))
	if err != nil {
		if broker.IsQueueNotFound(err) {
			return fail(domain.ErrQueueNotFound)
		}
		return fail(err)
	}

	e.mu.Lock()
	st.cfg.ConsumerTag = tag
	st.status = statusRunning
	st.nextInterval = randomInterval(minMs, maxMs)
	snapshot := st.cfg.Clone()
	metrics.ActiveConsumers.Set(float64(len(e.queues)))
	e.mu.Unlock()

	e.logger.Info("Consumer started",
		zap.String("queue", name),
		zap.String("webhook", webhookURL),
		zap.Int("min_interval_ms", minMs),
		zap.Int("max_interval_ms", maxMs),
		zap.Int("queue_messages", status.MessageCount))

	if err := e.configs.Save(name, domain.StoredConfig{
		WebhookURL:    webhookURL,
		MinIntervalMs: minMs,
		MaxIntervalMs: maxMs,
		BusinessHours: hours,
	}); err != nil {
		// The consumer is live; persistence is degraded but the engine
		// keeps running. Surface the error to the control-plane caller.
		e.logger.Error("Failed to persist consumer configuration",
			zap.String("queue", name), zap.Error(err))
		return &snapshot, err
	}

	return &snapshot, nil
}

// deliveryHandler builds the per-queue callback invoked by the broker's
// delivery pump. Pacing happens here, before the pipeline: prefetch 1 means
// the broker holds the next message until this one is acknowledged.
func (e *Engine) deliveryHandler(name string) broker.DeliveryHandler {
	return func(d *amqp.Delivery) {
		if d == nil {
			e.handleCancelled(name)
			return
		}

		e.mu.RLock()
		st, ok := e.queues[name]
		var (
			interval time.Duration
			cfg      domain.ConsumerConfig
		)
		if ok {
			interval = st.nextInterval
			cfg = st.cfg.Clone()
		}
		e.mu.RUnlock()

		if !ok {
			// Consumer was stopped while this delivery was in transit.
			e.broker.Nack(d, true)
			return
		}

		select {
		case <-e.ctx.Done():
			e.broker.Nack(d, true)
			return
		case <-time.After(interval):
		}

		var disp domain.Disposition
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("Delivery handling panic recovered",
					zap.String("queue", name), zap.Any("panic", r))
				// A skip disposition means the delivery tag may be stale;
				// nacking it would provoke a channel error.
				if disp.Action != domain.ActionSkip {
					e.broker.Nack(d, true)
				}
			}
		}()

		disp = e.pipeline.Process(e.ctx, d, cfg)

		e.mu.Lock()
		if st, ok := e.queues[name]; ok {
			st.cfg.MessageCount++
			if disp.Action == domain.ActionAck && disp.Reason == domain.ReasonSuccess {
				if disp.Payload != nil {
					st.cfg.LastPayload = disp.Payload
				}
				st.nextInterval = randomInterval(st.cfg.MinIntervalMs, st.cfg.MaxIntervalMs)
			}
		}
		e.mu.Unlock()
	}
}

// handleCancelled runs the broker-initiated cancellation flow: the
// subscription is gone, so the configuration leaves memory and disk.
func (e *Engine) handleCancelled(name string) {
	e.mu.Lock()
	_, ok := e.queues[name]
	if ok {
		delete(e.queues, name)
		metrics.ActiveConsumers.Set(float64(len(e.queues)))
	}
	e.mu.Unlock()

	if !ok {
		return
	}

	if _, err := e.configs.Remove(name); err != nil {
		e.logger.Error("Failed to remove cancelled consumer from store",
			zap.String("queue", name), zap.Error(err))
	}
	e.logger.Warn("Consumer removed after broker cancellation", zap.String("queue", name))
}

// PauseConsuming stops forwarding messages for the queue. Deliveries keep
// arriving and are requeued by the pipeline's pause gate.
func (e *Engine) PauseConsuming(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.queues[name]
	if !ok {
		return domain.ErrNotConsuming
	}
	if st.cfg.Paused {
		return domain.ErrAlreadyPaused
	}
	st.cfg.Paused = true
	st.status = statusPaused
	e.logger.Info("Consumer paused", zap.String("queue", name))
	return nil
}

// ResumeConsuming reverses PauseConsuming.
func (e *Engine) ResumeConsuming(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.queues[name]
	if !ok {
		return domain.ErrNotConsuming
	}
	if !st.cfg.Paused {
		return domain.ErrNotPaused
	}
	st.cfg.Paused = false
	st.status = statusRunning
	e.logger.Info("Consumer resumed", zap.String("queue", name))
	return nil
}

// StopConsuming cancels the subscription and removes the consumer from
// memory. Only a manual stop also removes the persisted configuration;
// every other reason preserves it so a restart restores the consumer.
func (e *Engine) StopConsuming(name string, reason domain.StopReason) (*StopSummary, error) {
	e.mu.Lock()
	st, ok := e.queues[name]
	if !ok {
		e.mu.Unlock()
		return nil, domain.ErrNotConsuming
	}
	st.status = statusStopping
	tag := st.cfg.ConsumerTag
	count := st.cfg.MessageCount
	lastPayload := st.cfg.LastPayload
	delete(e.queues, name)
	metrics.ActiveConsumers.Set(float64(len(e.queues)))
	e.mu.Unlock()

	if tag != "" && e.broker.IsChannelReady() {
		if err := e.broker.CancelConsumer(tag); err != nil {
			e.logger.Warn("Consumer cancel failed",
				zap.String("queue", name), zap.Error(err))
		}
	}

	if reason == domain.ReasonManual {
		if _, err := e.configs.Remove(name); err != nil {
			e.logger.Error("Failed to remove configuration",
				zap.String("queue", name), zap.Error(err))
		}
		e.notifier.NotifyQueueFinish(e.ctx, name, lastPayload, map[string]any{
			"reason":       string(reason),
			"messageCount": count,
		})
	}

	e.logger.Info("Consumer stopped",
		zap.String("queue", name),
		zap.String("reason", string(reason)),
		zap.Int64("message_count", count))
	return &StopSummary{Queue: name, Reason: reason, MessageCount: count}, nil
}

// QueueInfo combines a live broker probe with the engine's view.
func (e *Engine) QueueInfo(name string) (*QueueInfo, error) {
	status, err := e.broker.CheckQueue(name)
	if err != nil {
		if broker.IsQueueNotFound(err) {
			return nil, domain.ErrQueueNotFound
		}
		return nil, err
	}

	info := &QueueInfo{
		Queue:         name,
		MessageCount:  status.MessageCount,
		ConsumerCount: status.ConsumerCount,
	}

	e.mu.RLock()
	if st, ok := e.queues[name]; ok {
		info.IsActive = true
		cfg := st.cfg.Clone()
		info.Config = &cfg
	}
	e.mu.RUnlock()

	return info, nil
}

// ActiveQueues reports every managed consumer, including a completion
// projection based on the broker's backlog and the mean pacing interval.
func (e *Engine) ActiveQueues() []QueueReport {
	e.mu.RLock()
	reports := make([]QueueReport, 0, len(e.queues))
	for name, st := range e.queues {
		reports = append(reports, QueueReport{
			Queue:          name,
			Status:         st.status,
			Paused:         st.cfg.Paused,
			WebhookURL:     st.cfg.WebhookURL,
			MessageCount:   st.cfg.MessageCount,
			ConsumerTag:    st.cfg.ConsumerTag,
			CreatedAt:      st.cfg.CreatedAt,
			NextIntervalMs: st.nextInterval.Milliseconds(),
			BusinessHours:  st.cfg.BusinessHours,
		})
	}
	e.mu.RUnlock()

	for i := range reports {
		status, err := e.broker.CheckQueue(reports[i].Queue)
		if err != nil {
			continue
		}
		reports[i].PendingMessages = status.MessageCount

		e.mu.RLock()
		st, ok := e.queues[reports[i].Queue]
		if ok {
			meanMs := (st.cfg.MinIntervalMs + st.cfg.MaxIntervalMs) / 2
			eta := time.Now().UTC().Add(time.Duration(status.MessageCount*meanMs) * time.Millisecond)
			reports[i].EstimatedCompletion = &eta
		}
		e.mu.RUnlock()
	}

	return reports
}

// Stats assembles the full statistics tree for the control plane.
func (e *Engine) Stats() map[string]any {
	e.mu.RLock()
	queues := make([]string, 0, len(e.queues))
	for name := range e.queues {
		queues = append(queues, name)
	}
	initialized := e.initialized
	e.mu.RUnlock()

	stats := map[string]any{
		"engine": map[string]any{
			"initialized":  initialized,
			"connected":    e.broker.IsChannelReady(),
			"activeQueues": queues,
		},
		"processor": e.pipeline.CountersSnapshot(),
		"webhook":   e.notifier.StatsSnapshot(),
		"dedup":     e.dedupStore.StatsSnapshot(),
		"reconnect": e.reconnector.StatsSnapshot(),
	}
	if st, err := e.configs.StatsSnapshot(); err == nil {
		stats["store"] = st
	}
	return stats
}

// ResetStats zeroes the processor and webhook counters.
func (e *Engine) ResetStats() {
	e.pipeline.ResetCounters()
	e.notifier.ResetStats()
}

// Shutdown tears everything down in order: health monitor, reconnection
// controller, consumers, pipeline stores, broker. A hard outer timeout
// bounds the whole sequence; exceeding it returns ErrShutdownTimeout and
// the caller exits non-zero.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	if e.shuttingDown {
		e.mu.Unlock()
		return nil
	}
	e.shuttingDown = true
	e.mu.Unlock()

	timeout := e.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	done := make(chan struct{})
	go func() {
		defer close(done)

		close(e.healthQuit)
		<-e.healthDone

		e.reconnector.Stop()

		e.mu.RLock()
		names := make([]string, 0, len(e.queues))
		for name := range e.queues {
			names = append(names, name)
		}
		e.mu.RUnlock()
		for _, name := range names {
			e.StopConsuming(name, domain.ReasonShutdown)
		}

		// Abort any pacing sleeps still in flight.
		e.cancel()

		drainCtx, drainCancel := context.WithTimeout(context.Background(), timeout)
		e.dedupStore.Shutdown(drainCtx)
		drainCancel()

		e.notifier.Shutdown()
		e.broker.Disconnect()
		e.bus.Unsubscribe(e.eventsSub)
	}()

	select {
	case <-done:
		e.logger.Info("Engine shut down")
		return nil
	case <-time.After(timeout):
		e.logger.Error("Graceful shutdown timed out")
		return domain.ErrShutdownTimeout
	}
}

func randomInterval(minMs, maxMs int) time.Duration {
	if maxMs <= minMs {
		return time.Duration(minMs) * time.Millisecond
	}
	return time.Duration(minMs+rand.Intn(maxMs-minMs+1)) * time.Millisecond
}
