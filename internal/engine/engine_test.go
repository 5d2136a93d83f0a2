package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/pedrofnts/consumer/internal/broker"
	"github.com/pedrofnts/consumer/internal/config"
	"github.com/pedrofnts/consumer/internal/dedup"
	"github.com/pedrofnts/consumer/internal/domain"
	"github.com/pedrofnts/consumer/internal/events"
	"github.com/pedrofnts/consumer/internal/processor"
	"github.com/pedrofnts/consumer/internal/reconnect"
	"github.com/pedrofnts/consumer/internal/store"
	"github.com/pedrofnts/consumer/internal/webhook"
)

type fakeBroker struct {
	mu        sync.Mutex
	ready     bool
	checkErr  map[string]error
	counts    map[string]int
	handlers  map[string]broker.DeliveryHandler
	cancelled []string
	nacks     int
	tagSeq    int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		ready:    true,
		checkErr: map[string]error{},
		counts:   map[string]int{},
		handlers: map[string]broker.DeliveryHandler{},
	}
}

func (f *fakeBroker) Connect() error { return nil }
func (f *fakeBroker) Disconnect()    {}

func (f *fakeBroker) IsChannelReady() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeBroker) CheckQueue(name string) (broker.QueueStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkErr[name]; err != nil {
		return broker.QueueStatus{}, err
	}
	return broker.QueueStatus{MessageCount: f.counts[name], ConsumerCount: 1}, nil
}

func (f *fakeBroker) Consume(queue string, handler broker.DeliveryHandler) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkErr[queue]; err != nil {
		return "", err
	}
	f.tagSeq++
	tag := queue + "-tag"
	f.handlers[queue] = handler
	return tag, nil
}

func (f *fakeBroker) CancelConsumer(tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, tag)
	return nil
}

func (f *fakeBroker) Nack(d *amqp.Delivery, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacks++
	return nil
}

type fakePipeline struct {
	mu       sync.Mutex
	disp     domain.Disposition
	received []domain.ConsumerConfig
}

func (f *fakePipeline) Process(_ context.Context, d *amqp.Delivery, cfg domain.ConsumerConfig) domain.Disposition {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, cfg)
	return f.disp
}

func (f *fakePipeline) CountersSnapshot() processor.Counters { return processor.Counters{} }
func (f *fakePipeline) ResetCounters()                       {}

type fakeNotifier struct {
	mu       sync.Mutex
	finishes []string
	reasons  []string
}

func (f *fakeNotifier) NotifyQueueFinish(_ context.Context, queue string, _ json.RawMessage, meta map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finishes = append(f.finishes, queue)
	if r, ok := meta["reason"].(string); ok {
		f.reasons = append(f.reasons, r)
	}
}

func (f *fakeNotifier) StatsSnapshot() webhook.Stats { return webhook.Stats{} }
func (f *fakeNotifier) ResetStats()                  {}
func (f *fakeNotifier) Shutdown()                    {}

type fakeDedup struct{}

func (fakeDedup) StatsSnapshot() dedup.Stats   { return dedup.Stats{} }
func (fakeDedup) Shutdown(ctx context.Context) {}

type fakeReconnector struct{}

func (fakeReconnector) Start()                         {}
func (fakeReconnector) Stop()                          {}
func (fakeReconnector) StatsSnapshot() reconnect.Stats { return reconnect.Stats{} }

type engineFixture struct {
	engine   *Engine
	broker   *fakeBroker
	pipeline *fakePipeline
	notifier *fakeNotifier
	store    *store.Store
	bus      *events.Bus
}

func newFixture(t *testing.T) *engineFixture {
	t.Helper()

	st, err := store.NewStore(t.TempDir()+"/configs.json", zap.NewNop())
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	fb := newFakeBroker()
	fp := &fakePipeline{disp: domain.Disposition{Action: domain.ActionAck, Reason: domain.ReasonSuccess}}
	fn := &fakeNotifier{}
	bus := events.NewBus(zap.NewNop())

	eng := NewEngine(fb, fp, st, fn, fakeDedup{}, fakeReconnector{}, bus,
		config.ConsumerConfig{
			HealthCheckInterval: time.Hour,
			ShutdownTimeout:     5 * time.Second,
		}, zap.NewNop())

	t.Cleanup(bus.Close)
	return &engineFixture{engine: eng, broker: fb, pipeline: fp, notifier: fn, store: st, bus: bus}
}

func startOrders(t *testing.T, f *engineFixture) {
	t.Helper()
	_, err := f.engine.StartConsuming("orders", "https://example.com/hook",
		30000, 110000, domain.BusinessHours{StartHour: 8, EndHour: 21})
	if err != nil {
		t.Fatalf("start consuming: %v", err)
	}
}

func TestStartConsuming_Success(t *testing.T) {
	f := newFixture(t)

	cfg, err := f.engine.StartConsuming("orders", "https://example.com/hook",
		30000, 110000, domain.BusinessHours{StartHour: 8, EndHour: 21})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ConsumerTag == "" {
		t.Error("expected a consumer tag")
	}

	has, _ := f.store.Has("orders")
	if !has {
		t.Error("configuration must be persisted on start")
	}

	reports := f.engine.ActiveQueues()
	if len(reports) != 1 || reports[0].Queue != "orders" {
		t.Errorf("expected one active queue, got %+v", reports)
	}
	if reports[0].NextIntervalMs < 30000 || reports[0].NextIntervalMs > 110000 {
		t.Errorf("seeded interval must lie in [min, max], got %d", reports[0].NextIntervalMs)
	}
}

func TestStartConsuming_Duplicate(t *testing.T) {
	f := newFixture(t)
	startOrders(t, f)

	_, err := f.engine.StartConsuming("orders", "https://example.com/hook",
		30000, 110000, domain.BusinessHours{StartHour: 8, EndHour: 21})
	if !errors.Is(err, domain.ErrAlreadyConsuming) {
		t.Errorf("expected ErrAlreadyConsuming, got %v", err)
	}
}

func TestStartConsuming_InvalidConfig(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.StartConsuming("orders", "not-a-url",
		30000, 110000, domain.BusinessHours{StartHour: 8, EndHour: 21})
	if !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
	if len(f.engine.ActiveQueues()) != 0 {
		t.Error("invalid config must not leave a registered queue behind")
	}
}

func TestStartConsuming_QueueNotFound(t *testing.T) {
	f := newFixture(t)
	f.broker.checkErr["ghost"] = &amqp.Error{Code: amqp.NotFound, Reason: "no queue"}

	_, err := f.engine.StartConsuming("ghost", "https://example.com/hook",
		30000, 110000, domain.BusinessHours{StartHour: 8, EndHour: 21})
	if !errors.Is(err, domain.ErrQueueNotFound) {
		t.Errorf("expected ErrQueueNotFound, got %v", err)
	}
}

func TestStartConsuming_NotConnected(t *testing.T) {
	f := newFixture(t)
	f.broker.mu.Lock()
	f.broker.ready = false
	f.broker.mu.Unlock()

	_, err := f.engine.StartConsuming("orders", "https://example.com/hook",
		30000, 110000, domain.BusinessHours{StartHour: 8, EndHour: 21})
	if !errors.Is(err, domain.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t)
	startOrders(t, f)

	if err := f.engine.PauseConsuming("orders"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := f.engine.PauseConsuming("orders"); !errors.Is(err, domain.ErrAlreadyPaused) {
		t.Errorf("expected ErrAlreadyPaused, got %v", err)
	}

	reports := f.engine.ActiveQueues()
	if !reports[0].Paused {
		t.Error("report must show the consumer paused")
	}

	if err := f.engine.ResumeConsuming("orders"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := f.engine.ResumeConsuming("orders"); !errors.Is(err, domain.ErrNotPaused) {
		t.Errorf("expected ErrNotPaused, got %v", err)
	}

	if err := f.engine.PauseConsuming("ghost"); !errors.Is(err, domain.ErrNotConsuming) {
		t.Errorf("expected ErrNotConsuming, got %v", err)
	}
}

func TestStopConsuming_ManualRemovesFromStore(t *testing.T) {
	f := newFixture(t)
	startOrders(t, f)

	summary, err := f.engine.StopConsuming("orders", domain.ReasonManual)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if summary.Queue != "orders" {
		t.Errorf("unexpected summary %+v", summary)
	}

	has, _ := f.store.Has("orders")
	if has {
		t.Error("manual stop must remove the persisted configuration")
	}
	if len(f.broker.cancelled) != 1 {
		t.Errorf("expected the consumer tag to be cancelled, got %v", f.broker.cancelled)
	}
	if len(f.notifier.finishes) != 1 {
		t.Error("manual stop must fire the finish notification")
	}
}

func TestStopConsuming_ShutdownKeepsStore(t *testing.T) {
	f := newFixture(t)
	startOrders(t, f)

	if _, err := f.engine.StopConsuming("orders", domain.ReasonShutdown); err != nil {
		t.Fatalf("stop: %v", err)
	}

	has, _ := f.store.Has("orders")
	if !has {
		t.Error("shutdown stop must preserve the persisted configuration")
	}
}

func TestStopConsuming_Unknown(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.StopConsuming("ghost", domain.ReasonManual); !errors.Is(err, domain.ErrNotConsuming) {
		t.Errorf("expected ErrNotConsuming, got %v", err)
	}
}

func TestHealthSweep_ExternalDeletion(t *testing.T) {
	f := newFixture(t)
	startOrders(t, f)
	_, err := f.engine.StartConsuming("invoices", "https://example.com/hook2",
		30000, 110000, domain.BusinessHours{StartHour: 8, EndHour: 21})
	if err != nil {
		t.Fatalf("second consumer: %v", err)
	}

	f.broker.mu.Lock()
	f.broker.checkErr["orders"] = &amqp.Error{Code: amqp.NotFound, Reason: "no queue 'orders'"}
	f.broker.mu.Unlock()

	f.engine.runHealthSweep()

	reports := f.engine.ActiveQueues()
	if len(reports) != 1 || reports[0].Queue != "invoices" {
		t.Errorf("only the deleted queue must be removed, got %+v", reports)
	}

	has, _ := f.store.Has("orders")
	if has {
		t.Error("external deletion must remove the persisted configuration")
	}

	if len(f.notifier.finishes) != 1 || f.notifier.finishes[0] != "orders" {
		t.Errorf("finish notification expected for orders, got %v", f.notifier.finishes)
	}
	if len(f.notifier.reasons) != 1 || f.notifier.reasons[0] != "queue_deleted_externally" {
		t.Errorf("expected queue_deleted_externally reason, got %v", f.notifier.reasons)
	}

	if len(f.broker.cancelled) != 0 {
		t.Error("external deletion must NOT cancel the consumer tag at the broker")
	}
}

func TestDeliveryHandler_NilDeliveryRemovesConsumer(t *testing.T) {
	f := newFixture(t)
	startOrders(t, f)

	f.broker.mu.Lock()
	handler := f.broker.handlers["orders"]
	f.broker.mu.Unlock()

	handler(nil)

	if len(f.engine.ActiveQueues()) != 0 {
		t.Error("nil delivery (cancellation) must remove the consumer")
	}
	has, _ := f.store.Has("orders")
	if has {
		t.Error("cancellation must remove the persisted configuration")
	}
}

func TestDeliveryHandler_SuccessAdvancesState(t *testing.T) {
	f := newFixture(t)

	// Tight pacing so the test does not sleep for real.
	_, err := f.engine.StartConsuming("orders", "https://example.com/hook",
		1000, 2000, domain.BusinessHours{StartHour: 0, EndHour: 23})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// Collapse the seeded interval to zero to skip the pacing sleep.
	f.engine.mu.Lock()
	f.engine.queues["orders"].nextInterval = 0
	f.engine.mu.Unlock()

	f.pipeline.disp = domain.Disposition{
		Action:  domain.ActionAck,
		Reason:  domain.ReasonSuccess,
		Payload: json.RawMessage(`{"id":1}`),
	}

	f.broker.mu.Lock()
	handler := f.broker.handlers["orders"]
	f.broker.mu.Unlock()

	handler(&amqp.Delivery{DeliveryTag: 1, Body: []byte(`{"id":1}`)})

	f.engine.mu.RLock()
	st := f.engine.queues["orders"]
	count := st.cfg.MessageCount
	last := string(st.cfg.LastPayload)
	interval := st.nextInterval
	f.engine.mu.RUnlock()

	if count != 1 {
		t.Errorf("expected messageCount=1, got %d", count)
	}
	if last != `{"id":1}` {
		t.Errorf("expected last payload recorded, got %q", last)
	}
	if interval < 1000*time.Millisecond || interval > 2000*time.Millisecond {
		t.Errorf("success must resample the interval into [min, max], got %v", interval)
	}
}

func TestRestorePersisted(t *testing.T) {
	f := newFixture(t)

	f.store.Save("orders", domain.StoredConfig{
		WebhookURL: "https://example.com/a", MinIntervalMs: 30000, MaxIntervalMs: 110000,
		BusinessHours: domain.BusinessHours{StartHour: 8, EndHour: 21},
	})
	f.store.Save("ghost", domain.StoredConfig{
		WebhookURL: "https://example.com/b", MinIntervalMs: 30000, MaxIntervalMs: 110000,
		BusinessHours: domain.BusinessHours{StartHour: 8, EndHour: 21},
	})
	f.broker.checkErr["ghost"] = &amqp.Error{Code: amqp.NotFound, Reason: "no queue"}

	result := f.engine.RestorePersisted()

	if result.Restored != 1 {
		t.Errorf("expected 1 restored, got %+v", result)
	}
	if len(result.Removed) != 1 || result.Removed[0] != "ghost" {
		t.Errorf("expected ghost removed, got %v", result.Removed)
	}

	has, _ := f.store.Has("ghost")
	if has {
		t.Error("missing queue must be dropped from the store after restore")
	}

	// A second restore skips the already-active queue.
	result = f.engine.RestorePersisted()
	if result.Skipped != 1 || result.Restored != 0 {
		t.Errorf("expected skip on second restore, got %+v", result)
	}
}

func TestReestablish_PreservesRuntimeState(t *testing.T) {
	f := newFixture(t)
	startOrders(t, f)
	f.engine.PauseConsuming("orders")

	f.engine.mu.Lock()
	f.engine.queues["orders"].cfg.MessageCount = 7
	f.engine.queues["orders"].cfg.LastPayload = json.RawMessage(`{"id":7}`)
	f.engine.mu.Unlock()

	f.engine.reestablish()

	f.engine.mu.RLock()
	st := f.engine.queues["orders"]
	f.engine.mu.RUnlock()

	if st == nil {
		t.Fatal("consumer must be reestablished")
	}
	if !st.cfg.Paused {
		t.Error("paused flag must survive reestablish")
	}
	if st.cfg.MessageCount != 7 {
		t.Errorf("message count must survive reestablish, got %d", st.cfg.MessageCount)
	}
	if string(st.cfg.LastPayload) != `{"id":7}` {
		t.Errorf("last payload must survive reestablish, got %s", st.cfg.LastPayload)
	}
}

func TestCleanupOrphans(t *testing.T) {
	f := newFixture(t)

	f.store.Save("dead", domain.StoredConfig{
		WebhookURL: "https://example.com/a", MinIntervalMs: 30000, MaxIntervalMs: 110000,
		BusinessHours: domain.BusinessHours{StartHour: 8, EndHour: 21},
	})
	f.store.Save("alive", domain.StoredConfig{
		WebhookURL: "https://example.com/b", MinIntervalMs: 30000, MaxIntervalMs: 110000,
		BusinessHours: domain.BusinessHours{StartHour: 8, EndHour: 21},
	})
	f.broker.checkErr["dead"] = &amqp.Error{Code: amqp.NotFound, Reason: "no queue"}

	removed, err := f.engine.CleanupOrphans()
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if len(removed) != 1 || removed[0] != "dead" {
		t.Errorf("expected [dead], got %v", removed)
	}

	has, _ := f.store.Has("alive")
	if !has {
		t.Error("live queue must keep its configuration")
	}
}
