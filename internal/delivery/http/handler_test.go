package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/pedrofnts/consumer/internal/broker"
	"github.com/pedrofnts/consumer/internal/config"
	"github.com/pedrofnts/consumer/internal/dedup"
	"github.com/pedrofnts/consumer/internal/domain"
	"github.com/pedrofnts/consumer/internal/engine"
	"github.com/pedrofnts/consumer/internal/events"
	"github.com/pedrofnts/consumer/internal/processor"
	"github.com/pedrofnts/consumer/internal/reconnect"
	"github.com/pedrofnts/consumer/internal/store"
	"github.com/pedrofnts/consumer/internal/webhook"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubBroker struct {
	mu    sync.Mutex
	ready bool
}

func (s *stubBroker) Connect() error { return nil }
func (s *stubBroker) Disconnect()    {}

func (s *stubBroker) IsChannelReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *stubBroker) CheckQueue(name string) (broker.QueueStatus, error) {
	return broker.QueueStatus{MessageCount: 3, ConsumerCount: 1}, nil
}

func (s *stubBroker) Consume(queue string, handler broker.DeliveryHandler) (string, error) {
	return "ctag-" + queue, nil
}

func (s *stubBroker) CancelConsumer(tag string) error           { return nil }
func (s *stubBroker) Nack(d *amqp.Delivery, requeue bool) error { return nil }

type stubPipeline struct{}

func (stubPipeline) Process(context.Context, *amqp.Delivery, domain.ConsumerConfig) domain.Disposition {
	return domain.Disposition{Action: domain.ActionAck, Reason: domain.ReasonSuccess}
}
func (stubPipeline) CountersSnapshot() processor.Counters { return processor.Counters{} }
func (stubPipeline) ResetCounters()                       {}

type stubDedup struct{}

func (stubDedup) StatsSnapshot() dedup.Stats   { return dedup.Stats{} }
func (stubDedup) Shutdown(ctx context.Context) {}

type stubReconnector struct{}

func (stubReconnector) Start()                         {}
func (stubReconnector) Stop()                          {}
func (stubReconnector) StatsSnapshot() reconnect.Stats { return reconnect.Stats{} }

type fixture struct {
	router *gin.Engine
	engine *engine.Engine
	broker *stubBroker
	store  *store.Store
}

func setup(t *testing.T) *fixture {
	t.Helper()

	logger := zap.NewNop()
	st, err := store.NewStore(t.TempDir()+"/configs.json", logger)
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	sender := webhook.NewSender(webhook.Options{
		Timeout:       time.Second,
		RetryAttempts: 1,
		RetryBase:     time.Millisecond,
	}, logger)

	b := &stubBroker{ready: true}
	bus := events.NewBus(logger)
	t.Cleanup(bus.Close)

	eng := engine.NewEngine(b, stubPipeline{}, st, sender, stubDedup{},
		stubReconnector{}, bus, config.ConsumerConfig{HealthCheckInterval: time.Hour}, logger)

	router := NewRouter(&RouterDeps{
		Engine: eng,
		Sender: sender,
		Store:  st,
		Bus:    bus,
		Logger: logger,
	})

	return &fixture{router: router, engine: eng, broker: b, store: st}
}

func doJSON(f *fixture, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestHealth_DegradedWhenNotInitialized(t *testing.T) {
	f := setup(t)

	w := doJSON(f, http.MethodGet, "/health", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("uninitialized engine must report 503, got %d", w.Code)
	}
}

func TestConsume_CreatesConsumer(t *testing.T) {
	f := setup(t)

	w := doJSON(f, http.MethodPost, "/consume", map[string]any{
		"queue":       "orders",
		"webhook":     "https://example.com/hook",
		"minInterval": 30000,
		"maxInterval": 110000,
		"businessHours": map[string]int{
			"start": 8,
			"end":   21,
		},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	has, _ := f.store.Has("orders")
	if !has {
		t.Error("consume must persist the configuration")
	}
}

func TestConsume_InvalidBody(t *testing.T) {
	f := setup(t)

	w := doJSON(f, http.MethodPost, "/consume", map[string]any{"queue": "orders"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing webhook must be a 400, got %d", w.Code)
	}
}

func TestConsume_InvalidWebhookURL(t *testing.T) {
	f := setup(t)

	w := doJSON(f, http.MethodPost, "/consume", map[string]any{
		"queue":   "orders",
		"webhook": "not-a-url",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid webhook URL must be a 400, got %d", w.Code)
	}
}

func TestConsume_AlreadyConsuming(t *testing.T) {
	f := setup(t)

	body := map[string]any{"queue": "orders", "webhook": "https://example.com/hook"}
	if w := doJSON(f, http.MethodPost, "/consume", body); w.Code != http.StatusCreated {
		t.Fatalf("first consume failed: %d", w.Code)
	}
	if w := doJSON(f, http.MethodPost, "/consume", body); w.Code != http.StatusBadRequest {
		t.Errorf("second consume must be a 400, got %d", w.Code)
	}
}

func TestPauseResume_Flow(t *testing.T) {
	f := setup(t)

	doJSON(f, http.MethodPost, "/consume", map[string]any{
		"queue": "orders", "webhook": "https://example.com/hook",
	})

	if w := doJSON(f, http.MethodPost, "/pause", map[string]any{"queue": "orders"}); w.Code != http.StatusOK {
		t.Errorf("pause must be a 200, got %d", w.Code)
	}
	if w := doJSON(f, http.MethodPost, "/pause", map[string]any{"queue": "orders"}); w.Code != http.StatusBadRequest {
		t.Errorf("double pause must be a 400, got %d", w.Code)
	}
	if w := doJSON(f, http.MethodPost, "/resume", map[string]any{"queue": "orders"}); w.Code != http.StatusOK {
		t.Errorf("resume must be a 200, got %d", w.Code)
	}
	if w := doJSON(f, http.MethodPost, "/pause", map[string]any{"queue": "ghost"}); w.Code != http.StatusNotFound {
		t.Errorf("pausing an unknown queue must be a 404, got %d", w.Code)
	}
}

func TestStop_Flow(t *testing.T) {
	f := setup(t)

	doJSON(f, http.MethodPost, "/consume", map[string]any{
		"queue": "orders", "webhook": "https://example.com/hook",
	})

	if w := doJSON(f, http.MethodPost, "/stop", map[string]any{"queue": "orders"}); w.Code != http.StatusOK {
		t.Errorf("stop must be a 200, got %d", w.Code)
	}
	if w := doJSON(f, http.MethodPost, "/stop", map[string]any{"queue": "orders"}); w.Code != http.StatusNotFound {
		t.Errorf("stopping a stopped queue must be a 404, got %d", w.Code)
	}
}

func TestActiveQueuesAndStats(t *testing.T) {
	f := setup(t)

	doJSON(f, http.MethodPost, "/consume", map[string]any{
		"queue": "orders", "webhook": "https://example.com/hook",
	})

	w := doJSON(f, http.MethodGet, "/active-queues", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("active-queues: %d", w.Code)
	}
	var resp struct {
		Queues []map[string]any `json:"queues"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(resp.Queues) != 1 {
		t.Errorf("expected 1 active queue, got %d", len(resp.Queues))
	}
	if resp.Queues[0]["estimatedCompletion"] == nil {
		t.Error("report must include estimatedCompletion")
	}

	if w := doJSON(f, http.MethodGet, "/stats", nil); w.Code != http.StatusOK {
		t.Errorf("stats: %d", w.Code)
	}
	if w := doJSON(f, http.MethodPost, "/stats/reset", nil); w.Code != http.StatusOK {
		t.Errorf("stats/reset: %d", w.Code)
	}
}

func TestQueueInfo(t *testing.T) {
	f := setup(t)

	w := doJSON(f, http.MethodGet, "/queue-info/orders", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("queue-info: %d", w.Code)
	}
	var info engine.QueueInfo
	if err := json.Unmarshal(w.Body.Bytes(), &info); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if info.MessageCount != 3 {
		t.Errorf("expected broker message count, got %d", info.MessageCount)
	}
	if info.IsActive {
		t.Error("queue without a consumer must not be active")
	}
}

func TestWebhookTest_Endpoint(t *testing.T) {
	f := setup(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := doJSON(f, http.MethodPost, "/webhook/test", map[string]any{"url": srv.URL})
	if w.Code != http.StatusOK {
		t.Errorf("probe of a healthy endpoint must be a 200, got %d", w.Code)
	}

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	w = doJSON(f, http.MethodPost, "/webhook/test", map[string]any{"url": bad.URL})
	if w.Code != http.StatusBadRequest {
		t.Errorf("probe of a failing endpoint must be a 400, got %d", w.Code)
	}
}

func TestPersistedQueues_Endpoints(t *testing.T) {
	f := setup(t)

	f.store.Save("orders", domain.StoredConfig{
		WebhookURL: "https://example.com/hook", MinIntervalMs: 30000, MaxIntervalMs: 110000,
		BusinessHours: domain.BusinessHours{StartHour: 8, EndHour: 21},
	})

	w := doJSON(f, http.MethodGet, "/persisted-queues", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("persisted-queues: %d", w.Code)
	}

	w = doJSON(f, http.MethodDelete, "/persisted-queue/orders", nil)
	if w.Code != http.StatusOK {
		t.Errorf("delete persisted queue: %d", w.Code)
	}
	w = doJSON(f, http.MethodDelete, "/persisted-queue/orders", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("deleting a missing persisted queue must be a 404, got %d", w.Code)
	}

	w = doJSON(f, http.MethodDelete, "/clear-configs", nil)
	if w.Code != http.StatusOK {
		t.Errorf("clear-configs: %d", w.Code)
	}
}

func TestBackupRestore_Endpoints(t *testing.T) {
	f := setup(t)

	f.store.Save("orders", domain.StoredConfig{
		WebhookURL: "https://example.com/hook", MinIntervalMs: 30000, MaxIntervalMs: 110000,
		BusinessHours: domain.BusinessHours{StartHour: 8, EndHour: 21},
	})

	backupPath := t.TempDir() + "/backup.json"
	w := doJSON(f, http.MethodPost, "/backup-configs", map[string]any{"path": backupPath})
	if w.Code != http.StatusOK {
		t.Fatalf("backup-configs: %d %s", w.Code, w.Body.String())
	}

	doJSON(f, http.MethodDelete, "/clear-configs", nil)

	w = doJSON(f, http.MethodPost, "/restore-backup", map[string]any{"backupPath": backupPath})
	if w.Code != http.StatusOK {
		t.Fatalf("restore-backup: %d %s", w.Code, w.Body.String())
	}

	has, _ := f.store.Has("orders")
	if !has {
		t.Error("restore-backup must reproduce the stored queues")
	}

	w = doJSON(f, http.MethodPost, "/restore-backup", map[string]any{"backupPath": "/nonexistent.json"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("restoring a missing backup must be a 400, got %d", w.Code)
	}
}
