package dedup

import (
	"context"
	"fmt"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

func newTestStore(opts Options) *Store {
	return NewStore(opts, zap.NewNop())
}

func TestFingerprint_Deterministic(t *testing.T) {
	s := newTestStore(Options{})
	defer s.Shutdown(context.Background())

	d := &amqp.Delivery{DeliveryTag: 42, Body: []byte(`{"id":1}`)}
	fp1 := s.Fingerprint(d)
	fp2 := s.Fingerprint(d)
	if fp1 != fp2 {
		t.Fatalf("fingerprint not deterministic: %q vs %q", fp1, fp2)
	}
	if fp1[:3] != "42_" {
		t.Errorf("fingerprint must be prefixed with the delivery tag, got %q", fp1)
	}
}

func TestFingerprint_ChangesWithDeliveryTag(t *testing.T) {
	s := newTestStore(Options{})
	defer s.Shutdown(context.Background())

	body := []byte(`{"id":1}`)
	fp1 := s.Fingerprint(&amqp.Delivery{DeliveryTag: 1, Body: body})
	fp2 := s.Fingerprint(&amqp.Delivery{DeliveryTag: 2, Body: body})
	if fp1 == fp2 {
		t.Error("redelivered message (new tag) must get a new fingerprint")
	}
}

func TestFingerprint_NilDeliveryFallback(t *testing.T) {
	s := newTestStore(Options{})
	defer s.Shutdown(context.Background())

	if fp := s.Fingerprint(nil); fp == "" {
		t.Error("nil delivery must still produce a fingerprint")
	}
}

func TestMarkProcessed_Roundtrip(t *testing.T) {
	s := newTestStore(Options{})
	defer s.Shutdown(context.Background())

	if s.IsProcessed("a") {
		t.Fatal("fresh store must not report processed")
	}
	s.MarkProcessed("a")
	if !s.IsProcessed("a") {
		t.Fatal("expected fingerprint to be processed")
	}

	// Duplicate marks must not grow the insertion order.
	s.MarkProcessed("a")
	if got := s.StatsSnapshot().Processed; got != 1 {
		t.Errorf("expected 1 processed entry, got %d", got)
	}
}

func TestTrimProcessed_EvictsOldestFirst(t *testing.T) {
	s := newTestStore(Options{MaxProcessed: 3})
	defer s.Shutdown(context.Background())

	for i := 0; i < 5; i++ {
		s.MarkProcessed(fmt.Sprintf("fp-%d", i))
	}
	s.trimProcessed()

	if s.IsProcessed("fp-0") || s.IsProcessed("fp-1") {
		t.Error("oldest fingerprints must be evicted first")
	}
	for i := 2; i < 5; i++ {
		if !s.IsProcessed(fmt.Sprintf("fp-%d", i)) {
			t.Errorf("fp-%d must survive the trim", i)
		}
	}
}

func TestInFlight_Lifecycle(t *testing.T) {
	s := newTestStore(Options{})
	defer s.Shutdown(context.Background())

	s.MarkProcessing("x", InFlight{DeliveryTag: 7, Webhook: "http://example.com"})
	if !s.IsProcessing("x") {
		t.Fatal("expected fingerprint to be in flight")
	}
	s.RemoveProcessing("x")
	if s.IsProcessing("x") {
		t.Fatal("expected fingerprint to be removed")
	}
}

func TestEvictStale_RemovesOldEntries(t *testing.T) {
	s := newTestStore(Options{StaleAfter: 5 * time.Minute})
	defer s.Shutdown(context.Background())

	base := time.Now()
	s.MarkProcessing("old", InFlight{StartedAt: base.Add(-10 * time.Minute)})
	s.MarkProcessing("fresh", InFlight{StartedAt: base})

	s.now = func() time.Time { return base }
	s.evictStale()

	if s.IsProcessing("old") {
		t.Error("stale entry must be evicted")
	}
	if !s.IsProcessing("fresh") {
		t.Error("fresh entry must survive")
	}
}

func TestClear_EmptiesBothContainers(t *testing.T) {
	s := newTestStore(Options{})
	defer s.Shutdown(context.Background())

	s.MarkProcessed("a")
	s.MarkProcessing("b", InFlight{})
	s.Clear()

	st := s.StatsSnapshot()
	if st.Processed != 0 || st.InFlight != 0 {
		t.Errorf("clear must empty the store, got %+v", st)
	}
}

func TestShutdown_DrainsImmediatelyWhenEmpty(t *testing.T) {
	s := newTestStore(Options{})

	done := make(chan struct{})
	go func() {
		s.Shutdown(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown with no in-flight entries must return promptly")
	}
}

func TestShutdown_ForceClearsOnContextCancel(t *testing.T) {
	s := newTestStore(Options{})
	s.MarkProcessing("stuck", InFlight{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Shutdown(ctx)

	if s.StatsSnapshot().InFlight != 0 {
		t.Error("shutdown must forcibly clear in-flight entries")
	}
}
