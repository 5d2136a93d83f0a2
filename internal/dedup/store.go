package dedup

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	defaultMaxProcessed    = 10000
	defaultCleanupInterval = 60 * time.Second
	defaultStaleAfter      = 300 * time.Second

	shutdownDrainTimeout = 30 * time.Second
	shutdownPollInterval = time.Second
)

// InFlight describes a delivery currently moving through the pipeline.
type InFlight struct {
	StartedAt   time.Time
	DeliveryTag uint64
	Webhook     string
}

// Stats is a snapshot of the store's occupancy.
type Stats struct {
	Processed    int `json:"processed"`
	InFlight     int `json:"inFlight"`
	MaxProcessed int `json:"maxProcessed"`
}

// Options tunes the store; zero values pick the defaults above.
type Options struct {
	MaxProcessed    int
	CleanupInterval time.Duration
	StaleAfter      time.Duration
}

// Store is a bounded in-memory memory of recently processed message
// fingerprints plus a mapping of fingerprints currently in flight. A
// fingerprint is tied to the delivery tag, so a redelivered message gets a
// fresh fingerprint and is re-processed on purpose.
type Store struct {
	logger *zap.Logger

	maxProcessed    int
	cleanupInterval time.Duration
	staleAfter      time.Duration

	mu        sync.Mutex
	processed map[string]struct{}
	order     []string
	inFlight  map[string]InFlight

	quit chan struct{}
	done chan struct{}
	now  func() time.Time
}

// NewStore creates the store and starts its background sweeps.
func NewStore(opts Options, logger *zap.Logger) *Store {
	if opts.MaxProcessed <= 0 {
		opts.MaxProcessed = defaultMaxProcessed
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = defaultCleanupInterval
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStaleAfter
	}

	s := &Store{
		logger:          logger,
		maxProcessed:    opts.MaxProcessed,
		cleanupInterval: opts.CleanupInterval,
		staleAfter:      opts.StaleAfter,
		processed:       make(map[string]struct{}),
		inFlight:        make(map[string]InFlight),
		quit:            make(chan struct{}),
		done:            make(chan struct{}),
		now:             time.Now,
	}
	go s.sweep()
	return s
}

// Fingerprint derives the deduplication key for a delivery:
// "<delivery_tag>_<base64(payload)[0..20]>". A nil delivery falls back to
// a timestamp-based key so the pipeline never stalls on a bad input.
func (s *Store) Fingerprint(d *amqp.Delivery) string {
	if d == nil {
		return fmt.Sprintf("0_%d", s.now().UnixMilli())
	}
	enc := base64.StdEncoding.EncodeToString(d.Body)
	if len(enc) > 20 {
		enc = enc[:20]
	}
	return fmt.Sprintf("%d_%s", d.DeliveryTag, enc)
}

// IsProcessed reports whether the fingerprint was recently processed.
func (s *Store) IsProcessed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.processed[id]
	return ok
}

// MarkProcessed records a fingerprint in the processed set.
func (s *Store) MarkProcessed(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.processed[id]; ok {
		return
	}
	s.processed[id] = struct{}{}
	s.order = append(s.order, id)
}

// IsProcessing reports whether the fingerprint is currently in flight.
func (s *Store) IsProcessing(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inFlight[id]
	return ok
}

// MarkProcessing registers an in-flight entry for the fingerprint.
func (s *Store) MarkProcessing(id string, meta InFlight) {
	if meta.StartedAt.IsZero() {
		meta.StartedAt = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight[id] = meta
}

// RemoveProcessing drops the in-flight entry for the fingerprint.
func (s *Store) RemoveProcessing(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, id)
}

// Clear empties both containers.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed = make(map[string]struct{})
	s.order = nil
	s.inFlight = make(map[string]InFlight)
}

// StatsSnapshot returns current occupancy.
func (s *Store) StatsSnapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Processed:    len(s.processed),
		InFlight:     len(s.inFlight),
		MaxProcessed: s.maxProcessed,
	}
}

// sweep trims the processed set to its bound on every cleanup tick and
// evicts in-flight entries that have outlived the stale threshold.
func (s *Store) sweep() {
	defer close(s.done)

	cleanup := time.NewTicker(s.cleanupInterval)
	defer cleanup.Stop()
	stale := time.NewTicker(s.staleAfter)
	defer stale.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-cleanup.C:
			s.trimProcessed()
		case <-stale.C:
			s.evictStale()
		}
	}
}

func (s *Store) trimProcessed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) <= s.maxProcessed {
		return
	}
	evicted := len(s.order) - s.maxProcessed
	for _, id := range s.order[:evicted] {
		delete(s.processed, id)
	}
	s.order = append([]string(nil), s.order[evicted:]...)
	s.logger.Debug("Processed set trimmed", zap.Int("evicted", evicted))
}

func (s *Store) evictStale() {
	cutoff := s.now().Add(-s.staleAfter)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, meta := range s.inFlight {
		if meta.StartedAt.Before(cutoff) {
			delete(s.inFlight, id)
			s.logger.Warn("Stale in-flight entry evicted",
				zap.String("fingerprint", id),
				zap.Uint64("delivery_tag", meta.DeliveryTag))
		}
	}
}

// Shutdown stops the sweeps and waits up to 30s for in-flight entries to
// drain, polling once a second, then forcibly clears everything.
func (s *Store) Shutdown(ctx context.Context) {
	close(s.quit)
	<-s.done

	// The drain bound is wall-clock time, independent of the injectable
	// clock used for stale eviction.
	deadline := time.Now().Add(shutdownDrainTimeout)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		remaining := len(s.inFlight)
		s.mu.Unlock()
		if remaining == 0 {
			break
		}
		select {
		case <-ctx.Done():
			s.logger.Warn("Dedup drain aborted", zap.Int("in_flight", remaining))
			s.Clear()
			return
		case <-time.After(shutdownPollInterval):
		}
	}

	s.mu.Lock()
	if n := len(s.inFlight); n > 0 {
		s.logger.Warn("Forcibly clearing in-flight entries", zap.Int("count", n))
	}
	s.mu.Unlock()
	s.Clear()
}
