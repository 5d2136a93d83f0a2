package engine

import (
	"time"

	"go.uber.org/zap"

	"github.com/pedrofnts/consumer/internal/broker"
	"github.com/pedrofnts/consumer/internal/domain"
)

// healthLoop periodically probes every active queue to detect queues that
// were deleted at the broker behind the engine's back.
func (e *Engine) healthLoop() {
	defer close(e.healthDone)

	interval := e.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 300 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.healthQuit:
			return
		case <-ticker.C:
			e.runHealthSweep()
		}
	}
}

// runHealthSweep probes each active queue once. A channel that is not ready
// skips the sweep entirely; connection-level probe failures abort it.
func (e *Engine) runHealthSweep() {
	if !e.broker.IsChannelReady() {
		e.logger.Warn("Health sweep skipped, channel not ready")
		e.bus.Publish(domain.NewEvent(domain.EventNeedsReconnection).
			WithReason("health-monitor"))
		return
	}

	e.mu.RLock()
	names := make([]string, 0, len(e.queues))
	for name := range e.queues {
		names = append(names, name)
	}
	e.mu.RUnlock()

	for _, name := range names {
		_, err := e.broker.CheckQueue(name)
		if err == nil {
			continue
		}

		switch {
		case broker.IsQueueNotFound(err):
			e.logger.Warn("Queue deleted externally",
				zap.String("queue", name), zap.Error(err))
			e.handleExternalDeletion(name)

		case broker.NeedsReconnect(err):
			e.logger.Warn("Health sweep hit connection failure, aborting",
				zap.Error(err))
			e.bus.Publish(domain.NewEvent(domain.EventNeedsReconnection).WithError(err))
			return

		default:
			e.logger.Warn("Queue health probe failed",
				zap.String("queue", name), zap.Error(err))
		}
	}
}

// handleExternalDeletion removes a consumer whose queue no longer exists.
// The consumer tag is NOT cancelled at the broker: the queue is gone and
// the broker already tore the subscription down.
func (e *Engine) handleExternalDeletion(name string) {
	e.mu.Lock()
	st, ok := e.queues[name]
	var lastPayload []byte
	if ok {
		lastPayload = st.cfg.LastPayload
		delete(e.queues, name)
	}
	e.mu.Unlock()

	if !ok {
		return
	}

	if _, err := e.configs.Remove(name); err != nil {
		e.logger.Error("Failed to remove deleted queue from store",
			zap.String("queue", name), zap.Error(err))
	}

	e.notifier.NotifyQueueFinish(e.ctx, name, lastPayload, map[string]any{
		"reason": string(domain.ReasonQueueDeleted),
	})

	e.bus.Publish(domain.NewEvent(domain.EventQueueDeleted).WithQueue(name))
}

// CleanupOrphans probes every persisted queue and drops configurations for
// queues that no longer exist at the broker.
func (e *Engine) CleanupOrphans() ([]string, error) {
	stored, err := e.configs.LoadAll()
	if err != nil {
		return nil, err
	}

	removed := make([]string, 0)
	for name := range stored {
		if _, err := e.broker.CheckQueue(name); err == nil {
			continue
		} else if !broker.IsQueueNotFound(err) {
			e.logger.Warn("Orphan probe failed",
				zap.String("queue", name), zap.Error(err))
			continue
		}

		e.mu.RLock()
		_, active := e.queues[name]
		e.mu.RUnlock()

		if active {
			e.handleExternalDeletion(name)
		} else if _, err := e.configs.Remove(name); err != nil {
			e.logger.Error("Failed to remove orphaned configuration",
				zap.String("queue", name), zap.Error(err))
			continue
		}
		removed = append(removed, name)
	}
	return removed, nil
}
