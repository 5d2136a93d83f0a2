package engine

import (
	"errors"

	"go.uber.org/zap"

	"github.com/pedrofnts/consumer/internal/domain"
)

// RestoreResult summarises a restore pass over the persistence store.
type RestoreResult struct {
	Restored int      `json:"restored"`
	Failed   int      `json:"failed"`
	Skipped  int      `json:"skipped"`
	Removed  []string `json:"removed"`
}

// RestorePersisted starts a consumer for every persisted configuration
// that is not already active. Queues that no longer exist at the broker
// are dropped from the store after the loop.
func (e *Engine) RestorePersisted() RestoreResult {
	result := RestoreResult{Removed: []string{}}

	stored, err := e.configs.LoadAll()
	if err != nil {
		e.logger.Error("Failed to load persisted configurations", zap.Error(err))
		return result
	}

	var toRemove []string
	for name, sc := range stored {
		e.mu.RLock()
		_, active := e.queues[name]
		e.mu.RUnlock()
		if active {
			result.Skipped++
			continue
		}

		_, err := e.StartConsuming(name, sc.WebhookURL, sc.MinIntervalMs, sc.MaxIntervalMs, sc.BusinessHours)
		switch {
		case err == nil:
			result.Restored++
		case errors.Is(err, domain.ErrQueueNotFound):
			toRemove = append(toRemove, name)
		default:
			result.Failed++
			e.logger.Error("Failed to restore consumer",
				zap.String("queue", name), zap.Error(err))
		}
	}

	for _, name := range toRemove {
		if _, err := e.configs.Remove(name); err != nil {
			e.logger.Error("Failed to drop missing queue from store",
				zap.String("queue", name), zap.Error(err))
			continue
		}
		result.Removed = append(result.Removed, name)
		e.logger.Warn("Persisted queue no longer exists, dropped",
			zap.String("queue", name))
	}

	return result
}

// reestablish rebuilds every consumer from the in-memory table after a
// successful reconnection, carrying the paused flag, last payload and
// message counter over to the fresh subscriptions.
func (e *Engine) reestablish() {
	e.mu.Lock()
	prior := e.queues
	e.queues = make(map[string]*queueState)
	e.mu.Unlock()

	if len(prior) == 0 {
		return
	}
	e.logger.Info("Reestablishing consumers after reconnect",
		zap.Int("count", len(prior)))

	for name, old := range prior {
		_, err := e.StartConsuming(name, old.cfg.WebhookURL,
			old.cfg.MinIntervalMs, old.cfg.MaxIntervalMs, old.cfg.BusinessHours)
		if err != nil {
			if errors.Is(err, domain.ErrQueueNotFound) {
				// The queue vanished while we were disconnected.
				if _, rmErr := e.configs.Remove(name); rmErr != nil {
					e.logger.Error("Failed to drop vanished queue from store",
						zap.String("queue", name), zap.Error(rmErr))
				}
				e.notifier.NotifyQueueFinish(e.ctx, name, old.cfg.LastPayload, map[string]any{
					"reason": string(domain.ReasonQueueDeleted),
				})
				e.bus.Publish(domain.NewEvent(domain.EventQueueDeleted).WithQueue(name))
				continue
			}
			e.logger.Error("Failed to reestablish consumer",
				zap.String("queue", name), zap.Error(err))
			continue
		}

		// Carry runtime state onto the fresh configuration.
		e.mu.Lock()
		if st, ok := e.queues[name]; ok {
			st.cfg.Paused = old.cfg.Paused
			st.cfg.LastPayload = old.cfg.LastPayload
			st.cfg.MessageCount = old.cfg.MessageCount
			st.cfg.CreatedAt = old.cfg.CreatedAt
			if old.cfg.Paused {
				st.status = statusPaused
			}
		}
		e.mu.Unlock()
	}
}
