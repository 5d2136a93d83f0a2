package events

import (
	"sync"

	"go.uber.org/zap"

	"github.com/pedrofnts/consumer/internal/domain"
)

// Bus fans lifecycle events out to registered subscribers. Publishing never
// blocks: a subscriber whose buffer is full misses the event, which is
// acceptable for notifications that are all re-derivable from broker state.
type Bus struct {
	logger *zap.Logger

	mu     sync.RWMutex
	subs   map[chan domain.Event]struct{}
	closed bool
}

// NewBus creates an event bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		logger: logger,
		subs:   make(map[chan domain.Event]struct{}),
	}
}

// Subscribe registers a new subscriber with the given buffer size and
// returns its receive channel. The channel is closed by Close.
func (b *Bus) Subscribe(buffer int) chan domain.Event {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan domain.Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(ch chan domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; !ok {
		return
	}
	delete(b.subs, ch)
	close(ch)
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus) Publish(evt domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.logger.Debug("event dropped for slow subscriber",
				zap.String("kind", string(evt.Kind)))
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}
