package reconnect

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pedrofnts/consumer/internal/config"
	"github.com/pedrofnts/consumer/internal/domain"
	"github.com/pedrofnts/consumer/internal/events"
	"github.com/pedrofnts/consumer/internal/metrics"
)

// preConnectWait gives the broker a moment to release the old connection's
// resources before the fresh dial.
const preConnectWait = time.Second

// Conn is the slice of the broker client the controller drives.
type Conn interface {
	IsChannelReady() bool
	Cleanup()
	Connect() error
}

// Stats is a snapshot of the controller state.
type Stats struct {
	Attempts    int       `json:"attempts"`
	InProgress  bool      `json:"inProgress"`
	LastAttempt time.Time `json:"lastAttempt"`
}

// Controller schedules reconnection attempts in response to broker failure
// events, with debounce, exponential backoff and an attempt ceiling.
type Controller struct {
	conn   Conn
	bus    *events.Bus
	logger *zap.Logger
	cfg    config.ReconnectConfig

	mu           sync.Mutex
	attempts     int
	inProgress   bool
	lastAttempt  time.Time
	timer        *time.Timer
	shuttingDown bool

	quit chan struct{}
	done chan struct{}
	wait func(time.Duration)
	now  func() time.Time
}

// NewController creates the controller. Start must be called to begin
// observing broker events.
func NewController(conn Conn, cfg config.ReconnectConfig, bus *events.Bus, logger *zap.Logger) *Controller {
	return &Controller{
		conn:   conn,
		bus:    bus,
		logger: logger,
		cfg:    cfg,
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		wait:   time.Sleep,
		now:    time.Now,
	}
}

// Start subscribes to broker lifecycle events and, when enabled, the
// proactive connectivity monitor.
func (c *Controller) Start() {
	sub := c.bus.Subscribe(32)

	var monitor <-chan time.Time
	var ticker *time.Ticker
	if c.cfg.Monitor {
		ticker = time.NewTicker(c.cfg.MonitorInterval)
		monitor = ticker.C
	}

	go func() {
		defer close(c.done)
		if ticker != nil {
			defer ticker.Stop()
		}
		defer c.bus.Unsubscribe(sub)

		for {
			select {
			case <-c.quit:
				return
			case evt, ok := <-sub:
				if !ok {
					return
				}
				switch evt.Kind {
				case domain.EventConnectionError,
					domain.EventConnectionClosed,
					domain.EventChannelError,
					domain.EventChannelClosed,
					domain.EventNeedsReconnection:
					c.ScheduleReconnect(string(evt.Kind))
				}
			case <-monitor:
				if !c.conn.IsChannelReady() {
					c.ScheduleReconnect("connectivity-monitor")
				}
			}
		}
	}()
}

// ShouldAttempt applies the guard chain: shutdown, attempt in progress,
// healthy channel, debounce window, attempt ceiling.
func (c *Controller) ShouldAttempt() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shouldAttemptLocked()
}

func (c *Controller) shouldAttemptLocked() bool {
	if c.shuttingDown {
		return false
	}
	if c.inProgress {
		return false
	}
	if c.conn.IsChannelReady() {
		return false
	}
	if !c.lastAttempt.IsZero() && c.now().Sub(c.lastAttempt) < c.cfg.Debounce {
		return false
	}
	if c.attempts >= c.cfg.MaxAttempts {
		c.logger.Error("Reconnection attempt ceiling reached",
			zap.Int("attempts", c.attempts))
		c.bus.Publish(domain.NewEvent(domain.EventMaxAttemptsReached))
		return false
	}
	return true
}

// ScheduleReconnect arms (or re-arms) the reconnect timer with the current
// backoff delay. Simultaneous failure events collapse into a single pending
// attempt.
func (c *Controller) ScheduleReconnect(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.shouldAttemptLocked() {
		return
	}

	delay := c.delayLocked()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(delay, func() { c.attempt(reason) })

	c.logger.Info("Reconnection scheduled",
		zap.String("reason", reason),
		zap.Duration("delay", delay),
		zap.Int("attempts", c.attempts))
}

// delayLocked computes min(base * multiplier^attempts, max).
func (c *Controller) delayLocked() time.Duration {
	d := time.Duration(float64(c.cfg.BaseDelay) * math.Pow(c.cfg.Multiplier, float64(c.attempts)))
	if d > c.cfg.MaxDelay {
		d = c.cfg.MaxDelay
	}
	return d
}

// ForceReconnect cancels any pending timer and drives an attempt
// synchronously.
func (c *Controller) ForceReconnect(reason string) {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	c.attempt(reason)
}

func (c *Controller) attempt(reason string) {
	c.mu.Lock()
	if c.shuttingDown || c.inProgress {
		c.mu.Unlock()
		return
	}
	c.inProgress = true
	c.attempts++
	c.lastAttempt = c.now()
	attemptNo := c.attempts
	c.mu.Unlock()

	metrics.ReconnectAttemptsTotal.Inc()
	c.logger.Info("Reconnection attempt starting",
		zap.String("reason", reason),
		zap.Int("attempt", attemptNo))
	c.bus.Publish(domain.NewEvent(domain.EventReconnectStarted).WithReason(reason))

	c.conn.Cleanup()
	c.wait(preConnectWait)
	err := c.conn.Connect()

	c.mu.Lock()
	c.inProgress = false
	if err == nil {
		c.attempts = 0
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Error("Reconnection attempt failed",
			zap.Int("attempt", attemptNo),
			zap.Error(err))
		c.bus.Publish(domain.NewEvent(domain.EventReconnectFailed).WithError(err))
		c.ScheduleReconnect("retry-after-failure")
		return
	}

	c.logger.Info("Reconnection successful", zap.Int("attempt", attemptNo))
	c.bus.Publish(domain.NewEvent(domain.EventReconnectSuccessful))
}

// Stop halts the controller and cancels any pending attempt.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return
	}
	c.shuttingDown = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	close(c.quit)
	<-c.done
}

// StatsSnapshot returns the controller's current state.
func (c *Controller) StatsSnapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Attempts:    c.attempts,
		InProgress:  c.inProgress,
		LastAttempt: c.lastAttempt,
	}
}
