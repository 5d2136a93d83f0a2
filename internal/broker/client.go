package broker

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/pedrofnts/consumer/internal/config"
	"github.com/pedrofnts/consumer/internal/domain"
	"github.com/pedrofnts/consumer/internal/events"
	"github.com/pedrofnts/consumer/internal/metrics"
)

// DeliveryHandler receives one delivery per invocation. A nil delivery means
// the broker cancelled the subscription (basic.cancel); the engine treats it
// as subscription termination, not as a message.
type DeliveryHandler func(*amqp.Delivery)

// QueueStatus is the result of a passive queue probe.
type QueueStatus struct {
	MessageCount  int `json:"messageCount"`
	ConsumerCount int `json:"consumerCount"`
}

type consumerEntry struct {
	queue   string
	handler DeliveryHandler
}

// Client wraps a single AMQP connection and channel. All channel writes are
// serialized behind one mutex: an amqp091 channel is not safe for concurrent
// writers. Prefetch is pinned to 1 — pacing is enforced by the engine, so
// only one unacknowledged delivery per consumer may exist at a time.
type Client struct {
	cfg    config.RabbitMQConfig
	logger *zap.Logger
	bus    *events.Bus

	mu           sync.Mutex
	conn         *amqp.Connection
	channel      *amqp.Channel
	consumers    map[string]*consumerEntry
	generation   int
	intentional  bool
	shuttingDown bool
}

// NewClient creates a broker client. Connect must be called before use.
func NewClient(cfg config.RabbitMQConfig, bus *events.Bus, logger *zap.Logger) *Client {
	return &Client{
		cfg:       cfg,
		logger:    logger,
		bus:       bus,
		consumers: make(map[string]*consumerEntry),
	}
}

// Connect opens the connection and channel and installs lifecycle watchers.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shuttingDown {
		return domain.ErrShuttingDown
	}
	if c.connReady() {
		return nil
	}

	conn, err := amqp.DialConfig(c.cfg.URL, amqp.Config{
		Heartbeat: c.cfg.Heartbeat,
		Dial:      amqp.DefaultDial(c.cfg.DialTimeout),
	})
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}

	// Prefetch 1: one unacknowledged delivery per consumer.
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("amqp qos: %w", err)
	}

	c.conn = conn
	c.channel = ch
	c.intentional = false
	c.generation++
	c.consumers = make(map[string]*consumerEntry)

	connClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	chanClose := ch.NotifyClose(make(chan *amqp.Error, 1))
	cancels := ch.NotifyCancel(make(chan string, 4))
	go c.watch(c.generation, connClose, chanClose, cancels)

	metrics.BrokerConnected.Set(1)
	c.bus.Publish(domain.NewEvent(domain.EventConnected))
	c.logger.Info("Connected to RabbitMQ")
	return nil
}

// watch observes close and cancel notifications for one connection
// generation. Close notifications end the watcher; cancel notifications are
// forwarded to the affected consumer and the watcher keeps running.
func (c *Client) watch(gen int, connClose, chanClose chan *amqp.Error, cancels chan string) {
	for {
		select {
		case err, ok := <-connClose:
			if !c.currentGeneration(gen) || c.isIntentional() {
				return
			}
			metrics.BrokerConnected.Set(0)
			if ok && err != nil {
				c.logger.Warn("AMQP connection error", zap.Error(err))
				c.bus.Publish(domain.NewEvent(domain.EventConnectionError).WithError(err))
			} else {
				c.logger.Warn("AMQP connection closed")
				c.bus.Publish(domain.NewEvent(domain.EventConnectionClosed))
			}
			return

		case err, ok := <-chanClose:
			if !c.currentGeneration(gen) || c.isIntentional() {
				return
			}
			metrics.BrokerConnected.Set(0)
			if ok && err != nil {
				c.logger.Warn("AMQP channel error", zap.Error(err))
				c.bus.Publish(domain.NewEvent(domain.EventChannelError).WithError(err))
			} else {
				c.logger.Warn("AMQP channel closed")
				c.bus.Publish(domain.NewEvent(domain.EventChannelClosed))
			}
			return

		case tag, ok := <-cancels:
			if !ok {
				return
			}
			if !c.currentGeneration(gen) {
				return
			}
			c.handleServerCancel(tag)
		}
	}
}

// handleServerCancel reacts to a broker-initiated basic.cancel: the consumer
// is gone (typically because its queue was deleted), so the registered
// handler is told via a nil delivery.
func (c *Client) handleServerCancel(tag string) {
	c.mu.Lock()
	entry, ok := c.consumers[tag]
	if ok {
		delete(c.consumers, tag)
	}
	c.mu.Unlock()

	if !ok {
		return
	}

	c.logger.Warn("Consumer cancelled by broker",
		zap.String("queue", entry.queue),
		zap.String("consumer_tag", tag))
	c.bus.Publish(domain.NewEvent(domain.EventConsumerCancelled).
		WithQueue(entry.queue).WithTag(tag))

	go entry.handler(nil)
}

// IsChannelReady reports whether both the connection and the channel are
// open and the client is not shutting down.
func (c *Client) IsChannelReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connReady()
}

func (c *Client) connReady() bool {
	return !c.shuttingDown &&
		c.conn != nil && !c.conn.IsClosed() &&
		c.channel != nil && !c.channel.IsClosed()
}

func (c *Client) currentGeneration(gen int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation == gen
}

func (c *Client) isIntentional() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.intentional
}

// CheckQueue probes a queue with a passive declare on a throwaway channel.
// A 404 on passive declare closes the channel it was issued on, so the
// shared consumer channel must never be used for probes.
func (c *Client) CheckQueue(name string) (QueueStatus, error) {
	c.mu.Lock()
	conn := c.conn
	ready := c.connReady()
	c.mu.Unlock()

	if !ready {
		return QueueStatus{}, domain.ErrNotConnected
	}

	ch, err := conn.Channel()
	if err != nil {
		return QueueStatus{}, fmt.Errorf("amqp probe channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueInspect(name)
	if err != nil {
		return QueueStatus{}, fmt.Errorf("queue inspect %q: %w", name, err)
	}
	return QueueStatus{MessageCount: q.Messages, ConsumerCount: q.Consumers}, nil
}

// Consume registers a consumer on the queue and pumps deliveries to the
// handler from a dedicated goroutine. Returns the generated consumer tag.
func (c *Client) Consume(queue string, handler DeliveryHandler) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connReady() {
		return "", domain.ErrNotConnected
	}

	tag := fmt.Sprintf("ctag-%s-%s", queue, uuid.NewString())
	deliveries, err := c.channel.Consume(
		queue,
		tag,
		false, // auto-ack disabled (manual ack)
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return "", fmt.Errorf("amqp consume %q: %w", queue, err)
	}

	c.consumers[tag] = &consumerEntry{queue: queue, handler: handler}
	go c.pump(tag, queue, deliveries, handler)

	c.logger.Info("Consumer registered",
		zap.String("queue", queue),
		zap.String("consumer_tag", tag))
	return tag, nil
}

// pump invokes the handler once per delivery, in broker order. When the
// deliveries channel closes without a basic.cancel (channel teardown on
// reconnect) the pump exits silently: that path is not a cancellation.
func (c *Client) pump(tag, queue string, deliveries <-chan amqp.Delivery, handler DeliveryHandler) {
	for d := range deliveries {
		handler(&d)
	}

	c.mu.Lock()
	delete(c.consumers, tag)
	c.mu.Unlock()

	c.logger.Debug("Delivery pump stopped", zap.String("queue", queue))
}

// CancelConsumer cancels a live subscription at the broker.
func (c *Client) CancelConsumer(tag string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.consumers, tag)
	if !c.connReady() {
		return nil
	}

	if err := c.channel.Cancel(tag, false); err != nil {
		if NeedsReconnect(err) {
			c.bus.Publish(domain.NewEvent(domain.EventNeedsReconnection).WithError(err))
		}
		return fmt.Errorf("amqp cancel %q: %w", tag, err)
	}
	return nil
}

// Ack acknowledges a delivery. No-op when the channel is not ready; errors
// for an unknown delivery tag are swallowed (the tag belongs to a dead
// channel, retrying is meaningless and a reconnect would be wrong).
func (c *Client) Ack(d *amqp.Delivery) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connReady() {
		c.logger.Debug("Ack skipped, channel not ready", zap.Uint64("delivery_tag", d.DeliveryTag))
		return nil
	}

	if err := c.channel.Ack(d.DeliveryTag, false); err != nil {
		return c.handleOpError("ack", d.DeliveryTag, err)
	}
	return nil
}

// Nack negatively acknowledges a delivery, optionally requeueing it.
func (c *Client) Nack(d *amqp.Delivery, requeue bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connReady() {
		c.logger.Debug("Nack skipped, channel not ready", zap.Uint64("delivery_tag", d.DeliveryTag))
		return nil
	}

	if err := c.channel.Nack(d.DeliveryTag, false, requeue); err != nil {
		return c.handleOpError("nack", d.DeliveryTag, err)
	}
	return nil
}

func (c *Client) handleOpError(op string, tag uint64, err error) error {
	if IsDeliveryTagError(err) {
		c.logger.Debug("Stale delivery tag swallowed",
			zap.String("op", op),
			zap.Uint64("delivery_tag", tag),
			zap.Error(err))
		return nil
	}
	if NeedsReconnect(err) {
		c.bus.Publish(domain.NewEvent(domain.EventNeedsReconnection).WithError(err))
	}
	return fmt.Errorf("amqp %s: %w", op, err)
}

// Cleanup tears down the connection and channel without marking the client
// as shutting down. Used by the reconnection controller before a fresh dial.
func (c *Client) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardown()
}

// Disconnect permanently closes the client.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.teardown()
}

func (c *Client) teardown() {
	c.intentional = true
	c.generation++
	c.consumers = make(map[string]*consumerEntry)

	if c.channel != nil && !c.channel.IsClosed() {
		if err := c.channel.Close(); err != nil && !isClosedErr(err) {
			c.logger.Debug("Channel close", zap.Error(err))
		}
	}
	c.channel = nil

	if c.conn != nil && !c.conn.IsClosed() {
		if err := c.conn.Close(); err != nil && !isClosedErr(err) {
			c.logger.Debug("Connection close", zap.Error(err))
		}
	}
	c.conn = nil

	metrics.BrokerConnected.Set(0)
}

func isClosedErr(err error) bool {
	return errors.Is(err, amqp.ErrClosed)
}

// ConsumerCount returns the number of registered consumers.
func (c *Client) ConsumerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.consumers)
}
