package processor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/pedrofnts/consumer/internal/dedup"
	"github.com/pedrofnts/consumer/internal/domain"
	"github.com/pedrofnts/consumer/internal/metrics"
	"github.com/pedrofnts/consumer/internal/webhook"
)

// Broker is the slice of the broker client the pipeline needs.
type Broker interface {
	Ack(d *amqp.Delivery) error
	Nack(d *amqp.Delivery, requeue bool) error
}

// Deduper is the slice of the deduplication store the pipeline needs.
type Deduper interface {
	Fingerprint(d *amqp.Delivery) string
	IsProcessed(id string) bool
	MarkProcessed(id string)
	MarkProcessing(id string, meta dedup.InFlight)
	RemoveProcessing(id string)
}

// Sender dispatches payloads to webhooks.
type Sender interface {
	SendWithRetry(ctx context.Context, url string, payload any) webhook.Result
}

// Counters are the pipeline's running totals.
type Counters struct {
	Processed            int64 `json:"processed"`
	Failed               int64 `json:"failed"`
	Duplicates           int64 `json:"duplicates"`
	Skipped              int64 `json:"skipped"`
	OutsideBusinessHours int64 `json:"outsideBusinessHours"`
}

// Processor runs the per-message pipeline: dedup, pause gate, business-hours
// gate, webhook dispatch, then ack or nack through the broker client.
type Processor struct {
	broker Broker
	dedup  Deduper
	sender Sender
	logger *zap.Logger
	loc    *time.Location

	mu       sync.Mutex
	counters Counters

	now func() time.Time
}

// NewProcessor creates the pipeline. The timezone names the IANA zone used
// by the business-hours gate.
func NewProcessor(broker Broker, deduper Deduper, sender Sender, timezone string, logger *zap.Logger) (*Processor, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, err
	}
	return &Processor{
		broker: broker,
		dedup:  deduper,
		sender: sender,
		logger: logger,
		loc:    loc,
		now:    time.Now,
	}, nil
}

// Process runs one delivery through the pipeline and returns its
// disposition. The broker call (ack/nack) has already been issued when this
// returns. On the duplicate branch NO broker call is made: the fingerprint
// was recorded against an earlier delivery tag, and acking the current tag's
// predecessor would poison the channel.
func (p *Processor) Process(ctx context.Context, d *amqp.Delivery, cfg domain.ConsumerConfig) (disp domain.Disposition) {
	if d == nil {
		return p.finish(cfg.QueueName, domain.Disposition{Action: domain.ActionSkip, Reason: domain.ReasonCancelled})
	}

	fp := p.dedup.Fingerprint(d)
	if p.dedup.IsProcessed(fp) {
		p.mu.Lock()
		p.counters.Duplicates++
		p.counters.Skipped++
		p.mu.Unlock()
		p.logger.Warn("Duplicate delivery skipped",
			zap.String("queue", cfg.QueueName),
			zap.String("fingerprint", fp))
		return p.finish(cfg.QueueName, domain.Disposition{Action: domain.ActionSkip, Reason: domain.ReasonDuplicate})
	}

	if cfg.Paused {
		p.broker.Nack(d, true)
		return p.finish(cfg.QueueName, domain.Disposition{Action: domain.ActionNack, Reason: domain.ReasonPaused})
	}

	hour := p.now().In(p.loc).Hour()
	if !cfg.BusinessHours.Contains(hour) {
		p.mu.Lock()
		p.counters.OutsideBusinessHours++
		p.mu.Unlock()
		p.broker.Nack(d, true)
		return p.finish(cfg.QueueName, domain.Disposition{Action: domain.ActionNack, Reason: domain.ReasonOutsideHours})
	}

	p.dedup.MarkProcessing(fp, dedup.InFlight{
		DeliveryTag: d.DeliveryTag,
		Webhook:     cfg.WebhookURL,
	})
	defer p.dedup.RemoveProcessing(fp)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Pipeline panic recovered",
				zap.String("queue", cfg.QueueName),
				zap.Any("panic", r))
			p.mu.Lock()
			p.counters.Failed++
			p.mu.Unlock()
			p.broker.Nack(d, true)
			disp = p.finish(cfg.QueueName, domain.Disposition{Action: domain.ActionNack, Reason: domain.ReasonUnexpectedFailure})
		}
	}()

	if err := validateJSON(d.Body); err != nil {
		// Malformed payloads must not block the queue: drop permanently.
		p.logger.Error("Payload is not valid JSON, dropping",
			zap.String("queue", cfg.QueueName),
			zap.Uint64("delivery_tag", d.DeliveryTag),
			zap.Error(err))
		p.broker.Ack(d)
		p.dedup.MarkProcessed(fp)
		p.mu.Lock()
		p.counters.Failed++
		p.mu.Unlock()
		return p.finish(cfg.QueueName, domain.Disposition{Action: domain.ActionAck, Reason: domain.ReasonParseError})
	}

	// Forward the payload bytes verbatim; decoding above only validated them.
	res := p.sender.SendWithRetry(ctx, cfg.WebhookURL, json.RawMessage(d.Body))
	switch {
	case res.Success:
		p.broker.Ack(d)
		p.dedup.MarkProcessed(fp)
		p.mu.Lock()
		p.counters.Processed++
		p.mu.Unlock()
		return p.finish(cfg.QueueName, domain.Disposition{
			Action:  domain.ActionAck,
			Reason:  domain.ReasonSuccess,
			Payload: json.RawMessage(append([]byte(nil), d.Body...)),
		})

	case res.Retryable:
		p.logger.Warn("Webhook dispatch failed, requeueing",
			zap.String("queue", cfg.QueueName),
			zap.Int("status", res.Status),
			zap.Int("attempts", res.Attempts),
			zap.Error(res.Err))
		p.broker.Nack(d, true)
		p.mu.Lock()
		p.counters.Failed++
		p.mu.Unlock()
		return p.finish(cfg.QueueName, domain.Disposition{Action: domain.ActionNack, Reason: domain.ReasonWebhookRetry})

	default:
		// 4xx: the endpoint rejected the payload; retrying cannot help.
		p.logger.Warn("Webhook rejected payload, dropping",
			zap.String("queue", cfg.QueueName),
			zap.Int("status", res.Status))
		p.broker.Ack(d)
		p.dedup.MarkProcessed(fp)
		p.mu.Lock()
		p.counters.Failed++
		p.mu.Unlock()
		return p.finish(cfg.QueueName, domain.Disposition{Action: domain.ActionAck, Reason: domain.ReasonWebhookPermanent})
	}
}

func validateJSON(body []byte) error {
	var v any
	return json.Unmarshal(body, &v)
}

func (p *Processor) finish(queue string, disp domain.Disposition) domain.Disposition {
	metrics.MessagesTotal.WithLabelValues(queue, string(disp.Reason)).Inc()
	return disp
}

// CountersSnapshot returns the current totals.
func (p *Processor) CountersSnapshot() Counters {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counters
}

// ResetCounters zeroes the totals.
func (p *Processor) ResetCounters() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counters = Counters{}
}
