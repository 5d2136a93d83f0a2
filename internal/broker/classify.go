package broker

import (
	"errors"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQP reply codes that indicate the channel or connection is unusable.
var reconnectCodes = map[int]struct{}{
	amqp.ChannelError:    {}, // 504
	amqp.UnexpectedFrame: {}, // 505
	amqp.ResourceError:   {}, // 506
}

// Transport-level substrings kept as a compatibility shim for errors that
// surface without a reply code (socket resets, DNS failures, timeouts).
var reconnectSubstrings = []string{
	"channel closed",
	"connection closed",
	"socket closed",
	"econnreset",
	"enotfound",
	"etimedout",
}

var notFoundSubstrings = []string{
	"not_found",
	"not found",
	"does not exist",
}

// IsQueueNotFound reports whether the error is scoped to a single queue
// (missing or access-refused). These never warrant a reconnect.
func IsQueueNotFound(err error) bool {
	if err == nil {
		return false
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		if amqpErr.Code == amqp.NotFound || amqpErr.Code == amqp.AccessRefused {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, s := range notFoundSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// IsDeliveryTagError reports whether the error is the broker rejecting an
// ack/nack for a delivery tag it no longer knows (PRECONDITION_FAILED 406).
// These happen when a tag outlives its channel and must be swallowed: they
// do not mean the channel needs replacing.
func IsDeliveryTagError(err error) bool {
	if err == nil {
		return false
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && amqpErr.Code == amqp.PreconditionFailed {
		return strings.Contains(strings.ToLower(amqpErr.Reason), "delivery tag")
	}
	return false
}

// NeedsReconnect classifies an error as requiring a full reconnect cycle.
// Queue-scoped and delivery-tag errors are explicitly excluded.
func NeedsReconnect(err error) bool {
	if err == nil {
		return false
	}
	if IsQueueNotFound(err) || IsDeliveryTagError(err) {
		return false
	}
	if errors.Is(err, amqp.ErrClosed) {
		return true
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		if _, ok := reconnectCodes[amqpErr.Code]; ok {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, s := range reconnectSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
