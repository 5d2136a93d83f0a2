package domain

import "errors"

var (
	// ErrQueueNotFound is returned when the broker reports the queue does not exist.
	ErrQueueNotFound = errors.New("queue not found")

	// ErrAlreadyConsuming is returned when a consumer is already registered for the queue.
	ErrAlreadyConsuming = errors.New("queue is already being consumed")

	// ErrNotConsuming is returned for operations on a queue with no active consumer.
	ErrNotConsuming = errors.New("queue is not being consumed")

	// ErrAlreadyPaused is returned when pausing a consumer that is already paused.
	ErrAlreadyPaused = errors.New("consumer is already paused")

	// ErrNotPaused is returned when resuming a consumer that is not paused.
	ErrNotPaused = errors.New("consumer is not paused")

	// ErrInvalidConfig is returned when a consumer configuration fails validation.
	ErrInvalidConfig = errors.New("invalid consumer configuration")

	// ErrNotConnected is returned when the broker channel is not ready.
	ErrNotConnected = errors.New("broker connection is not ready")

	// ErrShuttingDown is returned for operations issued during shutdown.
	ErrShuttingDown = errors.New("engine is shutting down")

	// ErrShutdownTimeout is returned when graceful shutdown exceeds its deadline.
	ErrShutdownTimeout = errors.New("graceful shutdown timed out")
)
