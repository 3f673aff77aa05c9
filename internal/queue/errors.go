package queue

import "errors"

var (
	// ErrQueueClosed is returned by every operation on a closed queue
	ErrQueueClosed = errors.New("queue is closed")

	// ErrItemNotFound is returned when no dead letter has the given ID
	ErrItemNotFound = errors.New("item not found")

	// ErrMaxRetriesExceeded wraps the last error of an item sent to the DLQ
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")

	// ErrUnknownBackend is returned by New for an unsupported backend name
	ErrUnknownBackend = errors.New("unknown queue backend")
)
