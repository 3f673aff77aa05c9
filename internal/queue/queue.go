// Package queue buffers work that must not delay a request, such as usage
// events, behind one of two backends:
//
//   - MemoryQueue: channel based, lost on restart, no external dependencies.
//     Suits a single gateway next to a local Ollama.
//   - RedisQueue: Redis list based, survives restarts of the gateway and
//     lets several processes share one usage pipeline.
//
// Flow:
//
//	request ──► usage queue ──► usage worker (batches) ──► api_usage
//	                                   │
//	                                   └── retries exhausted ──► DLQ
//
// Queues are typed. The Redis backend stores items as JSON, so T must round-trip
// through encoding/json.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Backend names accepted by New
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Queue is a FIFO of T shared by producers and a batching consumer
type Queue[T any] interface {
	// Enqueue adds an item, waiting for room on a full memory queue
	Enqueue(ctx context.Context, item T) error

	// Dequeue blocks until at least one item is available and returns up to maxItems
	Dequeue(ctx context.Context, maxItems int) ([]T, error)

	// DequeueWithTimeout returns up to maxItems, or an empty slice once timeout passes
	DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]T, error)

	Length(ctx context.Context) (int, error)

	Close() error
}

// DeadLetterQueue parks items whose processing failed for good until an operator
// retries or discards them.
type DeadLetterQueue[T any] interface {
	Add(ctx context.Context, item T, cause error) error

	// List returns up to maxItems entries, oldest first. maxItems <= 0 means all.
	List(ctx context.Context, maxItems int) ([]DeadLetterItem[T], error)

	// Take removes the entry with id and returns it, or ErrItemNotFound
	Take(ctx context.Context, id string) (DeadLetterItem[T], error)

	Close() error
}

// DeadLetterItem is a failed item with the error that sent it to the DLQ
type DeadLetterItem[T any] struct {
	ID        string    `json:"id"`
	Item      T         `json:"item"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Config holds queue configuration
type Config struct {
	// BatchSize is the maximum number of items to process in a batch
	BatchSize int

	// BatchTimeout is how long to wait before processing a partial batch
	BatchTimeout time.Duration

	// MaxRetries is the maximum number of retry attempts
	MaxRetries int

	// RetryBackoff is the initial backoff duration for retries
	RetryBackoff time.Duration

	// Backend is BackendMemory or BackendRedis
	Backend string

	// QueueName is the name/key for the queue
	QueueName string
}

// DefaultConfig returns default queue configuration
func DefaultConfig(queueName string) *Config {
	return &Config{
		BatchSize:    100,
		BatchTimeout: 5 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 1 * time.Second,
		Backend:      BackendMemory,
		QueueName:    queueName,
	}
}

// New builds a queue and its dead letter queue for the configured backend.
// The Redis backend requires client; the queues share it and never close it.
func New[T any](config *Config, client *redis.Client) (Queue[T], DeadLetterQueue[T], error) {
	if config == nil {
		return nil, nil, fmt.Errorf("config is required")
	}

	switch config.Backend {
	case "", BackendMemory:
		return NewMemoryQueue[T](config), NewMemoryDeadLetterQueue[T](), nil
	case BackendRedis:
		if client == nil {
			return nil, nil, fmt.Errorf("redis queue %q: client is required", config.QueueName)
		}
		return NewRedisQueue[T](client, config), NewRedisDeadLetterQueue[T](client, config), nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownBackend, config.Backend)
	}
}

func newDeadLetterItem[T any](item T, cause error, now time.Time) DeadLetterItem[T] {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return DeadLetterItem[T]{
		ID:        uuid.NewString(),
		Item:      item,
		Error:     msg,
		Timestamp: now.UTC(),
	}
}
