package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue is a Queue over a buffered channel holding room for ten batches.
// The channel is never closed; Close wakes blocked callers through done.
type MemoryQueue[T any] struct {
	items     chan T
	done      chan struct{}
	closeOnce sync.Once
}

func NewMemoryQueue[T any](config *Config) *MemoryQueue[T] {
	if config == nil {
		config = DefaultConfig("memory")
	}
	capacity := config.BatchSize * 10
	if capacity <= 0 {
		capacity = 1
	}
	return &MemoryQueue[T]{
		items: make(chan T, capacity),
		done:  make(chan struct{}),
	}
}

func (q *MemoryQueue[T]) closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

func (q *MemoryQueue[T]) Enqueue(ctx context.Context, item T) error {
	if q.closed() {
		return ErrQueueClosed
	}
	select {
	case q.items <- item:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue[T]) Dequeue(ctx context.Context, maxItems int) ([]T, error) {
	return q.take(ctx, maxItems, nil)
}

func (q *MemoryQueue[T]) DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]T, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	return q.take(ctx, maxItems, timer.C)
}

// take waits for the first item, or until expired fires, then grabs whatever
// else is already buffered.
func (q *MemoryQueue[T]) take(ctx context.Context, maxItems int, expired <-chan time.Time) ([]T, error) {
	if q.closed() {
		return nil, ErrQueueClosed
	}

	var first T
	select {
	case first = <-q.items:
	case <-expired:
		return []T{}, nil
	case <-q.done:
		return nil, ErrQueueClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	batch := []T{first}
	for len(batch) < maxItems {
		select {
		case item := <-q.items:
			batch = append(batch, item)
		default:
			return batch, nil
		}
	}
	return batch, nil
}

func (q *MemoryQueue[T]) Length(ctx context.Context) (int, error) {
	if q.closed() {
		return 0, ErrQueueClosed
	}
	return len(q.items), nil
}

// Close discards buffered items
func (q *MemoryQueue[T]) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}

// MemoryDeadLetterQueue keeps failed items in a slice, oldest first
type MemoryDeadLetterQueue[T any] struct {
	mu     sync.Mutex
	items  []DeadLetterItem[T]
	closed bool
	now    func() time.Time
}

func NewMemoryDeadLetterQueue[T any]() *MemoryDeadLetterQueue[T] {
	return &MemoryDeadLetterQueue[T]{now: time.Now}
}

func (q *MemoryDeadLetterQueue[T]) Add(ctx context.Context, item T, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.items = append(q.items, newDeadLetterItem(item, cause, q.now()))
	return nil
}

func (q *MemoryDeadLetterQueue[T]) List(ctx context.Context, maxItems int) ([]DeadLetterItem[T], error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}

	n := len(q.items)
	if maxItems > 0 && maxItems < n {
		n = maxItems
	}
	out := make([]DeadLetterItem[T], n)
	copy(out, q.items)
	return out, nil
}

func (q *MemoryDeadLetterQueue[T]) Take(ctx context.Context, id string) (DeadLetterItem[T], error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return DeadLetterItem[T]{}, ErrQueueClosed
	}

	for i, item := range q.items {
		if item.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return item, nil
		}
	}
	return DeadLetterItem[T]{}, ErrItemNotFound
}

// Close discards the parked items
func (q *MemoryDeadLetterQueue[T]) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.items = nil
	return nil
}
