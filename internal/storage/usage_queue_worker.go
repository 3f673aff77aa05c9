package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"llama_gateway/internal/models"
	"llama_gateway/internal/queue"
	"llama_gateway/internal/utils"
)

// UsageWriter persists usage events. UsageRepository is the production implementation.
type UsageWriter interface {
	Create(ctx context.Context, event *models.UsageEvent) error
	CreateBatch(ctx context.Context, events []*models.UsageEvent) error
}

// UsageQueue carries usage events from the request path to the worker
type UsageQueue = queue.Queue[*models.UsageEvent]

// UsageDeadLetters holds events the worker could not store
type UsageDeadLetters = queue.DeadLetterQueue[*models.UsageEvent]

// UsageDeadLetter is one parked usage event
type UsageDeadLetter = queue.DeadLetterItem[*models.UsageEvent]

// UsageQueueWorker drains the usage queue into the api_usage table
type UsageQueueWorker struct {
	queue       UsageQueue
	dlq         UsageDeadLetters
	writer      UsageWriter
	config      *queue.Config
	logger      *utils.Logger
	stopOnce    sync.Once
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewUsageQueueWorker creates a new usage queue worker
func NewUsageQueueWorker(q UsageQueue, dlq UsageDeadLetters, writer UsageWriter, config *queue.Config) *UsageQueueWorker {
	if config == nil {
		config = queue.DefaultConfig("usage")
	}

	return &UsageQueueWorker{
		queue:       q,
		dlq:         dlq,
		writer:      writer,
		config:      config,
		logger:      utils.NewLogger("usage-worker"),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start starts the worker goroutine
func (w *UsageQueueWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop signals the worker, waits for it to finish and flushes what is left in the queue.
func (w *UsageQueueWorker) Stop() error {
	w.stopOnce.Do(func() { close(w.stopChan) })
	<-w.stoppedChan
	return nil
}

// Enqueue adds a usage event to the queue
func (w *UsageQueueWorker) Enqueue(ctx context.Context, event *models.UsageEvent) error {
	return w.queue.Enqueue(ctx, event)
}

func (w *UsageQueueWorker) run(ctx context.Context) {
	defer close(w.stoppedChan)

	for {
		select {
		case <-w.stopChan:
			w.drain()
			w.logger.Info("Usage worker stopped")
			return
		case <-ctx.Done():
			w.logger.Info("Usage worker context cancelled")
			return
		default:
			w.processBatch(ctx)
		}
	}
}

// drain writes whatever is still buffered once the worker is asked to stop.
func (w *UsageQueueWorker) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for {
		n, err := w.queue.Length(ctx)
		if err != nil || n == 0 {
			return
		}
		if w.processBatchWithTimeout(ctx, 10*time.Millisecond) == 0 {
			return
		}
	}
}

func (w *UsageQueueWorker) processBatch(ctx context.Context) {
	w.processBatchWithTimeout(ctx, w.config.BatchTimeout)
}

// processBatchWithTimeout dequeues and stores one batch, returning the number of items taken.
func (w *UsageQueueWorker) processBatchWithTimeout(ctx context.Context, timeout time.Duration) int {
	items, err := w.queue.DequeueWithTimeout(ctx, w.config.BatchSize, timeout)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrQueueClosed) {
			return 0
		}
		w.logger.Error("Failed to dequeue usage events", "error", err)
		time.Sleep(time.Second)
		return 0
	}

	taken := len(items)
	if taken == 0 {
		return 0
	}

	w.logger.Debug("Processing usage batch", "count", taken)

	events := items[:0]
	for _, event := range items {
		if event != nil {
			events = append(events, event)
		}
	}
	if len(events) == 0 {
		return taken
	}

	if err := w.writer.CreateBatch(ctx, events); err != nil {
		w.logger.Warn("Failed to insert batch, falling back to individual inserts", "error", err)
		for _, event := range events {
			if err := w.processItem(ctx, event); err != nil {
				w.logger.Error("Failed to process usage event", "error", err)
			}
		}
		return taken
	}

	w.logger.Debug("Inserted usage batch", "count", len(events))
	return taken
}

// processItem stores a single event with retries, dead-lettering it on final failure
func (w *UsageQueueWorker) processItem(ctx context.Context, event *models.UsageEvent) error {
	var lastErr error
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := w.config.RetryBackoff * time.Duration(1<<uint(attempt-1))
			w.logger.Debug("Retrying usage event", "attempt", attempt, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := w.writer.Create(ctx, event); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	if w.dlq != nil {
		if err := w.dlq.Add(ctx, event, lastErr); err != nil {
			w.logger.Error("Failed to add to dead letter queue", "error", err)
		} else {
			w.logger.Warn("Usage event moved to DLQ", "id", event.ID, "key", utils.KeyFingerprint(event.Key), "error", lastErr)
		}
	}

	return fmt.Errorf("%w: %v", queue.ErrMaxRetriesExceeded, lastErr)
}

// GetQueueLength returns the current queue length
func (w *UsageQueueWorker) GetQueueLength(ctx context.Context) (int, error) {
	return w.queue.Length(ctx)
}

// GetDeadLetterItems returns parked events, oldest first
func (w *UsageQueueWorker) GetDeadLetterItems(ctx context.Context, maxItems int) ([]UsageDeadLetter, error) {
	if w.dlq == nil {
		return nil, fmt.Errorf("dead letter queue not configured")
	}
	return w.dlq.List(ctx, maxItems)
}

// RetryDeadLetterItem moves a parked event back onto the usage queue. If the
// queue refuses it, the event is parked again under a new ID.
func (w *UsageQueueWorker) RetryDeadLetterItem(ctx context.Context, id string) error {
	if w.dlq == nil {
		return fmt.Errorf("dead letter queue not configured")
	}

	entry, err := w.dlq.Take(ctx, id)
	if err != nil {
		return err
	}
	if err := w.queue.Enqueue(ctx, entry.Item); err != nil {
		if addErr := w.dlq.Add(ctx, entry.Item, errors.New(entry.Error)); addErr != nil {
			w.logger.Error("Dead letter lost while retrying", "id", id, "error", addErr)
		}
		return fmt.Errorf("failed to re-enqueue item: %w", err)
	}
	w.logger.Info("Dead letter re-enqueued", "id", id, "key", utils.KeyFingerprint(entry.Item.Key))
	return nil
}
