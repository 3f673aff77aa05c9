package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"llama_gateway/internal/models"
	"llama_gateway/internal/utils"
)

const usageTimeout = 2 * time.Second

// UsageRecorder accepts usage events. storage.UsageQueueWorker implements it.
type UsageRecorder interface {
	Enqueue(ctx context.Context, event *models.UsageEvent) error
}

// WebhookSource lists the registered webhooks. storage.WebhookRepository implements it.
type WebhookSource interface {
	List(ctx context.Context) ([]*models.Webhook, error)
}

// Dispatcher delivers one webhook body
type Dispatcher interface {
	Dispatch(ctx context.Context, url string, body []byte) error
}

// Sink runs the post-success side effects of a request: one usage event and one
// delivery attempt per registered webhook. Deliveries are at-most-once with no
// retry and no ordering between endpoints.
type Sink struct {
	usage      UsageRecorder
	webhooks   WebhookSource
	dispatcher Dispatcher
	now        func() time.Time
	logger     *utils.Logger

	wg sync.WaitGroup
}

// SinkOption configures a Sink
type SinkOption func(*Sink)

// WithSinkClock replaces time.Now for event timestamps
func WithSinkClock(now func() time.Time) SinkOption {
	return func(s *Sink) { s.now = now }
}

// NewSink creates a sink. webhooks may be nil to disable notifications.
func NewSink(usage UsageRecorder, webhooks WebhookSource, dispatcher Dispatcher, opts ...SinkOption) *Sink {
	s := &Sink{
		usage:      usage,
		webhooks:   webhooks,
		dispatcher: dispatcher,
		now:        time.Now,
		logger:     utils.NewLogger("notify"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnSuccess records usage for key and notifies webhooks in the background. It returns
// immediately; failures are only logged.
func (s *Sink) OnSuccess(ctx context.Context, key string, payload map[string]json.RawMessage) {
	at := s.now()
	// detach from the request so side effects outlive the response
	ctx = context.WithoutCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.recordUsage(ctx, key, at)
		s.notifyWebhooks(ctx, NewNotification(key, payload, at))
	}()
}

func (s *Sink) recordUsage(ctx context.Context, key string, at time.Time) {
	if s.usage == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, usageTimeout)
	defer cancel()

	if err := s.usage.Enqueue(ctx, models.NewUsageEvent(key, at)); err != nil {
		s.logger.Error("Failed to record usage", "key", utils.KeyFingerprint(key), "error", err)
	}
}

func (s *Sink) notifyWebhooks(ctx context.Context, n *Notification) {
	if s.webhooks == nil || s.dispatcher == nil {
		return
	}

	hooks, err := s.webhooks.List(ctx)
	if err != nil {
		s.logger.Error("Failed to load webhooks", "error", err)
		return
	}
	if len(hooks) == 0 {
		return
	}

	body, err := n.Body()
	if err != nil {
		s.logger.Error("Failed to build webhook body", "error", err)
		return
	}

	for _, hook := range hooks {
		s.wg.Add(1)
		go func(hook *models.Webhook) {
			defer s.wg.Done()
			if err := s.dispatcher.Dispatch(ctx, hook.URL, body); err != nil {
				s.logger.Warn("Webhook delivery failed", "webhook_id", hook.ID, "error", err)
				return
			}
			s.logger.Debug("Webhook delivered", "webhook_id", hook.ID)
		}(hook)
	}
}

// Wait blocks until every started side effect has finished
func (s *Sink) Wait() {
	s.wg.Wait()
}

// Shutdown waits for in-flight side effects or until ctx is done
func (s *Sink) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
