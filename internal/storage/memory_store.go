package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"llama_gateway/internal/models"
)

// DriverMemory keeps everything in process memory. Nothing survives a restart; it exists
// for local experiments and tests.
const DriverMemory = "memory"

// MemoryStore is an in-process implementation of the key, webhook and usage stores
type MemoryStore struct {
	mu       sync.RWMutex
	keys     map[string]*models.APIKey
	webhooks []*models.Webhook
	nextHook int64
	usage    []*models.UsageEvent
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys:     make(map[string]*models.APIKey),
		nextHook: 1,
	}
}

// Webhooks returns the webhook view of the store
func (s *MemoryStore) Webhooks() *MemoryWebhookStore {
	return &MemoryWebhookStore{s: s}
}

// Usage returns the usage view of the store
func (s *MemoryStore) Usage() *MemoryUsageStore {
	return &MemoryUsageStore{s: s}
}

func (s *MemoryStore) GetByKey(ctx context.Context, key string) (*models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[key]
	if !ok {
		return nil, ErrAPIKeyNotFound
	}
	return k.Clone(), nil
}

func (s *MemoryStore) Create(ctx context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.Key]; ok {
		return ErrAPIKeyExists
	}
	s.keys[key.Key] = key.Clone()
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*models.APIKey, error) {
	return s.filter(func(*models.APIKey) bool { return true }), nil
}

func (s *MemoryStore) ListByActive(ctx context.Context, active bool) ([]*models.APIKey, error) {
	return s.filter(func(k *models.APIKey) bool { return k.Active == active }), nil
}

// filter returns matching keys ordered like the SQL repositories: oldest first
func (s *MemoryStore) filter(match func(*models.APIKey) bool) []*models.APIKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.APIKey, 0, len(s.keys))
	for _, k := range s.keys {
		if match(k) {
			out = append(out, k.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key]; !ok {
		return ErrAPIKeyNotFound
	}
	delete(s.keys, key)
	return nil
}

func (s *MemoryStore) update(key string, fn func(*models.APIKey)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[key]
	if !ok {
		return ErrAPIKeyNotFound
	}
	fn(k)
	return nil
}

func (s *MemoryStore) SetActive(ctx context.Context, key string, active bool) error {
	return s.update(key, func(k *models.APIKey) { k.Active = active })
}

func (s *MemoryStore) SetAllActive(ctx context.Context, active bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		k.Active = active
	}
	return int64(len(s.keys)), nil
}

func (s *MemoryStore) SetDescription(ctx context.Context, key, description string) error {
	return s.update(key, func(k *models.APIKey) { k.Description = &description })
}

func (s *MemoryStore) SetRateLimit(ctx context.Context, key string, rateLimit int) error {
	if rateLimit < 0 {
		return ErrInvalidRateLimit
	}
	return s.update(key, func(k *models.APIKey) { k.RateLimit = rateLimit })
}

func (s *MemoryStore) UpdateTokens(ctx context.Context, key string, tokens int, lastUsedAt time.Time) error {
	return s.update(key, func(k *models.APIKey) {
		k.Tokens = tokens
		k.LastUsedAt = lastUsedAt.UTC()
	})
}

func (s *MemoryStore) Regenerate(ctx context.Context, oldKey, newKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[oldKey]
	if !ok {
		return ErrAPIKeyNotFound
	}
	if _, exists := s.keys[newKey]; exists {
		return ErrAPIKeyExists
	}
	delete(s.keys, oldKey)
	k.Key = newKey
	s.keys[newKey] = k
	for _, e := range s.usage {
		if e.Key == oldKey {
			e.Key = newKey
		}
	}
	return nil
}

// MemoryWebhookStore is the webhook view of a MemoryStore
type MemoryWebhookStore struct {
	s *MemoryStore
}

func (w *MemoryWebhookStore) Create(ctx context.Context, url string) (*models.Webhook, error) {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	hook := &models.Webhook{ID: w.s.nextHook, URL: url, CreatedAt: time.Now().UTC()}
	w.s.nextHook++
	w.s.webhooks = append(w.s.webhooks, hook)
	c := *hook
	return &c, nil
}

func (w *MemoryWebhookStore) List(ctx context.Context) ([]*models.Webhook, error) {
	w.s.mu.RLock()
	defer w.s.mu.RUnlock()
	out := make([]*models.Webhook, 0, len(w.s.webhooks))
	for _, h := range w.s.webhooks {
		c := *h
		out = append(out, &c)
	}
	return out, nil
}

func (w *MemoryWebhookStore) Delete(ctx context.Context, id int64) error {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	for i, h := range w.s.webhooks {
		if h.ID == id {
			w.s.webhooks = append(w.s.webhooks[:i], w.s.webhooks[i+1:]...)
			return nil
		}
	}
	return ErrWebhookNotFound
}

// MemoryUsageStore is the usage view of a MemoryStore
type MemoryUsageStore struct {
	s *MemoryStore
}

func (u *MemoryUsageStore) Create(ctx context.Context, event *models.UsageEvent) error {
	return u.CreateBatch(ctx, []*models.UsageEvent{event})
}

func (u *MemoryUsageStore) CreateBatch(ctx context.Context, events []*models.UsageEvent) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	for _, e := range events {
		c := *e
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		u.s.usage = append(u.s.usage, &c)
	}
	return nil
}

func (u *MemoryUsageStore) Summary(ctx context.Context, key string) (*models.UsageSummary, error) {
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()
	summary := &models.UsageSummary{Key: key}
	for _, e := range u.s.usage {
		if e.Key != key {
			continue
		}
		summary.TotalRequests++
		if summary.LastRequestAt == nil || e.Timestamp.After(*summary.LastRequestAt) {
			ts := e.Timestamp
			summary.LastRequestAt = &ts
		}
	}
	return summary, nil
}

func (u *MemoryUsageStore) ListByKey(ctx context.Context, key string, limit int) ([]*models.UsageEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()
	var out []*models.UsageEvent
	for _, e := range u.s.usage {
		if e.Key == key {
			c := *e
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
