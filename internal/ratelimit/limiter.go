// Package ratelimit implements the per-key token bucket used to admit /generate requests.
//
// Buckets live in process memory and are the source of truth for admission decisions.
// The persisted token count is only read when a bucket is first created and is updated
// asynchronously through a Persister.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"llama_gateway/internal/models"
	"llama_gateway/internal/storage"
)

// DefaultWindow is the refill window. A bucket that has been idle this long is refilled to
// the key's full rate limit on the next admit.
const DefaultWindow = 60 * time.Second

// Decision is the outcome of an admission check
type Decision int

const (
	Allow Decision = iota
	RateLimited
	InvalidKey
	Deactivated
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case RateLimited:
		return "rate_limited"
	case InvalidKey:
		return "invalid_key"
	case Deactivated:
		return "deactivated"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// KeyStore looks up API key records. It must return storage.ErrAPIKeyNotFound for unknown keys.
type KeyStore interface {
	GetByKey(ctx context.Context, key string) (*models.APIKey, error)
}

type bucket struct {
	mu         sync.Mutex
	seeded     bool
	tokens     int
	lastUsedAt time.Time
}

// State is a point-in-time copy of a bucket
type State struct {
	Tokens     int       `json:"tokens"`
	LastUsedAt time.Time `json:"last_used"`
}

// TokenBucketLimiter admits requests per API key
type TokenBucketLimiter struct {
	store     KeyStore
	persister *Persister
	window    time.Duration
	now       func() time.Time

	mu      sync.RWMutex
	buckets map[string]*bucket
}

// Option configures a TokenBucketLimiter
type Option func(*TokenBucketLimiter)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(l *TokenBucketLimiter) { l.now = now }
}

// WithWindow overrides DefaultWindow
func WithWindow(window time.Duration) Option {
	return func(l *TokenBucketLimiter) {
		if window > 0 {
			l.window = window
		}
	}
}

// WithPersister sets where updated token counts are written. Without one, bucket state
// is never persisted.
func WithPersister(p *Persister) Option {
	return func(l *TokenBucketLimiter) { l.persister = p }
}

// NewTokenBucketLimiter creates a limiter backed by store
func NewTokenBucketLimiter(store KeyStore, opts ...Option) *TokenBucketLimiter {
	l := &TokenBucketLimiter{
		store:   store,
		window:  DefaultWindow,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Admit decides whether one request for key may proceed and, if so, charges one token.
// A non-nil error means the key store could not be consulted; the decision is then meaningless.
func (l *TokenBucketLimiter) Admit(ctx context.Context, key string) (Decision, error) {
	record, err := l.store.GetByKey(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrAPIKeyNotFound) {
			l.Evict(key)
			return InvalidKey, nil
		}
		return InvalidKey, fmt.Errorf("failed to look up api key: %w", err)
	}
	if !record.Active {
		return Deactivated, nil
	}

	b := l.bucket(key)

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.seeded {
		b.tokens, b.lastUsedAt = record.Tokens, record.LastUsedAt
		if l.persister != nil {
			if pending, ok := l.persister.Pending(key); ok {
				b.tokens, b.lastUsedAt = pending.Tokens, pending.LastUsedAt
			}
		}
		b.seeded = true
	}

	now := l.now()
	if now.Sub(b.lastUsedAt) >= l.window {
		b.tokens = record.RateLimit
	}

	if b.tokens <= 0 {
		return RateLimited, nil
	}

	b.tokens--
	b.lastUsedAt = now
	if l.persister != nil {
		l.persister.Persist(key, b.tokens, now)
	}
	return Allow, nil
}

func (l *TokenBucketLimiter) bucket(key string) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[key]; ok {
		return b
	}
	b = &bucket{}
	l.buckets[key] = b
	return b
}

// Evict drops the bucket for key so the next admit reseeds it from the store.
// Pending persistence for the key is discarded as well.
func (l *TokenBucketLimiter) Evict(key string) {
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()

	if l.persister != nil {
		l.persister.Discard(key)
	}
}

// Snapshot returns the in-memory state for key, if a bucket exists
func (l *TokenBucketLimiter) Snapshot(key string) (State, bool) {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if !ok {
		return State{}, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.seeded {
		return State{}, false
	}
	return State{Tokens: b.tokens, LastUsedAt: b.lastUsedAt}, true
}

// Len returns the number of buckets held in memory
func (l *TokenBucketLimiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}
