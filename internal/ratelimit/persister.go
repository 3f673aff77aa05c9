package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"llama_gateway/internal/storage"
	"llama_gateway/internal/utils"
)

// DefaultFlushInterval is how often pending token counts are written to the store
const DefaultFlushInterval = time.Second

// TokenWriter persists a key's token count. storage.APIKeyRepository implements it.
type TokenWriter interface {
	UpdateTokens(ctx context.Context, key string, tokens int, lastUsedAt time.Time) error
}

type pendingUpdate struct {
	state   State
	version uint64
}

// Persister coalesces token updates per key and writes them behind the request path.
// Only the latest update for a key is kept. Updates that fail to flush stay pending and
// are retried on the next tick unless a newer update replaces them.
type Persister struct {
	writer   TokenWriter
	interval time.Duration
	timeout  time.Duration
	logger   *utils.Logger

	mu      sync.Mutex
	pending map[string]pendingUpdate
	version uint64

	flushMu     sync.Mutex
	startOnce   sync.Once
	stopOnce    sync.Once
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewPersister creates a persister that flushes every interval
func NewPersister(writer TokenWriter, interval time.Duration) *Persister {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &Persister{
		writer:      writer,
		interval:    interval,
		timeout:     5 * time.Second,
		logger:      utils.NewLogger("ratelimit-persister"),
		pending:     make(map[string]pendingUpdate),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Persist records the latest state for key. It never blocks on I/O.
func (p *Persister) Persist(key string, tokens int, lastUsedAt time.Time) {
	p.mu.Lock()
	p.version++
	p.pending[key] = pendingUpdate{
		state:   State{Tokens: tokens, LastUsedAt: lastUsedAt},
		version: p.version,
	}
	p.mu.Unlock()
}

// Pending returns the unflushed state for key, if any
func (p *Persister) Pending(key string) (State, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.pending[key]
	return u.state, ok
}

// Discard forgets any unflushed state for key
func (p *Persister) Discard(key string) {
	p.mu.Lock()
	delete(p.pending, key)
	p.mu.Unlock()
}

// PendingCount returns the number of keys waiting to be flushed
func (p *Persister) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Start runs the flush loop until Stop is called or ctx is cancelled
func (p *Persister) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		go p.run(ctx)
	})
}

func (p *Persister) run(ctx context.Context) {
	defer close(p.stoppedChan)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.finalFlush()
			return
		case <-p.stopChan:
			p.finalFlush()
			return
		case <-ticker.C:
			if n, err := p.Flush(ctx); err != nil {
				p.logger.Warn("Token flush incomplete", "written", n, "error", err)
			}
		}
	}
}

func (p *Persister) finalFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if n, err := p.Flush(ctx); err != nil {
		p.logger.Error("Final token flush failed", "written", n, "error", err, "pending", p.PendingCount())
	}
}

// Stop ends the flush loop after writing everything still pending. If Start was never
// called it flushes synchronously.
func (p *Persister) Stop() {
	p.stopOnce.Do(func() {
		started := true
		p.startOnce.Do(func() { started = false })
		if !started {
			p.finalFlush()
			close(p.stoppedChan)
			return
		}
		close(p.stopChan)
	})
	<-p.stoppedChan
}

// Flush writes every pending update and returns how many were written. The last write
// error is returned; failed entries remain pending.
func (p *Persister) Flush(ctx context.Context) (int, error) {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	p.mu.Lock()
	batch := make(map[string]pendingUpdate, len(p.pending))
	for key, u := range p.pending {
		batch[key] = u
	}
	p.mu.Unlock()

	written := 0
	var lastErr error
	for key, u := range batch {
		writeCtx, cancel := context.WithTimeout(ctx, p.timeout)
		err := p.writer.UpdateTokens(writeCtx, key, u.state.Tokens, u.state.LastUsedAt)
		cancel()
		if errors.Is(err, storage.ErrAPIKeyNotFound) {
			// key was removed since the admit
			p.forget(key, u.version)
			continue
		}
		if err != nil {
			lastErr = err
			p.logger.Warn("Failed to persist tokens", "key", utils.KeyFingerprint(key), "error", err)
			continue
		}
		written++
		p.forget(key, u.version)
	}
	return written, lastErr
}

// forget removes key's pending entry unless it was replaced after version
func (p *Persister) forget(key string, version uint64) {
	p.mu.Lock()
	if cur, ok := p.pending[key]; ok && cur.version == version {
		delete(p.pending, key)
	}
	p.mu.Unlock()
}
