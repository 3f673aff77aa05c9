package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"llama_gateway/internal/models"
)

const apiKeyColumns = `api_key, created_at, last_used, tokens, rate_limit, active, description`

// APIKeyRepository handles API key database operations with caching
type APIKeyRepository struct {
	db    *DB
	cache *LRUCache[*models.APIKey]
}

// NewAPIKeyRepository creates a new API key repository
func NewAPIKeyRepository(db *DB) *APIKeyRepository {
	return &APIKeyRepository{
		db:    db,
		cache: db.apiKeyCache,
	}
}

// GetByKey retrieves an API key record (with caching).
// The returned value is a copy and may be modified by the caller.
func (r *APIKeyRepository) GetByKey(ctx context.Context, key string) (*models.APIKey, error) {
	if cached, found := r.cache.Get(key); found {
		return cached.Clone(), nil
	}

	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var rec models.APIKey
	query := r.db.rebind(`SELECT ` + apiKeyColumns + ` FROM api_keys WHERE api_key = ?`)

	if err := r.db.conn.GetContext(ctx, &rec, query, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAPIKeyNotFound
		}
		return nil, fmt.Errorf("failed to get API key: %w", err)
	}

	r.cache.Set(key, rec.Clone())
	return &rec, nil
}

// Create inserts a new API key
func (r *APIKeyRepository) Create(ctx context.Context, key *models.APIKey) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	query := r.db.rebind(`
		INSERT INTO api_keys (` + apiKeyColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)

	_, err := r.db.conn.ExecContext(ctx, query,
		key.Key, key.CreatedAt.UTC(), key.LastUsedAt.UTC(),
		key.Tokens, key.RateLimit, key.Active, key.Description,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAPIKeyExists
		}
		return fmt.Errorf("failed to create API key: %w", err)
	}

	r.cache.Delete(key.Key)
	return nil
}

// List returns all keys ordered by creation time
func (r *APIKeyRepository) List(ctx context.Context) ([]*models.APIKey, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var keys []*models.APIKey
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys ORDER BY created_at, api_key`
	if err := r.db.conn.SelectContext(ctx, &keys, query); err != nil {
		return nil, fmt.Errorf("failed to list API keys: %w", err)
	}
	return keys, nil
}

// ListByActive returns the keys whose active flag matches
func (r *APIKeyRepository) ListByActive(ctx context.Context, active bool) ([]*models.APIKey, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var keys []*models.APIKey
	query := r.db.rebind(`SELECT ` + apiKeyColumns + ` FROM api_keys WHERE active = ? ORDER BY created_at, api_key`)
	if err := r.db.conn.SelectContext(ctx, &keys, query, active); err != nil {
		return nil, fmt.Errorf("failed to list API keys: %w", err)
	}
	return keys, nil
}

// Delete removes a key
func (r *APIKeyRepository) Delete(ctx context.Context, key string) error {
	return r.exec(ctx, key, `DELETE FROM api_keys WHERE api_key = ?`, key)
}

// SetActive activates or deactivates a key
func (r *APIKeyRepository) SetActive(ctx context.Context, key string, active bool) error {
	return r.exec(ctx, key, `UPDATE api_keys SET active = ? WHERE api_key = ?`, active, key)
}

// SetAllActive flips the active flag on every key and returns the number of rows changed
func (r *APIKeyRepository) SetAllActive(ctx context.Context, active bool) (int64, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	res, err := r.db.conn.ExecContext(ctx, r.db.rebind(`UPDATE api_keys SET active = ? WHERE active <> ?`), active, active)
	if err != nil {
		return 0, fmt.Errorf("failed to update API keys: %w", err)
	}

	r.cache.Clear()
	return res.RowsAffected()
}

// SetDescription sets the free-form description of a key
func (r *APIKeyRepository) SetDescription(ctx context.Context, key, description string) error {
	return r.exec(ctx, key, `UPDATE api_keys SET description = ? WHERE api_key = ?`, description, key)
}

// SetRateLimit changes the per-window request allowance of a key
func (r *APIKeyRepository) SetRateLimit(ctx context.Context, key string, rateLimit int) error {
	if rateLimit < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidRateLimit, rateLimit)
	}
	return r.exec(ctx, key, `UPDATE api_keys SET rate_limit = ? WHERE api_key = ?`, rateLimit, key)
}

// UpdateTokens persists the bucket state of a key
func (r *APIKeyRepository) UpdateTokens(ctx context.Context, key string, tokens int, lastUsedAt time.Time) error {
	return r.exec(ctx, key, `UPDATE api_keys SET tokens = ?, last_used = ? WHERE api_key = ?`, tokens, lastUsedAt.UTC(), key)
}

// Regenerate replaces a key's token with newKey, keeping its settings and usage history.
func (r *APIKeyRepository) Regenerate(ctx context.Context, oldKey, newKey string) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE api_keys SET api_key = ? WHERE api_key = ?`), newKey, oldKey)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAPIKeyExists
		}
		return fmt.Errorf("failed to regenerate API key: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to regenerate API key: %w", err)
	} else if n == 0 {
		return ErrAPIKeyNotFound
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE api_usage SET api_key = ? WHERE api_key = ?`), newKey, oldKey); err != nil {
		return fmt.Errorf("failed to move usage history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	r.cache.Delete(oldKey)
	r.cache.Delete(newKey)
	return nil
}

// InvalidateCache drops the cached record of key
func (r *APIKeyRepository) InvalidateCache(key string) {
	r.cache.Delete(key)
}

// exec runs a single-row statement against key and maps zero affected rows to ErrAPIKeyNotFound.
func (r *APIKeyRepository) exec(ctx context.Context, key, query string, args ...interface{}) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	res, err := r.db.conn.ExecContext(ctx, r.db.rebind(query), args...)
	r.cache.Delete(key)
	if err != nil {
		return fmt.Errorf("failed to update API key: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update API key: %w", err)
	}
	if n == 0 {
		return ErrAPIKeyNotFound
	}
	return nil
}
