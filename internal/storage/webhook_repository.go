package storage

import (
	"context"
	"fmt"

	"llama_gateway/internal/models"
)

const webhookListKey = "webhooks"

// WebhookRepository stores the notification endpoints
type WebhookRepository struct {
	db    *DB
	cache *LRUCache[[]*models.Webhook]
}

// NewWebhookRepository creates a new webhook repository
func NewWebhookRepository(db *DB) *WebhookRepository {
	return &WebhookRepository{
		db:    db,
		cache: db.webhookCache,
	}
}

// Create registers a webhook URL and returns the stored row
func (r *WebhookRepository) Create(ctx context.Context, url string) (*models.Webhook, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()
	defer r.cache.Delete(webhookListKey)

	hook := &models.Webhook{URL: url}

	if r.db.driver == DriverPostgres {
		err := r.db.conn.QueryRowxContext(ctx,
			`INSERT INTO webhooks (url) VALUES ($1) RETURNING id, created_at`, url,
		).Scan(&hook.ID, &hook.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to create webhook: %w", err)
		}
		return hook, nil
	}

	res, err := r.db.conn.ExecContext(ctx, `INSERT INTO webhooks (url) VALUES (?)`, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook: %w", err)
	}
	if hook.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("failed to read webhook id: %w", err)
	}
	if err := r.db.conn.GetContext(ctx, &hook.CreatedAt, `SELECT created_at FROM webhooks WHERE id = ?`, hook.ID); err != nil {
		return nil, fmt.Errorf("failed to read webhook: %w", err)
	}
	return hook, nil
}

// List returns every registered webhook (with caching)
func (r *WebhookRepository) List(ctx context.Context) ([]*models.Webhook, error) {
	if cached, found := r.cache.Get(webhookListKey); found {
		return cached, nil
	}

	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var hooks []*models.Webhook
	if err := r.db.conn.SelectContext(ctx, &hooks, `SELECT id, url, created_at FROM webhooks ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}

	r.cache.Set(webhookListKey, hooks)
	return hooks, nil
}

// Delete removes a webhook by id
func (r *WebhookRepository) Delete(ctx context.Context, id int64) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()
	defer r.cache.Delete(webhookListKey)

	res, err := r.db.conn.ExecContext(ctx, r.db.rebind(`DELETE FROM webhooks WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}
	if n == 0 {
		return ErrWebhookNotFound
	}
	return nil
}
