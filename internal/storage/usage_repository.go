package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"llama_gateway/internal/models"
)

// UsageRepository appends and summarizes usage events
type UsageRepository struct {
	db *DB
}

// NewUsageRepository creates a new usage repository
func NewUsageRepository(db *DB) *UsageRepository {
	return &UsageRepository{db: db}
}

// Create inserts a single usage event
func (r *UsageRepository) Create(ctx context.Context, event *models.UsageEvent) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	return r.insert(ctx, r.db.conn, event)
}

// CreateBatch inserts events in one transaction; either all rows land or none.
func (r *UsageRepository) CreateBatch(ctx context.Context, events []*models.UsageEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, event := range events {
		if err := r.insert(ctx, tx, event); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (r *UsageRepository) insert(ctx context.Context, ext sqlx.ExtContext, event *models.UsageEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}

	query := ext.Rebind(`INSERT INTO api_usage (id, api_key, used_at) VALUES (?, ?, ?)`)
	if _, err := ext.ExecContext(ctx, query, event.ID.String(), event.Key, event.Timestamp.UTC()); err != nil {
		return fmt.Errorf("failed to insert usage event: %w", err)
	}
	return nil
}

// Summary returns the request count and last request time for key
func (r *UsageRepository) Summary(ctx context.Context, key string) (*models.UsageSummary, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	summary := models.UsageSummary{Key: key}
	query := r.db.rebind(`SELECT COUNT(*) AS total_requests, MAX(used_at) AS last_request_at FROM api_usage WHERE api_key = ?`)
	row := r.db.conn.QueryRowxContext(ctx, query, key)
	if err := row.Scan(&summary.TotalRequests, &summary.LastRequestAt); err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", err)
	}
	return &summary, nil
}

// ListByKey returns the most recent events for key, newest first
func (r *UsageRepository) ListByKey(ctx context.Context, key string, limit int) ([]*models.UsageEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var events []*models.UsageEvent
	query := r.db.rebind(`SELECT id, api_key, used_at FROM api_usage WHERE api_key = ? ORDER BY used_at DESC LIMIT ?`)
	if err := r.db.conn.SelectContext(ctx, &events, query, key, limit); err != nil {
		return nil, fmt.Errorf("failed to list usage events: %w", err)
	}
	return events, nil
}
