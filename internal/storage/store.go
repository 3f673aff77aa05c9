package storage

import (
	"context"
	"time"

	"llama_gateway/internal/models"
)

// APIKeyStore is everything the gateway and llamactl do with API keys
type APIKeyStore interface {
	GetByKey(ctx context.Context, key string) (*models.APIKey, error)
	Create(ctx context.Context, key *models.APIKey) error
	List(ctx context.Context) ([]*models.APIKey, error)
	ListByActive(ctx context.Context, active bool) ([]*models.APIKey, error)
	Delete(ctx context.Context, key string) error
	SetActive(ctx context.Context, key string, active bool) error
	SetAllActive(ctx context.Context, active bool) (int64, error)
	SetDescription(ctx context.Context, key, description string) error
	SetRateLimit(ctx context.Context, key string, rateLimit int) error
	UpdateTokens(ctx context.Context, key string, tokens int, lastUsedAt time.Time) error
	Regenerate(ctx context.Context, oldKey, newKey string) error
}

// WebhookStore manages webhook endpoints
type WebhookStore interface {
	Create(ctx context.Context, url string) (*models.Webhook, error)
	List(ctx context.Context) ([]*models.Webhook, error)
	Delete(ctx context.Context, id int64) error
}

// UsageStore records and reports usage events
type UsageStore interface {
	UsageWriter
	Summary(ctx context.Context, key string) (*models.UsageSummary, error)
	ListByKey(ctx context.Context, key string, limit int) ([]*models.UsageEvent, error)
}

var (
	_ APIKeyStore  = (*APIKeyRepository)(nil)
	_ WebhookStore = (*WebhookRepository)(nil)
	_ UsageStore   = (*UsageRepository)(nil)

	_ APIKeyStore  = (*MemoryStore)(nil)
	_ WebhookStore = (*MemoryWebhookStore)(nil)
	_ UsageStore   = (*MemoryUsageStore)(nil)
)
