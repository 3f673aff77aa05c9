package models

import (
	"time"

	"github.com/google/uuid"
)

// UsageEvent records one successfully forwarded request.
type UsageEvent struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Key       string    `db:"api_key" json:"key"`
	Timestamp time.Time `db:"used_at" json:"timestamp"`
}

// NewUsageEvent creates an event for key at the given time.
func NewUsageEvent(key string, at time.Time) *UsageEvent {
	return &UsageEvent{
		ID:        uuid.New(),
		Key:       key,
		Timestamp: at.UTC(),
	}
}

// UsageSummary aggregates usage for one key.
type UsageSummary struct {
	Key           string     `db:"api_key" json:"key"`
	TotalRequests int64      `db:"total_requests" json:"total_requests"`
	LastRequestAt *time.Time `db:"last_request_at" json:"last_request_at,omitempty"`
}
