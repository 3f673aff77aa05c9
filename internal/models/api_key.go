package models

import (
	"time"
)

// DefaultRateLimit is the number of requests a new key may make per window.
const DefaultRateLimit = 10

// APIKey represents a caller key together with its quota state.
type APIKey struct {
	Key         string    `db:"api_key" json:"key"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	LastUsedAt  time.Time `db:"last_used" json:"last_used"`
	Tokens      int       `db:"tokens" json:"tokens"`
	RateLimit   int       `db:"rate_limit" json:"rate_limit"`
	Active      bool      `db:"active" json:"active"`
	Description *string   `db:"description" json:"description,omitempty"`
}

// NewAPIKey returns an active key with a full bucket.
// A negative rateLimit falls back to DefaultRateLimit.
func NewAPIKey(key string, rateLimit int, now time.Time) *APIKey {
	if rateLimit < 0 {
		rateLimit = DefaultRateLimit
	}
	return &APIKey{
		Key:        key,
		CreatedAt:  now,
		LastUsedAt: now,
		Tokens:     rateLimit,
		RateLimit:  rateLimit,
		Active:     true,
	}
}

// DescriptionOrEmpty returns the description or "" when unset.
func (k *APIKey) DescriptionOrEmpty() string {
	if k.Description == nil {
		return ""
	}
	return *k.Description
}

// Clone returns a deep copy, so cached records can be handed out safely.
func (k *APIKey) Clone() *APIKey {
	if k == nil {
		return nil
	}
	c := *k
	if k.Description != nil {
		d := *k.Description
		c.Description = &d
	}
	return &c
}
