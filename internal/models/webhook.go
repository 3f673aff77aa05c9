package models

import "time"

// Webhook is an endpoint notified after each successful generation.
type Webhook struct {
	ID        int64     `db:"id" json:"id"`
	URL       string    `db:"url" json:"url"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
