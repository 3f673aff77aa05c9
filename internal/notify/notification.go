// Package notify records usage and fans out webhook notifications after a request
// was forwarded successfully. Nothing here ever fails or delays the caller's response.
package notify

import (
	"encoding/json"
	"fmt"
	"time"
)

// Notification is the request summary sent to webhooks. Fields absent from the
// caller's request are left out.
type Notification struct {
	APIKey    string          `json:"apikey"`
	Prompt    json.RawMessage `json:"prompt,omitempty"`
	Model     json.RawMessage `json:"model,omitempty"`
	Stream    json.RawMessage `json:"stream,omitempty"`
	Images    json.RawMessage `json:"images,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewNotification picks the notified fields out of a generate payload
func NewNotification(key string, payload map[string]json.RawMessage, at time.Time) *Notification {
	return &Notification{
		APIKey:    key,
		Prompt:    payload["prompt"],
		Model:     payload["model"],
		Stream:    payload["stream"],
		Images:    payload["images"],
		Raw:       payload["raw"],
		Timestamp: at.UTC(),
	}
}

// webhookBody is a chat-webhook style message: the notification pretty-printed into "content"
type webhookBody struct {
	Content string `json:"content"`
}

// Body renders the webhook request body
func (n *Notification) Body() ([]byte, error) {
	content, err := json.MarshalIndent(n, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal notification: %w", err)
	}
	return json.Marshal(webhookBody{Content: string(content)})
}
