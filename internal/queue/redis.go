package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue is a Queue on the Redis list "queue:<QueueName>" (RPUSH / BLPOP).
// Entries that no longer decode into T are moved to "queue:<QueueName>:malformed".
type RedisQueue[T any] struct {
	client       *redis.Client
	key          string
	malformedKey string
}

func NewRedisQueue[T any](client *redis.Client, config *Config) *RedisQueue[T] {
	if config == nil {
		config = DefaultConfig("redis")
	}
	key := "queue:" + config.QueueName
	return &RedisQueue[T]{client: client, key: key, malformedKey: key + ":malformed"}
}

func (q *RedisQueue[T]) Enqueue(ctx context.Context, item T) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to encode queue item: %w", err)
	}
	if err := q.client.RPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("failed to push to %s: %w", q.key, err)
	}
	return nil
}

// Dequeue blocks until at least one item is available
func (q *RedisQueue[T]) Dequeue(ctx context.Context, maxItems int) ([]T, error) {
	return q.pop(ctx, maxItems, 0)
}

func (q *RedisQueue[T]) DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]T, error) {
	return q.pop(ctx, maxItems, timeout)
}

func (q *RedisQueue[T]) pop(ctx context.Context, maxItems int, timeout time.Duration) ([]T, error) {
	// BLPOP answers [key, value]
	first, err := q.client.BLPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return []T{}, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to pop from %s: %w", q.key, err)
	}
	raw := []string{first[1]}

	if maxItems > 1 {
		rest, err := q.client.LPopCount(ctx, q.key, maxItems-1).Result()
		// on error keep what was already taken
		if err == nil {
			raw = append(raw, rest...)
		}
	}

	batch := make([]T, 0, len(raw))
	for _, r := range raw {
		var item T
		if err := json.Unmarshal([]byte(r), &item); err != nil {
			q.client.RPush(ctx, q.malformedKey, r)
			continue
		}
		batch = append(batch, item)
	}
	return batch, nil
}

func (q *RedisQueue[T]) Length(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get length of %s: %w", q.key, err)
	}
	return int(n), nil
}

// Close is a no-op; the shared client is closed by its owner
func (q *RedisQueue[T]) Close() error {
	return nil
}

// RedisDeadLetterQueue keeps failed items in the hash "dlq:<QueueName>", keyed by item ID
type RedisDeadLetterQueue[T any] struct {
	client *redis.Client
	key    string
	now    func() time.Time
}

func NewRedisDeadLetterQueue[T any](client *redis.Client, config *Config) *RedisDeadLetterQueue[T] {
	if config == nil {
		config = DefaultConfig("redis")
	}
	return &RedisDeadLetterQueue[T]{client: client, key: "dlq:" + config.QueueName, now: time.Now}
}

func (q *RedisDeadLetterQueue[T]) Add(ctx context.Context, item T, cause error) error {
	entry := newDeadLetterItem(item, cause, q.now())
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode dead letter: %w", err)
	}
	if err := q.client.HSet(ctx, q.key, entry.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to add to %s: %w", q.key, err)
	}
	return nil
}

// List skips entries that no longer decode
func (q *RedisDeadLetterQueue[T]) List(ctx context.Context, maxItems int) ([]DeadLetterItem[T], error) {
	all, err := q.client.HGetAll(ctx, q.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", q.key, err)
	}

	items := make([]DeadLetterItem[T], 0, len(all))
	for _, data := range all {
		var entry DeadLetterItem[T]
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			continue
		}
		items = append(items, entry)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Timestamp.Equal(items[j].Timestamp) {
			return items[i].ID < items[j].ID
		}
		return items[i].Timestamp.Before(items[j].Timestamp)
	})

	if maxItems > 0 && len(items) > maxItems {
		items = items[:maxItems]
	}
	return items, nil
}

// Take reads and deletes the entry. When two callers race, only the one whose
// HDEL removed it gets the item.
func (q *RedisDeadLetterQueue[T]) Take(ctx context.Context, id string) (DeadLetterItem[T], error) {
	var entry DeadLetterItem[T]

	data, err := q.client.HGet(ctx, q.key, id).Result()
	if errors.Is(err, redis.Nil) {
		return entry, ErrItemNotFound
	}
	if err != nil {
		return entry, fmt.Errorf("failed to read dead letter %s: %w", id, err)
	}

	removed, err := q.client.HDel(ctx, q.key, id).Result()
	if err != nil {
		return entry, fmt.Errorf("failed to remove dead letter %s: %w", id, err)
	}
	if removed == 0 {
		return entry, ErrItemNotFound
	}

	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return entry, fmt.Errorf("failed to decode dead letter %s: %w", id, err)
	}
	return entry, nil
}

// Close is a no-op; the shared client is closed by its owner
func (q *RedisDeadLetterQueue[T]) Close() error {
	return nil
}
