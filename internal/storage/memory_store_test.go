package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llama_gateway/internal/models"
)

func TestMemoryStore_APIKeys(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	require.NoError(t, s.Create(ctx, models.NewAPIKey("a", 5, now)))
	require.NoError(t, s.Create(ctx, models.NewAPIKey("b", -1, now.Add(time.Second))))
	assert.ErrorIs(t, s.Create(ctx, models.NewAPIKey("a", 5, now)), ErrAPIKeyExists)

	got, err := s.GetByKey(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, models.DefaultRateLimit, got.Tokens)

	// returned records are copies
	got.Tokens = 0
	again, _ := s.GetByKey(ctx, "b")
	assert.Equal(t, models.DefaultRateLimit, again.Tokens)

	require.NoError(t, s.SetActive(ctx, "a", false))
	inactive, _ := s.ListByActive(ctx, false)
	require.Len(t, inactive, 1)
	assert.Equal(t, "a", inactive[0].Key)

	n, err := s.SetAllActive(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, s.SetDescription(ctx, "a", "ci key"))
	require.NoError(t, s.SetRateLimit(ctx, "a", 0))
	assert.ErrorIs(t, s.SetRateLimit(ctx, "a", -1), ErrInvalidRateLimit)
	got, _ = s.GetByKey(ctx, "a")
	assert.Equal(t, "ci key", got.DescriptionOrEmpty())
	assert.Equal(t, 0, got.RateLimit)

	all, _ := s.List(ctx)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].Key)

	assert.ErrorIs(t, s.Delete(ctx, "zzz"), ErrAPIKeyNotFound)
	assert.ErrorIs(t, s.SetActive(ctx, "zzz", true), ErrAPIKeyNotFound)
	assert.ErrorIs(t, s.UpdateTokens(ctx, "zzz", 1, now), ErrAPIKeyNotFound)
	require.NoError(t, s.Delete(ctx, "b"))
	_, err = s.GetByKey(ctx, "b")
	assert.ErrorIs(t, err, ErrAPIKeyNotFound)
}

func TestMemoryStore_RegenerateMovesUsage(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()
	require.NoError(t, s.Create(ctx, models.NewAPIKey("old", 5, now)))
	require.NoError(t, s.Create(ctx, models.NewAPIKey("taken", 5, now)))
	require.NoError(t, s.Usage().Create(ctx, models.NewUsageEvent("old", now)))

	assert.ErrorIs(t, s.Regenerate(ctx, "old", "taken"), ErrAPIKeyExists)
	assert.ErrorIs(t, s.Regenerate(ctx, "missing", "x"), ErrAPIKeyNotFound)
	require.NoError(t, s.Regenerate(ctx, "old", "new"))

	_, err := s.GetByKey(ctx, "old")
	assert.ErrorIs(t, err, ErrAPIKeyNotFound)
	summary, err := s.Usage().Summary(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.TotalRequests)
}

func TestMemoryStore_Webhooks(t *testing.T) {
	ctx := context.Background()
	hooks := NewMemoryStore().Webhooks()

	a, err := hooks.Create(ctx, "http://a.example/hook")
	require.NoError(t, err)
	b, err := hooks.Create(ctx, "http://b.example/hook")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)

	require.NoError(t, hooks.Delete(ctx, a.ID))
	assert.ErrorIs(t, hooks.Delete(ctx, a.ID), ErrWebhookNotFound)

	list, err := hooks.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "http://b.example/hook", list[0].URL)
}

func TestMemoryStore_UsageSummary(t *testing.T) {
	ctx := context.Background()
	usage := NewMemoryStore().Usage()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, usage.CreateBatch(ctx, []*models.UsageEvent{
		models.NewUsageEvent("k", base),
		models.NewUsageEvent("k", base.Add(time.Minute)),
		models.NewUsageEvent("other", base.Add(time.Hour)),
	}))

	summary, err := usage.Summary(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(2), summary.TotalRequests)
	require.NotNil(t, summary.LastRequestAt)
	assert.Equal(t, base.Add(time.Minute), *summary.LastRequestAt)

	events, err := usage.ListByKey(ctx, "k", 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, base.Add(time.Minute), events[0].Timestamp)

	empty, err := usage.Summary(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, empty.TotalRequests)
	assert.Nil(t, empty.LastRequestAt)
}
