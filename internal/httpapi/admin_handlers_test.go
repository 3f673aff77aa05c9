package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llama_gateway/internal/auth"
	"llama_gateway/internal/models"
	"llama_gateway/internal/queue"
	"llama_gateway/internal/ratelimit"
	"llama_gateway/internal/storage"
)

func TestAdminRoutes_RequireRoles(t *testing.T) {
	backend := newFakeOllama(t, answerJSON(`{}`))
	gw := newTestGateway(t, backend.server.URL)

	tests := []struct {
		name   string
		role   auth.Role
		method string
		path   string
		status int
	}{
		{"anonymous list", "", http.MethodGet, "/admin/keys", http.StatusUnauthorized},
		{"viewer list", auth.RoleViewer, http.MethodGet, "/admin/keys", http.StatusOK},
		{"viewer create", auth.RoleViewer, http.MethodPost, "/admin/keys", http.StatusForbidden},
		{"viewer webhooks", auth.RoleViewer, http.MethodGet, "/admin/webhooks", http.StatusOK},
		{"viewer deactivate all", auth.RoleViewer, http.MethodPost, "/admin/keys/deactivate-all", http.StatusForbidden},
		{"admin health", auth.RoleAdmin, http.MethodGet, "/admin/health", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := gw.adminRequest(t, tt.role, tt.method, tt.path, map[string]interface{}{})
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestAdminKeys_Lifecycle(t *testing.T) {
	backend := newFakeOllama(t, answerJSON(`{"done":true}`))
	gw := newTestGateway(t, backend.server.URL)

	// create with a generated key and the default rate limit
	resp := gw.adminRequest(t, auth.RoleAdmin, http.MethodPost, "/admin/keys", map[string]interface{}{
		"description": "batch jobs",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created models.APIKey
	decode(t, resp, &created)
	assert.Len(t, created.Key, 40)
	assert.Equal(t, models.DefaultRateLimit, created.RateLimit)
	assert.Equal(t, models.DefaultRateLimit, created.Tokens)
	assert.True(t, created.Active)
	assert.Equal(t, "batch jobs", created.DescriptionOrEmpty())

	// explicit key, then a duplicate
	resp = gw.adminRequest(t, auth.RoleAdmin, http.MethodPost, "/admin/keys", map[string]interface{}{"key": "mine", "rate_limit": 2})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = gw.adminRequest(t, auth.RoleAdmin, http.MethodPost, "/admin/keys", map[string]interface{}{"key": "mine"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp = gw.adminRequest(t, auth.RoleAdmin, http.MethodPost, "/admin/keys", map[string]interface{}{"rate_limit": -1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// use the key so it has a bucket and usage
	require.Equal(t, http.StatusOK, gw.generate(t, map[string]interface{}{"apikey": "mine", "prompt": "hi"}).StatusCode)
	gw.sink.Wait()

	resp = gw.adminRequest(t, auth.RoleViewer, http.MethodGet, "/admin/keys/mine", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var detail struct {
		Key    string `json:"key"`
		Bucket *struct {
			Tokens int `json:"tokens"`
		} `json:"bucket"`
		Usage *models.UsageSummary `json:"usage"`
	}
	decode(t, resp, &detail)
	assert.Equal(t, "mine", detail.Key)
	require.NotNil(t, detail.Bucket)
	assert.Equal(t, 1, detail.Bucket.Tokens)
	require.NotNil(t, detail.Usage)
	assert.Equal(t, int64(1), detail.Usage.TotalRequests)

	// update keeps the bucket and its spent tokens
	resp = gw.adminRequest(t, auth.RoleAdmin, http.MethodPatch, "/admin/keys/mine", map[string]interface{}{
		"rate_limit":  7,
		"description": "updated",
		"active":      false,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated models.APIKey
	decode(t, resp, &updated)
	assert.Equal(t, 7, updated.RateLimit)
	assert.Equal(t, "updated", updated.DescriptionOrEmpty())
	assert.False(t, updated.Active)
	state, ok := gw.limiter.Snapshot("mine")
	require.True(t, ok)
	assert.Equal(t, 1, state.Tokens)

	resp = gw.generate(t, map[string]interface{}{"apikey": "mine", "prompt": "hi"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// list filtered by state
	resp = gw.adminRequest(t, auth.RoleViewer, http.MethodGet, "/admin/keys?active=false", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var inactive struct {
		Items      []models.APIKey `json:"items"`
		TotalCount int             `json:"total_count"`
	}
	decode(t, resp, &inactive)
	require.Equal(t, 1, inactive.TotalCount)
	assert.Equal(t, "mine", inactive.Items[0].Key)

	resp = gw.adminRequest(t, auth.RoleViewer, http.MethodGet, "/admin/keys?active=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// regenerate keeps settings and usage under the new key
	resp = gw.adminRequest(t, auth.RoleAdmin, http.MethodPost, "/admin/keys/mine/regenerate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var regenerated map[string]string
	decode(t, resp, &regenerated)
	newKey := regenerated["key"]
	require.Len(t, newKey, 40)

	_, err := gw.store.GetByKey(context.Background(), "mine")
	assert.Error(t, err)
	record, err := gw.store.GetByKey(context.Background(), newKey)
	require.NoError(t, err)
	assert.Equal(t, 7, record.RateLimit)
	summary, err := gw.store.Usage().Summary(context.Background(), newKey)
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.TotalRequests)

	// delete, then everything 404s
	resp = gw.adminRequest(t, auth.RoleAdmin, http.MethodDelete, "/admin/keys/"+newKey, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = gw.adminRequest(t, auth.RoleViewer, http.MethodGet, "/admin/keys/"+newKey, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = gw.adminRequest(t, auth.RoleAdmin, http.MethodPatch, "/admin/keys/"+newKey, map[string]interface{}{"active": true})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = gw.adminRequest(t, auth.RoleAdmin, http.MethodPost, "/admin/keys/"+newKey+"/regenerate", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdminKeys_SetAllActive(t *testing.T) {
	backend := newFakeOllama(t, answerJSON(`{"done":true}`))
	gw := newTestGateway(t, backend.server.URL)
	gw.addKey(t, "a", 5)
	gw.addKey(t, "b", 5)

	resp := gw.adminRequest(t, auth.RoleAdmin, http.MethodPost, "/admin/keys/deactivate-all", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result map[string]int64
	decode(t, resp, &result)
	assert.Equal(t, int64(2), result["updated"])

	assert.Equal(t, http.StatusForbidden, gw.generate(t, map[string]interface{}{"apikey": "a"}).StatusCode)

	resp = gw.adminRequest(t, auth.RoleAdmin, http.MethodPost, "/admin/keys/activate-all", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, http.StatusOK, gw.generate(t, map[string]interface{}{"apikey": "b"}).StatusCode)
}

func TestAdminKeys_UpdatesKeepUnflushedTokens(t *testing.T) {
	backend := newFakeOllama(t, answerJSON(`{"done":true}`))
	// never started, so spent tokens exist only in memory
	persister := ratelimit.NewPersister(storage.NewMemoryStore(), time.Hour)
	gw := newTestGateway(t, backend.server.URL, ratelimit.WithPersister(persister))
	gw.addKey(t, "k", 2)

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, gw.generate(t, map[string]interface{}{"apikey": "k"}).StatusCode)
	}

	resp := gw.adminRequest(t, auth.RoleAdmin, http.MethodPatch, "/admin/keys/k", map[string]interface{}{"description": "note"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = gw.adminRequest(t, auth.RoleAdmin, http.MethodPatch, "/admin/keys/k", map[string]interface{}{"rate_limit": 5})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = gw.adminRequest(t, auth.RoleAdmin, http.MethodPost, "/admin/keys/deactivate-all", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = gw.adminRequest(t, auth.RoleAdmin, http.MethodPost, "/admin/keys/activate-all", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusTooManyRequests, gw.generate(t, map[string]interface{}{"apikey": "k"}).StatusCode)
	}
	assert.Equal(t, int32(2), backend.hits.Load())

	pending, ok := persister.Pending("k")
	require.True(t, ok)
	assert.Zero(t, pending.Tokens)

	// the raised limit applies from the next window
	gw.clock.Advance(time.Minute)
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, gw.generate(t, map[string]interface{}{"apikey": "k"}).StatusCode)
	}
	assert.Equal(t, http.StatusTooManyRequests, gw.generate(t, map[string]interface{}{"apikey": "k"}).StatusCode)
}

func TestAdminWebhooks(t *testing.T) {
	backend := newFakeOllama(t, answerJSON(`{}`))
	gw := newTestGateway(t, backend.server.URL)

	for _, bad := range []string{"", "ftp://example.com/hook", "/relative"} {
		resp := gw.adminRequest(t, auth.RoleAdmin, http.MethodPost, "/admin/webhooks", map[string]string{"url": bad})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, bad)
	}

	resp := gw.adminRequest(t, auth.RoleAdmin, http.MethodPost, "/admin/webhooks", map[string]string{"url": "https://hooks.example.com/llama"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var hook models.Webhook
	decode(t, resp, &hook)
	assert.Equal(t, "https://hooks.example.com/llama", hook.URL)

	resp = gw.adminRequest(t, auth.RoleViewer, http.MethodGet, "/admin/webhooks", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Items []models.Webhook `json:"items"`
	}
	decode(t, resp, &list)
	require.Len(t, list.Items, 1)

	path := "/admin/webhooks/" + strconv.FormatInt(hook.ID, 10)
	assert.Equal(t, http.StatusNoContent, gw.adminRequest(t, auth.RoleAdmin, http.MethodDelete, path, nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, gw.adminRequest(t, auth.RoleAdmin, http.MethodDelete, path, nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest, gw.adminRequest(t, auth.RoleAdmin, http.MethodDelete, "/admin/webhooks/abc", nil).StatusCode)
}

func TestAdminUsage(t *testing.T) {
	backend := newFakeOllama(t, answerJSON(`{"done":true}`))
	gw := newTestGateway(t, backend.server.URL)
	gw.addKey(t, "k", 5)

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, gw.generate(t, map[string]interface{}{"apikey": "k"}).StatusCode)
	}
	gw.sink.Wait()

	resp := gw.adminRequest(t, auth.RoleViewer, http.MethodGet, "/admin/usage/k?limit=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var usage struct {
		Key           string              `json:"key"`
		TotalRequests int64               `json:"total_requests"`
		Recent        []models.UsageEvent `json:"recent"`
	}
	decode(t, resp, &usage)
	assert.Equal(t, "k", usage.Key)
	assert.Equal(t, int64(3), usage.TotalRequests)
	assert.Len(t, usage.Recent, 2)

	resp = gw.adminRequest(t, auth.RoleViewer, http.MethodGet, "/admin/usage/k?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// no queue in this harness
	resp = gw.adminRequest(t, auth.RoleViewer, http.MethodGet, "/admin/usage/dead-letters", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestAdminHealth_Degraded(t *testing.T) {
	backend := newFakeOllama(t, answerJSON(`{}`))
	gw := newTestGateway(t, backend.server.URL)

	deps := &Dependencies{
		Keys: gw.store,
		HealthChecks: map[string]HealthChecker{
			"database": healthFunc(func(context.Context) error { return nil }),
			"redis":    healthFunc(func(context.Context) error { return assert.AnError }),
		},
	}
	server := newServer(t, NewHandler(deps, gw.cfg))

	gw.server = server
	resp := gw.adminRequest(t, auth.RoleViewer, http.MethodGet, "/admin/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var body struct {
		Status     string                     `json:"status"`
		Components map[string]componentStatus `json:"components"`
	}
	decode(t, resp, &body)
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "up", body.Components["database"].Status)
	assert.Equal(t, "down", body.Components["redis"].Status)
}

type healthFunc func(ctx context.Context) error

func (f healthFunc) Health(ctx context.Context) error { return f(ctx) }

func TestAdminUsage_DeadLetters(t *testing.T) {
	backend := newFakeOllama(t, answerJSON(`{}`))
	gw := newTestGateway(t, backend.server.URL)

	ctx := context.Background()
	q := queue.NewMemoryQueue[*models.UsageEvent](queue.DefaultConfig("usage"))
	dlq := queue.NewMemoryDeadLetterQueue[*models.UsageEvent]()
	require.NoError(t, dlq.Add(ctx, models.NewUsageEvent("k", time.Now()), errors.New("insert failed")))
	worker := storage.NewUsageQueueWorker(q, dlq, gw.store.Usage(), nil)

	deps := &Dependencies{Keys: gw.store, Usage: gw.store.Usage(), UsageQueue: worker}
	gw.server = newServer(t, NewHandler(deps, gw.cfg))

	resp := gw.adminRequest(t, auth.RoleViewer, http.MethodGet, "/admin/usage/dead-letters", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Items      []storage.UsageDeadLetter `json:"items"`
		TotalCount int                       `json:"total_count"`
	}
	decode(t, resp, &list)
	require.Equal(t, 1, list.TotalCount)
	assert.Equal(t, "k", list.Items[0].Item.Key)
	assert.Equal(t, "insert failed", list.Items[0].Error)

	retryPath := "/admin/usage/dead-letters/" + list.Items[0].ID + "/retry"
	resp = gw.adminRequest(t, auth.RoleViewer, http.MethodPost, retryPath, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "retry needs the admin role")

	resp = gw.adminRequest(t, auth.RoleAdmin, http.MethodPost, retryPath, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	n, err := q.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	resp = gw.adminRequest(t, auth.RoleAdmin, http.MethodPost, retryPath, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
