package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llama_gateway/internal/auth"
	"llama_gateway/internal/config"
	"llama_gateway/internal/models"
	"llama_gateway/internal/storage"
)

type testEnv struct {
	store  *storage.MemoryStore
	cfg    *config.Config
	closes int
	stdin  string
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return &testEnv{
		store: storage.NewMemoryStore(),
		cfg: &config.Config{
			ConfigFile: filepath.Join(t.TempDir(), "llama_gateway.yaml"),
			JWTSecret:  []byte("cli-test-secret"),
		},
	}
}

// run executes llamactl with args and returns stdout
func (e *testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand(Options{
		LoadConfig: func() (*config.Config, error) { return e.cfg, nil },
		OpenStores: func(cfg *config.Config) (*Stores, error) {
			return &Stores{
				Keys:     e.store,
				Webhooks: e.store.Webhooks(),
				Close: func() error {
					e.closes++
					return nil
				},
			}, nil
		},
		In:  strings.NewReader(e.stdin),
		Now: func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
	})
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), err
}

func (e *testEnv) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := e.run(t, args...)
	require.NoError(t, err)
	return out
}

func (e *testEnv) key(t *testing.T, key string) *models.APIKey {
	t.Helper()
	record, err := e.store.GetByKey(context.Background(), key)
	require.NoError(t, err)
	return record
}

func generatedKey(t *testing.T, out string) string {
	t.Helper()
	const prefix = "API key generated: "
	require.True(t, strings.HasPrefix(out, prefix), out)
	return strings.TrimSpace(strings.TrimPrefix(strings.SplitN(out, "\n", 2)[0], prefix))
}

func TestGenerateKey(t *testing.T) {
	env := setupTestEnv(t)

	key := generatedKey(t, env.mustRun(t, "generatekey"))
	assert.Len(t, key, 40)

	record := env.key(t, key)
	assert.Equal(t, models.DefaultRateLimit, record.RateLimit)
	assert.Equal(t, models.DefaultRateLimit, record.Tokens)
	assert.True(t, record.Active)
	assert.Equal(t, 1, env.closes, "stores are closed after each command")

	limited := generatedKey(t, env.mustRun(t, "generatekey", "--rate-limit", "3"))
	assert.Equal(t, 3, env.key(t, limited).RateLimit)
}

func TestGenerateKeys(t *testing.T) {
	env := setupTestEnv(t)

	out := env.mustRun(t, "generatekeys", "3")
	assert.Equal(t, 3, strings.Count(out, "API key generated: "))

	keys, err := env.store.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, keys, 3)

	for _, bad := range []string{"0", "-2", "many"} {
		_, err := env.run(t, "generatekeys", bad)
		assert.Error(t, err, bad)
	}
}

func TestAddListRemoveKey(t *testing.T) {
	env := setupTestEnv(t)

	assert.Contains(t, env.mustRun(t, "listkey"), "No API keys found")

	assert.Equal(t, "API key added: my-key\n", env.mustRun(t, "addkey", "my-key"))
	_, err := env.run(t, "addkey", "my-key")
	assert.ErrorIs(t, err, storage.ErrAPIKeyExists)

	out := env.mustRun(t, "listkey")
	assert.Contains(t, out, "KEY")
	assert.Contains(t, out, "my-key")

	assert.Equal(t, "API key removed\n", env.mustRun(t, "removekey", "my-key"))
	_, err = env.run(t, "removekey", "my-key")
	assert.ErrorIs(t, err, storage.ErrAPIKeyNotFound)
}

func TestRateLimit(t *testing.T) {
	env := setupTestEnv(t)
	env.mustRun(t, "addkey", "k")

	out := env.mustRun(t, "ratelimit", "k", "25")
	assert.Equal(t, "Rate limit set to 25 requests per minute for API key: k\n", out)
	assert.Equal(t, 25, env.key(t, "k").RateLimit)

	_, err := env.run(t, "ratelimit", "k", "-1")
	assert.Error(t, err)
	_, err = env.run(t, "ratelimit", "k")
	assert.Error(t, err)
	_, err = env.run(t, "ratelimit", "missing", "5")
	assert.ErrorIs(t, err, storage.ErrAPIKeyNotFound)
}

func TestActivation(t *testing.T) {
	env := setupTestEnv(t)
	env.mustRun(t, "addkey", "a")
	env.mustRun(t, "addkey", "b")

	assert.Equal(t, "API key a deactivated\n", env.mustRun(t, "deactivatekey", "a"))
	assert.False(t, env.key(t, "a").Active)

	assert.Equal(t, "b\n", env.mustRun(t, "listactivekeys"))
	assert.Equal(t, "a\n", env.mustRun(t, "listinactivekeys"))

	assert.Equal(t, "API key a activated\n", env.mustRun(t, "activatekey", "a"))
	assert.True(t, env.key(t, "a").Active)

	assert.Contains(t, env.mustRun(t, "deactivateallkeys"), "All API keys deactivated")
	assert.Empty(t, env.mustRun(t, "listactivekeys"))

	assert.Contains(t, env.mustRun(t, "activateallkeys"), "All API keys activated")
	assert.Empty(t, env.mustRun(t, "listinactivekeys"))
}

func TestKeyDescription(t *testing.T) {
	env := setupTestEnv(t)
	env.mustRun(t, "addkey", "k")

	assert.Equal(t, "No description found for API key k\n", env.mustRun(t, "listkeydescription", "k"))

	env.mustRun(t, "addkeydescription", "k", "nightly", "batch", "jobs")
	assert.Equal(t, "Description for API key k: nightly batch jobs\n", env.mustRun(t, "listkeydescription", "k"))

	_, err := env.run(t, "addkeydescription", "k")
	assert.Error(t, err, "a description is required")
}

func TestRegenerateKey(t *testing.T) {
	env := setupTestEnv(t)
	env.mustRun(t, "addkey", "old")
	env.mustRun(t, "ratelimit", "old", "7")

	out := env.mustRun(t, "regeneratekey", "old")
	require.True(t, strings.HasPrefix(out, "API key regenerated. New API key: "))
	newKey := strings.TrimSpace(strings.TrimPrefix(out, "API key regenerated. New API key: "))

	_, err := env.store.GetByKey(context.Background(), "old")
	assert.ErrorIs(t, err, storage.ErrAPIKeyNotFound)
	assert.Equal(t, 7, env.key(t, newKey).RateLimit)
}

func TestGetKeyInfo(t *testing.T) {
	env := setupTestEnv(t)
	env.mustRun(t, "addkey", "k")
	env.mustRun(t, "addkeydescription", "k", "docs")

	out := env.mustRun(t, "getkeyinfo", "k")
	assert.Contains(t, out, "Key:")
	assert.Contains(t, out, "Rate limit:")
	assert.Contains(t, out, "docs")
	assert.Contains(t, out, "2024-05-01 12:00:00 UTC")

	_, err := env.run(t, "getkeyinfo", "missing")
	assert.EqualError(t, err, "no API key found with the given key")
}

func TestWebhooks(t *testing.T) {
	env := setupTestEnv(t)

	assert.Equal(t, "No webhooks registered\n", env.mustRun(t, "listwebhooks"))

	out := env.mustRun(t, "addwebhook", "https://hooks.example.com/a")
	assert.Equal(t, "Webhook added: https://hooks.example.com/a (id 1)\n", out)
	_, err := env.run(t, "addwebhook", "not a url")
	assert.Error(t, err)

	assert.Contains(t, env.mustRun(t, "listwebhooks"), "https://hooks.example.com/a")

	assert.Equal(t, "Webhook deleted\n", env.mustRun(t, "deletewebhook", "1"))
	_, err = env.run(t, "deletewebhook", "1")
	assert.ErrorIs(t, err, storage.ErrWebhookNotFound)
	_, err = env.run(t, "deletewebhook", "one")
	assert.Error(t, err)
}

func TestChangePorts(t *testing.T) {
	env := setupTestEnv(t)

	out := env.mustRun(t, "changeport", "8080")
	assert.Contains(t, out, "Port number saved to "+env.cfg.ConfigFile+": 8080")
	env.mustRun(t, "changeollamaport", "11435")

	file, err := config.ReadFile(env.cfg.ConfigFile)
	require.NoError(t, err)
	assert.Equal(t, 8080, file.Port)
	assert.Equal(t, 11435, file.OllamaPort)

	for _, bad := range []string{"0", "70000", "http"} {
		_, err := env.run(t, "changeport", bad)
		assert.ErrorIs(t, err, config.ErrInvalidPort, bad)
	}
	assert.Zero(t, env.closes, "settings commands never open the store")
}

func TestMigrateWithoutSchema(t *testing.T) {
	env := setupTestEnv(t)
	_, err := env.run(t, "migrate")
	assert.Error(t, err)
}

func TestHashPassword(t *testing.T) {
	env := setupTestEnv(t)
	env.stdin = "correct horse\n"

	hash := strings.TrimSpace(env.mustRun(t, "hash-password"))
	ok, err := auth.VerifyPassword("correct horse", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	env.stdin = ""
	_, err = env.run(t, "hash-password")
	assert.Error(t, err)
}

func TestAdminToken(t *testing.T) {
	env := setupTestEnv(t)

	token := strings.TrimSpace(env.mustRun(t, "admin-token", "--role", "viewer", "--subject", "ci"))
	claims, err := auth.ValidateAdminJWT(token, env.cfg)
	require.NoError(t, err)
	assert.Equal(t, "ci", claims.Subject)
	assert.Equal(t, []string{"viewer"}, claims.Roles)
	assert.Equal(t, auth.AdminAuthTypeToken, claims.AuthType)

	_, err = env.run(t, "admin-token", "--role", "root")
	assert.Error(t, err)

	env.cfg.JWTSecret = nil
	_, err = env.run(t, "admin-token")
	assert.ErrorIs(t, err, auth.ErrMissingJWTSecret)
}

func TestOpenStores_MemoryDriverRejected(t *testing.T) {
	_, err := OpenStores(&config.Config{Database: config.DatabaseConfig{Driver: storage.DriverMemory}})
	assert.ErrorIs(t, err, ErrNoSharedStore)
}

func TestReadPassword_NotATerminal(t *testing.T) {
	// a pipe is never a terminal
	r, w, err := os.Pipe()
	require.NoError(t, err)
	_, err = w.WriteString("from-pipe\n")
	require.NoError(t, err)
	require.NoError(t, w.Close())
	defer r.Close()

	env := setupTestEnv(t)
	root := NewRootCommand(Options{
		LoadConfig: func() (*config.Config, error) { return env.cfg, nil },
		In:         r,
	})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"hash-password"})
	require.NoError(t, root.Execute())

	ok, err := auth.VerifyPassword("from-pipe", strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.True(t, ok)
}
