package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"
)

// clearEnv unsets every variable Load reads so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"HTTP_PORT", "OLLAMA_URL", "OLLAMA_PORT", "DATABASE_DRIVER", "DATABASE_URL",
		"REDIS_ADDRESS", "USAGE_QUEUE_BACKEND", "LOG_LEVEL", "RATE_LIMIT_WINDOW",
		"JWT_SECRET", "ENV_FILE", "CONFIG_FILE", "REQUEST_LOGGER_ENABLED",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	cfg, err := LoadWithOptions(Options{ConfigFile: filepath.Join(dir, "missing.yaml"), LegacyDir: dir})
	require.NoError(t, err)

	assert.Empty(t, cfg.HTTPPort)
	assert.Empty(t, cfg.Backend.URL)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "memory", cfg.UsageQueue.Backend)
	assert.Equal(t, 60*time.Second, cfg.RateLimit.Window)
	assert.Equal(t, time.Second, cfg.RateLimit.FlushInterval)
	assert.False(t, cfg.RequestLogger.Enabled)
	assert.Error(t, cfg.Validate(), "port and backend are required")
}

func TestLoad_Precedence(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	configFile := filepath.Join(dir, "llama_gateway.yaml")

	writeFile(t, filepath.Join(dir, "port.conf"), "3000\n")
	writeFile(t, filepath.Join(dir, "ollamaPort.conf"), "11434\n")

	t.Run("legacy files", func(t *testing.T) {
		cfg, err := LoadWithOptions(Options{ConfigFile: configFile, LegacyDir: dir})
		require.NoError(t, err)
		assert.Equal(t, "3000", cfg.HTTPPort)
		assert.Equal(t, "http://localhost:11434", cfg.Backend.URL)
		assert.NoError(t, cfg.Validate())
	})

	writeFile(t, configFile, "port: 4000\nollama_port: 11500\ndatabase:\n  driver: mysql\n  url: user:pw@tcp(db:3306)/llama\nlog_level: debug\n")

	t.Run("yaml beats legacy", func(t *testing.T) {
		cfg, err := LoadWithOptions(Options{ConfigFile: configFile, LegacyDir: dir})
		require.NoError(t, err)
		assert.Equal(t, "4000", cfg.HTTPPort)
		assert.Equal(t, "http://localhost:11500", cfg.Backend.URL)
		assert.Equal(t, "mysql", cfg.Database.Driver)
		assert.Equal(t, "user:pw@tcp(db:3306)/llama", cfg.Database.URL)
		assert.Equal(t, "debug", cfg.LogLevel)
	})

	t.Run("env beats yaml", func(t *testing.T) {
		t.Setenv("HTTP_PORT", "5000")
		t.Setenv("OLLAMA_URL", "http://ollama:11434")
		t.Setenv("DATABASE_DRIVER", "POSTGRES")

		cfg, err := LoadWithOptions(Options{ConfigFile: configFile, LegacyDir: dir})
		require.NoError(t, err)
		assert.Equal(t, "5000", cfg.HTTPPort)
		assert.Equal(t, "http://ollama:11434", cfg.Backend.URL)
		assert.Equal(t, "postgres", cfg.Database.Driver)
	})
}

func TestLoad_EnvFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	envFile := filepath.Join(dir, "gateway.env")
	writeFile(t, envFile, "HTTP_PORT=6000\nOLLAMA_PORT=11434\nJWT_SECRET=s3cret\n")

	cfg, err := LoadWithOptions(Options{EnvFile: envFile, LegacyDir: dir})
	require.NoError(t, err)
	assert.Equal(t, "6000", cfg.HTTPPort)
	assert.Equal(t, "http://localhost:11434", cfg.Backend.URL)
	assert.Equal(t, []byte("s3cret"), cfg.JWTSecret)

	_, err = LoadWithOptions(Options{EnvFile: filepath.Join(dir, "nope.env")})
	assert.Error(t, err)
}

func TestLoad_BadYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	writeFile(t, path, "port: [unclosed\n")

	_, err := LoadWithOptions(Options{ConfigFile: path})
	assert.Error(t, err)
}

func TestSavePort_PreservesOtherKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "llama_gateway.yaml")
	writeFile(t, path, "log_level: info\nollama_url: http://gpu-box:11434\nport: 3000\n")

	require.NoError(t, SavePort(path, 8080))

	fc, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 8080, fc.Port)
	assert.Equal(t, "info", fc.LogLevel)
	assert.Equal(t, "http://gpu-box:11434", fc.OllamaURL)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc yaml.MapSlice
	require.NoError(t, yaml.Unmarshal(data, &doc))
	require.Len(t, doc, 3)
	assert.Equal(t, "log_level", doc[0].Key, "key order is kept")

	assert.ErrorIs(t, SavePort(path, 70000), ErrInvalidPort)
}

func TestSaveOllamaPort_ClearsURL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "llama_gateway.yaml")
	require.NoError(t, SavePort(path, 3000))
	require.NoError(t, setFileValue(path, "ollama_url", "http://old:1"))

	require.NoError(t, SaveOllamaPort(path, 11434))

	fc, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 11434, fc.OllamaPort)
	assert.Empty(t, fc.OllamaURL)
	assert.Equal(t, 3000, fc.Port)
}

func TestValidateBackendURL(t *testing.T) {
	tests := []struct {
		url   string
		valid bool
	}{
		{"http://localhost:11434", true},
		{"https://ollama.internal", true},
		{"localhost:11434", false},
		{"ftp://host", false},
		{"http://", false},
		{"http://host:99999", false},
		{"", false},
	}
	for _, tt := range tests {
		err := ValidateBackendURL(tt.url)
		if tt.valid {
			assert.NoError(t, err, tt.url)
		} else {
			assert.ErrorIs(t, err, ErrInvalidBackendURL, tt.url)
		}
	}
}

func TestParsePort(t *testing.T) {
	port, err := ParsePort("8080")
	require.NoError(t, err)
	assert.Equal(t, 8080, port)

	for _, bad := range []string{"", "abc", "0", "65536", "-1"} {
		_, err := ParsePort(bad)
		assert.ErrorIs(t, err, ErrInvalidPort, bad)
	}
}

func TestValidateDatabase(t *testing.T) {
	cfg := &Config{}
	assert.Error(t, cfg.ValidateDatabase())

	cfg.Database.URL = "postgres://localhost/llama"
	cfg.Database.Driver = "sqlite"
	assert.Error(t, cfg.ValidateDatabase())

	cfg.Database.Driver = "postgres"
	assert.NoError(t, cfg.ValidateDatabase())

	cfg.Database.URL = ""
	assert.Error(t, cfg.ValidateDatabase())

	cfg.Database.Driver = "memory"
	assert.NoError(t, cfg.ValidateDatabase())
}

func TestRepair(t *testing.T) {
	path := filepath.Join(t.TempDir(), "llama_gateway.yaml")
	cfg := &Config{ConfigFile: path, RateLimit: RateLimitConfig{Window: time.Minute}}

	in := strings.NewReader("not-a-port\n3000\n11434\n")
	var out bytes.Buffer

	require.NoError(t, cfg.Repair(in, &out))
	assert.Equal(t, "3000", cfg.HTTPPort)
	assert.Equal(t, "http://localhost:11434", cfg.Backend.URL)
	assert.Contains(t, out.String(), "Please enter a number between 1 and 65535.")

	fc, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3000, fc.Port)
	assert.Equal(t, 11434, fc.OllamaPort)
}

func TestRepair_EOF(t *testing.T) {
	cfg := &Config{ConfigFile: filepath.Join(t.TempDir(), "c.yaml")}
	err := cfg.Repair(strings.NewReader(""), &bytes.Buffer{})
	assert.Error(t, err)
}
