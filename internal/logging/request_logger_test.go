package logging

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llama_gateway/internal/utils"
)

func newTestLogger(t *testing.T, maxSize int64, maxFiles, bufferSize int) (*RequestLogger, string) {
	t.Helper()
	dir := t.TempDir()
	logger, err := NewRequestLogger(RequestLoggerOptions{
		FileTemplate:  filepath.Join(dir, "requests-%s.jsonl"),
		MaxSize:       maxSize,
		MaxFiles:      maxFiles,
		BufferSize:    bufferSize,
		FlushInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	return logger, dir
}

func readEntries(t *testing.T, dir string) []RequestLog {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "requests-*.jsonl"))
	require.NoError(t, err)

	var entries []RequestLog
	for _, f := range files {
		fh, err := os.Open(f)
		require.NoError(t, err)
		scanner := bufio.NewScanner(fh)
		for scanner.Scan() {
			var entry RequestLog
			require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
			entries = append(entries, entry)
		}
		fh.Close()
	}
	return entries
}

func TestCaptureRequest_GenerateBody(t *testing.T) {
	body := `{"apikey":"secret-key-123","model":"llama3","prompt":"hi","stream":true}`
	req := httptest.NewRequest(http.MethodPost, "/generate", strings.NewReader(body))
	req.Header.Set("User-Agent", "curl/8")
	req.RemoteAddr = "127.0.0.1:12345"

	entry := CaptureRequest(req, "req-1")

	assert.Equal(t, "req-1", entry.RequestID)
	assert.Equal(t, http.MethodPost, entry.Method)
	assert.Equal(t, "/generate", entry.URL)
	assert.Equal(t, "127.0.0.1:12345", entry.RemoteAddr)
	assert.Equal(t, "curl/8", entry.UserAgent)
	assert.Equal(t, "llama3", entry.Model)
	assert.True(t, entry.Stream)
	assert.Equal(t, utils.KeyFingerprint("secret-key-123"), entry.Key)
	assert.NotContains(t, entry.Body, "secret-key-123")
	assert.Contains(t, entry.Body, RedactedValue)

	got, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, body, string(got), "the handler must see the original body")
}

func TestCaptureRequest_QueryKey(t *testing.T) {
	entry := CaptureRequest(httptest.NewRequest(http.MethodGet, "/health?apikey=secret-key-123", nil), "")

	assert.NotContains(t, entry.URL, "secret-key-123")
	assert.Contains(t, entry.URL, url.QueryEscape(RedactedValue))
	assert.Equal(t, utils.KeyFingerprint("secret-key-123"), entry.Key)
	assert.Empty(t, entry.Body)
	assert.False(t, entry.Stream)
}

func TestCaptureRequest_LargeBodyTruncated(t *testing.T) {
	body := `{"prompt":"` + strings.Repeat("a", maxLoggedBody) + `"}`
	entry := CaptureRequest(httptest.NewRequest(http.MethodPost, "/generate", strings.NewReader(body)), "")

	assert.True(t, entry.Truncated)
	assert.Len(t, entry.Body, maxLoggedBody)
}

func TestRedactBody(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		contains string
		absent   string
	}{
		{name: "json with key", body: `{"apikey":"abc","model":"m"}`, contains: RedactedValue, absent: "abc"},
		{name: "json without key", body: `{"model":"m"}`, contains: `"model":"m"`},
		{name: "not json", body: `apikey=abc`, contains: "apikey=abc"},
		{name: "json array", body: `["apikey"]`, contains: `["apikey"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RedactBody([]byte(tt.body))
			assert.Contains(t, got, tt.contains)
			if tt.absent != "" {
				assert.NotContains(t, got, tt.absent)
			}
		})
	}
}

func TestRequestLogger_WritesEntries(t *testing.T) {
	logger, dir := newTestLogger(t, 1<<20, 5, 100)

	logger.Log(RequestLog{RequestID: "a", Method: http.MethodPost, URL: "/generate", Status: 200, Model: "llama3"})
	logger.Log(RequestLog{RequestID: "b", Method: http.MethodGet, URL: "/health", Status: 403})
	require.NoError(t, logger.Close())

	entries := readEntries(t, dir)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].RequestID)
	assert.Equal(t, "llama3", entries[0].Model)
	assert.Equal(t, 403, entries[1].Status)
}

func TestRequestLogger_RotationAndCleanup(t *testing.T) {
	logger, dir := newTestLogger(t, 300, 2, 100)

	for i := 0; i < 20; i++ {
		logger.Log(RequestLog{RequestID: fmt.Sprintf("req-%02d", i), Method: http.MethodPost, URL: "/generate", Status: 200})
	}
	require.NoError(t, logger.Close())

	files, err := filepath.Glob(filepath.Join(dir, "requests-*.jsonl"))
	require.NoError(t, err)
	assert.Greater(t, len(files), 1, "the log must have rotated")
	assert.LessOrEqual(t, len(files), 3, "at most maxFiles rotated files plus the active one")

	// the newest entries survive pruning
	var ids []string
	for _, e := range readEntries(t, dir) {
		ids = append(ids, e.RequestID)
	}
	assert.Contains(t, ids, "req-19")
	assert.NotContains(t, ids, "req-00")
}

func TestRequestLogger_FullBufferDrops(t *testing.T) {
	// no writer goroutine, so nothing drains the buffer
	logger := &RequestLogger{entries: make(chan RequestLog, 1)}

	logger.Log(RequestLog{RequestID: "kept"})
	logger.Log(RequestLog{RequestID: "dropped"})
	logger.Log(RequestLog{RequestID: "dropped"})

	assert.Equal(t, int64(2), logger.Dropped())
	assert.Equal(t, "kept", (<-logger.entries).RequestID)
}

func TestRequestLogger_CloseIsIdempotent(t *testing.T) {
	logger, dir := newTestLogger(t, 1<<20, 5, 100)
	logger.Log(RequestLog{URL: "/health"})

	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close())

	assert.Len(t, readEntries(t, dir), 1)
}

func TestRequestLogger_Concurrent(t *testing.T) {
	logger, dir := newTestLogger(t, 1<<20, 5, 1000)

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				logger.Log(RequestLog{URL: "/health", Status: 200})
			}
		}()
	}
	wg.Wait()
	require.NoError(t, logger.Close())

	assert.Len(t, readEntries(t, dir), 200)
}

func TestNewRequestLogger(t *testing.T) {
	t.Run("creates directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "logs")
		logger, err := NewRequestLogger(RequestLoggerOptions{FileTemplate: filepath.Join(dir, "requests-%s.jsonl"), MaxSize: 1024, MaxFiles: 2})
		require.NoError(t, err)
		defer logger.Close()

		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("rejects zero max size", func(t *testing.T) {
		_, err := NewRequestLogger(RequestLoggerOptions{FileTemplate: filepath.Join(t.TempDir(), "r-%s.jsonl")})
		assert.Error(t, err)
	})
}

func TestRotatingFile_OversizedLineGetsOwnFile(t *testing.T) {
	dir := t.TempDir()
	tick := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rf := &rotatingFile{
		template: filepath.Join(dir, "r-%s.log"),
		maxSize:  10,
		keep:     5,
		now: func() time.Time {
			tick = tick.Add(time.Second)
			return tick
		},
	}
	require.NoError(t, rf.open())

	require.NoError(t, rf.WriteLine([]byte("short")))
	require.NoError(t, rf.WriteLine([]byte(strings.Repeat("x", 50))))
	require.NoError(t, rf.WriteLine([]byte("tail")))
	require.NoError(t, rf.Close())

	files, err := filepath.Glob(filepath.Join(dir, "r-*.log"))
	require.NoError(t, err)
	require.Len(t, files, 3)

	first, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Equal(t, "short\n", string(first))
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, Debug, level)

	level, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, Warning, level)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}
