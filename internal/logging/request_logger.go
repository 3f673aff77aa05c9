package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"llama_gateway/internal/utils"
)

// RedactedValue replaces secrets in logged requests.
const RedactedValue = "[REDACTED]"

// maxLoggedBody caps how much of a request body is kept; prompts with images can be large.
const maxLoggedBody = 64 << 10

// RequestLog is one line of the request log: what the caller sent and how it ended.
type RequestLog struct {
	Timestamp  time.Time `json:"timestamp"`
	RequestID  string    `json:"request_id,omitempty"`
	Method     string    `json:"method"`
	URL        string    `json:"url"`
	RemoteAddr string    `json:"remote_addr"`
	UserAgent  string    `json:"user_agent,omitempty"`
	Key        string    `json:"key,omitempty"`
	Model      string    `json:"model,omitempty"`
	Stream     bool      `json:"stream,omitempty"`
	Status     int       `json:"status"`
	DurationMS int64     `json:"duration_ms"`
	BytesOut   int64     `json:"bytes_out"`
	Body       string    `json:"body,omitempty"`
	Truncated  bool      `json:"truncated,omitempty"`
}

// CaptureRequest describes r for the request log. The key is logged only as a
// fingerprint and the body is redacted. r.Body is replaced so the handler can
// still read it.
func CaptureRequest(r *http.Request, requestID string) RequestLog {
	entry := RequestLog{
		Timestamp:  time.Now().UTC(),
		RequestID:  requestID,
		Method:     r.Method,
		URL:        RedactURL(r.URL),
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	}
	key := r.URL.Query().Get("apikey")

	if r.Body != nil && r.Body != http.NoBody {
		raw, err := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(raw))
		if err == nil {
			var fields map[string]json.RawMessage
			if json.Unmarshal(raw, &fields) == nil {
				var bodyKey string
				if json.Unmarshal(fields["apikey"], &bodyKey) == nil && bodyKey != "" {
					key = bodyKey
				}
				_ = json.Unmarshal(fields["model"], &entry.Model)
				entry.Stream = string(bytes.TrimSpace(fields["stream"])) == "true"
			}
			entry.Body = RedactBody(raw)
			if len(entry.Body) > maxLoggedBody {
				entry.Body = entry.Body[:maxLoggedBody]
				entry.Truncated = true
			}
		}
	}
	if key != "" {
		entry.Key = utils.KeyFingerprint(key)
	}
	return entry
}

// RequestLoggerOptions configures NewRequestLogger
type RequestLoggerOptions struct {
	// FileTemplate names the log files; its single %s becomes the creation time
	FileTemplate  string
	MaxSize       int64
	MaxFiles      int
	BufferSize    int
	FlushInterval time.Duration
}

// RequestLogger writes RequestLog entries as JSON lines to size-rotated files.
// A single goroutine owns the files, so Log never waits on disk.
type RequestLogger struct {
	entries       chan RequestLog
	done          chan struct{}
	stopped       chan struct{}
	flushInterval time.Duration
	out           *rotatingFile

	closeOnce sync.Once
	closeErr  error
	dropped   atomic.Int64
}

// NewRequestLogger opens the first log file and starts the writer.
func NewRequestLogger(opts RequestLoggerOptions) (*RequestLogger, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.MaxSize <= 0 {
		return nil, fmt.Errorf("request log max size must be positive")
	}

	out, err := openRotatingFile(opts.FileTemplate, opts.MaxSize, opts.MaxFiles)
	if err != nil {
		return nil, err
	}

	l := &RequestLogger{
		entries:       make(chan RequestLog, opts.BufferSize),
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
		flushInterval: opts.FlushInterval,
		out:           out,
	}
	go l.run()
	return l, nil
}

// Log queues entry. When the buffer is full the entry is dropped and counted.
func (l *RequestLogger) Log(entry RequestLog) {
	select {
	case l.entries <- entry:
	default:
		l.dropped.Add(1)
	}
}

// Dropped returns how many entries were discarded because the buffer was full.
func (l *RequestLogger) Dropped() int64 {
	return l.dropped.Load()
}

func (l *RequestLogger) run() {
	defer close(l.stopped)
	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case entry := <-l.entries:
			l.write(entry)
		case <-ticker.C:
			if err := l.out.Flush(); err != nil {
				Errorf("request log flush failed: %v", err)
			}
		case <-l.done:
			for {
				select {
				case entry := <-l.entries:
					l.write(entry)
				default:
					l.closeErr = l.out.Close()
					return
				}
			}
		}
	}
}

func (l *RequestLogger) write(entry RequestLog) {
	line, err := json.Marshal(entry)
	if err != nil {
		Errorf("request log entry skipped: %v", err)
		return
	}
	if err := l.out.WriteLine(line); err != nil {
		Errorf("request log write failed: %v", err)
	}
}

// Close writes what is still queued and closes the file. Entries logged after
// Close are dropped. It is safe to call more than once.
func (l *RequestLogger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		<-l.stopped
	})
	return l.closeErr
}

// RedactBody masks a top-level "apikey" field of a JSON object body.
// Non-JSON bodies are returned unchanged.
func RedactBody(body []byte) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return string(body)
	}
	if _, ok := fields["apikey"]; !ok {
		return string(body)
	}
	fields["apikey"] = json.RawMessage(strconv.Quote(RedactedValue))
	redacted, err := json.Marshal(fields)
	if err != nil {
		return ""
	}
	return string(redacted)
}

// RedactURL renders u with its apikey query parameter masked.
func RedactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	q := u.Query()
	if !q.Has("apikey") {
		return u.String()
	}
	q.Set("apikey", RedactedValue)
	c := *u
	c.RawQuery = q.Encode()
	return c.String()
}
