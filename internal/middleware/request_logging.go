package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"llama_gateway/internal/logging"
)

const (
	// RequestIDKey is the context key for the request ID
	RequestIDKey ContextKey = "requestID"

	// RequestIDHeader carries the request ID in both directions
	RequestIDHeader = "X-Request-ID"
)

// RequestID assigns each request an ID, reusing a well-formed incoming X-Request-ID.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID returns the request ID set by RequestID, or ""
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}

// statusRecorder remembers the status code while keeping streaming working
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(b)
	s.bytes += int64(n)
	return n, err
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// AccessLog logs one line per request at info level. Query strings are redacted.
func AccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		defer func() {
			status := rec.status
			if status == 0 {
				// handler aborted before writing anything
				status = 499
			}
			logging.Infof("%s %s %d %dB %s id=%s",
				r.Method, logging.RedactURL(r.URL), status, rec.bytes,
				time.Since(start).Round(time.Millisecond), GetRequestID(r.Context()))
		}()
		next.ServeHTTP(rec, r)
	})
}

// RequestLogging records every request in the request log once its handler returns,
// including aborted streams. A nil logger disables it.
func RequestLogging(logger *logging.RequestLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if logger == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			entry := logging.CaptureRequest(r, GetRequestID(r.Context()))
			rec := &statusRecorder{ResponseWriter: w}
			defer func() {
				entry.Status = rec.status
				if entry.Status == 0 {
					entry.Status = 499
				}
				entry.BytesOut = rec.bytes
				entry.DurationMS = time.Since(start).Milliseconds()
				logger.Log(entry)
			}()
			next.ServeHTTP(rec, r)
		})
	}
}

// Chain applies middlewares so the first one listed runs outermost
func Chain(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}
