// Package relay forwards generate requests to the Ollama backend and relays the
// response back, either buffered or as an NDJSON stream.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// NDJSONContentType is the content type of a streamed generate response
const NDJSONContentType = "application/x-ndjson"

var (
	// ErrBackendUnavailable is returned when the backend cannot be reached or does not answer in time
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrBackendProtocol is returned when the backend answers 2xx with a body that is not valid JSON
	ErrBackendProtocol = errors.New("malformed backend response")
)

// BackendError is a non-2xx answer from the backend. Status and body are passed through to the caller.
type BackendError struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend returned status %d", e.StatusCode)
}

// Request is a caller payload to be forwarded verbatim, apart from the apikey field.
type Request struct {
	Payload map[string]json.RawMessage
	Stream  bool
}

// Result is a successful backend response. Exactly one of Body and Stream is set.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Stream     io.ReadCloser
}

// Forwarder is implemented by Client
type Forwarder interface {
	Forward(ctx context.Context, req Request) (*Result, error)
}

// forwardPayload builds the backend body: the caller's fields minus apikey, with stream
// always an explicit boolean.
func forwardPayload(req Request) ([]byte, error) {
	out := make(map[string]json.RawMessage, len(req.Payload)+1)
	for k, v := range req.Payload {
		if k == "apikey" {
			continue
		}
		out[k] = v
	}
	if req.Stream {
		out["stream"] = json.RawMessage("true")
	} else {
		out["stream"] = json.RawMessage("false")
	}
	return json.Marshal(out)
}

// IsTruthy reports whether a raw JSON value counts as "on", with JavaScript rules:
// false, 0, "" and null are off and everything else is on, so "false" and "0" are on.
func IsTruthy(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	case nil:
		return false
	default:
		return true
	}
}
