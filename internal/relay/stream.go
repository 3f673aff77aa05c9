package relay

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// StreamError describes where a stream relay failed
type StreamError struct {
	Op  string // read, decode or write
	Err error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream %s: %v", e.Op, e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

var errInvalidLine = errors.New("line is not valid JSON")

// StreamNDJSON copies newline-delimited JSON from src to w one line at a time, flushing
// after every line. Response headers are written with the first line, or at the end of an
// empty stream, so a failure before any output still lets the caller send an error status.
// It returns the number of lines relayed.
func StreamNDJSON(w http.ResponseWriter, status int, src io.Reader) (int, error) {
	flusher, _ := w.(http.Flusher)
	reader := bufio.NewReader(src)

	lines := 0
	headerSent := false
	sendHeader := func() {
		if headerSent {
			return
		}
		w.Header().Set("Content-Type", NDJSONContentType)
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.WriteHeader(status)
		headerSent = true
	}

	for {
		line, readErr := reader.ReadBytes('\n')
		if readErr != nil && readErr != io.EOF {
			return lines, &StreamError{Op: "read", Err: readErr}
		}

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 {
			if !json.Valid(trimmed) {
				return lines, &StreamError{Op: "decode", Err: errInvalidLine}
			}
			sendHeader()
			if _, err := w.Write(append(trimmed, '\n')); err != nil {
				return lines, &StreamError{Op: "write", Err: err}
			}
			if flusher != nil {
				flusher.Flush()
			}
			lines++
		}

		if readErr == io.EOF {
			sendHeader()
			return lines, nil
		}
	}
}
