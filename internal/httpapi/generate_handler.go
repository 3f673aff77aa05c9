package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"llama_gateway/internal/logging"
	"llama_gateway/internal/middleware"
	"llama_gateway/internal/ratelimit"
	"llama_gateway/internal/relay"
	"llama_gateway/internal/utils"
)

// maxGenerateBody bounds a /generate body; base64 images make prompts large
const maxGenerateBody = 32 << 20

const (
	msgMissingKey   = "API key is required"
	msgInvalidKey   = "Invalid API key"
	msgDeactivated  = "API key is deactivated"
	msgRateLimited  = "Rate limit exceeded. Try again later."
	msgInternal     = "Internal server error"
	msgBackendError = "Error making request to Ollama API"
)

// handleGenerate authenticates, rate limits and forwards a generate request, then
// relays the backend answer. Usage and webhooks only fire once the answer was relayed
// in full.
//
// Flow:
//  1. Decode body, extract apikey (400 if absent or falsy, 403 if not a string)
//  2. Admit: key lookup + token bucket (403 / 429)
//  3. Forward to Ollama
//  4. Relay buffered JSON or NDJSON stream
//  5. Record usage and notify webhooks
func (d *Dependencies) handleGenerate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	state := newPipelineState(middleware.GetRequestID(ctx))

	var payload map[string]json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxGenerateBody)).Decode(&payload); err != nil {
		state.reject(reasonBadRequest)
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	var apiKey string
	raw := payload["apikey"]
	if !relay.IsTruthy(raw) {
		state.reject(reasonMissingKey)
		utils.RespondWithError(w, http.StatusBadRequest, msgMissingKey)
		return
	}
	if err := json.Unmarshal(raw, &apiKey); err != nil {
		// a number or object can never match a stored key
		state.reject(reasonInvalidKey)
		utils.RespondWithError(w, http.StatusForbidden, msgInvalidKey)
		return
	}
	state.key = apiKey

	decision, err := d.Limiter.Admit(ctx, apiKey)
	if err != nil {
		logging.Errorf("generate %s: checking API key %s: %v", state.requestID, utils.KeyFingerprint(apiKey), err)
		state.reject(reasonInternalStore)
		utils.RespondWithError(w, http.StatusInternalServerError, msgInternal)
		return
	}

	switch decision {
	case ratelimit.InvalidKey:
		logging.Infof("generate %s: invalid API key %s", state.requestID, utils.KeyFingerprint(apiKey))
		state.reject(reasonInvalidKey)
		utils.RespondWithError(w, http.StatusForbidden, msgInvalidKey)
		return
	case ratelimit.Deactivated:
		state.reject(reasonDeactivated)
		utils.RespondWithError(w, http.StatusForbidden, msgDeactivated)
		return
	}
	state.advance(stageKeyValidated)

	if decision != ratelimit.Allow {
		state.reject(reasonRateLimited)
		utils.RespondWithError(w, http.StatusTooManyRequests, msgRateLimited)
		return
	}
	state.advance(stageRateChecked)

	// the token stays spent whatever the backend does from here on
	stream := relay.IsTruthy(payload["stream"])
	res, err := d.Relay.Forward(ctx, relay.Request{Payload: payload, Stream: stream})
	if err != nil {
		d.writeForwardError(ctx, w, state, err)
		return
	}
	state.advance(stageForwarded)

	if !stream {
		d.Sink.OnSuccess(ctx, apiKey, payload)
		if err := utils.RespondWithRawJSON(w, res.StatusCode, res.Body); err != nil {
			logging.Warningf("generate %s: writing response: %v", state.requestID, err)
		}
		state.advance(stageCompleted)
		return
	}

	defer res.Stream.Close()
	lines, err := relay.StreamNDJSON(w, res.StatusCode, res.Stream)
	if err != nil {
		d.handleStreamError(ctx, w, state, lines, err)
		return
	}

	d.Sink.OnSuccess(ctx, apiKey, payload)
	state.advance(stageCompleted)
}

// writeForwardError maps a relay failure onto the caller's response
func (d *Dependencies) writeForwardError(ctx context.Context, w http.ResponseWriter, state *pipelineState, err error) {
	if ctx.Err() != nil {
		state.reject(reasonClientGone)
		return
	}

	var backendErr *relay.BackendError
	switch {
	case errors.As(err, &backendErr):
		logging.Warningf("generate %s: Ollama answered %d", state.requestID, backendErr.StatusCode)
		state.reject(reasonBackendError)
		contentType := backendErr.ContentType
		if contentType == "" {
			contentType = "application/json"
		}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(backendErr.StatusCode)
		_, _ = w.Write(backendErr.Body)
	case errors.Is(err, relay.ErrBackendUnavailable):
		logging.Errorf("generate %s: %s: %v", state.requestID, msgBackendError, err)
		state.reject(reasonBackendUnavailable)
		utils.RespondWithError(w, http.StatusInternalServerError, msgBackendError)
	case errors.Is(err, relay.ErrBackendProtocol):
		logging.Errorf("generate %s: %s: %v", state.requestID, msgBackendError, err)
		state.reject(reasonBackendProtocol)
		utils.RespondWithError(w, http.StatusInternalServerError, msgBackendError)
	default:
		logging.Errorf("generate %s: %v", state.requestID, err)
		state.reject(reasonBackendUnavailable)
		utils.RespondWithError(w, http.StatusInternalServerError, msgBackendError)
	}
}

// handleStreamError deals with a stream that failed part way. Once lines were sent the
// status is fixed, so the connection is aborted to make the truncation visible.
func (d *Dependencies) handleStreamError(ctx context.Context, w http.ResponseWriter, state *pipelineState, lines int, err error) {
	var streamErr *relay.StreamError
	isWrite := errors.As(err, &streamErr) && streamErr.Op == "write"

	if ctx.Err() != nil || isWrite {
		state.reject(reasonClientGone)
		return
	}

	logging.Errorf("generate %s: stream failed after %d lines: %v", state.requestID, lines, err)
	if lines == 0 {
		state.reject(reasonBackendProtocol)
		utils.RespondWithError(w, http.StatusInternalServerError, msgBackendError)
		return
	}

	state.reject(reasonStreamAborted)
	panic(http.ErrAbortHandler)
}
