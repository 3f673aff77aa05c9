package httpapi

import (
	"fmt"
	"time"

	"llama_gateway/internal/logging"
	"llama_gateway/internal/utils"
)

// stage is the position of a /generate request in its pipeline. A request only moves
// forward, one stage at a time, or ends in stageRejected.
type stage int

const (
	stageReceived stage = iota
	stageKeyValidated
	stageRateChecked
	stageForwarded
	stageCompleted
	stageRejected
)

func (s stage) String() string {
	switch s {
	case stageReceived:
		return "received"
	case stageKeyValidated:
		return "key_validated"
	case stageRateChecked:
		return "rate_checked"
	case stageForwarded:
		return "forwarded"
	case stageCompleted:
		return "completed"
	case stageRejected:
		return "rejected"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

func (s stage) terminal() bool {
	return s == stageCompleted || s == stageRejected
}

// rejectReason says why a request ended in stageRejected
type rejectReason string

const (
	reasonMissingKey         rejectReason = "missing_key"
	reasonBadRequest         rejectReason = "bad_request"
	reasonInvalidKey         rejectReason = "invalid_key"
	reasonDeactivated        rejectReason = "deactivated"
	reasonRateLimited        rejectReason = "rate_limited"
	reasonInternalStore      rejectReason = "internal_store_error"
	reasonBackendUnavailable rejectReason = "backend_unavailable"
	reasonBackendError       rejectReason = "backend_error"
	reasonBackendProtocol    rejectReason = "backend_protocol_error"
	reasonClientGone         rejectReason = "client_gone"
	reasonStreamAborted      rejectReason = "stream_aborted"
)

// pipelineState tracks one request through the stages
type pipelineState struct {
	requestID string
	key       string
	stage     stage
	reason    rejectReason
	start     time.Time
}

func newPipelineState(requestID string) *pipelineState {
	return &pipelineState{requestID: requestID, stage: stageReceived, start: time.Now()}
}

// advance moves to next, which must be the stage directly after the current one
func (p *pipelineState) advance(next stage) {
	if p.stage.terminal() || next != p.stage+1 || next == stageRejected {
		panic(fmt.Sprintf("illegal pipeline transition %s -> %s", p.stage, next))
	}
	logging.Debugf("generate %s: %s -> %s", p.requestID, p.stage, next)
	p.stage = next
}

// reject ends the request from any non-terminal stage
func (p *pipelineState) reject(reason rejectReason) {
	if p.stage.terminal() {
		panic(fmt.Sprintf("illegal pipeline transition %s -> %s", p.stage, stageRejected))
	}
	key := ""
	if p.key != "" {
		key = " " + utils.KeyFingerprint(p.key)
	}
	logging.Debugf("generate %s%s: %s -> rejected (%s) after %s", p.requestID, key, p.stage, reason, time.Since(p.start).Round(time.Millisecond))
	p.stage = stageRejected
	p.reason = reason
}
