package httpapi

import (
	"context"
	"net/http"
	"time"

	"llama_gateway/internal/utils"
)

// handleHealth answers GET /health for a caller whose key was checked by middleware
func (d *Dependencies) handleHealth(w http.ResponseWriter, r *http.Request) {
	_ = utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "API is healthy",
		"timestamp": time.Now().UTC(),
	})
}

// HealthChecker reports whether a dependency is reachable
type HealthChecker interface {
	Health(ctx context.Context) error
}

type componentStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// handleAdminHealth reports the state of the gateway's dependencies
func (d *Dependencies) handleAdminHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	healthy := true
	components := make(map[string]componentStatus, len(d.HealthChecks))
	for name, check := range d.HealthChecks {
		if err := check.Health(ctx); err != nil {
			healthy = false
			components[name] = componentStatus{Status: "down", Error: err.Error()}
			continue
		}
		components[name] = componentStatus{Status: "up"}
	}

	resp := map[string]interface{}{
		"status":     "ok",
		"components": components,
		"timestamp":  time.Now().UTC(),
	}
	if d.Buckets != nil {
		resp["rate_limit_buckets"] = d.Buckets.Len()
	}
	if d.UsageQueue != nil {
		if n, err := d.UsageQueue.GetQueueLength(ctx); err == nil {
			resp["usage_queue_length"] = n
		}
	}
	if d.RequestLogger != nil {
		resp["request_log_dropped"] = d.RequestLogger.Dropped()
	}

	status := http.StatusOK
	if !healthy {
		resp["status"] = "degraded"
		status = http.StatusServiceUnavailable
	}
	_ = utils.RespondWithJSON(w, status, resp)
}
