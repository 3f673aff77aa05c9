package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"llama_gateway/internal/logging"
	"llama_gateway/internal/models"
	"llama_gateway/internal/queue"
	"llama_gateway/internal/storage"
	"llama_gateway/internal/utils"
)

const (
	defaultRecentEvents = 20
	maxRecentEvents     = 1000
)

// AdminUsageHandler reports recorded usage and manages failed usage writes
type AdminUsageHandler struct {
	usage storage.UsageStore
	queue UsageQueueInspector
}

// NewAdminUsageHandler creates a new admin usage handler
func NewAdminUsageHandler(usage storage.UsageStore, q UsageQueueInspector) *AdminUsageHandler {
	return &AdminUsageHandler{usage: usage, queue: q}
}

// UsageResponse is the usage summary of a key plus its latest events
type UsageResponse struct {
	*models.UsageSummary
	Recent []*models.UsageEvent `json:"recent"`
}

// Get handles GET /admin/usage/{key}[?limit=N]
func (h *AdminUsageHandler) Get(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	limit, ok := parseLimit(w, r, defaultRecentEvents)
	if !ok {
		return
	}

	summary, err := h.usage.Summary(r.Context(), key)
	if err != nil {
		logging.Errorf("admin: usage summary for %s: %v", utils.KeyFingerprint(key), err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to load usage")
		return
	}
	recent, err := h.usage.ListByKey(r.Context(), key, limit)
	if err != nil {
		logging.Errorf("admin: usage events for %s: %v", utils.KeyFingerprint(key), err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to load usage")
		return
	}
	if recent == nil {
		recent = []*models.UsageEvent{}
	}

	_ = utils.RespondWithJSON(w, http.StatusOK, UsageResponse{UsageSummary: summary, Recent: recent})
}

// ListDeadLetters handles GET /admin/usage/dead-letters[?limit=N]
func (h *AdminUsageHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil {
		utils.RespondWithError(w, http.StatusServiceUnavailable, "Usage queue not configured")
		return
	}
	limit, ok := parseLimit(w, r, 100)
	if !ok {
		return
	}

	items, err := h.queue.GetDeadLetterItems(r.Context(), limit)
	if err != nil {
		logging.Errorf("admin: listing dead letters: %v", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to list dead letters")
		return
	}
	if items == nil {
		items = []storage.UsageDeadLetter{}
	}
	_ = utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"items":       items,
		"total_count": len(items),
	})
}

// RetryDeadLetter handles POST /admin/usage/dead-letters/{id}/retry
func (h *AdminUsageHandler) RetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil {
		utils.RespondWithError(w, http.StatusServiceUnavailable, "Usage queue not configured")
		return
	}

	id := r.PathValue("id")
	if err := h.queue.RetryDeadLetterItem(r.Context(), id); err != nil {
		if errors.Is(err, queue.ErrItemNotFound) {
			utils.RespondWithError(w, http.StatusNotFound, "Dead letter not found")
			return
		}
		logging.Errorf("admin: retrying dead letter %s: %v", id, err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to retry dead letter")
		return
	}
	_ = utils.RespondWithJSON(w, http.StatusOK, map[string]string{"status": "requeued", "id": id})
}

// parseLimit reads ?limit, capped at maxRecentEvents
func parseLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		utils.RespondWithError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	if n > maxRecentEvents {
		n = maxRecentEvents
	}
	return n, true
}
