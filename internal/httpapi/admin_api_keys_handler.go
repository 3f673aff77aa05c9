package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"llama_gateway/internal/logging"
	"llama_gateway/internal/middleware"
	"llama_gateway/internal/models"
	"llama_gateway/internal/ratelimit"
	"llama_gateway/internal/storage"
	"llama_gateway/internal/utils"
)

// AdminAPIKeysHandler handles API key management endpoints
type AdminAPIKeysHandler struct {
	keys    storage.APIKeyStore
	usage   storage.UsageStore
	buckets BucketManager
	now     func() time.Time
}

// NewAdminAPIKeysHandler creates a new admin API keys handler. buckets may be nil when
// no limiter runs in this process.
func NewAdminAPIKeysHandler(keys storage.APIKeyStore, usage storage.UsageStore, buckets BucketManager) *AdminAPIKeysHandler {
	return &AdminAPIKeysHandler{
		keys:    keys,
		usage:   usage,
		buckets: buckets,
		now:     time.Now,
	}
}

// CreateAPIKeyRequest represents the request to create a new API key
type CreateAPIKeyRequest struct {
	Key         string  `json:"key,omitempty"` // generated when empty
	RateLimit   *int    `json:"rate_limit,omitempty"`
	Description *string `json:"description,omitempty"`
}

// UpdateAPIKeyRequest represents the request to update an API key
type UpdateAPIKeyRequest struct {
	Active      *bool   `json:"active,omitempty"`
	RateLimit   *int    `json:"rate_limit,omitempty"`
	Description *string `json:"description,omitempty"`
}

// APIKeyDetailResponse is a key with its live bucket and usage totals
type APIKeyDetailResponse struct {
	*models.APIKey
	Bucket *ratelimit.State     `json:"bucket,omitempty"`
	Usage  *models.UsageSummary `json:"usage,omitempty"`
}

// List handles GET /admin/keys[?active=true|false]
func (h *AdminAPIKeysHandler) List(w http.ResponseWriter, r *http.Request) {
	var (
		keys []*models.APIKey
		err  error
	)
	if activeStr := r.URL.Query().Get("active"); activeStr != "" {
		active, parseErr := strconv.ParseBool(activeStr)
		if parseErr != nil {
			utils.RespondWithError(w, http.StatusBadRequest, "active must be true or false")
			return
		}
		keys, err = h.keys.ListByActive(r.Context(), active)
	} else {
		keys, err = h.keys.List(r.Context())
	}
	if err != nil {
		logging.Errorf("admin: listing API keys: %v", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to list API keys")
		return
	}
	if keys == nil {
		keys = []*models.APIKey{}
	}

	_ = utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"items":       keys,
		"total_count": len(keys),
	})
}

// Create handles POST /admin/keys
func (h *AdminAPIKeysHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateAPIKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	rateLimit := models.DefaultRateLimit
	if req.RateLimit != nil {
		if *req.RateLimit < 0 {
			utils.RespondWithError(w, http.StatusBadRequest, "rate_limit must not be negative")
			return
		}
		rateLimit = *req.RateLimit
	}

	plaintext := req.Key
	if plaintext == "" {
		generated, err := utils.GenerateAPIKey()
		if err != nil {
			utils.RespondWithError(w, http.StatusInternalServerError, "Failed to generate API key")
			return
		}
		plaintext = generated
	}

	key := models.NewAPIKey(plaintext, rateLimit, h.now())
	key.Description = req.Description

	if err := h.keys.Create(r.Context(), key); err != nil {
		if errors.Is(err, storage.ErrAPIKeyExists) {
			utils.RespondWithError(w, http.StatusConflict, "API key already exists")
			return
		}
		logging.Errorf("admin: creating API key: %v", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to create API key")
		return
	}

	logging.Infof("admin: %s created API key %s", actor(r), utils.KeyFingerprint(key.Key))
	_ = utils.RespondWithJSON(w, http.StatusCreated, key)
}

// Get handles GET /admin/keys/{key}
func (h *AdminAPIKeysHandler) Get(w http.ResponseWriter, r *http.Request) {
	plaintext := r.PathValue("key")
	key, ok := h.lookup(w, r, plaintext)
	if !ok {
		return
	}

	resp := APIKeyDetailResponse{APIKey: key}
	if h.buckets != nil {
		if state, ok := h.buckets.Snapshot(plaintext); ok {
			resp.Bucket = &state
		}
	}
	if h.usage != nil {
		summary, err := h.usage.Summary(r.Context(), plaintext)
		if err != nil {
			// usage totals are informational
			logging.Warningf("admin: usage summary for %s: %v", utils.KeyFingerprint(plaintext), err)
		} else {
			resp.Usage = summary
		}
	}

	_ = utils.RespondWithJSON(w, http.StatusOK, resp)
}

// Update handles PATCH /admin/keys/{key}
func (h *AdminAPIKeysHandler) Update(w http.ResponseWriter, r *http.Request) {
	plaintext := r.PathValue("key")

	var req UpdateAPIKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if req.RateLimit != nil && *req.RateLimit < 0 {
		utils.RespondWithError(w, http.StatusBadRequest, "rate_limit must not be negative")
		return
	}

	if _, ok := h.lookup(w, r, plaintext); !ok {
		return
	}

	ctx := r.Context()
	var err error
	if req.RateLimit != nil {
		err = h.keys.SetRateLimit(ctx, plaintext, *req.RateLimit)
	}
	if err == nil && req.Description != nil {
		err = h.keys.SetDescription(ctx, plaintext, *req.Description)
	}
	if err == nil && req.Active != nil {
		err = h.keys.SetActive(ctx, plaintext, *req.Active)
	}
	// the bucket stays: Admit reads active and rate_limit from the record on every call,
	// and a rebuilt bucket would lose token use not yet flushed
	if err != nil {
		h.respondStoreError(w, "update", plaintext, err)
		return
	}

	key, ok := h.lookup(w, r, plaintext)
	if !ok {
		return
	}
	_ = utils.RespondWithJSON(w, http.StatusOK, key)
}

// Delete handles DELETE /admin/keys/{key}
func (h *AdminAPIKeysHandler) Delete(w http.ResponseWriter, r *http.Request) {
	plaintext := r.PathValue("key")
	err := h.keys.Delete(r.Context(), plaintext)
	h.evict(plaintext)
	if err != nil {
		h.respondStoreError(w, "delete", plaintext, err)
		return
	}

	logging.Infof("admin: %s removed API key %s", actor(r), utils.KeyFingerprint(plaintext))
	w.WriteHeader(http.StatusNoContent)
}

// Regenerate handles POST /admin/keys/{key}/regenerate. The key keeps its settings and
// usage history under a new random value.
func (h *AdminAPIKeysHandler) Regenerate(w http.ResponseWriter, r *http.Request) {
	oldKey := r.PathValue("key")

	newKey, err := utils.GenerateAPIKey()
	if err != nil {
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to generate API key")
		return
	}

	err = h.keys.Regenerate(r.Context(), oldKey, newKey)
	h.evict(oldKey)
	if err != nil {
		h.respondStoreError(w, "regenerate", oldKey, err)
		return
	}

	logging.Infof("admin: %s regenerated API key %s as %s", actor(r), utils.KeyFingerprint(oldKey), utils.KeyFingerprint(newKey))
	_ = utils.RespondWithJSON(w, http.StatusOK, map[string]string{"key": newKey})
}

// ActivateAll handles POST /admin/keys/activate-all
func (h *AdminAPIKeysHandler) ActivateAll(w http.ResponseWriter, r *http.Request) {
	h.setAllActive(w, r, true)
}

// DeactivateAll handles POST /admin/keys/deactivate-all
func (h *AdminAPIKeysHandler) DeactivateAll(w http.ResponseWriter, r *http.Request) {
	h.setAllActive(w, r, false)
}

func (h *AdminAPIKeysHandler) setAllActive(w http.ResponseWriter, r *http.Request, active bool) {
	n, err := h.keys.SetAllActive(r.Context(), active)
	if err != nil {
		logging.Errorf("admin: setting active=%t on all keys: %v", active, err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to update API keys")
		return
	}
	_ = utils.RespondWithJSON(w, http.StatusOK, map[string]int64{"updated": n})
}

// lookup loads a key and writes 404/500 itself when that fails
func (h *AdminAPIKeysHandler) lookup(w http.ResponseWriter, r *http.Request, plaintext string) (*models.APIKey, bool) {
	key, err := h.keys.GetByKey(r.Context(), plaintext)
	if err != nil {
		h.respondStoreError(w, "get", plaintext, err)
		return nil, false
	}
	return key, true
}

func (h *AdminAPIKeysHandler) evict(plaintext string) {
	if h.buckets != nil {
		h.buckets.Evict(plaintext)
	}
}

func (h *AdminAPIKeysHandler) respondStoreError(w http.ResponseWriter, op, plaintext string, err error) {
	switch {
	case errors.Is(err, storage.ErrAPIKeyNotFound):
		utils.RespondWithError(w, http.StatusNotFound, "API key not found")
	case errors.Is(err, storage.ErrAPIKeyExists):
		utils.RespondWithError(w, http.StatusConflict, "API key already exists")
	case errors.Is(err, storage.ErrInvalidRateLimit):
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
	default:
		logging.Errorf("admin: %s API key %s: %v", op, utils.KeyFingerprint(plaintext), err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to "+op+" API key")
	}
}

// actor names the admin behind r for audit log lines
func actor(r *http.Request) string {
	if claims, ok := middleware.GetAdminClaims(r.Context()); ok && claims.Subject != "" {
		return claims.Subject
	}
	return "unknown"
}
