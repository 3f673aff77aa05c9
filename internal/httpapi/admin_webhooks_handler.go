package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"llama_gateway/internal/logging"
	"llama_gateway/internal/models"
	"llama_gateway/internal/storage"
	"llama_gateway/internal/utils"
)

// AdminWebhooksHandler handles webhook management endpoints
type AdminWebhooksHandler struct {
	webhooks storage.WebhookStore
}

// NewAdminWebhooksHandler creates a new admin webhooks handler
func NewAdminWebhooksHandler(webhooks storage.WebhookStore) *AdminWebhooksHandler {
	return &AdminWebhooksHandler{webhooks: webhooks}
}

// CreateWebhookRequest represents the request to register a webhook
type CreateWebhookRequest struct {
	URL string `json:"url"`
}

// List handles GET /admin/webhooks
func (h *AdminWebhooksHandler) List(w http.ResponseWriter, r *http.Request) {
	hooks, err := h.webhooks.List(r.Context())
	if err != nil {
		logging.Errorf("admin: listing webhooks: %v", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to list webhooks")
		return
	}
	if hooks == nil {
		hooks = []*models.Webhook{}
	}
	_ = utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"items":       hooks,
		"total_count": len(hooks),
	})
}

// Create handles POST /admin/webhooks
func (h *AdminWebhooksHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if err := validateWebhookURL(req.URL); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	hook, err := h.webhooks.Create(r.Context(), req.URL)
	if err != nil {
		logging.Errorf("admin: creating webhook: %v", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to create webhook")
		return
	}
	_ = utils.RespondWithJSON(w, http.StatusCreated, hook)
}

// Delete handles DELETE /admin/webhooks/{id}
func (h *AdminWebhooksHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid webhook ID")
		return
	}

	if err := h.webhooks.Delete(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrWebhookNotFound) {
			utils.RespondWithError(w, http.StatusNotFound, "Webhook not found")
			return
		}
		logging.Errorf("admin: deleting webhook %d: %v", id, err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to delete webhook")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// validateWebhookURL accepts absolute http and https URLs only
func validateWebhookURL(raw string) error {
	if raw == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return errors.New("url must be an absolute http or https URL")
	}
	return nil
}
