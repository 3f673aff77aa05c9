package middleware

import (
	"context"
	"errors"
	"net/http"

	"llama_gateway/internal/logging"
	"llama_gateway/internal/models"
	"llama_gateway/internal/storage"
	"llama_gateway/internal/utils"
)

// ContextKey defines the type for context keys to avoid conflicts
type ContextKey string

const (
	// APIKeyRecordKey is the context key for storing the authenticated API key record
	APIKeyRecordKey ContextKey = "apiKeyRecord"
)

// KeyLookup resolves API keys. It must return storage.ErrAPIKeyNotFound for unknown keys.
type KeyLookup interface {
	GetByKey(ctx context.Context, key string) (*models.APIKey, error)
}

// QueryAPIKeyMiddleware checks the "apikey" query parameter against the key store and
// adds the key record to the request context. Only existence is checked; a deactivated
// key still passes.
func QueryAPIKeyMiddleware(store KeyLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := r.URL.Query().Get("apikey")
			if apiKey == "" {
				utils.RespondWithError(w, http.StatusBadRequest, "API key is required")
				return
			}

			keyRecord, err := store.GetByKey(r.Context(), apiKey)
			if err != nil {
				if errors.Is(err, storage.ErrAPIKeyNotFound) {
					logging.Infof("invalid API key %s", utils.KeyFingerprint(apiKey))
					utils.RespondWithError(w, http.StatusForbidden, "Invalid API key")
					return
				}
				logging.Errorf("error checking API key: %v", err)
				utils.RespondWithError(w, http.StatusInternalServerError, "Internal server error")
				return
			}

			ctx := context.WithValue(r.Context(), APIKeyRecordKey, keyRecord)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetAPIKeyRecord retrieves the API key record from the request context
func GetAPIKeyRecord(ctx context.Context) (*models.APIKey, bool) {
	record, ok := ctx.Value(APIKeyRecordKey).(*models.APIKey)
	return record, ok
}
