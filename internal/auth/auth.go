package auth

import (
	"encoding/json"
	"errors"
	"net/http"

	"llama_gateway/internal/config"
	"llama_gateway/internal/logging"
	"llama_gateway/internal/utils"
)

type loginRequest struct {
	Password string `json:"password"`
}

// LoginHandler exchanges the admin password for a JWT
func LoginHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
			utils.RespondWithError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		if req.Password == "" {
			utils.RespondWithError(w, http.StatusBadRequest, "Password is required")
			return
		}

		token, exp, err := GenerateAdminJWTWithPassword(req.Password, cfg)
		if err != nil {
			switch {
			case errors.Is(err, ErrInvalidCredentials):
				utils.RespondWithError(w, http.StatusUnauthorized, "Invalid credentials")
			case errors.Is(err, ErrLoginDisabled), errors.Is(err, ErrMissingJWTSecret):
				utils.RespondWithError(w, http.StatusServiceUnavailable, "Admin login is not configured")
			default:
				logging.Errorf("admin login failed: %v", err)
				utils.RespondWithError(w, http.StatusInternalServerError, "Internal server error")
			}
			return
		}

		_ = utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
			"token": token,
			"exp":   exp,
		})
	}
}
