package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/prudhvinik1/medsync/internal/services"
)

type TokenRequest struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

// AuthHandler exchanges instance credentials for sync tokens.
type AuthHandler struct {
	service *services.InstanceService
	logger  *slog.Logger
}

func NewAuthHandler(svc *services.InstanceService, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{service: svc, logger: logger}
}

// HandleToken handles POST /auth/token requests.
func (h *AuthHandler) HandleToken(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	var req TokenRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.APIKey == "" || req.APISecret == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("api_key and api_secret are required"))
		return
	}

	resp, err := h.service.Authenticate(r.Context(), req.APIKey, req.APISecret)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrInvalidCredentials), errors.Is(err, services.ErrInstanceInactive):
			writeJSON(w, http.StatusUnauthorized, errorResponse(err.Error()))
		default:
			h.logger.Error("token exchange failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, errorResponse("internal server error"))
		}
		return
	}

	writeJSON(w, http.StatusOK, resp)
}
