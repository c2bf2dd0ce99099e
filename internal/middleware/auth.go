package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prudhvinik1/medsync/internal/models"
	"github.com/prudhvinik1/medsync/internal/services"
)

type contextKey string

const (
	instanceKey contextKey = "instance"
	claimsKey   contextKey = "claims"
)

// Authorizer resolves a bearer token to the instance it was issued to.
type Authorizer interface {
	Authorize(ctx context.Context, token string) (*models.SyncInstance, *services.TokenClaims, error)
}

// InstanceAuth returns middleware that only lets requests from active, sync-enabled instances through.
func InstanceAuth(auth Authorizer, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeJSONError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}

			token, found := strings.CutPrefix(authHeader, "Bearer ")
			if !found || token == "" {
				writeJSONError(w, http.StatusUnauthorized, "invalid authorization format")
				return
			}

			instance, claims, err := auth.Authorize(r.Context(), token)
			switch {
			case errors.Is(err, services.ErrInstanceInactive):
				writeJSONError(w, http.StatusUnauthorized, "instance is inactive")
				return
			case errors.Is(err, services.ErrInvalidToken):
				writeJSONError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			case err != nil:
				logger.Error("failed to authorize request", "error", err)
				writeJSONError(w, http.StatusInternalServerError, "internal server error")
				return
			}

			ctx := context.WithValue(r.Context(), instanceKey, instance)
			ctx = context.WithValue(ctx, claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// InstanceFromContext extracts the authenticated instance from the request context.
func InstanceFromContext(ctx context.Context) (*models.SyncInstance, bool) {
	instance, ok := ctx.Value(instanceKey).(*models.SyncInstance)
	return instance, ok
}

func ClaimsFromContext(ctx context.Context) (*services.TokenClaims, bool) {
	claims, ok := ctx.Value(claimsKey).(*services.TokenClaims)
	return claims, ok
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
