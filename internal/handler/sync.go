package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prudhvinik1/medsync/internal/conflict"
	"github.com/prudhvinik1/medsync/internal/middleware"
	"github.com/prudhvinik1/medsync/internal/models"
	"github.com/prudhvinik1/medsync/internal/repositories"
	"github.com/prudhvinik1/medsync/internal/services"
)

const (
	maxPushBody    = 32 << 20
	maxRequestBody = 1 << 20
)

// SyncHandler serves the sync protocol to authenticated instances.
type SyncHandler struct {
	cloud     *services.CloudSyncService
	conflicts *services.ConflictService
	logger    *slog.Logger
}

func NewSyncHandler(cloud *services.CloudSyncService, conflicts *services.ConflictService, logger *slog.Logger) *SyncHandler {
	return &SyncHandler{cloud: cloud, conflicts: conflicts, logger: logger}
}

// HandlePush handles POST /sync/push requests.
func (h *SyncHandler) HandlePush(w http.ResponseWriter, r *http.Request) {
	instance, ok := middleware.InstanceFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse("unauthorized"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxPushBody)
	var req models.PushRequest
	if !decodeBody(w, r, &req) {
		return
	}

	resp, err := h.cloud.HandlePush(r.Context(), instance, req.Events)
	if err != nil {
		if errors.Is(err, services.ErrBatchTooLarge) {
			writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
			return
		}
		h.logger.Error("push failed", "instance_id", instance.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse("internal server error"))
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// HandlePull handles GET /sync/pull requests.
func (h *SyncHandler) HandlePull(w http.ResponseWriter, r *http.Request) {
	instance, ok := middleware.InstanceFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse("unauthorized"))
		return
	}

	q := r.URL.Query()
	if raw := q.Get("instance_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse("invalid instance_id"))
			return
		}
		if id != instance.ID {
			writeJSON(w, http.StatusForbidden, errorResponse("instance_id does not match token"))
			return
		}
	}

	var since time.Time
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse("since must be an RFC 3339 timestamp"))
			return
		}
		since = t
	}

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse("limit must be a positive integer"))
			return
		}
		limit = n
	}

	resp, err := h.cloud.HandlePull(r.Context(), instance, since, limit)
	if err != nil {
		h.logger.Error("pull failed", "instance_id", instance.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse("internal server error"))
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// HandleStatus handles GET /sync/status requests.
func (h *SyncHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	instance, ok := middleware.InstanceFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse("unauthorized"))
		return
	}

	resp, err := h.cloud.Status(r.Context(), instance)
	if err != nil {
		h.logger.Error("status failed", "instance_id", instance.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse("internal server error"))
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// HandleListConflicts handles GET /sync/conflicts requests.
func (h *SyncHandler) HandleListConflicts(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse("unauthorized"))
		return
	}

	pendingOnly := r.URL.Query().Get("all") != "true"
	conflicts, err := h.conflicts.List(r.Context(), claims.OrganizationID, pendingOnly, 0)
	if err != nil {
		h.logger.Error("list conflicts failed", "organization_id", claims.OrganizationID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse("internal server error"))
		return
	}

	writeJSON(w, http.StatusOK, models.ConflictListResponse{Conflicts: conflicts, Count: len(conflicts)})
}

// HandleResolveConflict handles POST /sync/conflicts/{conflict_id}/resolve requests.
func (h *SyncHandler) HandleResolveConflict(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse("unauthorized"))
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "conflict_id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid conflict id"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	var req models.ResolveConflictRequest
	if !decodeBody(w, r, &req) {
		return
	}

	resolved, _, err := h.conflicts.Resolve(r.Context(), claims.OrganizationID, id, req)
	if err != nil {
		switch {
		case errors.Is(err, conflict.ErrMergeNotSupported),
			errors.Is(err, services.ErrInvalidResolution),
			errors.Is(err, services.ErrPrincipalRequired):
			writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		case errors.Is(err, services.ErrForbidden):
			writeJSON(w, http.StatusForbidden, errorResponse(err.Error()))
		case errors.Is(err, repositories.ErrNotFound):
			writeJSON(w, http.StatusNotFound, errorResponse("conflict not found"))
		case errors.Is(err, repositories.ErrAlreadyResolved):
			writeJSON(w, http.StatusConflict, errorResponse(err.Error()))
		default:
			h.logger.Error("resolve conflict failed", "conflict_id", id, "error", err)
			writeJSON(w, http.StatusInternalServerError, errorResponse("internal server error"))
		}
		return
	}

	writeJSON(w, http.StatusOK, resolved)
}

// decodeBody decodes a JSON request body and writes the error response when it cannot.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse("request body too large"))
			return false
		}
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func errorResponse(msg string) map[string]string {
	return map[string]string{"error": msg}
}
