package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/phrazzld/checkq/internal/api/shared"
	"github.com/phrazzld/checkq/internal/domain"
	"github.com/phrazzld/checkq/internal/platform/logger"
	"github.com/phrazzld/checkq/internal/service"
)

// SessionService is the owner-facing part of the check service.
type SessionService interface {
	Submit(ctx context.Context, req service.SubmitRequest) (*service.SubmitResult, error)
	Status(ctx context.Context, ownerID, sessionID uuid.UUID) (*service.StatusResult, error)
	Stop(ctx context.Context, ownerID, sessionID uuid.UUID) (*domain.Snapshot, error)
}

// SessionHandler serves the session endpoints.
type SessionHandler struct {
	sessions SessionService
	logger   *slog.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(sessions SessionService, log *slog.Logger) *SessionHandler {
	if log == nil {
		log = slog.Default()
	}
	return &SessionHandler{
		sessions: sessions,
		logger:   log.With(slog.String("component", "session_handler")),
	}
}

// Submit handles POST /api/sessions.
func (h *SessionHandler) Submit(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	ownerID, ok := shared.OwnerID(r.Context())
	if !ok {
		HandleAPIError(w, r, domain.ErrUnauthorized, "Owner not authenticated")
		return
	}

	var req SubmitSessionRequest
	if !parseAndValidateRequest(w, r, &req) {
		return
	}

	res, err := h.sessions.Submit(r.Context(), service.SubmitRequest{
		OwnerID:   ownerID,
		Items:     req.Items,
		CheckMode: req.CheckMode,
	})
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	log.Info("session submitted",
		slog.String("owner_id", ownerID.String()),
		slog.String("session_id", res.SessionID.String()),
		slog.Int("total", res.Total))

	shared.RespondWithJSON(w, r, http.StatusCreated, newSubmitSessionResponse(res))
}

// Status handles GET /api/sessions/{id}.
func (h *SessionHandler) Status(w http.ResponseWriter, r *http.Request) {
	ownerID, sessionID, ok := handleOwnerIDAndPathUUID(w, r, "id", h.logger)
	if !ok {
		return
	}

	res, err := h.sessions.Status(r.Context(), ownerID, sessionID)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	recent := res.RecentResolvedTasks
	if recent == nil {
		recent = []domain.ResolvedTask{}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, StatusResponse{
		Session:             res.Session,
		RecentResolvedTasks: recent,
	})
}

// Stop handles POST /api/sessions/{id}/stop.
func (h *SessionHandler) Stop(w http.ResponseWriter, r *http.Request) {
	ownerID, sessionID, ok := handleOwnerIDAndPathUUID(w, r, "id", h.logger)
	if !ok {
		return
	}

	snap, err := h.sessions.Stop(r.Context(), ownerID, sessionID)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	logger.FromContextOrDefault(r.Context(), h.logger).Info("session stopped",
		slog.String("session_id", sessionID.String()),
		slog.String("status", string(snap.Status)))

	shared.RespondWithJSON(w, r, http.StatusOK, StopResponse{OK: true, Session: *snap})
}
