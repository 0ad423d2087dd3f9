package api

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/phrazzld/checkq/internal/api/shared"
	"github.com/phrazzld/checkq/internal/domain"
	"github.com/phrazzld/checkq/internal/platform/logger"
)

// RealtimeServer streams an owner's events over an upgraded connection.
type RealtimeServer interface {
	Serve(w http.ResponseWriter, r *http.Request, ownerID, sessionID uuid.UUID) error
}

// RealtimeHandler serves GET /api/realtime.
type RealtimeHandler struct {
	hub    RealtimeServer
	logger *slog.Logger
}

// NewRealtimeHandler creates a new RealtimeHandler.
func NewRealtimeHandler(hub RealtimeServer, log *slog.Logger) *RealtimeHandler {
	if log == nil {
		log = slog.Default()
	}
	return &RealtimeHandler{hub: hub, logger: log.With(slog.String("component", "realtime_handler"))}
}

// Subscribe upgrades the request to a websocket. The optional session_id
// query parameter narrows the stream to one session.
func (h *RealtimeHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	ownerID, ok := shared.OwnerID(r.Context())
	if !ok {
		HandleAPIError(w, r, domain.ErrUnauthorized, "Owner not authenticated")
		return
	}

	sessionID := uuid.Nil
	if raw := r.URL.Query().Get("session_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			HandleAPIError(w, r, domain.NewValidationError("session_id", "has invalid format", domain.ErrInvalidID), "")
			return
		}
		sessionID = id
	}

	// The upgrader has already answered the request when Serve fails.
	if err := h.hub.Serve(w, r, ownerID, sessionID); err != nil {
		log.Debug("realtime upgrade failed",
			slog.String("owner_id", ownerID.String()),
			slog.String("error", err.Error()))
	}
}
