package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/phrazzld/checkq/internal/api/shared"
	"github.com/phrazzld/checkq/internal/domain"
	"github.com/phrazzld/checkq/internal/platform/logger"
	"github.com/phrazzld/checkq/internal/service"
	"github.com/phrazzld/checkq/internal/service/dispatch"
)

// PoolService is the worker-facing part of the check service.
type PoolService interface {
	Claim(ctx context.Context, poolID string, desired int, checkMode string) (*dispatch.ClaimResult, error)
	ReportResults(ctx context.Context, poolID string, items []service.ResultItem) []service.ItemAck
}

// PoolHandler serves the worker pool endpoints.
type PoolHandler struct {
	pools  PoolService
	logger *slog.Logger
}

// NewPoolHandler creates a new PoolHandler.
func NewPoolHandler(pools PoolService, log *slog.Logger) *PoolHandler {
	if log == nil {
		log = slog.Default()
	}
	return &PoolHandler{
		pools:  pools,
		logger: log.With(slog.String("component", "pool_handler")),
	}
}

// poolFromRequest returns the authenticated pool. A pool id in the body
// must match the one in the token.
func (h *PoolHandler) poolFromRequest(w http.ResponseWriter, r *http.Request, bodyPool string) (string, bool) {
	poolID, ok := shared.PoolID(r.Context())
	if !ok {
		HandleAPIError(w, r, domain.ErrUnauthorized, "Pool not authenticated")
		return "", false
	}
	if bodyPool != "" && bodyPool != poolID {
		logger.FromContextOrDefault(r.Context(), h.logger).Warn("pool id mismatch",
			slog.String("token_pool", poolID),
			slog.String("body_pool", bodyPool))
		HandleAPIError(w, r, domain.ErrUnauthorized, "Token is not valid for this pool")
		return "", false
	}
	return poolID, true
}

// Claim handles POST /api/pool/claim.
func (h *PoolHandler) Claim(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if !parseAndValidateRequest(w, r, &req) {
		return
	}
	poolID, ok := h.poolFromRequest(w, r, req.PoolID)
	if !ok {
		return
	}

	res, err := h.pools.Claim(r.Context(), poolID, req.DesiredCount, req.CheckMode)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	logger.FromContextOrDefault(r.Context(), h.logger).Debug("claim served",
		slog.String("pool_id", poolID),
		slog.Int("desired", req.DesiredCount),
		slog.Int("dispatched", len(res.Tasks)),
		slog.Bool("pause_hint", res.PauseHint))

	shared.RespondWithJSON(w, r, http.StatusOK, newClaimResponse(res))
}

// Results handles POST /api/pool/results. Every item gets its own
// acknowledgement; the call itself only fails for malformed bodies.
func (h *PoolHandler) Results(w http.ResponseWriter, r *http.Request) {
	poolID, ok := h.poolFromRequest(w, r, "")
	if !ok {
		return
	}

	var req ReportResultsRequest
	if !parseAndValidateRequest(w, r, &req) {
		return
	}

	items, positions, rejected := req.toServiceItems()
	acks := make([]service.ItemAck, len(req.Items))
	for i, ack := range rejected {
		acks[i] = ack
	}
	if len(items) > 0 {
		for i, ack := range h.pools.ReportResults(r.Context(), poolID, items) {
			acks[positions[i]] = ack
		}
	}

	shared.RespondWithJSON(w, r, http.StatusOK, ReportResultsResponse{Results: acks})
}
