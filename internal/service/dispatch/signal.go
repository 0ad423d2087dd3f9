package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/checkq/internal/platform/logger"
)

// PauseSignal asks a pool to stop pulling work for a session.
type PauseSignal struct {
	PoolID    string    `json:"pool_id"`
	OwnerID   uuid.UUID `json:"owner_id"`
	SessionID uuid.UUID `json:"session_id"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// PoolSignaler delivers pause signals out of band. Delivery is best effort.
type PoolSignaler interface {
	Pause(ctx context.Context, sig PauseSignal) error
}

// LogSignaler only logs pause signals. It is used when no control channel
// is configured.
type LogSignaler struct {
	logger *slog.Logger
}

// NewLogSignaler creates a LogSignaler.
func NewLogSignaler(log *slog.Logger) *LogSignaler {
	if log == nil {
		log = slog.Default()
	}
	return &LogSignaler{logger: log.With(slog.String("component", "pool_signaler"))}
}

// Pause implements PoolSignaler.
func (s *LogSignaler) Pause(ctx context.Context, sig PauseSignal) error {
	logger.FromContextOrDefault(ctx, s.logger).Info("pool pause requested",
		slog.String("pool_id", sig.PoolID),
		slog.String("owner_id", sig.OwnerID.String()),
		slog.String("session_id", sig.SessionID.String()),
		slog.String("reason", sig.Reason))
	return nil
}
