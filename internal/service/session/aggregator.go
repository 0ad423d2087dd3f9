// Package session maintains session counters and the session state machine.
//
// Incremental counter updates are best effort. Refresh recomputes every
// counter from the task rows, persists the snapshot and completes the
// session when nothing is left pending.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/checkq/internal/domain"
	"github.com/phrazzld/checkq/internal/platform/logger"
	"github.com/phrazzld/checkq/internal/store"
)

// Aggregator is the session counter and status authority.
type Aggregator struct {
	tasks    store.TaskStore
	sessions store.SessionStore
	now      func() time.Time
	logger   *slog.Logger
}

// NewAggregator creates an Aggregator. now defaults to time.Now.
func NewAggregator(tasks store.TaskStore, sessions store.SessionStore, now func() time.Time, log *slog.Logger) *Aggregator {
	if tasks == nil || sessions == nil {
		panic("aggregator stores cannot be nil")
	}
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{
		tasks:    tasks,
		sessions: sessions,
		now:      now,
		logger:   log.With(slog.String("component", "session_aggregator")),
	}
}

// Increment adds delta to the session's counters. A failure is logged and
// otherwise ignored: the next Refresh repairs the counters.
func (a *Aggregator) Increment(ctx context.Context, sessionID uuid.UUID, delta domain.SessionCounts) {
	if err := a.sessions.IncrementCounts(ctx, sessionID, delta, a.now()); err != nil {
		logger.FromContextOrDefault(ctx, a.logger).Warn("session counter increment failed",
			slog.String("session_id", sessionID.String()),
			slog.String("error", err.Error()))
	}
}

// Get returns the stored session without recomputing it.
func (a *Aggregator) Get(ctx context.Context, sessionID uuid.UUID) (*domain.Session, error) {
	sess, err := a.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// Refresh recomputes the session from its task rows and drives
// running to completed once pending reaches zero without a stop request.
func (a *Aggregator) Refresh(ctx context.Context, sessionID uuid.UUID) (*domain.Session, error) {
	log := logger.FromContextOrDefault(ctx, a.logger).With(slog.String("session_id", sessionID.String()))

	sess, err := a.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	counts, err := a.tasks.CountBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("count session tasks: %w", err)
	}

	now := a.now()
	if counts != sess.Counts {
		if err := a.sessions.SaveCounts(ctx, sessionID, counts, now); err != nil {
			return nil, fmt.Errorf("save session counts: %w", err)
		}
		if sess.Counts.Processed() != counts.Processed() || sess.Counts.BilledAmount != counts.BilledAmount {
			log.Debug("session counters recomputed",
				slog.Int("processed", counts.Processed()),
				slog.Int64("billed_amount", counts.BilledAmount))
		}
	}

	if counts.Pending() == 0 && sess.Status == domain.SessionStatusRunning && !sess.StopRequested {
		completed, err := a.sessions.Complete(ctx, sessionID, now)
		if err != nil {
			return nil, fmt.Errorf("complete session: %w", err)
		}
		if completed {
			log.Info("session completed",
				slog.Int("total", counts.Total),
				slog.Int64("billed_amount", counts.BilledAmount))
		}
	}

	sess, err = a.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}
