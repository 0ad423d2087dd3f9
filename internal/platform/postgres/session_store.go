package postgres

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/checkq/internal/domain"
	"github.com/phrazzld/checkq/internal/platform/logger"
	"github.com/phrazzld/checkq/internal/store"
)

const sessionColumns = `
	id, owner_id, check_mode, pool_id, status, stop_requested, price_per_task,
	total, good, bad, unknown, error_count, stopped, billed_amount,
	started_at, ended_at, updated_at`

// PostgresSessionStore implements store.SessionStore.
type PostgresSessionStore struct {
	db     store.DBTX
	logger *slog.Logger
}

var _ store.SessionStore = (*PostgresSessionStore)(nil)

// NewPostgresSessionStore creates a PostgresSessionStore. It panics if db is nil.
func NewPostgresSessionStore(db store.DBTX, log *slog.Logger) *PostgresSessionStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &PostgresSessionStore{
		db:     db,
		logger: log.With(slog.String("component", "session_store")),
	}
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var (
		sess    domain.Session
		endedAt sql.NullTime
	)
	err := row.Scan(
		&sess.ID, &sess.OwnerID, &sess.CheckMode, &sess.PoolID, &sess.Status,
		&sess.StopRequested, &sess.PricePerTask,
		&sess.Counts.Total, &sess.Counts.Good, &sess.Counts.Bad, &sess.Counts.Unknown,
		&sess.Counts.Error, &sess.Counts.Stopped, &sess.Counts.BilledAmount,
		&sess.StartedAt, &endedAt, &sess.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sess.EndedAt = timePtr(endedAt)
	return &sess, nil
}

// GetByID implements store.SessionStore.
func (s *PostgresSessionStore) GetByID(ctx context.Context, id uuid.UUID) (_ *domain.Session, err error) {
	ctx, span := startSpan(ctx, "sessions.get")
	defer endSpan(span, &err)

	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrSessionNotFound
	}
	if err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to get session",
			slog.String("session_id", id.String()),
			slog.String("error", err.Error()))
		return nil, MapError(err)
	}
	return sess, nil
}

// IncrementCounts implements store.SessionStore. Total is fixed at
// creation and is not incremented.
func (s *PostgresSessionStore) IncrementCounts(
	ctx context.Context,
	id uuid.UUID,
	delta domain.SessionCounts,
	at time.Time,
) (err error) {
	ctx, span := startSpan(ctx, "sessions.increment_counts")
	defer endSpan(span, &err)

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET good = good + $2, bad = bad + $3, unknown = unknown + $4,
		    error_count = error_count + $5, stopped = stopped + $6,
		    billed_amount = billed_amount + $7, updated_at = $8
		WHERE id = $1`,
		id, delta.Good, delta.Bad, delta.Unknown, delta.Error, delta.Stopped, delta.BilledAmount, at)
	if err != nil {
		return MapError(err)
	}
	return CheckRowsAffected(res, store.ErrSessionNotFound)
}

// SaveCounts implements store.SessionStore.
func (s *PostgresSessionStore) SaveCounts(
	ctx context.Context,
	id uuid.UUID,
	c domain.SessionCounts,
	at time.Time,
) (err error) {
	ctx, span := startSpan(ctx, "sessions.save_counts")
	defer endSpan(span, &err)

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET total = $2, good = $3, bad = $4, unknown = $5, error_count = $6,
		    stopped = $7, billed_amount = $8, updated_at = $9
		WHERE id = $1`,
		id, c.Total, c.Good, c.Bad, c.Unknown, c.Error, c.Stopped, c.BilledAmount, at)
	if err != nil {
		return MapError(err)
	}
	return CheckRowsAffected(res, store.ErrSessionNotFound)
}

// RequestStop implements store.SessionStore.
func (s *PostgresSessionStore) RequestStop(ctx context.Context, id uuid.UUID, at time.Time) (_ bool, err error) {
	ctx, span := startSpan(ctx, "sessions.request_stop")
	defer endSpan(span, &err)

	return s.transition(ctx, id, `
		UPDATE sessions
		SET status = 'stopped', stop_requested = TRUE, ended_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'running'`, id, at)
}

// Complete implements store.SessionStore.
func (s *PostgresSessionStore) Complete(ctx context.Context, id uuid.UUID, at time.Time) (_ bool, err error) {
	ctx, span := startSpan(ctx, "sessions.complete")
	defer endSpan(span, &err)

	return s.transition(ctx, id, `
		UPDATE sessions
		SET status = 'completed', ended_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'running' AND NOT stop_requested`, id, at)
}

func (s *PostgresSessionStore) transition(ctx context.Context, id uuid.UUID, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, MapError(err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	var ok bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, id).Scan(&ok); err != nil {
		return false, MapError(err)
	}
	if !ok {
		return false, store.ErrSessionNotFound
	}
	return false, nil
}
