package postgres

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/phrazzld/checkq/internal/domain"
	"github.com/phrazzld/checkq/internal/platform/logger"
	"github.com/phrazzld/checkq/internal/store"
)

// PostgresSubmissionStore implements store.SubmissionStore. The session and
// its tasks are written in one transaction.
type PostgresSubmissionStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ store.SubmissionStore = (*PostgresSubmissionStore)(nil)

// NewPostgresSubmissionStore creates a PostgresSubmissionStore. It panics if db is nil.
func NewPostgresSubmissionStore(db *sql.DB, log *slog.Logger) *PostgresSubmissionStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &PostgresSubmissionStore{
		db:     db,
		logger: log.With(slog.String("component", "submission_store")),
	}
}

// CreateSession implements store.SubmissionStore. Tasks whose fingerprint is
// already live in the pool, including earlier tasks of the same batch, are
// skipped; session.Counts.Total is set to the number written.
func (s *PostgresSubmissionStore) CreateSession(
	ctx context.Context,
	session *domain.Session,
	tasks []*domain.Task,
) (_ []*domain.Task, err error) {
	ctx, span := startSpan(ctx, "sessions.create")
	defer endSpan(span, &err)

	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := session.Validate(); err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if err := t.Validate(); err != nil {
			return nil, err
		}
	}

	var created []*domain.Task
	err = store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		created = created[:0]

		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (
				id, owner_id, check_mode, pool_id, status, stop_requested,
				price_per_task, started_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			session.ID, session.OwnerID, session.CheckMode, session.PoolID, session.Status,
			session.StopRequested, session.PricePerTask, session.StartedAt, session.UpdatedAt)
		if err != nil {
			return MapError(err)
		}

		for _, t := range tasks {
			ok, err := insertTask(ctx, tx, t)
			if err != nil {
				return err
			}
			if ok {
				created = append(created, t)
			}
		}

		_, err = tx.ExecContext(ctx, `UPDATE sessions SET total = $2 WHERE id = $1`,
			session.ID, len(created))
		return MapError(err)
	})
	if err != nil {
		log.Error("failed to create session",
			slog.String("session_id", session.ID.String()),
			slog.Int("tasks", len(tasks)),
			slog.String("error", err.Error()))
		return nil, err
	}

	session.Counts = domain.SessionCounts{Total: len(created)}
	log.Info("session created",
		slog.String("session_id", session.ID.String()),
		slog.Int("tasks", len(created)),
		slog.Int("skipped", len(tasks)-len(created)))
	return created, nil
}
