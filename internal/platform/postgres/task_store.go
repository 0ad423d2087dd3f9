package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/checkq/internal/domain"
	"github.com/phrazzld/checkq/internal/platform/logger"
	"github.com/phrazzld/checkq/internal/store"
)

const taskColumns = `
	id, session_id, owner_id, pool_id, fingerprint, check_mode, status,
	lease_deadline, lease_attempts, claim_token, reveal_at,
	session_counted, billed_in_session, bill_amount, error_message, attributes,
	last_report_code, reported_at, created_at, updated_at, resolved_at`

// liveStatuses is the SQL list of non-terminal task statuses.
const liveStatuses = `('pending', 'checking')`

// PostgresTaskStore implements store.TaskStore.
type PostgresTaskStore struct {
	db     store.DBTX
	logger *slog.Logger
}

var _ store.TaskStore = (*PostgresTaskStore)(nil)

// NewPostgresTaskStore creates a PostgresTaskStore. It panics if db is nil.
func NewPostgresTaskStore(db store.DBTX, log *slog.Logger) *PostgresTaskStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &PostgresTaskStore{
		db:     db,
		logger: log.With(slog.String("component", "task_store")),
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var (
		t              domain.Task
		leaseDeadline  sql.NullTime
		claimToken     uuid.NullUUID
		revealAt       sql.NullTime
		attributes     []byte
		lastReportCode sql.NullInt32
		reportedAt     sql.NullTime
		resolvedAt     sql.NullTime
	)
	err := row.Scan(
		&t.ID, &t.SessionID, &t.OwnerID, &t.PoolID, &t.Fingerprint, &t.CheckMode, &t.Status,
		&leaseDeadline, &t.LeaseAttempts, &claimToken, &revealAt,
		&t.SessionCounted, &t.BilledInSession, &t.BillAmount, &t.ErrorMessage, &attributes,
		&lastReportCode, &reportedAt, &t.CreatedAt, &t.UpdatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}
	t.LeaseDeadline = timePtr(leaseDeadline)
	t.RevealAt = timePtr(revealAt)
	t.ReportedAt = timePtr(reportedAt)
	t.ResolvedAt = timePtr(resolvedAt)
	if claimToken.Valid {
		token := claimToken.UUID
		t.ClaimToken = &token
	}
	if lastReportCode.Valid {
		code := int(lastReportCode.Int32)
		t.LastReportCode = &code
	}
	if len(attributes) > 0 {
		if err := json.Unmarshal(attributes, &t.Attributes); err != nil {
			return nil, fmt.Errorf("failed to decode task attributes: %w", err)
		}
	}
	return &t, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func encodeAttributes(a domain.Attributes) ([]byte, error) {
	if len(a) == 0 {
		return nil, nil
	}
	return json.Marshal(a)
}

// uuidStrings converts ids for binding as a uuid[] parameter.
func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func (s *PostgresTaskStore) queryTasks(ctx context.Context, query string, args ...any) ([]*domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return out, nil
}

func (s *PostgresTaskStore) queryIDs(ctx context.Context, query string, args ...any) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan task id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return ids, nil
}

// exists distinguishes "no such task" from "task in the wrong state" after a
// conditional update touched no rows.
func (s *PostgresTaskStore) exists(ctx context.Context, id uuid.UUID) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, id).Scan(&ok)
	if err != nil {
		return false, MapError(err)
	}
	return ok, nil
}

// conditional runs a conditional update on one task. It returns false when
// the task exists but the condition did not hold.
func (s *PostgresTaskStore) conditional(ctx context.Context, id uuid.UUID, query string, args ...any) (bool, error) {
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
	ok, err := s.exists(ctx, id)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, store.ErrTaskNotFound
	}
	return false, nil
}

// GetByID implements store.TaskStore.
func (s *PostgresTaskStore) GetByID(ctx context.Context, id uuid.UUID) (_ *domain.Task, err error) {
	ctx, span := startSpan(ctx, "tasks.get")
	defer endSpan(span, &err)

	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrTaskNotFound
	}
	if err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to get task",
			slog.String("task_id", id.String()),
			slog.String("error", err.Error()))
		return nil, MapError(err)
	}
	return t, nil
}

// FindLiveByFingerprint implements store.TaskStore.
func (s *PostgresTaskStore) FindLiveByFingerprint(ctx context.Context, poolID, fingerprint string) (_ *domain.Task, err error) {
	ctx, span := startSpan(ctx, "tasks.find_by_fingerprint")
	defer endSpan(span, &err)

	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE pool_id = $1 AND fingerprint = $2
		ORDER BY (status IN `+liveStatuses+`) DESC, created_at DESC, seq DESC
		LIMIT 1`, poolID, fingerprint)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrTaskNotFound
	}
	if err != nil {
		return nil, MapError(err)
	}
	return t, nil
}

// CountDispatched implements store.TaskStore.
func (s *PostgresTaskStore) CountDispatched(ctx context.Context, mode domain.CheckMode) (_ int, err error) {
	ctx, span := startSpan(ctx, "tasks.count_dispatched")
	defer endSpan(span, &err)

	var n int
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks
		WHERE check_mode = $1 AND status = 'checking' AND reveal_at IS NULL`, mode).Scan(&n)
	if err != nil {
		return 0, MapError(err)
	}
	return n, nil
}

// SelectCandidates implements store.TaskStore. Older sessions drain first,
// then tasks in submission order.
func (s *PostgresTaskStore) SelectCandidates(ctx context.Context, q store.CandidateQuery) (_ []store.Candidate, err error) {
	ctx, span := startSpan(ctx, "tasks.select_candidates")
	defer endSpan(span, &err)

	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.session_id, t.owner_id, s.price_per_task, t.created_at
		FROM tasks t
		JOIN sessions s ON s.id = t.session_id
		WHERE t.pool_id = $1
		  AND t.check_mode = $2
		  AND t.status = 'pending'
		  AND s.status = 'running'
		  AND NOT s.stop_requested
		ORDER BY s.started_at, s.id, t.created_at, t.seq
		LIMIT NULLIF($3::int, 0)`, q.PoolID, q.CheckMode, q.Limit)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var out []store.Candidate
	for rows.Next() {
		var c store.Candidate
		if err := rows.Scan(&c.TaskID, &c.SessionID, &c.OwnerID, &c.SessionPrice, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return out, nil
}

// ClaimPending implements store.TaskStore. The claim predicate is checked
// again on the locked row so a task taken by a concurrent claim, or whose
// session stopped in between, is skipped.
func (s *PostgresTaskStore) ClaimPending(ctx context.Context, req store.ClaimRequest) (_ int, err error) {
	ctx, span := startSpan(ctx, "tasks.claim_pending")
	defer endSpan(span, &err)

	if len(req.TaskIDs) == 0 {
		return 0, nil
	}

	res, err := s.db.ExecContext(ctx, `
		WITH picked AS (
			SELECT t.id
			FROM tasks t
			WHERE t.id = ANY($1::uuid[]) AND t.status = 'pending'
			ORDER BY array_position($1::uuid[], t.id)
			LIMIT NULLIF($2::int, 0)
			FOR UPDATE OF t SKIP LOCKED
		)
		UPDATE tasks
		SET status = 'checking',
		    lease_attempts = tasks.lease_attempts + 1,
		    claim_token = $3,
		    lease_deadline = NULL,
		    updated_at = $4
		FROM picked
		WHERE tasks.id = picked.id
		  AND tasks.status = 'pending'
		  AND EXISTS (
			SELECT 1 FROM sessions s
			WHERE s.id = tasks.session_id AND s.status = 'running' AND NOT s.stop_requested
		  )`, uuidStrings(req.TaskIDs), req.Limit, req.ClaimToken, req.At)
	if err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Error("conditional claim failed",
			slog.String("claim_token", req.ClaimToken.String()),
			slog.String("error", err.Error()))
		return 0, MapError(err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// GetClaimed implements store.TaskStore.
func (s *PostgresTaskStore) GetClaimed(ctx context.Context, claimToken uuid.UUID) (_ []*domain.Task, err error) {
	ctx, span := startSpan(ctx, "tasks.get_claimed")
	defer endSpan(span, &err)

	return s.queryTasks(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE claim_token = $1 AND status = 'checking'
		ORDER BY seq`, claimToken)
}

// SetLeaseDeadline implements store.TaskStore.
func (s *PostgresTaskStore) SetLeaseDeadline(
	ctx context.Context,
	claimToken uuid.UUID,
	ids []uuid.UUID,
	deadline time.Time,
) (err error) {
	ctx, span := startSpan(ctx, "tasks.set_lease_deadline")
	defer endSpan(span, &err)

	if len(ids) == 0 {
		return nil
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE tasks SET lease_deadline = $3
		WHERE claim_token = $1 AND id = ANY($2::uuid[]) AND status = 'checking'`,
		claimToken, uuidStrings(ids), deadline)
	return MapError(err)
}

// RefreshLease implements store.TaskStore.
func (s *PostgresTaskStore) RefreshLease(ctx context.Context, id uuid.UUID, deadline time.Time) (_ bool, err error) {
	ctx, span := startSpan(ctx, "tasks.refresh_lease")
	defer endSpan(span, &err)

	return s.conditional(ctx, id, `
		UPDATE tasks SET lease_deadline = $2
		WHERE id = $1 AND status = 'checking' AND reveal_at IS NULL`, id, deadline)
}

// Resolve implements store.TaskStore.
func (s *PostgresTaskStore) Resolve(ctx context.Context, r store.Resolution) (_ bool, err error) {
	ctx, span := startSpan(ctx, "tasks.resolve")
	defer endSpan(span, &err)

	attrs, err := encodeAttributes(r.Attributes)
	if err != nil {
		return false, fmt.Errorf("%w: attributes: %v", store.ErrInvalidEntity, err)
	}
	return s.conditional(ctx, r.TaskID, `
		UPDATE tasks
		SET status = $2, attributes = $3, error_message = $4,
		    lease_deadline = NULL, resolved_at = $5, updated_at = $5
		WHERE id = $1 AND status = 'checking' AND (reveal_at IS NOT NULL) = $6`,
		r.TaskID, r.Status, attrs, r.ErrorMessage, r.At, r.Reveal)
}

// RecordLateReport implements store.TaskStore.
func (s *PostgresTaskStore) RecordLateReport(ctx context.Context, id uuid.UUID, code int, at time.Time) (err error) {
	ctx, span := startSpan(ctx, "tasks.record_late_report")
	defer endSpan(span, &err)

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET last_report_code = $2, reported_at = $3 WHERE id = $1`, id, code, at)
	if err != nil {
		return MapError(err)
	}
	return CheckRowsAffected(res, store.ErrTaskNotFound)
}

// MarkSessionCounted implements store.TaskStore.
func (s *PostgresTaskStore) MarkSessionCounted(ctx context.Context, id uuid.UUID) (_ bool, err error) {
	ctx, span := startSpan(ctx, "tasks.mark_counted")
	defer endSpan(span, &err)

	return s.conditional(ctx, id, `
		UPDATE tasks SET session_counted = TRUE
		WHERE id = $1 AND status NOT IN `+liveStatuses+` AND NOT session_counted`, id)
}

// MarkBilled implements store.TaskStore. A stop request on the session
// closes billing for all of its tasks.
func (s *PostgresTaskStore) MarkBilled(ctx context.Context, id uuid.UUID, amount int64) (_ bool, err error) {
	ctx, span := startSpan(ctx, "tasks.mark_billed")
	defer endSpan(span, &err)

	return s.conditional(ctx, id, `
		UPDATE tasks t
		SET billed_in_session = TRUE, bill_amount = $2
		FROM sessions s
		WHERE t.id = $1
		  AND s.id = t.session_id
		  AND NOT s.stop_requested
		  AND t.status IN ('resolved_good', 'resolved_bad')
		  AND NOT t.billed_in_session`, id, amount)
}

// StopSession implements store.TaskStore.
func (s *PostgresTaskStore) StopSession(ctx context.Context, sessionID uuid.UUID, at time.Time) (_ []uuid.UUID, err error) {
	ctx, span := startSpan(ctx, "tasks.stop_session")
	defer endSpan(span, &err)

	return s.queryIDs(ctx, `
		UPDATE tasks
		SET status = 'stopped', session_counted = TRUE, lease_deadline = NULL,
		    resolved_at = $2, updated_at = $2
		WHERE session_id = $1 AND status IN `+liveStatuses+`
		RETURNING id`, sessionID, at)
}

// ExpireLeases implements store.TaskStore. A dispatched task whose deadline
// passed, or that never got a deadline and was claimed before orphanBefore,
// resolves unknown.
func (s *PostgresTaskStore) ExpireLeases(
	ctx context.Context,
	sessionID uuid.UUID,
	now, orphanBefore time.Time,
) (_ []uuid.UUID, err error) {
	ctx, span := startSpan(ctx, "tasks.expire_leases")
	defer endSpan(span, &err)

	return s.queryIDs(ctx, `
		UPDATE tasks
		SET status = 'unknown', error_message = 'lease expired', lease_deadline = NULL,
		    resolved_at = $2, updated_at = $2
		WHERE session_id = $1
		  AND status = 'checking'
		  AND reveal_at IS NULL
		  AND ((lease_deadline IS NOT NULL AND lease_deadline < $2)
		    OR (lease_deadline IS NULL AND updated_at < $3))
		RETURNING id`, sessionID, now, orphanBefore)
}

// DueReveals implements store.TaskStore.
func (s *PostgresTaskStore) DueReveals(ctx context.Context, sessionID uuid.UUID, now time.Time) (_ []uuid.UUID, err error) {
	ctx, span := startSpan(ctx, "tasks.due_reveals")
	defer endSpan(span, &err)

	return s.queryIDs(ctx, `
		SELECT id FROM tasks
		WHERE session_id = $1 AND status = 'checking' AND reveal_at IS NOT NULL AND reveal_at <= $2
		ORDER BY seq`, sessionID, now)
}

// CountBySession implements store.TaskStore.
func (s *PostgresTaskStore) CountBySession(ctx context.Context, sessionID uuid.UUID) (_ domain.SessionCounts, err error) {
	ctx, span := startSpan(ctx, "tasks.count_by_session")
	defer endSpan(span, &err)

	var c domain.SessionCounts
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'resolved_good'),
		       COUNT(*) FILTER (WHERE status = 'resolved_bad'),
		       COUNT(*) FILTER (WHERE status = 'unknown'),
		       COUNT(*) FILTER (WHERE status = 'error'),
		       COUNT(*) FILTER (WHERE status = 'stopped'),
		       COALESCE(SUM(bill_amount) FILTER (WHERE billed_in_session), 0)
		FROM tasks
		WHERE session_id = $1`, sessionID).Scan(
		&c.Total, &c.Good, &c.Bad, &c.Unknown, &c.Error, &c.Stopped, &c.BilledAmount)
	if err != nil {
		return domain.SessionCounts{}, MapError(err)
	}
	return c, nil
}

// ListRecentResolved implements store.TaskStore.
func (s *PostgresTaskStore) ListRecentResolved(ctx context.Context, sessionID uuid.UUID, limit int) (_ []*domain.Task, err error) {
	ctx, span := startSpan(ctx, "tasks.list_recent_resolved")
	defer endSpan(span, &err)

	return s.queryTasks(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE session_id = $1 AND status NOT IN `+liveStatuses+`
		ORDER BY resolved_at DESC NULLS LAST, seq DESC
		LIMIT NULLIF($2::int, 0)`, sessionID, limit)
}

// insertTask inserts t unless a live task with the same fingerprint already
// exists in the pool. It reports whether a row was written.
func insertTask(ctx context.Context, db store.DBTX, t *domain.Task) (bool, error) {
	attrs, err := encodeAttributes(t.Attributes)
	if err != nil {
		return false, fmt.Errorf("%w: attributes: %v", store.ErrInvalidEntity, err)
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO tasks (
			id, session_id, owner_id, pool_id, fingerprint, check_mode, status,
			reveal_at, attributes, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (pool_id, fingerprint) WHERE status IN `+liveStatuses+` DO NOTHING`,
		t.ID, t.SessionID, t.OwnerID, t.PoolID, t.Fingerprint, t.CheckMode, t.Status,
		nullTime(t.RevealAt), attrs, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return false, MapError(err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
