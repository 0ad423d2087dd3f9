package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/checkq/internal/domain"
)

// CandidateQuery selects pending tasks that may be offered to a pool.
type CandidateQuery struct {
	PoolID    string
	CheckMode domain.CheckMode
	// Limit is the over-fetched candidate count, not the number the caller
	// will end up dispatching.
	Limit int
}

// Candidate is a pending task eligible for claiming, as seen at read time.
type Candidate struct {
	TaskID       uuid.UUID
	SessionID    uuid.UUID
	OwnerID      uuid.UUID
	SessionPrice int64
	CreatedAt    time.Time
}

// ClaimRequest is the conditional pending to checking transition.
type ClaimRequest struct {
	TaskIDs    []uuid.UUID
	Limit      int
	ClaimToken uuid.UUID
	At         time.Time
}

// Resolution is a conditional transition from checking into a terminal
// status. Reveal selects cache-hit tasks; worker reports only ever resolve
// tasks that were really dispatched.
type Resolution struct {
	TaskID       uuid.UUID
	Status       domain.TaskStatus
	Attributes   domain.Attributes
	ErrorMessage string
	Reveal       bool
	At           time.Time
}

// TaskStore defines the interface for task persistence and the conditional
// writes that drive the task lifecycle. Each method that returns a bool or
// a slice of IDs reports which rows its predicate actually matched at write
// time; callers perform side effects only for those rows.
type TaskStore interface {
	// GetByID retrieves a task by its unique ID.
	// Returns ErrTaskNotFound if the task does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// FindLiveByFingerprint returns the pending or checking task for the
	// fingerprint in the pool, or the most recent terminal one if none is
	// live. Returns ErrTaskNotFound when the pool never saw the fingerprint.
	FindLiveByFingerprint(ctx context.Context, poolID, fingerprint string) (*domain.Task, error)

	// CountDispatched counts checking tasks of the check mode that were
	// handed to a worker. Cache-hit tasks do not use worker capacity.
	CountDispatched(ctx context.Context, mode domain.CheckMode) (int, error)

	// SelectCandidates returns pending tasks of running sessions that have
	// not requested a stop, FIFO by session then creation time.
	SelectCandidates(ctx context.Context, q CandidateQuery) ([]Candidate, error)

	// ClaimPending moves at most Limit of the given tasks from pending to
	// checking, re-evaluating status and session state against the current
	// rows, increments their lease attempts and stamps them with the claim
	// token. Returns the number of rows moved.
	ClaimPending(ctx context.Context, req ClaimRequest) (int, error)

	// GetClaimed returns the tasks stamped with the claim token that are
	// still checking.
	GetClaimed(ctx context.Context, claimToken uuid.UUID) ([]*domain.Task, error)

	// SetLeaseDeadline sets the lease deadline on the listed checking tasks
	// that carry the claim token.
	SetLeaseDeadline(ctx context.Context, claimToken uuid.UUID, ids []uuid.UUID, deadline time.Time) error

	// RefreshLease extends the lease of a dispatched checking task.
	RefreshLease(ctx context.Context, id uuid.UUID, deadline time.Time) (bool, error)

	// Resolve applies the resolution only if the task is still checking.
	Resolve(ctx context.Context, r Resolution) (bool, error)

	// RecordLateReport keeps the code of a report that arrived after the
	// task was already terminal. It never changes status, counters or bills.
	RecordLateReport(ctx context.Context, id uuid.UUID, code int, at time.Time) error

	// MarkSessionCounted flips sessionCounted false to true on a terminal task.
	MarkSessionCounted(ctx context.Context, id uuid.UUID) (bool, error)

	// MarkBilled flips billedInSession false to true and records the amount,
	// only for billable terminal tasks whose session has not requested a stop.
	MarkBilled(ctx context.Context, id uuid.UUID, amount int64) (bool, error)

	// StopSession moves every pending or checking task of the session to
	// stopped, marking them counted. Returns the IDs it moved.
	StopSession(ctx context.Context, sessionID uuid.UUID, at time.Time) ([]uuid.UUID, error)

	// ExpireLeases moves dispatched checking tasks of the session whose lease
	// passed (or that never received a deadline before orphanBefore) to
	// unknown. Returns the IDs it moved.
	ExpireLeases(ctx context.Context, sessionID uuid.UUID, now, orphanBefore time.Time) ([]uuid.UUID, error)

	// DueReveals returns cache-hit tasks of the session still checking whose
	// reveal time has passed.
	DueReveals(ctx context.Context, sessionID uuid.UUID, now time.Time) ([]uuid.UUID, error)

	// CountBySession aggregates the session's tasks by status, with the sum
	// of billed amounts.
	CountBySession(ctx context.Context, sessionID uuid.UUID) (domain.SessionCounts, error)

	// ListRecentResolved returns up to limit terminal tasks of the session,
	// most recently resolved first.
	ListRecentResolved(ctx context.Context, sessionID uuid.UUID, limit int) ([]*domain.Task, error)
}
