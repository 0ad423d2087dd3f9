package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

// Possible task status values
const (
	TaskStatusPending      TaskStatus = "pending"
	TaskStatusChecking     TaskStatus = "checking"
	TaskStatusStopped      TaskStatus = "stopped"
	TaskStatusResolvedGood TaskStatus = "resolved_good"
	TaskStatusResolvedBad  TaskStatus = "resolved_bad"
	TaskStatusUnknown      TaskStatus = "unknown"
	TaskStatusError        TaskStatus = "error"
)

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusChecking, TaskStatusStopped,
		TaskStatusResolvedGood, TaskStatusResolvedBad, TaskStatusUnknown, TaskStatusError:
		return true
	}
	return false
}

// IsTerminal reports whether a task in state s can never change again.
func (s TaskStatus) IsTerminal() bool {
	return s.Valid() && s != TaskStatusPending && s != TaskStatusChecking
}

// IsBillable reports whether reaching s debits the owner.
// Only genuine verification outcomes are billed.
func (s TaskStatus) IsBillable() bool {
	return s == TaskStatusResolvedGood || s == TaskStatusResolvedBad
}

// Common validation errors for Task
var (
	ErrEmptyTaskID          = errors.New("task ID cannot be empty")
	ErrEmptyTaskSessionID   = errors.New("task session ID cannot be empty")
	ErrEmptyTaskOwnerID     = errors.New("task owner ID cannot be empty")
	ErrEmptyTaskFingerprint = errors.New("task fingerprint cannot be empty")
	ErrEmptyTaskPoolID      = errors.New("task pool ID cannot be empty")
)

// Task is one submitted verification item and its lifecycle state.
//
// LeaseDeadline is set only while the task is checking and was really handed
// to a worker. RevealAt is set only for negative cache hits, which sit in
// checking until their delayed reveal. SessionCounted and BilledInSession are
// mark-once flags: each flips false to true at most once.
type Task struct {
	ID              uuid.UUID  `json:"id"`
	SessionID       uuid.UUID  `json:"session_id"`
	OwnerID         uuid.UUID  `json:"owner_id"`
	PoolID          string     `json:"pool_id"`
	Fingerprint     string     `json:"fingerprint"`
	CheckMode       CheckMode  `json:"check_mode"`
	Status          TaskStatus `json:"status"`
	LeaseDeadline   *time.Time `json:"lease_deadline,omitempty"`
	LeaseAttempts   int        `json:"lease_attempts"`
	ClaimToken      *uuid.UUID `json:"-"`
	RevealAt        *time.Time `json:"-"`
	SessionCounted  bool       `json:"session_counted"`
	BilledInSession bool       `json:"billed_in_session"`
	BillAmount      int64      `json:"bill_amount"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	Attributes      Attributes `json:"attributes,omitempty"`
	LastReportCode  *int       `json:"-"`
	ReportedAt      *time.Time `json:"-"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
}

// NewTask creates a pending task for one normalized item of a session.
func NewTask(
	sessionID uuid.UUID,
	ownerID uuid.UUID,
	poolID string,
	mode CheckMode,
	fingerprint string,
	now time.Time,
) *Task {
	return &Task{
		ID:          uuid.New(),
		SessionID:   sessionID,
		OwnerID:     ownerID,
		PoolID:      poolID,
		Fingerprint: fingerprint,
		CheckMode:   mode,
		Status:      TaskStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// MarkCacheHit turns a freshly built task into a cache-hit task: it starts in
// checking, is never dispatched, and resolves at revealAt.
func (t *Task) MarkCacheHit(revealAt time.Time) {
	t.Status = TaskStatusChecking
	t.RevealAt = &revealAt
}

// IsCacheHit reports whether the task is waiting on a delayed cache reveal.
func (t *Task) IsCacheHit() bool {
	return t.RevealAt != nil
}

// Validate checks that the task carries everything a store needs.
func (t *Task) Validate() error {
	if t.ID == uuid.Nil {
		return ErrEmptyTaskID
	}
	if t.SessionID == uuid.Nil {
		return ErrEmptyTaskSessionID
	}
	if t.OwnerID == uuid.Nil {
		return ErrEmptyTaskOwnerID
	}
	if t.Fingerprint == "" {
		return ErrEmptyTaskFingerprint
	}
	if t.PoolID == "" {
		return ErrEmptyTaskPoolID
	}
	if !t.CheckMode.Valid() {
		return ErrInvalidCheckMode
	}
	if !t.Status.Valid() {
		return ErrInvalidTaskStatus
	}
	return nil
}

// ResolvedTask is the compact view of a finished task returned by status
// polling.
type ResolvedTask struct {
	ID          uuid.UUID  `json:"id"`
	Fingerprint string     `json:"fingerprint"`
	Status      TaskStatus `json:"status"`
	BillAmount  int64      `json:"bill_amount"`
	Attributes  Attributes `json:"attributes,omitempty"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// Resolved returns the compact view of t.
func (t *Task) Resolved() ResolvedTask {
	return ResolvedTask{
		ID:          t.ID,
		Fingerprint: t.Fingerprint,
		Status:      t.Status,
		BillAmount:  t.BillAmount,
		Attributes:  t.Attributes,
		ResolvedAt:  t.ResolvedAt,
	}
}
