package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// SessionStatus represents the state of a batch of tasks.
type SessionStatus string

// Possible session status values. Running is initial, the others are terminal.
const (
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusStopped   SessionStatus = "stopped"
	SessionStatusCompleted SessionStatus = "completed"
)

// Valid reports whether s is a known session status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusRunning, SessionStatusStopped, SessionStatusCompleted:
		return true
	}
	return false
}

// IsTerminal reports whether the session can no longer dispatch tasks.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusStopped || s == SessionStatusCompleted
}

// Common validation errors for Session
var (
	ErrEmptySessionID      = errors.New("session ID cannot be empty")
	ErrEmptySessionOwnerID = errors.New("session owner ID cannot be empty")
	ErrNegativePrice       = errors.New("price cannot be negative")
)

// SessionCounts is the per-outcome breakdown of a session's tasks.
type SessionCounts struct {
	Total        int   `json:"total"`
	Good         int   `json:"good"`
	Bad          int   `json:"bad"`
	Unknown      int   `json:"unknown"`
	Error        int   `json:"error"`
	Stopped      int   `json:"stopped"`
	BilledAmount int64 `json:"billed_amount"`
}

// Processed is the number of tasks that reached a terminal state.
func (c SessionCounts) Processed() int {
	return c.Good + c.Bad + c.Unknown + c.Error + c.Stopped
}

// Pending is the number of tasks not yet terminal.
func (c SessionCounts) Pending() int {
	p := c.Total - c.Processed()
	if p < 0 {
		return 0
	}
	return p
}

// Add increments the counter matching status.
func (c *SessionCounts) Add(status TaskStatus, n int) {
	switch status {
	case TaskStatusResolvedGood:
		c.Good += n
	case TaskStatusResolvedBad:
		c.Bad += n
	case TaskStatusUnknown:
		c.Unknown += n
	case TaskStatusError:
		c.Error += n
	case TaskStatusStopped:
		c.Stopped += n
	}
}

// Session is a batch of tasks submitted together by one owner.
type Session struct {
	ID            uuid.UUID     `json:"id"`
	OwnerID       uuid.UUID     `json:"owner_id"`
	CheckMode     CheckMode     `json:"check_mode"`
	PoolID        string        `json:"pool_id"`
	Status        SessionStatus `json:"status"`
	StopRequested bool          `json:"stop_requested"`
	PricePerTask  int64         `json:"price_per_task"`
	Counts        SessionCounts `json:"counts"`
	StartedAt     time.Time     `json:"started_at"`
	EndedAt       *time.Time    `json:"ended_at,omitempty"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// NewSession creates a running session.
func NewSession(ownerID uuid.UUID, mode CheckMode, poolID string, price int64, now time.Time) (*Session, error) {
	s := &Session{
		ID:           uuid.New(),
		OwnerID:      ownerID,
		CheckMode:    mode,
		PoolID:       poolID,
		Status:       SessionStatusRunning,
		PricePerTask: price,
		StartedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks if the Session has valid data.
func (s *Session) Validate() error {
	if s.ID == uuid.Nil {
		return ErrEmptySessionID
	}
	if s.OwnerID == uuid.Nil {
		return ErrEmptySessionOwnerID
	}
	if !s.CheckMode.Valid() {
		return ErrInvalidCheckMode
	}
	if !s.Status.Valid() {
		return ErrInvalidSessionStatus
	}
	if s.PricePerTask < 0 {
		return ErrNegativePrice
	}
	return nil
}

// Snapshot is the externally visible view of a session.
type Snapshot struct {
	SessionID     uuid.UUID     `json:"session_id"`
	Status        SessionStatus `json:"status"`
	StopRequested bool          `json:"stop_requested"`
	CheckMode     CheckMode     `json:"check_mode"`
	Total         int           `json:"total"`
	Processed     int           `json:"processed"`
	Pending       int           `json:"pending"`
	Good          int           `json:"good"`
	Bad           int           `json:"bad"`
	Unknown       int           `json:"unknown"`
	Error         int           `json:"error"`
	Stopped       int           `json:"stopped"`
	PricePerTask  int64         `json:"price_per_task"`
	BilledAmount  int64         `json:"billed_amount"`
	StartedAt     time.Time     `json:"started_at"`
	EndedAt       *time.Time    `json:"ended_at,omitempty"`
}

// Snapshot returns the externally visible view of s.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		SessionID:     s.ID,
		Status:        s.Status,
		StopRequested: s.StopRequested,
		CheckMode:     s.CheckMode,
		Total:         s.Counts.Total,
		Processed:     s.Counts.Processed(),
		Pending:       s.Counts.Pending(),
		Good:          s.Counts.Good,
		Bad:           s.Counts.Bad,
		Unknown:       s.Counts.Unknown,
		Error:         s.Counts.Error,
		Stopped:       s.Counts.Stopped,
		PricePerTask:  s.PricePerTask,
		BilledAmount:  s.Counts.BilledAmount,
		StartedAt:     s.StartedAt,
		EndedAt:       s.EndedAt,
	}
}

// Fields flattens the snapshot for the realtime notifier, which merges
// updates field by field.
func (s Snapshot) Fields() map[string]any {
	fields := map[string]any{
		"session_id":     s.SessionID.String(),
		"status":         string(s.Status),
		"stop_requested": s.StopRequested,
		"check_mode":     string(s.CheckMode),
		"total":          s.Total,
		"processed":      s.Processed,
		"pending":        s.Pending,
		"good":           s.Good,
		"bad":            s.Bad,
		"unknown":        s.Unknown,
		"error":          s.Error,
		"stopped":        s.Stopped,
		"price_per_task": s.PricePerTask,
		"billed_amount":  s.BilledAmount,
	}
	if s.EndedAt != nil {
		fields["ended_at"] = s.EndedAt.UTC().Format(time.RFC3339)
	}
	return fields
}
