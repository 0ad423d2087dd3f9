package domain

import (
	"time"

	"github.com/google/uuid"
)

// LedgerEntry records one debit against an owner's balance. There is at
// most one entry per task.
type LedgerEntry struct {
	ID        uuid.UUID `json:"id"`
	OwnerID   uuid.UUID `json:"owner_id"`
	SessionID uuid.UUID `json:"session_id"`
	TaskID    uuid.UUID `json:"task_id"`
	Amount    int64     `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

// NewLedgerEntry creates a debit entry for a billed task.
func NewLedgerEntry(t *Task, amount int64, now time.Time) *LedgerEntry {
	return &LedgerEntry{
		ID:        uuid.New(),
		OwnerID:   t.OwnerID,
		SessionID: t.SessionID,
		TaskID:    t.ID,
		Amount:    amount,
		CreatedAt: now,
	}
}

// NegativeCacheEntry remembers that a fingerprint resolved bad under a check
// mode, until ExpiresAt.
type NegativeCacheEntry struct {
	Fingerprint string     `json:"fingerprint"`
	CheckMode   CheckMode  `json:"check_mode"`
	Outcome     TaskStatus `json:"outcome"`
	ExpiresAt   time.Time  `json:"expires_at"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Live reports whether the entry is still usable at now.
func (e *NegativeCacheEntry) Live(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}
