package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/checkq/internal/domain"
)

// SessionStore defines the interface for session persistence.
type SessionStore interface {
	// GetByID retrieves a session by its unique ID.
	// Returns ErrSessionNotFound if the session does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Session, error)

	// IncrementCounts adds delta to the session's running counters. Total is
	// ignored. Increments are best effort; SaveCounts is authoritative.
	IncrementCounts(ctx context.Context, id uuid.UUID, delta domain.SessionCounts, at time.Time) error

	// SaveCounts overwrites the counters with a recomputed snapshot.
	SaveCounts(ctx context.Context, id uuid.UUID, counts domain.SessionCounts, at time.Time) error

	// RequestStop sets stopRequested and status stopped if the session is
	// still running. Returns false when the session was already terminal.
	RequestStop(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)

	// Complete moves a running session that never requested a stop to
	// completed. Returns false when the predicate did not match.
	Complete(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
}

// SubmissionStore writes a new session together with its tasks.
type SubmissionStore interface {
	// CreateSession inserts the session and its tasks atomically. Tasks
	// whose fingerprint already has a live task in the same pool are
	// skipped. The session's total is set to the number of tasks created,
	// and the created tasks are returned.
	CreateSession(ctx context.Context, session *domain.Session, tasks []*domain.Task) ([]*domain.Task, error)
}

// NegativeCacheStore persists known-bad fingerprints per check mode.
type NegativeCacheStore interface {
	// LookupMany returns the live entries for the fingerprints, keyed by fingerprint.
	LookupMany(ctx context.Context, mode domain.CheckMode, fingerprints []string, now time.Time) (map[string]*domain.NegativeCacheEntry, error)

	// Put inserts or refreshes an entry.
	Put(ctx context.Context, entry *domain.NegativeCacheEntry) error

	// Purge removes entries that expired before now.
	Purge(ctx context.Context, now time.Time) (int64, error)
}

// AccountStore is the owner balance collaborator.
type AccountStore interface {
	// GetBalance returns the owner's balance in credits; owners without an
	// account read as zero.
	GetBalance(ctx context.Context, ownerID uuid.UUID) (int64, error)

	// GetBalances returns balances for several owners. Missing owners read as zero.
	GetBalances(ctx context.Context, ownerIDs []uuid.UUID) (map[uuid.UUID]int64, error)

	// Debit subtracts the entry amount and records the entry in one
	// transaction. Returns ErrAlreadyDebited if the task already has an
	// entry, ErrAccountNotFound if the owner has no account.
	Debit(ctx context.Context, entry *domain.LedgerEntry) (int64, error)

	// Credit adds credits to the owner's balance, creating the account if needed.
	Credit(ctx context.Context, ownerID uuid.UUID, amount int64) (int64, error)
}

// PriceStore is the per check mode price collaborator.
type PriceStore interface {
	// GetPrice returns the credits charged per task of the check mode.
	// Returns ErrPriceNotFound when no price is configured.
	GetPrice(ctx context.Context, mode domain.CheckMode) (int64, error)

	// SetPrice creates or replaces the price of the check mode.
	SetPrice(ctx context.Context, mode domain.CheckMode, price int64) error
}
