// Package billing settles terminal tasks: it attributes each task to its
// session's counters and debits the owner, each at most once.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/checkq/internal/domain"
	"github.com/phrazzld/checkq/internal/platform/logger"
	"github.com/phrazzld/checkq/internal/store"
)

// SessionCounter receives best-effort counter increments.
type SessionCounter interface {
	Increment(ctx context.Context, sessionID uuid.UUID, delta domain.SessionCounts)
}

// BalanceNotifier is told about balance changes after a debit.
type BalanceNotifier interface {
	BalanceChanged(ctx context.Context, ownerID uuid.UUID, balance int64)
}

// Settlement describes what Settle did for one task.
type Settlement struct {
	Counted bool
	Billed  bool
	Amount  int64
	Balance int64
}

// Ledger applies the two mark-once updates of a terminal transition.
type Ledger struct {
	tasks    store.TaskStore
	sessions store.SessionStore
	accounts store.AccountStore
	prices   *PriceResolver
	counter  SessionCounter
	notifier BalanceNotifier
	now      func() time.Time
	logger   *slog.Logger
}

// Config holds the Ledger's collaborators.
type Config struct {
	Tasks    store.TaskStore
	Sessions store.SessionStore
	Accounts store.AccountStore
	Prices   *PriceResolver
	Counter  SessionCounter
	Notifier BalanceNotifier
	Now      func() time.Time
	Logger   *slog.Logger
}

// NewLedger creates a Ledger. It returns an error if a required
// collaborator is missing.
func NewLedger(cfg Config) (*Ledger, error) {
	switch {
	case cfg.Tasks == nil:
		return nil, domain.NewValidationError("tasks", "cannot be nil", domain.ErrValidation)
	case cfg.Sessions == nil:
		return nil, domain.NewValidationError("sessions", "cannot be nil", domain.ErrValidation)
	case cfg.Accounts == nil:
		return nil, domain.NewValidationError("accounts", "cannot be nil", domain.ErrValidation)
	case cfg.Prices == nil:
		return nil, domain.NewValidationError("prices", "cannot be nil", domain.ErrValidation)
	case cfg.Counter == nil:
		return nil, domain.NewValidationError("counter", "cannot be nil", domain.ErrValidation)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Ledger{
		tasks:    cfg.Tasks,
		sessions: cfg.Sessions,
		accounts: cfg.Accounts,
		prices:   cfg.Prices,
		counter:  cfg.Counter,
		notifier: cfg.Notifier,
		now:      cfg.Now,
		logger:   cfg.Logger.With(slog.String("component", "billing_ledger")),
	}, nil
}

// Settle counts and, for billable outcomes, bills a task that has just
// reached a terminal status. Replaying Settle for the same task performs
// each side effect at most once because only the caller that wins the
// mark-once update acts on it.
func (l *Ledger) Settle(ctx context.Context, task *domain.Task) (Settlement, error) {
	log := logger.FromContextOrDefault(ctx, l.logger).With(
		slog.String("task_id", task.ID.String()),
		slog.String("session_id", task.SessionID.String()))

	var out Settlement
	if !task.Status.IsTerminal() {
		return out, fmt.Errorf("settle task in status %q: %w", task.Status, domain.ErrInvalidTaskStatus)
	}

	counted, err := l.tasks.MarkSessionCounted(ctx, task.ID)
	if err != nil {
		return out, fmt.Errorf("mark session counted: %w", err)
	}
	if counted {
		out.Counted = true
		var delta domain.SessionCounts
		delta.Add(task.Status, 1)
		l.counter.Increment(ctx, task.SessionID, delta)
	}

	if !task.Status.IsBillable() {
		return out, nil
	}

	sess, err := l.sessions.GetByID(ctx, task.SessionID)
	if err != nil {
		return out, fmt.Errorf("load session for billing: %w", err)
	}
	amount, err := l.prices.ForSession(ctx, sess)
	if err != nil {
		return out, err
	}

	billed, err := l.tasks.MarkBilled(ctx, task.ID, amount)
	if err != nil {
		return out, fmt.Errorf("mark billed: %w", err)
	}
	if !billed {
		log.Debug("billing already settled or refused")
		return out, nil
	}
	out.Billed = true
	out.Amount = amount

	balance, err := l.accounts.Debit(ctx, domain.NewLedgerEntry(task, amount, l.now()))
	if err != nil {
		if errors.Is(err, store.ErrAlreadyDebited) {
			log.Warn("task already has a ledger entry")
			return out, nil
		}
		// The task flag is set but no debit happened. Nothing reconciles
		// this automatically; the log line is the only trace.
		log.Error("task marked billed without a completed debit",
			slog.String("owner_id", task.OwnerID.String()),
			slog.Int64("amount", amount),
			slog.String("error", err.Error()))
		return out, fmt.Errorf("debit owner: %w", err)
	}
	out.Balance = balance

	l.counter.Increment(ctx, task.SessionID, domain.SessionCounts{BilledAmount: amount})
	if l.notifier != nil {
		l.notifier.BalanceChanged(ctx, task.OwnerID, balance)
	}

	log.Debug("task billed",
		slog.Int64("amount", amount),
		slog.Int64("balance", balance))
	return out, nil
}
