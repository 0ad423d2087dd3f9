package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/phrazzld/checkq/internal/domain"
	"github.com/phrazzld/checkq/internal/platform/logger"
	"github.com/phrazzld/checkq/internal/store"
)

// PostgresAccountStore implements store.AccountStore on the accounts and
// ledger_entries tables.
type PostgresAccountStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ store.AccountStore = (*PostgresAccountStore)(nil)

// NewPostgresAccountStore creates a PostgresAccountStore. It panics if db is nil.
func NewPostgresAccountStore(db *sql.DB, log *slog.Logger) *PostgresAccountStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &PostgresAccountStore{
		db:     db,
		logger: log.With(slog.String("component", "account_store")),
	}
}

// GetBalance implements store.AccountStore. An owner without an account
// has a zero balance.
func (s *PostgresAccountStore) GetBalance(ctx context.Context, ownerID uuid.UUID) (_ int64, err error) {
	ctx, span := startSpan(ctx, "accounts.get_balance")
	defer endSpan(span, &err)

	var balance int64
	err = s.db.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE owner_id = $1`, ownerID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, MapError(err)
	}
	return balance, nil
}

// GetBalances implements store.AccountStore.
func (s *PostgresAccountStore) GetBalances(ctx context.Context, ownerIDs []uuid.UUID) (_ map[uuid.UUID]int64, err error) {
	ctx, span := startSpan(ctx, "accounts.get_balances")
	defer endSpan(span, &err)

	out := make(map[uuid.UUID]int64, len(ownerIDs))
	for _, id := range ownerIDs {
		out[id] = 0
	}
	if len(ownerIDs) == 0 {
		return out, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT owner_id, balance FROM accounts WHERE owner_id = ANY($1::uuid[])`, uuidStrings(ownerIDs))
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			id      uuid.UUID
			balance int64
		)
		if err := rows.Scan(&id, &balance); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		out[id] = balance
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return out, nil
}

// Debit implements store.AccountStore. The ledger insert and the balance
// update commit together; a second debit for the same task fails with
// store.ErrAlreadyDebited and changes nothing.
func (s *PostgresAccountStore) Debit(ctx context.Context, entry *domain.LedgerEntry) (_ int64, err error) {
	ctx, span := startSpan(ctx, "accounts.debit")
	defer endSpan(span, &err)

	log := logger.FromContextOrDefault(ctx, s.logger)

	var balance int64
	err = store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (id, owner_id, session_id, task_id, amount, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (task_id) DO NOTHING`,
			entry.ID, entry.OwnerID, entry.SessionID, entry.TaskID, entry.Amount, entry.CreatedAt)
		if err != nil {
			return MapError(err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: task %s", store.ErrAlreadyDebited, entry.TaskID)
		}

		err = tx.QueryRowContext(ctx, `
			UPDATE accounts SET balance = balance - $2, updated_at = NOW()
			WHERE owner_id = $1
			RETURNING balance`, entry.OwnerID, entry.Amount).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrAccountNotFound
		}
		return MapError(err)
	})
	if err != nil {
		if !errors.Is(err, store.ErrAlreadyDebited) {
			log.Error("debit failed",
				slog.String("owner_id", entry.OwnerID.String()),
				slog.String("task_id", entry.TaskID.String()),
				slog.String("error", err.Error()))
		}
		return 0, err
	}
	return balance, nil
}

// Credit implements store.AccountStore. It creates the account on first use.
func (s *PostgresAccountStore) Credit(ctx context.Context, ownerID uuid.UUID, amount int64) (_ int64, err error) {
	ctx, span := startSpan(ctx, "accounts.credit")
	defer endSpan(span, &err)

	var balance int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO accounts (owner_id, balance) VALUES ($1, $2)
		ON CONFLICT (owner_id) DO UPDATE
		SET balance = accounts.balance + EXCLUDED.balance, updated_at = NOW()
		RETURNING balance`, ownerID, amount).Scan(&balance)
	if err != nil {
		return 0, MapError(err)
	}
	return balance, nil
}

// PostgresPriceStore implements store.PriceStore.
type PostgresPriceStore struct {
	db store.DBTX
}

var _ store.PriceStore = (*PostgresPriceStore)(nil)

// NewPostgresPriceStore creates a PostgresPriceStore. It panics if db is nil.
func NewPostgresPriceStore(db store.DBTX) *PostgresPriceStore {
	if db == nil {
		panic("db cannot be nil")
	}
	return &PostgresPriceStore{db: db}
}

// GetPrice implements store.PriceStore.
func (s *PostgresPriceStore) GetPrice(ctx context.Context, mode domain.CheckMode) (_ int64, err error) {
	ctx, span := startSpan(ctx, "prices.get")
	defer endSpan(span, &err)

	var price int64
	err = s.db.QueryRowContext(ctx, `SELECT price FROM prices WHERE check_mode = $1`, mode).Scan(&price)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrPriceNotFound
	}
	if err != nil {
		return 0, MapError(err)
	}
	return price, nil
}

// SetPrice implements store.PriceStore.
func (s *PostgresPriceStore) SetPrice(ctx context.Context, mode domain.CheckMode, price int64) (err error) {
	ctx, span := startSpan(ctx, "prices.set")
	defer endSpan(span, &err)

	if !mode.Valid() || price < 0 {
		return store.ErrInvalidEntity
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO prices (check_mode, price) VALUES ($1, $2)
		ON CONFLICT (check_mode) DO UPDATE SET price = EXCLUDED.price, updated_at = NOW()`,
		mode, price)
	return MapError(err)
}
