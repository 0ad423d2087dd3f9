package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func TestRunInTransaction(t *testing.T) {
	debitErr := errors.New("debit rejected")
	beginErr := errors.New("connection reset")
	commitErr := errors.New("serialization failure")

	tests := []struct {
		name   string
		expect func(sqlmock.Sqlmock)
		fn     TxFn
		check  func(t *testing.T, err error)
	}{
		{
			name: "commits when fn succeeds",
			expect: func(m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectExec("UPDATE accounts").WillReturnResult(sqlmock.NewResult(0, 1))
				m.ExpectCommit()
			},
			fn: func(ctx context.Context, tx *sql.Tx) error {
				_, err := tx.ExecContext(ctx, "UPDATE accounts SET balance = balance - 2")
				return err
			},
			check: func(t *testing.T, err error) { assert.NoError(t, err) },
		},
		{
			name: "rolls back and returns fn error",
			expect: func(m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectRollback()
			},
			fn: func(context.Context, *sql.Tx) error { return debitErr },
			check: func(t *testing.T, err error) {
				assert.Same(t, debitErr, err)
				assert.False(t, IsRetryable(err))
			},
		},
		{
			name:   "begin failure is retryable",
			expect: func(m sqlmock.Sqlmock) { m.ExpectBegin().WillReturnError(beginErr) },
			fn:     func(context.Context, *sql.Tx) error { return nil },
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrTransactionFailed)
				assert.ErrorIs(t, err, beginErr)
				assert.True(t, IsRetryable(err))
			},
		},
		{
			name: "commit failure is retryable",
			expect: func(m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectCommit().WillReturnError(commitErr)
			},
			fn: func(context.Context, *sql.Tx) error { return nil },
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrTransactionFailed)
				assert.ErrorIs(t, err, commitErr)
			},
		},
		{
			name: "failed rollback keeps the original error",
			expect: func(m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectRollback().WillReturnError(errors.New("conn closed"))
			},
			fn: func(context.Context, *sql.Tx) error { return debitErr },
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, debitErr)
				assert.Contains(t, err.Error(), "conn closed")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			tt.expect(mock)

			tt.check(t, RunInTransaction(context.Background(), db, tt.fn))
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestRunInTransactionPanics(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	assert.PanicsWithValue(t, "ledger corrupted", func() {
		_ = RunInTransaction(context.Background(), db, func(context.Context, *sql.Tx) error {
			panic("ledger corrupted")
		})
	})
	assert.NoError(t, mock.ExpectationsWereMet())
}
