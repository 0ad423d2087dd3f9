//go:build integration

package postgres_test

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/checkq/internal/config"
	"github.com/phrazzld/checkq/internal/domain"
	"github.com/phrazzld/checkq/internal/platform/postgres"
	"github.com/phrazzld/checkq/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := postgres.Open(ctx, config.DatabaseConfig{
		URL: url, MaxOpenConns: 20, MaxIdleConns: 5, ConnectMaxElapsedSeconds: 10,
	}, nil)
	require.NoError(t, err)
	require.NoError(t, postgres.Migrate(ctx, db, "up", nil))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedSession(t *testing.T, db *sql.DB, n int) (*domain.Session, []*domain.Task) {
	t.Helper()
	owner := uuid.New()
	pool := "pool-" + uuid.NewString()
	sess, err := domain.NewSession(owner, domain.CheckModeQuick, pool, 2, time.Now().UTC())
	require.NoError(t, err)

	tasks := make([]*domain.Task, 0, n)
	for i := 0; i < n; i++ {
		tasks = append(tasks, domain.NewTask(sess.ID, owner, pool, domain.CheckModeQuick,
			uuid.NewString(), time.Now().UTC()))
	}
	created, err := postgres.NewPostgresSubmissionStore(db, nil).CreateSession(context.Background(), sess, tasks)
	require.NoError(t, err)
	require.Len(t, created, n)
	return sess, created
}

func TestIntegrationLiveFingerprintUnique(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	sess, tasks := seedSession(t, db, 2)

	again, err := domain.NewSession(sess.OwnerID, domain.CheckModeQuick, sess.PoolID, 2, time.Now().UTC())
	require.NoError(t, err)
	dup := domain.NewTask(again.ID, sess.OwnerID, sess.PoolID, domain.CheckModeQuick, tasks[0].Fingerprint, time.Now().UTC())
	fresh := domain.NewTask(again.ID, sess.OwnerID, sess.PoolID, domain.CheckModeQuick, uuid.NewString(), time.Now().UTC())

	created, err := postgres.NewPostgresSubmissionStore(db, nil).CreateSession(ctx, again, []*domain.Task{dup, fresh})
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, fresh.ID, created[0].ID)
}

func TestIntegrationClaimExactlyOnce(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	_, tasks := seedSession(t, db, 40)
	ts := postgres.NewPostgresTaskStore(db, nil)

	ids := make([]uuid.UUID, len(tasks))
	for i, task := range tasks {
		ids[i] = task.ID
	}

	var (
		mu      sync.Mutex
		claimed = make(map[uuid.UUID]int)
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			token := uuid.New()
			if _, err := ts.ClaimPending(gctx, store.ClaimRequest{
				TaskIDs: ids, Limit: 10, ClaimToken: token, At: time.Now().UTC(),
			}); err != nil {
				return err
			}
			got, err := ts.GetClaimed(gctx, token)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			for _, task := range got {
				claimed[task.ID]++
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	// Rows skipped while locked by a losing caller are still pending.
	sweep := uuid.New()
	_, err := ts.ClaimPending(ctx, store.ClaimRequest{TaskIDs: ids, ClaimToken: sweep, At: time.Now().UTC()})
	require.NoError(t, err)
	rest, err := ts.GetClaimed(ctx, sweep)
	require.NoError(t, err)
	for _, task := range rest {
		claimed[task.ID]++
	}

	assert.Len(t, claimed, 40)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "task %s claimed more than once", id)
	}
}

func TestIntegrationDebitOnce(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	sess, tasks := seedSession(t, db, 1)
	accounts := postgres.NewPostgresAccountStore(db, nil)

	_, err := accounts.Credit(ctx, sess.OwnerID, 10)
	require.NoError(t, err)

	entry := domain.NewLedgerEntry(tasks[0], 2, time.Now().UTC())
	balance, err := accounts.Debit(ctx, entry)
	require.NoError(t, err)
	assert.Equal(t, int64(8), balance)

	_, err = accounts.Debit(ctx, domain.NewLedgerEntry(tasks[0], 2, time.Now().UTC()))
	assert.ErrorIs(t, err, store.ErrAlreadyDebited)

	balance, err = accounts.GetBalance(ctx, sess.OwnerID)
	require.NoError(t, err)
	assert.Equal(t, int64(8), balance)
}

func TestIntegrationStopClosesBilling(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	sess, tasks := seedSession(t, db, 2)
	ts := postgres.NewPostgresTaskStore(db, nil)
	ss := postgres.NewPostgresSessionStore(db, nil)
	now := time.Now().UTC()

	token := uuid.New()
	n, err := ts.ClaimPending(ctx, store.ClaimRequest{TaskIDs: []uuid.UUID{tasks[0].ID}, ClaimToken: token, At: now})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	ok, err := ts.Resolve(ctx, store.Resolution{TaskID: tasks[0].ID, Status: domain.TaskStatusResolvedGood, At: now})
	require.NoError(t, err)
	require.True(t, ok)

	stopped, err := ss.RequestStop(ctx, sess.ID, now)
	require.NoError(t, err)
	require.True(t, stopped)
	ids, err := ts.StopSession(ctx, sess.ID, now)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{tasks[1].ID}, ids)

	billed, err := ts.MarkBilled(ctx, tasks[0].ID, 2)
	require.NoError(t, err)
	assert.False(t, billed)

	counts, err := ts.CountBySession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Good)
	assert.Equal(t, 1, counts.Stopped)
	assert.Zero(t, counts.Pending())
}
