package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/checkq/internal/domain"
	"github.com/phrazzld/checkq/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedSession(t *testing.T, s *Store, items ...string) (*domain.Session, []*domain.Task) {
	t.Helper()
	sess, err := domain.NewSession(uuid.New(), domain.CheckModeQuick, "pool-a", 2, t0)
	require.NoError(t, err)
	tasks := make([]*domain.Task, 0, len(items))
	for i, fp := range items {
		tasks = append(tasks, domain.NewTask(sess.ID, sess.OwnerID, sess.PoolID, sess.CheckMode, fp, t0.Add(time.Duration(i)*time.Millisecond)))
	}
	created, err := s.CreateSession(context.Background(), sess, tasks)
	require.NoError(t, err)
	return sess, created
}

func TestCreateSession_SkipsLiveDuplicates(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, first := seedSession(t, s, "a", "b")
	require.Len(t, first, 2)

	sess, second := seedSession(t, s, "b", "c", "c")
	require.Len(t, second, 1)
	assert.Equal(t, "c", second[0].Fingerprint)

	got, err := s.Sessions().GetByID(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Counts.Total)
}

func TestCreateSession_ResubmitsAfterTerminal(t *testing.T) {
	s := New()
	ctx := context.Background()

	sess, first := seedSession(t, s, "a")
	require.Len(t, first, 1)
	_, err := s.StopSession(ctx, sess.ID, t0)
	require.NoError(t, err)

	_, second := seedSession(t, s, "a")
	require.Len(t, second, 1)
	assert.NotEqual(t, first[0].ID, second[0].ID)
	assert.Equal(t, domain.TaskStatusPending, second[0].Status)
}

func TestClaimPending_ReevaluatesPredicate(t *testing.T) {
	s := New()
	ctx := context.Background()
	sess, tasks := seedSession(t, s, "a", "b", "c")

	cands, err := s.SelectCandidates(ctx, store.CandidateQuery{PoolID: "pool-a", CheckMode: domain.CheckModeQuick, Limit: 10})
	require.NoError(t, err)
	require.Len(t, cands, 3)
	assert.Equal(t, tasks[0].ID, cands[0].TaskID)

	ids := []uuid.UUID{cands[0].TaskID, cands[1].TaskID, cands[2].TaskID}

	// A stop lands between candidate selection and the claim.
	s.BeforeClaim(func(store.ClaimRequest) {
		_, err := s.RequestStop(ctx, sess.ID, t0)
		require.NoError(t, err)
	})

	token := uuid.New()
	n, err := s.ClaimPending(ctx, store.ClaimRequest{TaskIDs: ids, Limit: 3, ClaimToken: token, At: t0})
	require.NoError(t, err)
	assert.Zero(t, n)

	claimed, err := s.GetClaimed(ctx, token)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestClaimPending_HonorsLimitAndToken(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, tasks := seedSession(t, s, "a", "b", "c")

	token := uuid.New()
	n, err := s.ClaimPending(ctx, store.ClaimRequest{
		TaskIDs:    []uuid.UUID{tasks[0].ID, tasks[1].ID, tasks[2].ID},
		Limit:      2,
		ClaimToken: token,
		At:         t0,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	claimed, err := s.GetClaimed(ctx, token)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	for _, c := range claimed {
		assert.Equal(t, domain.TaskStatusChecking, c.Status)
		assert.Equal(t, 1, c.LeaseAttempts)
	}

	// Second claim of the same rows moves nothing.
	n, err = s.ClaimPending(ctx, store.ClaimRequest{TaskIDs: []uuid.UUID{tasks[0].ID}, ClaimToken: uuid.New(), At: t0})
	require.NoError(t, err)
	assert.Zero(t, n)

	dispatched, err := s.CountDispatched(ctx, domain.CheckModeQuick)
	require.NoError(t, err)
	assert.Equal(t, 2, dispatched)
}

func TestResolve_OnlyFromChecking(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, tasks := seedSession(t, s, "a")

	ok, err := s.Resolve(ctx, store.Resolution{TaskID: tasks[0].ID, Status: domain.TaskStatusResolvedGood, At: t0})
	require.NoError(t, err)
	assert.False(t, ok, "pending task must not resolve")

	_, err = s.ClaimPending(ctx, store.ClaimRequest{TaskIDs: []uuid.UUID{tasks[0].ID}, ClaimToken: uuid.New(), At: t0})
	require.NoError(t, err)

	ok, err = s.Resolve(ctx, store.Resolution{TaskID: tasks[0].ID, Status: domain.TaskStatusResolvedGood, Reveal: true, At: t0})
	require.NoError(t, err)
	assert.False(t, ok, "dispatched task must not resolve as a reveal")

	ok, err = s.Resolve(ctx, store.Resolution{TaskID: tasks[0].ID, Status: domain.TaskStatusResolvedGood, At: t0})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Resolve(ctx, store.Resolution{TaskID: tasks[0].ID, Status: domain.TaskStatusResolvedBad, At: t0})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkOnceFlags(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, tasks := seedSession(t, s, "a")
	id := tasks[0].ID

	_, err := s.ClaimPending(ctx, store.ClaimRequest{TaskIDs: []uuid.UUID{id}, ClaimToken: uuid.New(), At: t0})
	require.NoError(t, err)
	_, err = s.Resolve(ctx, store.Resolution{TaskID: id, Status: domain.TaskStatusResolvedBad, At: t0})
	require.NoError(t, err)

	for i := range 3 {
		counted, err := s.MarkSessionCounted(ctx, id)
		require.NoError(t, err)
		billed, err := s.MarkBilled(ctx, id, 2)
		require.NoError(t, err)
		assert.Equal(t, i == 0, counted)
		assert.Equal(t, i == 0, billed)
	}
}

func TestStopSession_MovesLiveTasks(t *testing.T) {
	s := New()
	ctx := context.Background()
	sess, tasks := seedSession(t, s, "a", "b")

	_, err := s.ClaimPending(ctx, store.ClaimRequest{TaskIDs: []uuid.UUID{tasks[0].ID}, ClaimToken: uuid.New(), At: t0})
	require.NoError(t, err)

	changed, err := s.RequestStop(ctx, sess.ID, t0)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = s.RequestStop(ctx, sess.ID, t0)
	require.NoError(t, err)
	assert.False(t, changed)

	ids, err := s.StopSession(ctx, sess.ID, t0)
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	counts, err := s.CountBySession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Stopped)
	assert.Zero(t, counts.Pending())

	completed, err := s.Complete(ctx, sess.ID, t0)
	require.NoError(t, err)
	assert.False(t, completed, "stopped session never completes")
}

func TestExpireLeases(t *testing.T) {
	s := New()
	ctx := context.Background()
	sess, tasks := seedSession(t, s, "a", "b", "c")

	token := uuid.New()
	_, err := s.ClaimPending(ctx, store.ClaimRequest{
		TaskIDs:    []uuid.UUID{tasks[0].ID, tasks[1].ID},
		ClaimToken: token,
		At:         t0,
	})
	require.NoError(t, err)
	// Only the first task gets a deadline; the second is an orphan.
	require.NoError(t, s.SetLeaseDeadline(ctx, token, []uuid.UUID{tasks[0].ID}, t0.Add(time.Minute)))

	ids, err := s.ExpireLeases(ctx, sess.ID, t0.Add(30*time.Second), t0.Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = s.ExpireLeases(ctx, sess.ID, t0.Add(2*time.Minute), t0.Add(time.Second))
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{tasks[0].ID, tasks[1].ID}, ids)

	got, err := s.GetByID(ctx, tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusUnknown, got.Status)
	assert.Equal(t, "lease expired", got.ErrorMessage)
}

func TestNegativeCache(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, &domain.NegativeCacheEntry{
		Fingerprint: "a", CheckMode: domain.CheckModeQuick, Outcome: domain.TaskStatusResolvedBad,
		ExpiresAt: t0.Add(time.Hour), CreatedAt: t0,
	}))

	hits, err := s.LookupMany(ctx, domain.CheckModeQuick, []string{"a", "b"}, t0)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
	assert.Contains(t, hits, "a")

	hits, err = s.LookupMany(ctx, domain.CheckModeFull, []string{"a"}, t0)
	require.NoError(t, err)
	assert.Empty(t, hits, "cache is per check mode")

	n, err := s.Purge(ctx, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestDebit(t *testing.T) {
	s := New()
	ctx := context.Background()
	sess, tasks := seedSession(t, s, "a")

	entry := domain.NewLedgerEntry(tasks[0], 2, t0)
	_, err := s.Debit(ctx, entry)
	assert.ErrorIs(t, err, store.ErrAccountNotFound)

	_, err = s.Credit(ctx, sess.OwnerID, 5)
	require.NoError(t, err)

	balance, err := s.Debit(ctx, entry)
	require.NoError(t, err)
	assert.EqualValues(t, 3, balance)

	_, err = s.Debit(ctx, domain.NewLedgerEntry(tasks[0], 2, t0))
	assert.ErrorIs(t, err, store.ErrAlreadyDebited)
	assert.True(t, store.IsDuplicateError(err))
	assert.Len(t, s.LedgerEntries(), 1)
}

func TestFailNext(t *testing.T) {
	s := New()
	ctx := context.Background()
	boom := errors.New("boom")

	s.FailNext(OpGetBalance, boom)
	_, err := s.GetBalance(ctx, uuid.New())
	assert.ErrorIs(t, err, boom)

	_, err = s.GetBalance(ctx, uuid.New())
	assert.NoError(t, err, "failure applies once")
}
