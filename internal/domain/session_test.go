package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionCounts(t *testing.T) {
	t.Parallel()

	c := SessionCounts{Total: 5}
	c.Add(TaskStatusResolvedGood, 1)
	c.Add(TaskStatusResolvedBad, 1)
	c.Add(TaskStatusStopped, 2)
	c.Add(TaskStatusPending, 1)

	assert.Equal(t, 4, c.Processed())
	assert.Equal(t, 1, c.Pending())

	over := SessionCounts{Total: 1, Good: 2}
	assert.Equal(t, 0, over.Pending())
}

func TestNewSession(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	s, err := NewSession(uuid.New(), CheckModeQuick, "pool-a", 2, now)
	require.NoError(t, err)
	assert.Equal(t, SessionStatusRunning, s.Status)
	assert.False(t, s.StopRequested)

	_, err = NewSession(uuid.Nil, CheckModeQuick, "pool-a", 2, now)
	assert.ErrorIs(t, err, ErrEmptySessionOwnerID)

	_, err = NewSession(uuid.New(), CheckMode("deep"), "pool-a", 2, now)
	assert.ErrorIs(t, err, ErrInvalidCheckMode)

	_, err = NewSession(uuid.New(), CheckModeFull, "pool-a", -1, now)
	assert.ErrorIs(t, err, ErrNegativePrice)
}

func TestSessionSnapshot(t *testing.T) {
	t.Parallel()

	s, err := NewSession(uuid.New(), CheckModeFull, "pool-a", 2, time.Now().UTC())
	require.NoError(t, err)
	s.Counts = SessionCounts{Total: 3, Good: 1, Bad: 1, BilledAmount: 4}

	snap := s.Snapshot()
	assert.Equal(t, 2, snap.Processed)
	assert.Equal(t, 1, snap.Pending)
	assert.Equal(t, int64(4), snap.BilledAmount)

	fields := snap.Fields()
	assert.Equal(t, 2, fields["processed"])
	assert.Equal(t, "running", fields["status"])
	assert.NotContains(t, fields, "ended_at")
}

func TestTaskValidate(t *testing.T) {
	t.Parallel()

	task := NewTask(uuid.New(), uuid.New(), "pool-a", CheckModeQuick, "item", time.Now())
	require.NoError(t, task.Validate())
	assert.Equal(t, TaskStatusPending, task.Status)
	assert.False(t, task.IsCacheHit())

	task.MarkCacheHit(time.Now().Add(time.Minute))
	assert.Equal(t, TaskStatusChecking, task.Status)
	assert.True(t, task.IsCacheHit())

	task.Fingerprint = ""
	assert.ErrorIs(t, task.Validate(), ErrEmptyTaskFingerprint)
}

func TestValidationError(t *testing.T) {
	t.Parallel()

	err := NewValidationError("items", "no valid items", ErrInvalidBatch)
	assert.ErrorIs(t, err, ErrValidation)
	assert.ErrorIs(t, err, ErrInvalidBatch)
	assert.Equal(t, "items: no valid items: invalid batch", err.Error())
}
