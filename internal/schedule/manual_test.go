package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManual_RunsInDueOrder(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewManual(start)

	var order []string
	m.Schedule("b", 2*time.Second, func(context.Context) { order = append(order, "b") })
	m.Schedule("a", time.Second, func(context.Context) { order = append(order, "a") })
	m.Schedule("c", 10*time.Second, func(context.Context) { order = append(order, "c") })

	ran := m.Advance(5 * time.Second)
	assert.Equal(t, 2, ran)
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, start.Add(5*time.Second), m.Now())
	assert.True(t, m.Pending("c"))
	assert.Equal(t, 1, m.Len())
}

func TestManual_ReplaceRestartsDelay(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	calls := 0

	m.Schedule("k", time.Second, func(context.Context) { calls++ })
	m.Advance(800 * time.Millisecond)
	m.Schedule("k", time.Second, func(context.Context) { calls += 10 })
	m.Advance(800 * time.Millisecond)
	assert.Equal(t, 0, calls)

	m.Advance(200 * time.Millisecond)
	assert.Equal(t, 10, calls)
}

func TestManual_CancelAndStop(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	called := false

	m.Schedule("k", time.Second, func(context.Context) { called = true })
	assert.True(t, m.Cancel("k"))
	assert.False(t, m.Cancel("k"))
	m.Advance(time.Minute)
	assert.False(t, called)

	m.Schedule("x", time.Second, func(context.Context) { called = true })
	m.Stop()
	m.Schedule("y", time.Second, func(context.Context) { called = true })
	m.Advance(time.Minute)
	assert.False(t, called)
	assert.Equal(t, 0, m.Len())
}

func TestManual_CallbackCanReschedule(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	fired := 0
	var tick Func
	tick = func(context.Context) {
		fired++
		if fired < 3 {
			m.Schedule("tick", time.Second, tick)
		}
	}
	m.Schedule("tick", time.Second, tick)

	m.Advance(10 * time.Second)
	assert.Equal(t, 3, fired)

	due, ok := m.DueAt("tick")
	require.False(t, ok)
	assert.True(t, due.IsZero())
}
