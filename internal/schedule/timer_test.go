package schedule

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestTimerScheduler() *TimerScheduler {
	return NewTimerScheduler(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestTimerScheduler_Fires(t *testing.T) {
	s := newTestTimerScheduler()
	defer s.Stop()

	done := make(chan struct{})
	s.Schedule("k", 10*time.Millisecond, func(context.Context) { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callback did not fire")
	}
	assert.Eventually(t, func() bool { return !s.Pending("k") }, time.Second, 5*time.Millisecond)
}

func TestTimerScheduler_ReplaceRunsOnlyLatest(t *testing.T) {
	s := newTestTimerScheduler()
	defer s.Stop()

	var first, second atomic.Int32
	s.Schedule("k", 20*time.Millisecond, func(context.Context) { first.Add(1) })
	s.Schedule("k", 40*time.Millisecond, func(context.Context) { second.Add(1) })

	assert.Eventually(t, func() bool { return second.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), first.Load())
}

func TestTimerScheduler_CancelAndStop(t *testing.T) {
	s := newTestTimerScheduler()

	var calls atomic.Int32
	s.Schedule("a", 20*time.Millisecond, func(context.Context) { calls.Add(1) })
	s.Schedule("b", 20*time.Millisecond, func(context.Context) { calls.Add(1) })
	assert.Equal(t, 2, s.Len())

	assert.True(t, s.Cancel("a"))
	s.Stop()
	s.Schedule("c", time.Millisecond, func(context.Context) { calls.Add(1) })

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, 0, s.Len())
}

func TestTimerScheduler_RecoversPanics(t *testing.T) {
	s := newTestTimerScheduler()
	defer s.Stop()

	done := make(chan struct{})
	s.Schedule("boom", time.Millisecond, func(context.Context) { panic("boom") })
	s.Schedule("after", 20*time.Millisecond, func(context.Context) { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler stopped working after a panic")
	}
}
