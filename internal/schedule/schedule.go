package schedule

import (
	"context"
	"time"
)

// Func is a deferred callback. It runs on a scheduler-owned goroutine and
// must not block for long.
type Func func(ctx context.Context)

// Scheduler runs callbacks after a delay, identified by key. Scheduling an
// existing key replaces the previous callback and restarts its delay.
type Scheduler interface {
	// Schedule arranges for fn to run after delay under key.
	Schedule(key string, delay time.Duration, fn Func)

	// Cancel drops the callback registered under key. It reports whether a
	// callback was pending.
	Cancel(key string) bool

	// Pending reports whether a callback is registered under key.
	Pending(key string) bool

	// Len is the number of pending callbacks.
	Len() int

	// Stop cancels every pending callback and rejects new ones.
	Stop()
}
