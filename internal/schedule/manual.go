package schedule

import (
	"context"
	"sync"
	"time"
)

type manualEntry struct {
	at  time.Time
	seq uint64
	fn  Func
}

// Manual is a Scheduler driven by an explicit clock. Callbacks run
// synchronously inside Advance, in due-time order.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	seq     uint64
	entries map[string]manualEntry
	stopped bool
	ctx     context.Context
}

var _ Scheduler = (*Manual)(nil)

// NewManual creates a manual scheduler whose clock starts at start.
func NewManual(start time.Time) *Manual {
	return &Manual{
		now:     start,
		entries: make(map[string]manualEntry),
		ctx:     context.Background(),
	}
}

// Now returns the scheduler's clock. It can be used as a time source.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Schedule implements Scheduler.
func (m *Manual) Schedule(key string, delay time.Duration, fn Func) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.seq++
	m.entries[key] = manualEntry{at: m.now.Add(delay), seq: m.seq, fn: fn}
}

// Cancel implements Scheduler.
func (m *Manual) Cancel(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[key]
	delete(m.entries, key)
	return ok
}

// Pending implements Scheduler.
func (m *Manual) Pending(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[key]
	return ok
}

// Len implements Scheduler.
func (m *Manual) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// DueAt returns when the callback under key will run.
func (m *Manual) DueAt(key string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	return e.at, ok
}

// Stop implements Scheduler.
func (m *Manual) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	m.entries = make(map[string]manualEntry)
}

// Advance moves the clock forward by d and runs every callback that became
// due, including callbacks scheduled by earlier callbacks within the window.
// It returns the number of callbacks run.
func (m *Manual) Advance(d time.Duration) int {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	ran := 0
	for {
		m.mu.Lock()
		key, entry, ok := m.nextDueLocked(target)
		if !ok {
			m.now = target
			m.mu.Unlock()
			return ran
		}
		delete(m.entries, key)
		if entry.at.After(m.now) {
			m.now = entry.at
		}
		m.mu.Unlock()

		entry.fn(m.ctx)
		ran++
	}
}

func (m *Manual) nextDueLocked(target time.Time) (string, manualEntry, bool) {
	var (
		bestKey string
		best    manualEntry
		found   bool
	)
	for key, e := range m.entries {
		if e.at.After(target) {
			continue
		}
		if !found || e.at.Before(best.at) || (e.at.Equal(best.at) && e.seq < best.seq) {
			bestKey, best, found = key, e, true
		}
	}
	return bestKey, best, found
}
