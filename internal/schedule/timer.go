package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type timerEntry struct {
	timer *time.Timer
	gen   uint64
}

// TimerScheduler is a Scheduler backed by time.AfterFunc.
type TimerScheduler struct {
	mu      sync.Mutex
	entries map[string]*timerEntry
	gen     uint64
	stopped bool
	ctx     context.Context
	logger  *slog.Logger
}

var _ Scheduler = (*TimerScheduler)(nil)

// NewTimerScheduler creates a scheduler whose callbacks receive ctx.
func NewTimerScheduler(ctx context.Context, logger *slog.Logger) *TimerScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TimerScheduler{
		entries: make(map[string]*timerEntry),
		ctx:     ctx,
		logger:  logger.With("component", "timer_scheduler"),
	}
}

// Schedule implements Scheduler.
func (s *TimerScheduler) Schedule(key string, delay time.Duration, fn Func) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		s.logger.Warn("schedule after stop ignored", "key", key)
		return
	}
	if existing, ok := s.entries[key]; ok {
		existing.timer.Stop()
	}

	s.gen++
	gen := s.gen
	entry := &timerEntry{gen: gen}
	entry.timer = time.AfterFunc(delay, func() { s.fire(key, gen, fn) })
	s.entries[key] = entry
}

// fire runs fn unless the entry was replaced or cancelled after the timer
// had already started.
func (s *TimerScheduler) fire(key string, gen uint64, fn Func) {
	s.mu.Lock()
	entry, ok := s.entries[key]
	if !ok || entry.gen != gen || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.entries, key)
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled callback panicked", "key", key, "panic", r)
		}
	}()
	fn(s.ctx)
}

// Cancel implements Scheduler.
func (s *TimerScheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(s.entries, key)
	return true
}

// Pending implements Scheduler.
func (s *TimerScheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	return ok
}

// Len implements Scheduler.
func (s *TimerScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stop implements Scheduler.
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	s.stopped = true
	for key, entry := range s.entries {
		entry.timer.Stop()
		delete(s.entries, key)
	}
	s.logger.Info("scheduler stopped")
}
