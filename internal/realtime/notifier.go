// Package realtime pushes session progress to owners.
//
// The Notifier coalesces bursts of updates per (event type, subject) into
// one emitted event per debounce window. Each key owns a buffer that is
// created on its first update and torn down when it is flushed.
package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/checkq/internal/domain"
	"github.com/phrazzld/checkq/internal/events"
	"github.com/phrazzld/checkq/internal/platform/logger"
	"github.com/phrazzld/checkq/internal/schedule"
)

// DefaultDebounce is the coalescing window used when none is configured.
const DefaultDebounce = 200 * time.Millisecond

type buffer struct {
	eventType string
	ownerID   uuid.UUID
	sessionID uuid.UUID
	fields    map[string]any
}

// Notifier is the debounce registry.
type Notifier struct {
	mu      sync.Mutex
	buffers map[string]*buffer
	closed  bool

	sched   schedule.Scheduler
	emitter events.EventEmitter
	delay   time.Duration
	logger  *slog.Logger
}

// NewNotifier creates a Notifier that emits through emitter and times its
// windows with sched.
func NewNotifier(sched schedule.Scheduler, emitter events.EventEmitter, delay time.Duration, log *slog.Logger) *Notifier {
	if sched == nil || emitter == nil {
		panic("notifier requires a scheduler and an emitter")
	}
	if delay <= 0 {
		delay = DefaultDebounce
	}
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{
		buffers: make(map[string]*buffer),
		sched:   sched,
		emitter: emitter,
		delay:   delay,
		logger:  log.With(slog.String("component", "realtime_notifier")),
	}
}

// Key identifies a debounce buffer.
func Key(eventType string, subject uuid.UUID) string {
	return "debounce:" + eventType + ":" + subject.String()
}

// Update merges fields into the buffer for (eventType, subject) and
// restarts its window. Later values overwrite earlier ones per field.
func (n *Notifier) Update(_ context.Context, eventType string, subject, ownerID, sessionID uuid.UUID, fields map[string]any) {
	key := Key(eventType, subject)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	buf, ok := n.buffers[key]
	if !ok {
		buf = &buffer{
			eventType: eventType,
			ownerID:   ownerID,
			sessionID: sessionID,
			fields:    make(map[string]any, len(fields)),
		}
		n.buffers[key] = buf
	}
	for k, v := range fields {
		buf.fields[k] = v
	}
	n.mu.Unlock()

	n.sched.Schedule(key, n.delay, func(cbCtx context.Context) {
		n.flush(cbCtx, key)
	})
}

// SessionUpdate buffers a session snapshot.
func (n *Notifier) SessionUpdate(ctx context.Context, ownerID uuid.UUID, snap domain.Snapshot) {
	n.Update(ctx, events.TypeSessionUpdate, snap.SessionID, ownerID, snap.SessionID, snap.Fields())
}

// BalanceChanged buffers an owner balance change.
func (n *Notifier) BalanceChanged(ctx context.Context, ownerID uuid.UUID, balance int64) {
	n.Update(ctx, events.TypeBalanceChanged, ownerID, ownerID, uuid.Nil, map[string]any{
		"owner_id": ownerID.String(),
		"balance":  balance,
	})
}

// Publish emits an event immediately, bypassing debouncing.
func (n *Notifier) Publish(ctx context.Context, eventType string, ownerID, sessionID uuid.UUID, payload any) {
	ev, err := events.NewEvent(eventType, ownerID, sessionID, payload)
	if err != nil {
		logger.FromContextOrDefault(ctx, n.logger).Error("failed to build event",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()))
		return
	}
	n.emit(ctx, ev)
}

// Flush emits the buffer for (eventType, subject) now, if one exists.
func (n *Notifier) Flush(ctx context.Context, eventType string, subject uuid.UUID) bool {
	key := Key(eventType, subject)
	n.sched.Cancel(key)
	return n.flush(ctx, key)
}

// Forget drops the buffer for (eventType, subject) without emitting it.
func (n *Notifier) Forget(eventType string, subject uuid.UUID) {
	key := Key(eventType, subject)
	n.sched.Cancel(key)
	n.mu.Lock()
	delete(n.buffers, key)
	n.mu.Unlock()
}

// Len is the number of live buffers.
func (n *Notifier) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.buffers)
}

// Close flushes every buffer and rejects further updates.
func (n *Notifier) Close(ctx context.Context) {
	n.mu.Lock()
	n.closed = true
	keys := make([]string, 0, len(n.buffers))
	for k := range n.buffers {
		keys = append(keys, k)
	}
	n.mu.Unlock()

	for _, k := range keys {
		n.sched.Cancel(k)
		n.flush(ctx, k)
	}
}

func (n *Notifier) flush(ctx context.Context, key string) bool {
	n.mu.Lock()
	buf, ok := n.buffers[key]
	delete(n.buffers, key)
	n.mu.Unlock()
	if !ok {
		return false
	}

	ev, err := events.NewEvent(buf.eventType, buf.ownerID, buf.sessionID, buf.fields)
	if err != nil {
		logger.FromContextOrDefault(ctx, n.logger).Error("failed to build debounced event",
			slog.String("key", key),
			slog.String("error", err.Error()))
		return false
	}
	n.emit(ctx, ev)
	return true
}

func (n *Notifier) emit(ctx context.Context, ev *events.Event) {
	if err := n.emitter.EmitEvent(ctx, ev); err != nil {
		logger.FromContextOrDefault(ctx, n.logger).Warn("event delivery failed",
			slog.String("event_type", ev.Type),
			slog.String("owner_id", ev.OwnerID.String()),
			slog.String("error", err.Error()))
	}
}
