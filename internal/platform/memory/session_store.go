package memory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/checkq/internal/domain"
	"github.com/phrazzld/checkq/internal/store"
)

// GetSession implements store.SessionStore.GetByID. The memory store serves
// every interface from one type, so the session lookup needs its own name;
// Sessions adapts it back to the interface.
func (s *Store) GetSession(_ context.Context, id uuid.UUID) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrSessionNotFound
	}
	return cloneSession(sess), nil
}

// IncrementCounts implements store.SessionStore.
func (s *Store) IncrementCounts(_ context.Context, id uuid.UUID, delta domain.SessionCounts, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailureLocked(OpIncrementCounts); err != nil {
		return err
	}

	sess, ok := s.sessions[id]
	if !ok {
		return store.ErrSessionNotFound
	}
	sess.Counts.Good += delta.Good
	sess.Counts.Bad += delta.Bad
	sess.Counts.Unknown += delta.Unknown
	sess.Counts.Error += delta.Error
	sess.Counts.Stopped += delta.Stopped
	sess.Counts.BilledAmount += delta.BilledAmount
	sess.UpdatedAt = at
	return nil
}

// SaveCounts implements store.SessionStore.
func (s *Store) SaveCounts(_ context.Context, id uuid.UUID, counts domain.SessionCounts, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return store.ErrSessionNotFound
	}
	sess.Counts = counts
	sess.UpdatedAt = at
	return nil
}

// RequestStop implements store.SessionStore.
func (s *Store) RequestStop(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return false, store.ErrSessionNotFound
	}
	if sess.Status != domain.SessionStatusRunning {
		return false, nil
	}
	when := at
	sess.Status = domain.SessionStatusStopped
	sess.StopRequested = true
	sess.EndedAt = &when
	sess.UpdatedAt = at
	return true, nil
}

// Complete implements store.SessionStore.
func (s *Store) Complete(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return false, store.ErrSessionNotFound
	}
	if sess.Status != domain.SessionStatusRunning || sess.StopRequested {
		return false, nil
	}
	when := at
	sess.Status = domain.SessionStatusCompleted
	sess.EndedAt = &when
	sess.UpdatedAt = at
	return true, nil
}

// CreateSession implements store.SubmissionStore.
func (s *Store) CreateSession(_ context.Context, session *domain.Session, tasks []*domain.Task) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailureLocked(OpCreateSession); err != nil {
		return nil, err
	}
	if err := session.Validate(); err != nil {
		return nil, err
	}
	if _, exists := s.sessions[session.ID]; exists {
		return nil, store.ErrDuplicate
	}

	live := make(map[string]struct{})
	for _, t := range s.tasks {
		if !t.Status.IsTerminal() {
			live[t.PoolID+"\x00"+t.Fingerprint] = struct{}{}
		}
	}

	created := make([]*domain.Task, 0, len(tasks))
	for _, t := range tasks {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		key := t.PoolID + "\x00" + t.Fingerprint
		if _, dup := live[key]; dup {
			continue
		}
		live[key] = struct{}{}
		created = append(created, t)
	}

	session.Counts = domain.SessionCounts{Total: len(created)}
	s.sessions[session.ID] = cloneSession(session)
	for _, t := range created {
		s.tasks[t.ID] = cloneTask(t)
		s.taskOrder = append(s.taskOrder, t.ID)
	}
	return created, nil
}

// Sessions returns a store.SessionStore view of s.
func (s *Store) Sessions() store.SessionStore {
	return sessionView{s}
}

type sessionView struct{ *Store }

func (v sessionView) GetByID(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	return v.GetSession(ctx, id)
}
