package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/checkq/internal/domain"
	"github.com/phrazzld/checkq/internal/store"
)

// GetByID implements store.TaskStore.
func (s *Store) GetByID(_ context.Context, id uuid.UUID) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return cloneTask(t), nil
}

// FindLiveByFingerprint implements store.TaskStore.
func (s *Store) FindLiveByFingerprint(_ context.Context, poolID, fingerprint string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *domain.Task
	for _, id := range s.taskOrder {
		t := s.tasks[id]
		if t.PoolID != poolID || t.Fingerprint != fingerprint {
			continue
		}
		if !t.Status.IsTerminal() {
			return cloneTask(t), nil
		}
		if latest == nil || !t.CreatedAt.Before(latest.CreatedAt) {
			latest = t
		}
	}
	if latest == nil {
		return nil, store.ErrTaskNotFound
	}
	return cloneTask(latest), nil
}

// CountDispatched implements store.TaskStore.
func (s *Store) CountDispatched(_ context.Context, mode domain.CheckMode) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, t := range s.tasks {
		if t.CheckMode == mode && t.Status == domain.TaskStatusChecking && t.RevealAt == nil {
			n++
		}
	}
	return n, nil
}

// claimableLocked is the claim predicate shared by candidate selection and
// the conditional claim.
func (s *Store) claimableLocked(t *domain.Task) bool {
	if t.Status != domain.TaskStatusPending {
		return false
	}
	sess, ok := s.sessions[t.SessionID]
	return ok && sess.Status == domain.SessionStatusRunning && !sess.StopRequested
}

// SelectCandidates implements store.TaskStore.
func (s *Store) SelectCandidates(_ context.Context, q store.CandidateQuery) ([]store.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailureLocked(OpSelect); err != nil {
		return nil, err
	}

	var eligible []*domain.Task
	for _, id := range s.taskOrder {
		t := s.tasks[id]
		if t.PoolID == q.PoolID && t.CheckMode == q.CheckMode && s.claimableLocked(t) {
			eligible = append(eligible, t)
		}
	}

	// Ties on creation time keep insertion order.
	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		sa, sb := s.sessions[a.SessionID], s.sessions[b.SessionID]
		if !sa.StartedAt.Equal(sb.StartedAt) {
			return sa.StartedAt.Before(sb.StartedAt)
		}
		if a.SessionID != b.SessionID {
			return a.SessionID.String() < b.SessionID.String()
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	if q.Limit > 0 && len(eligible) > q.Limit {
		eligible = eligible[:q.Limit]
	}

	out := make([]store.Candidate, 0, len(eligible))
	for _, t := range eligible {
		out = append(out, store.Candidate{
			TaskID:       t.ID,
			SessionID:    t.SessionID,
			OwnerID:      t.OwnerID,
			SessionPrice: s.sessions[t.SessionID].PricePerTask,
			CreatedAt:    t.CreatedAt,
		})
	}
	return out, nil
}

// ClaimPending implements store.TaskStore.
func (s *Store) ClaimPending(_ context.Context, req store.ClaimRequest) (int, error) {
	s.mu.Lock()
	hook := s.beforeClaim
	s.mu.Unlock()
	if hook != nil {
		hook(req)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailureLocked(OpClaim); err != nil {
		return 0, err
	}

	claimed := 0
	for _, id := range req.TaskIDs {
		if req.Limit > 0 && claimed >= req.Limit {
			break
		}
		t, ok := s.tasks[id]
		if !ok || !s.claimableLocked(t) {
			continue
		}
		token := req.ClaimToken
		t.Status = domain.TaskStatusChecking
		t.LeaseAttempts++
		t.ClaimToken = &token
		t.LeaseDeadline = nil
		t.UpdatedAt = req.At
		claimed++
	}
	return claimed, nil
}

// GetClaimed implements store.TaskStore.
func (s *Store) GetClaimed(_ context.Context, claimToken uuid.UUID) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Task
	for _, id := range s.taskOrder {
		t := s.tasks[id]
		if t.Status == domain.TaskStatusChecking && t.ClaimToken != nil && *t.ClaimToken == claimToken {
			out = append(out, cloneTask(t))
		}
	}
	return out, nil
}

// SetLeaseDeadline implements store.TaskStore.
func (s *Store) SetLeaseDeadline(_ context.Context, claimToken uuid.UUID, ids []uuid.UUID, deadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		t, ok := s.tasks[id]
		if !ok || t.Status != domain.TaskStatusChecking || t.ClaimToken == nil || *t.ClaimToken != claimToken {
			continue
		}
		d := deadline
		t.LeaseDeadline = &d
	}
	return nil
}

// RefreshLease implements store.TaskStore.
func (s *Store) RefreshLease(_ context.Context, id uuid.UUID, deadline time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return false, store.ErrTaskNotFound
	}
	if t.Status != domain.TaskStatusChecking || t.RevealAt != nil {
		return false, nil
	}
	d := deadline
	t.LeaseDeadline = &d
	return true, nil
}

// Resolve implements store.TaskStore.
func (s *Store) Resolve(_ context.Context, r store.Resolution) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailureLocked(OpResolve); err != nil {
		return false, err
	}

	t, ok := s.tasks[r.TaskID]
	if !ok {
		return false, store.ErrTaskNotFound
	}
	if t.Status != domain.TaskStatusChecking || r.Reveal != (t.RevealAt != nil) {
		return false, nil
	}

	at := r.At
	t.Status = r.Status
	t.Attributes = r.Attributes
	t.ErrorMessage = r.ErrorMessage
	t.LeaseDeadline = nil
	t.ResolvedAt = &at
	t.UpdatedAt = at
	return true, nil
}

// RecordLateReport implements store.TaskStore.
func (s *Store) RecordLateReport(_ context.Context, id uuid.UUID, code int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	c, when := code, at
	t.LastReportCode = &c
	t.ReportedAt = &when
	return nil
}

// MarkSessionCounted implements store.TaskStore.
func (s *Store) MarkSessionCounted(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return false, store.ErrTaskNotFound
	}
	if !t.Status.IsTerminal() || t.SessionCounted {
		return false, nil
	}
	t.SessionCounted = true
	return true, nil
}

// MarkBilled implements store.TaskStore.
func (s *Store) MarkBilled(_ context.Context, id uuid.UUID, amount int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailureLocked(OpMarkBilled); err != nil {
		return false, err
	}

	t, ok := s.tasks[id]
	if !ok {
		return false, store.ErrTaskNotFound
	}
	sess, ok := s.sessions[t.SessionID]
	if !ok || sess.StopRequested || !t.Status.IsBillable() || t.BilledInSession {
		return false, nil
	}
	t.BilledInSession = true
	t.BillAmount = amount
	return true, nil
}

// StopSession implements store.TaskStore.
func (s *Store) StopSession(_ context.Context, sessionID uuid.UUID, at time.Time) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailureLocked(OpStopSession); err != nil {
		return nil, err
	}

	var ids []uuid.UUID
	for _, id := range s.taskOrder {
		t := s.tasks[id]
		if t.SessionID != sessionID || t.Status.IsTerminal() {
			continue
		}
		when := at
		t.Status = domain.TaskStatusStopped
		t.SessionCounted = true
		t.LeaseDeadline = nil
		t.ResolvedAt = &when
		t.UpdatedAt = when
		ids = append(ids, id)
	}
	return ids, nil
}

// ExpireLeases implements store.TaskStore.
func (s *Store) ExpireLeases(_ context.Context, sessionID uuid.UUID, now, orphanBefore time.Time) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []uuid.UUID
	for _, id := range s.taskOrder {
		t := s.tasks[id]
		if t.SessionID != sessionID || t.Status != domain.TaskStatusChecking || t.RevealAt != nil {
			continue
		}
		expired := (t.LeaseDeadline != nil && t.LeaseDeadline.Before(now)) ||
			(t.LeaseDeadline == nil && t.UpdatedAt.Before(orphanBefore))
		if !expired {
			continue
		}
		when := now
		t.Status = domain.TaskStatusUnknown
		t.ErrorMessage = "lease expired"
		t.LeaseDeadline = nil
		t.ResolvedAt = &when
		t.UpdatedAt = when
		ids = append(ids, id)
	}
	return ids, nil
}

// DueReveals implements store.TaskStore.
func (s *Store) DueReveals(_ context.Context, sessionID uuid.UUID, now time.Time) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []uuid.UUID
	for _, id := range s.taskOrder {
		t := s.tasks[id]
		if t.SessionID == sessionID && t.Status == domain.TaskStatusChecking &&
			t.RevealAt != nil && !t.RevealAt.After(now) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// CountBySession implements store.TaskStore.
func (s *Store) CountBySession(_ context.Context, sessionID uuid.UUID) (domain.SessionCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var c domain.SessionCounts
	for _, t := range s.tasks {
		if t.SessionID != sessionID {
			continue
		}
		c.Total++
		c.Add(t.Status, 1)
		if t.BilledInSession {
			c.BilledAmount += t.BillAmount
		}
	}
	return c, nil
}

// ListRecentResolved implements store.TaskStore.
func (s *Store) ListRecentResolved(_ context.Context, sessionID uuid.UUID, limit int) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Task
	for _, t := range s.tasks {
		if t.SessionID == sessionID && t.Status.IsTerminal() {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].ResolvedAt, out[j].ResolvedAt
		if a == nil || b == nil {
			return b == nil && a != nil
		}
		return a.After(*b)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
