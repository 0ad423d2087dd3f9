package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/checkq/internal/domain"
	"github.com/phrazzld/checkq/internal/store"
)

func cacheKey(mode domain.CheckMode, fingerprint string) string {
	return string(mode) + "\x00" + fingerprint
}

// LookupMany implements store.NegativeCacheStore.
func (s *Store) LookupMany(
	_ context.Context,
	mode domain.CheckMode,
	fingerprints []string,
	now time.Time,
) (map[string]*domain.NegativeCacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]*domain.NegativeCacheEntry)
	for _, fp := range fingerprints {
		e, ok := s.cache[cacheKey(mode, fp)]
		if !ok || !e.Live(now) {
			continue
		}
		c := *e
		out[fp] = &c
	}
	return out, nil
}

// Put implements store.NegativeCacheStore.
func (s *Store) Put(_ context.Context, entry *domain.NegativeCacheEntry) error {
	if entry == nil || entry.Fingerprint == "" || !entry.CheckMode.Valid() {
		return store.ErrInvalidEntity
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *entry
	s.cache[cacheKey(entry.CheckMode, entry.Fingerprint)] = &c
	return nil
}

// Purge implements store.NegativeCacheStore.
func (s *Store) Purge(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for k, e := range s.cache {
		if !e.Live(now) {
			delete(s.cache, k)
			n++
		}
	}
	return n, nil
}

// GetBalance implements store.AccountStore.
func (s *Store) GetBalance(_ context.Context, ownerID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailureLocked(OpGetBalance); err != nil {
		return 0, err
	}
	return s.balances[ownerID], nil
}

// GetBalances implements store.AccountStore.
func (s *Store) GetBalances(_ context.Context, ownerIDs []uuid.UUID) (map[uuid.UUID]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailureLocked(OpGetBalance); err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]int64, len(ownerIDs))
	for _, id := range ownerIDs {
		out[id] = s.balances[id]
	}
	return out, nil
}

// Debit implements store.AccountStore.
func (s *Store) Debit(_ context.Context, entry *domain.LedgerEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailureLocked(OpDebit); err != nil {
		return 0, err
	}
	if _, dup := s.ledger[entry.TaskID]; dup {
		return 0, fmt.Errorf("%w: task %s", store.ErrAlreadyDebited, entry.TaskID)
	}
	balance, ok := s.balances[entry.OwnerID]
	if !ok {
		return 0, store.ErrAccountNotFound
	}
	balance -= entry.Amount
	s.balances[entry.OwnerID] = balance
	c := *entry
	s.ledger[entry.TaskID] = &c
	return balance, nil
}

// Credit implements store.AccountStore.
func (s *Store) Credit(_ context.Context, ownerID uuid.UUID, amount int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.balances[ownerID] += amount
	return s.balances[ownerID], nil
}

// GetPrice implements store.PriceStore.
func (s *Store) GetPrice(_ context.Context, mode domain.CheckMode) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.prices[mode]
	if !ok {
		return 0, store.ErrPriceNotFound
	}
	return p, nil
}

// SetPrice implements store.PriceStore.
func (s *Store) SetPrice(_ context.Context, mode domain.CheckMode, price int64) error {
	if !mode.Valid() || price < 0 {
		return store.ErrInvalidEntity
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[mode] = price
	return nil
}

// LedgerEntries returns the recorded debits, oldest first.
func (s *Store) LedgerEntries() []domain.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.LedgerEntry, 0, len(s.ledger))
	for _, e := range s.ledger {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].TaskID.String() < out[j].TaskID.String()
	})
	return out
}

// Tasks returns copies of every task, in insertion order.
func (s *Store) Tasks() []*domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Task, 0, len(s.taskOrder))
	for _, id := range s.taskOrder {
		out = append(out, cloneTask(s.tasks[id]))
	}
	return out
}

// UpdateTask applies fn to the stored task. It exists for tests that need to
// put a task into a state the public operations reach only over time.
func (s *Store) UpdateTask(id uuid.UUID, fn func(t *domain.Task)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	fn(t)
	return nil
}
