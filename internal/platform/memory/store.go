package memory

import (
	"sync"

	"github.com/google/uuid"
	"github.com/phrazzld/checkq/internal/domain"
	"github.com/phrazzld/checkq/internal/store"
)

// Store holds every table of the engine in memory.
type Store struct {
	mu sync.Mutex

	tasks     map[uuid.UUID]*domain.Task
	taskOrder []uuid.UUID
	sessions  map[uuid.UUID]*domain.Session
	cache     map[string]*domain.NegativeCacheEntry
	balances  map[uuid.UUID]int64
	ledger    map[uuid.UUID]*domain.LedgerEntry
	prices    map[domain.CheckMode]int64

	beforeClaim func(req store.ClaimRequest)
	failures    map[string]error
}

var (
	_ store.TaskStore          = (*Store)(nil)
	_ store.SessionStore       = sessionView{}
	_ store.SubmissionStore    = (*Store)(nil)
	_ store.NegativeCacheStore = (*Store)(nil)
	_ store.AccountStore       = (*Store)(nil)
	_ store.PriceStore         = (*Store)(nil)
)

// New creates an empty store.
func New() *Store {
	return &Store{
		tasks:    make(map[uuid.UUID]*domain.Task),
		sessions: make(map[uuid.UUID]*domain.Session),
		cache:    make(map[string]*domain.NegativeCacheEntry),
		balances: make(map[uuid.UUID]int64),
		ledger:   make(map[uuid.UUID]*domain.LedgerEntry),
		prices:   make(map[domain.CheckMode]int64),
		failures: make(map[string]error),
	}
}

// Operation names accepted by FailNext.
const (
	OpClaim           = "claim"
	OpResolve         = "resolve"
	OpMarkBilled      = "mark_billed"
	OpDebit           = "debit"
	OpIncrementCounts = "increment_counts"
	OpCreateSession   = "create_session"
	OpSelect          = "select_candidates"
	OpGetBalance      = "get_balance"
	OpStopSession     = "stop_session"
)

// FailNext makes the next call of op return err.
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = err
}

// BeforeClaim registers fn to run at the start of every ClaimPending call,
// before the conditional write is evaluated. Tests use it to interleave a
// competing write between the two claim phases.
func (s *Store) BeforeClaim(fn func(req store.ClaimRequest)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beforeClaim = fn
}

// takeFailureLocked returns and clears the injected failure for op.
func (s *Store) takeFailureLocked(op string) error {
	err, ok := s.failures[op]
	if !ok {
		return nil
	}
	delete(s.failures, op)
	return err
}

func cloneTask(t *domain.Task) *domain.Task {
	c := *t
	if t.Attributes != nil {
		c.Attributes = make(domain.Attributes, len(t.Attributes))
		for k, v := range t.Attributes {
			c.Attributes[k] = v
		}
	}
	return &c
}

func cloneSession(s *domain.Session) *domain.Session {
	c := *s
	return &c
}
