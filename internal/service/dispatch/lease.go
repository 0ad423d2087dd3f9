// Package dispatch hands pending tasks to worker pools.
//
// A claim runs in two phases. SelectCandidates reads an over-fetched,
// credit-gated FIFO list of pending tasks. ConditionalClaim then issues one
// conditional pending to checking update that re-evaluates the predicate
// against the current rows, re-reads the winners by claim token and grants
// leases only to them. Losing a race is silent: lost tasks stay pending for
// the next claim.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/checkq/internal/config"
	"github.com/phrazzld/checkq/internal/domain"
	"github.com/phrazzld/checkq/internal/platform/logger"
	"github.com/phrazzld/checkq/internal/store"
)

// DefaultOverfetchFactor multiplies the desired count during candidate
// selection when configuration does not set one.
const DefaultOverfetchFactor = 3

// DispatchedTask is one task handed to a worker.
type DispatchedTask struct {
	TaskID      uuid.UUID        `json:"task_id"`
	Fingerprint string           `json:"fingerprint"`
	CheckMode   domain.CheckMode `json:"check_mode"`
	Price       int64            `json:"price"`
}

// ClaimResult is either a non-empty task list or an empty result carrying
// a pause hint.
type ClaimResult struct {
	Tasks      []DispatchedTask
	PauseHint  bool
	RetryAfter time.Duration
}

// Empty reports whether nothing was dispatched.
func (r *ClaimResult) Empty() bool {
	return len(r.Tasks) == 0
}

// LeaseManager owns the claim protocol and lease bookkeeping.
//
// Claims of one check mode are serialized between the capacity read and
// the conditional write, so a single process never dispatches past
// MaxConcurrent. Across processes the bound stays soft.
type LeaseManager struct {
	modeMu map[domain.CheckMode]*sync.Mutex

	tasks    store.TaskStore
	accounts store.AccountStore
	cfg      config.DispatchConfig
	limiter  *PoolLimiter
	now      func() time.Time
	logger   *slog.Logger
}

// NewLeaseManager creates a LeaseManager. limiter may be nil to disable
// claim rate limiting; now defaults to time.Now.
func NewLeaseManager(
	tasks store.TaskStore,
	accounts store.AccountStore,
	cfg config.DispatchConfig,
	limiter *PoolLimiter,
	now func() time.Time,
	log *slog.Logger,
) *LeaseManager {
	if tasks == nil || accounts == nil {
		panic("lease manager stores cannot be nil")
	}
	if cfg.OverfetchFactor < 1 {
		cfg.OverfetchFactor = DefaultOverfetchFactor
	}
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	modeMu := make(map[domain.CheckMode]*sync.Mutex)
	for _, mode := range domain.CheckModes {
		modeMu[mode] = &sync.Mutex{}
	}
	return &LeaseManager{
		modeMu:   modeMu,
		tasks:    tasks,
		accounts: accounts,
		cfg:      cfg,
		limiter:  limiter,
		now:      now,
		logger:   log.With(slog.String("component", "lease_manager")),
	}
}

func (m *LeaseManager) empty() *ClaimResult {
	return &ClaimResult{
		PauseHint:  true,
		RetryAfter: time.Duration(m.cfg.RetryAfterSeconds) * time.Second,
	}
}

// clamp bounds desired by the batch limits and the remaining capacity.
func (m *LeaseManager) clamp(desired, capacity int) int {
	if desired < m.cfg.MinBatch {
		desired = m.cfg.MinBatch
	}
	if m.cfg.MaxBatch > 0 && desired > m.cfg.MaxBatch {
		desired = m.cfg.MaxBatch
	}
	if desired > capacity {
		desired = capacity
	}
	return desired
}

// Capacity is the number of additional tasks of mode that may be handed to
// workers right now.
func (m *LeaseManager) Capacity(ctx context.Context, mode domain.CheckMode) (int, error) {
	inFlight, err := m.tasks.CountDispatched(ctx, mode)
	if err != nil {
		return 0, fmt.Errorf("count dispatched: %w", err)
	}
	return m.cfg.MaxConcurrent(mode) - inFlight, nil
}

// Claim dispatches up to desired pending tasks of mode from poolID.
func (m *LeaseManager) Claim(ctx context.Context, poolID string, desired int, mode domain.CheckMode) (*ClaimResult, error) {
	log := logger.FromContextOrDefault(ctx, m.logger).With(
		slog.String("pool_id", poolID),
		slog.String("check_mode", string(mode)))

	if !mode.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidCheckMode, mode)
	}

	if m.limiter != nil && !m.limiter.Allow(poolID) {
		log.Debug("claim rate limited")
		return m.empty(), nil
	}

	mu := m.modeMu[mode]
	mu.Lock()
	defer mu.Unlock()

	capacity, err := m.Capacity(ctx, mode)
	if err != nil {
		return nil, err
	}
	if capacity <= 0 {
		log.Debug("no dispatch capacity", slog.Int("capacity", capacity))
		return m.empty(), nil
	}

	want := m.clamp(desired, capacity)
	if want <= 0 {
		return m.empty(), nil
	}

	candidates, err := m.SelectCandidates(ctx, poolID, mode, want)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return m.empty(), nil
	}

	dispatched, err := m.ConditionalClaim(ctx, candidates, want)
	if err != nil {
		return nil, err
	}
	if len(dispatched) == 0 {
		log.Debug("lost every candidate to concurrent claims",
			slog.Int("candidates", len(candidates)))
		return m.empty(), nil
	}

	log.Debug("tasks dispatched",
		slog.Int("desired", desired),
		slog.Int("dispatched", len(dispatched)),
		slog.Int("candidates", len(candidates)))
	return &ClaimResult{Tasks: dispatched}, nil
}

// SelectCandidates is the read phase of a claim. It over-fetches pending
// tasks by the overfetch factor and drops those whose owner cannot pay the
// session price.
func (m *LeaseManager) SelectCandidates(ctx context.Context, poolID string, mode domain.CheckMode, want int) ([]store.Candidate, error) {
	raw, err := m.tasks.SelectCandidates(ctx, store.CandidateQuery{
		PoolID:    poolID,
		CheckMode: mode,
		Limit:     want * m.cfg.OverfetchFactor,
	})
	if err != nil {
		return nil, fmt.Errorf("select candidates: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	seen := make(map[uuid.UUID]struct{})
	owners := make([]uuid.UUID, 0, len(raw))
	for _, c := range raw {
		if _, ok := seen[c.OwnerID]; !ok {
			seen[c.OwnerID] = struct{}{}
			owners = append(owners, c.OwnerID)
		}
	}
	balances, err := m.accounts.GetBalances(ctx, owners)
	if err != nil {
		return nil, fmt.Errorf("credit gate: %w", err)
	}

	out := raw[:0]
	for _, c := range raw {
		if balances[c.OwnerID] >= c.SessionPrice {
			out = append(out, c)
		}
	}
	return out, nil
}

// ConditionalClaim is the write phase of a claim. Only tasks that the
// conditional update actually moved are returned and given a lease.
func (m *LeaseManager) ConditionalClaim(ctx context.Context, candidates []store.Candidate, want int) ([]DispatchedTask, error) {
	ids := make([]uuid.UUID, len(candidates))
	prices := make(map[uuid.UUID]int64, len(candidates))
	for i, c := range candidates {
		ids[i] = c.TaskID
		prices[c.TaskID] = c.SessionPrice
	}

	token := uuid.New()
	now := m.now()
	moved, err := m.tasks.ClaimPending(ctx, store.ClaimRequest{
		TaskIDs:    ids,
		Limit:      want,
		ClaimToken: token,
		At:         now,
	})
	if err != nil {
		return nil, fmt.Errorf("claim pending: %w", err)
	}
	if moved == 0 {
		return nil, nil
	}

	claimed, err := m.tasks.GetClaimed(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("re-read claimed: %w", err)
	}
	if len(claimed) > want {
		claimed = claimed[:want]
	}

	leased := make([]uuid.UUID, len(claimed))
	out := make([]DispatchedTask, len(claimed))
	for i, t := range claimed {
		leased[i] = t.ID
		out[i] = DispatchedTask{
			TaskID:      t.ID,
			Fingerprint: t.Fingerprint,
			CheckMode:   t.CheckMode,
			Price:       prices[t.ID],
		}
	}
	if err := m.tasks.SetLeaseDeadline(ctx, token, leased, now.Add(m.cfg.LeaseTimeout())); err != nil {
		return nil, fmt.Errorf("set lease deadline: %w", err)
	}
	return out, nil
}

// Heartbeat extends the lease of a dispatched task after an in-progress
// report. It reports whether the task still held a lease.
func (m *LeaseManager) Heartbeat(ctx context.Context, taskID uuid.UUID) (bool, error) {
	ok, err := m.tasks.RefreshLease(ctx, taskID, m.now().Add(m.cfg.LeaseTimeout()))
	if err != nil {
		return false, fmt.Errorf("refresh lease: %w", err)
	}
	return ok, nil
}

// Expire moves the session's dispatched tasks whose lease passed to
// unknown. Claims that never got a deadline are treated as expired once
// they are older than one lease timeout. The caller settles the returned
// tasks.
func (m *LeaseManager) Expire(ctx context.Context, sessionID uuid.UUID) ([]uuid.UUID, error) {
	now := m.now()
	ids, err := m.tasks.ExpireLeases(ctx, sessionID, now, now.Add(-m.cfg.LeaseTimeout()))
	if err != nil {
		return nil, fmt.Errorf("expire leases: %w", err)
	}
	if len(ids) > 0 {
		logger.FromContextOrDefault(ctx, m.logger).Info("leases expired",
			slog.String("session_id", sessionID.String()),
			slog.Int("count", len(ids)))
	}
	return ids, nil
}
