package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/checkq/internal/config"
	"github.com/phrazzld/checkq/internal/domain"
	"github.com/phrazzld/checkq/internal/events"
	"github.com/phrazzld/checkq/internal/platform/logger"
	"github.com/phrazzld/checkq/internal/realtime"
	"github.com/phrazzld/checkq/internal/schedule"
	"github.com/phrazzld/checkq/internal/service/billing"
	"github.com/phrazzld/checkq/internal/service/dispatch"
	"github.com/phrazzld/checkq/internal/service/negcache"
	"github.com/phrazzld/checkq/internal/service/session"
	"github.com/phrazzld/checkq/internal/store"
)

// SubmitRequest is one owner batch.
type SubmitRequest struct {
	OwnerID   uuid.UUID
	Items     []string
	CheckMode string
}

// SubmitResult describes the created session.
type SubmitResult struct {
	SessionID      uuid.UUID `json:"session_id"`
	PricePerTask   int64     `json:"price_per_task"`
	Total          int       `json:"total"`
	TimeoutSeconds int       `json:"timeout_seconds"`
	Invalid        int       `json:"invalid"`
	Duplicates     int       `json:"duplicates"`
}

// ResultItem is one worker report. TaskID takes precedence over
// Fingerprint when both are set.
type ResultItem struct {
	TaskID      uuid.UUID
	Fingerprint string
	StatusCode  int
	Message     string
	Attributes  map[string]any
}

// ItemAck acknowledges one ResultItem.
type ItemAck struct {
	ID        string `json:"id"`
	OK        bool   `json:"ok"`
	Message   string `json:"message,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// StatusResult is the polling view of a session.
type StatusResult struct {
	Session             domain.Snapshot       `json:"session"`
	RecentResolvedTasks []domain.ResolvedTask `json:"recent_resolved_tasks"`
}

// Deps holds the collaborators of CheckService.
type Deps struct {
	Tasks       store.TaskStore
	Sessions    store.SessionStore
	Submissions store.SubmissionStore
	Accounts    store.AccountStore

	Leases     *dispatch.LeaseManager
	Ledger     *billing.Ledger
	Prices     *billing.PriceResolver
	Aggregator *session.Aggregator
	Cache      *negcache.Cache
	Notifier   *realtime.Notifier
	Scheduler  schedule.Scheduler
	Signaler   dispatch.PoolSignaler

	Dispatch config.DispatchConfig
	Now      func() time.Time
	Logger   *slog.Logger
}

// CheckService is the entry point for owners and worker pools.
type CheckService struct {
	tasks       store.TaskStore
	sessions    store.SessionStore
	submissions store.SubmissionStore
	accounts    store.AccountStore

	leases     *dispatch.LeaseManager
	ledger     *billing.Ledger
	prices     *billing.PriceResolver
	aggregator *session.Aggregator
	cache      *negcache.Cache
	notifier   *realtime.Notifier
	scheduler  schedule.Scheduler
	signaler   dispatch.PoolSignaler

	cfg    config.DispatchConfig
	now    func() time.Time
	logger *slog.Logger
}

// NewCheckService creates a CheckService.
// It returns an error if any of the required dependencies are nil.
func NewCheckService(d Deps) (*CheckService, error) {
	var missing string
	switch {
	case d.Tasks == nil:
		missing = "tasks"
	case d.Sessions == nil:
		missing = "sessions"
	case d.Submissions == nil:
		missing = "submissions"
	case d.Accounts == nil:
		missing = "accounts"
	case d.Leases == nil:
		missing = "leases"
	case d.Ledger == nil:
		missing = "ledger"
	case d.Prices == nil:
		missing = "prices"
	case d.Aggregator == nil:
		missing = "aggregator"
	case d.Cache == nil:
		missing = "cache"
	case d.Notifier == nil:
		missing = "notifier"
	case d.Scheduler == nil:
		missing = "scheduler"
	}
	if missing != "" {
		return nil, domain.NewValidationError(missing, "cannot be nil", domain.ErrValidation)
	}

	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Signaler == nil {
		d.Signaler = dispatch.NewLogSignaler(d.Logger)
	}

	return &CheckService{
		tasks:       d.Tasks,
		sessions:    d.Sessions,
		submissions: d.Submissions,
		accounts:    d.Accounts,
		leases:      d.Leases,
		ledger:      d.Ledger,
		prices:      d.Prices,
		aggregator:  d.Aggregator,
		cache:       d.Cache,
		notifier:    d.Notifier,
		scheduler:   d.Scheduler,
		signaler:    d.Signaler,
		cfg:         d.Dispatch,
		now:         d.Now,
		logger:      d.Logger.With(slog.String("component", "check_service")),
	}, nil
}

func revealKey(taskID uuid.UUID) string {
	return "reveal:" + taskID.String()
}

// Submit validates a batch, checks the owner can pay for it and creates the
// session with its tasks. Negative cache hits are created already checking
// and resolve after a randomized reveal delay.
func (s *CheckService) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	log := logger.FromContextOrDefault(ctx, s.logger).With(slog.String("owner_id", req.OwnerID.String()))

	mode, err := domain.ParseCheckMode(req.CheckMode)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidBatch, err)
	}

	batch := domain.ParseBatch(req.Items)
	if len(batch.Fingerprints) == 0 {
		return nil, fmt.Errorf("%w: no valid items", domain.ErrInvalidBatch)
	}

	price, err := s.prices.ForMode(ctx, mode)
	if err != nil {
		return nil, NewCheckServiceError("submit", "failed to resolve price", err)
	}

	required := int64(len(batch.Fingerprints)) * price
	balance, err := s.accounts.GetBalance(ctx, req.OwnerID)
	if err != nil {
		return nil, NewCheckServiceError("submit", "failed to read balance", err)
	}
	if balance < required {
		log.Info("submission rejected for insufficient balance",
			slog.Int64("balance", balance),
			slog.Int64("required", required))
		return nil, fmt.Errorf("%w: balance %d, required %d", domain.ErrInsufficientBalance, balance, required)
	}

	now := s.now()
	sess, err := domain.NewSession(req.OwnerID, mode, s.cfg.PoolFor(mode), price, now)
	if err != nil {
		return nil, NewCheckServiceError("submit", "invalid session", err)
	}

	hits, err := s.cache.Lookup(ctx, mode, batch.Fingerprints, now)
	if err != nil {
		// The cache only short-circuits; without it every item is dispatched.
		log.Warn("negative cache unavailable", slog.String("error", err.Error()))
		hits = nil
	}

	tasks := make([]*domain.Task, 0, len(batch.Fingerprints))
	for _, fp := range batch.Fingerprints {
		t := domain.NewTask(sess.ID, sess.OwnerID, sess.PoolID, mode, fp, now)
		if _, hit := hits[fp]; hit {
			t.MarkCacheHit(now.Add(s.cache.RevealDelay()))
		}
		tasks = append(tasks, t)
	}

	created, err := s.submissions.CreateSession(ctx, sess, tasks)
	if err != nil {
		return nil, NewCheckServiceError("submit", "failed to create session", err)
	}

	cacheHits := 0
	for _, t := range created {
		if t.IsCacheHit() {
			cacheHits++
			s.scheduleReveal(t.ID, t.RevealAt.Sub(now))
		}
	}

	log.Info("session submitted",
		slog.String("session_id", sess.ID.String()),
		slog.String("check_mode", string(mode)),
		slog.Int("total", len(created)),
		slog.Int("invalid", batch.Invalid),
		slog.Int("duplicates", batch.Duplicates),
		slog.Int("skipped_live", len(tasks)-len(created)),
		slog.Int("cache_hits", cacheHits))

	s.notifier.Publish(ctx, events.TypeSessionStart, sess.OwnerID, sess.ID, sess.Snapshot().Fields())
	if len(created) == 0 {
		s.refreshAndNotify(ctx, sess.ID, sess.OwnerID)
	}

	return &SubmitResult{
		SessionID:      sess.ID,
		PricePerTask:   price,
		Total:          sess.Counts.Total,
		TimeoutSeconds: s.cfg.LeaseTimeoutSeconds,
		Invalid:        batch.Invalid,
		Duplicates:     batch.Duplicates,
	}, nil
}

func (s *CheckService) scheduleReveal(taskID uuid.UUID, delay time.Duration) {
	s.scheduler.Schedule(revealKey(taskID), delay, func(ctx context.Context) {
		if _, err := s.reveal(ctx, taskID); err != nil {
			logger.FromContextOrDefault(ctx, s.logger).Error("cache reveal failed",
				slog.String("task_id", taskID.String()),
				slog.String("error", err.Error()))
		}
	})
}

// reveal resolves a cache-hit task to resolved_bad if it is still checking.
func (s *CheckService) reveal(ctx context.Context, taskID uuid.UUID) (bool, error) {
	ok, err := s.tasks.Resolve(ctx, store.Resolution{
		TaskID: taskID,
		Status: domain.TaskStatusResolvedBad,
		Reveal: true,
		At:     s.now(),
	})
	if err != nil || !ok {
		return false, err
	}
	task, err := s.tasks.GetByID(ctx, taskID)
	if err != nil {
		return true, err
	}
	s.settle(ctx, task)
	s.notifyProgress(ctx, task.SessionID, task.OwnerID)
	return true, nil
}

// Claim hands up to desired pending tasks of the pool to a worker.
func (s *CheckService) Claim(ctx context.Context, poolID string, desired int, checkMode string) (*dispatch.ClaimResult, error) {
	mode, err := domain.ParseCheckMode(checkMode)
	if err != nil {
		return nil, err
	}
	res, err := s.leases.Claim(ctx, poolID, desired, mode)
	if err != nil {
		return nil, NewCheckServiceError("claim", "failed to claim tasks", err)
	}
	return res, nil
}

// ReportResults ingests worker reports. Each item is acknowledged on its
// own; a failing item never aborts its siblings.
func (s *CheckService) ReportResults(ctx context.Context, poolID string, items []ResultItem) []ItemAck {
	acks := make([]ItemAck, 0, len(items))
	touched := make(map[uuid.UUID]uuid.UUID)
	for _, item := range items {
		ack, task := s.reportOne(ctx, poolID, item)
		acks = append(acks, ack)
		if task != nil {
			touched[task.SessionID] = task.OwnerID
		}
	}
	for sessionID, ownerID := range touched {
		s.notifyProgress(ctx, sessionID, ownerID)
	}
	return acks
}

// reportOne returns the ack and, when the item produced a terminal
// transition, the resolved task.
func (s *CheckService) reportOne(ctx context.Context, poolID string, item ResultItem) (ItemAck, *domain.Task) {
	log := logger.FromContextOrDefault(ctx, s.logger).With(slog.String("pool_id", poolID))

	ack := ItemAck{ID: item.Fingerprint}
	if item.TaskID != uuid.Nil {
		ack.ID = item.TaskID.String()
	}

	task, err := s.findReported(ctx, poolID, item)
	if err != nil {
		if store.IsNotFoundError(err) {
			ack.Message = "task not found"
			return ack, nil
		}
		return s.failedAck(ctx, ack, err), nil
	}

	status, terminal, err := domain.ResultCode(item.StatusCode).Outcome()
	if err != nil {
		ack.Message = "unknown status code"
		return ack, nil
	}

	if task.Status.IsTerminal() {
		return s.lateReport(ctx, ack, task, item.StatusCode), nil
	}

	if !terminal {
		if task.Status == domain.TaskStatusChecking && !task.IsCacheHit() {
			if _, err := s.leases.Heartbeat(ctx, task.ID); err != nil {
				return s.failedAck(ctx, ack, err), nil
			}
		}
		ack.OK = true
		return ack, nil
	}

	if task.Status != domain.TaskStatusChecking || task.IsCacheHit() {
		ack.Message = "task is not dispatched"
		return ack, nil
	}

	sess, err := s.sessions.GetByID(ctx, task.SessionID)
	if err != nil {
		return s.failedAck(ctx, ack, err), nil
	}
	if sess.StopRequested {
		// A stop whose task update failed left this task live.
		stopped, err := s.stopTasks(ctx, sess.ID)
		if err != nil {
			return s.failedAck(ctx, ack, err), nil
		}
		if len(stopped) > 0 {
			if _, err := s.finishStop(ctx, sess, len(stopped)); err != nil {
				log.Warn("failed to finish stop",
					slog.String("session_id", sess.ID.String()),
					slog.String("error", err.Error()))
			}
		}
		current, err := s.tasks.GetByID(ctx, task.ID)
		if err != nil {
			return s.failedAck(ctx, ack, err), nil
		}
		return s.lateReport(ctx, ack, current, item.StatusCode), nil
	}

	res := store.Resolution{
		TaskID:     task.ID,
		Status:     status,
		Attributes: domain.FilterAttributes(item.Attributes),
		At:         s.now(),
	}
	if status == domain.TaskStatusError {
		res.ErrorMessage = item.Message
	}
	ok, err := s.tasks.Resolve(ctx, res)
	if err != nil {
		return s.failedAck(ctx, ack, err), nil
	}
	if !ok {
		// Lost to a concurrent report, an expiry or a stop.
		current, err := s.tasks.GetByID(ctx, task.ID)
		if err != nil {
			return s.failedAck(ctx, ack, err), nil
		}
		if current.Status.IsTerminal() {
			return s.lateReport(ctx, ack, current, item.StatusCode), nil
		}
		ack.Message = "task is not dispatched"
		return ack, nil
	}

	resolved, err := s.tasks.GetByID(ctx, task.ID)
	if err != nil {
		return s.failedAck(ctx, ack, err), nil
	}

	if status == domain.TaskStatusResolvedBad {
		if err := s.cache.Remember(ctx, resolved.CheckMode, resolved.Fingerprint, res.At); err != nil {
			log.Warn("failed to populate negative cache",
				slog.String("task_id", resolved.ID.String()),
				slog.String("error", err.Error()))
		}
	}

	s.settle(ctx, resolved)
	ack.OK = true
	return ack, resolved
}

func (s *CheckService) findReported(ctx context.Context, poolID string, item ResultItem) (*domain.Task, error) {
	if item.TaskID == uuid.Nil {
		if item.Fingerprint == "" {
			return nil, store.ErrTaskNotFound
		}
		fp, err := domain.NormalizeItem(item.Fingerprint)
		if err != nil {
			return nil, store.ErrTaskNotFound
		}
		return s.tasks.FindLiveByFingerprint(ctx, poolID, fp)
	}
	task, err := s.tasks.GetByID(ctx, item.TaskID)
	if err != nil {
		return nil, err
	}
	if task.PoolID != poolID {
		return nil, store.ErrTaskNotFound
	}
	return task, nil
}

// lateReport keeps the code of a report for a task that already finished.
// It is acknowledged but never counted or billed.
func (s *CheckService) lateReport(ctx context.Context, ack ItemAck, task *domain.Task, code int) ItemAck {
	if err := s.tasks.RecordLateReport(ctx, task.ID, code, s.now()); err != nil {
		return s.failedAck(ctx, ack, err)
	}
	ack.OK = true
	ack.Message = "task already finished"
	return ack
}

func (s *CheckService) failedAck(ctx context.Context, ack ItemAck, err error) ItemAck {
	logger.FromContextOrDefault(ctx, s.logger).Error("failed to process result",
		slog.String("id", ack.ID),
		slog.String("error", err.Error()))
	ack.OK = false
	ack.Retryable = store.IsRetryable(err)
	if ack.Retryable {
		ack.Message = "temporarily unavailable"
	} else {
		ack.Message = "internal error"
	}
	return ack
}

// settle runs billing for a task that just turned terminal and pushes the
// task result. Billing failures are logged: the transition already
// happened and a retry would only be treated as a late report.
func (s *CheckService) settle(ctx context.Context, task *domain.Task) {
	if _, err := s.ledger.Settle(ctx, task); err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to settle task",
			slog.String("task_id", task.ID.String()),
			slog.String("error", err.Error()))
	}
	s.notifier.Publish(ctx, events.TypeTaskResult, task.OwnerID, task.SessionID, task.Resolved())
}

// notifyProgress pushes the session's counters, recomputing them once the
// running counters say nothing is pending so that completion happens
// without waiting for a poll.
func (s *CheckService) notifyProgress(ctx context.Context, sessionID, ownerID uuid.UUID) {
	sess, err := s.aggregator.Get(ctx, sessionID)
	if err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Warn("failed to load session for notification",
			slog.String("session_id", sessionID.String()),
			slog.String("error", err.Error()))
		return
	}
	if sess.Status == domain.SessionStatusRunning && sess.Counts.Pending() == 0 {
		s.refreshAndNotify(ctx, sessionID, ownerID)
		return
	}
	s.notifier.SessionUpdate(ctx, ownerID, sess.Snapshot())
}

func (s *CheckService) refreshAndNotify(ctx context.Context, sessionID, ownerID uuid.UUID) *domain.Session {
	sess, err := s.aggregator.Refresh(ctx, sessionID)
	if err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Warn("failed to refresh session",
			slog.String("session_id", sessionID.String()),
			slog.String("error", err.Error()))
		return nil
	}
	s.notifier.SessionUpdate(ctx, ownerID, sess.Snapshot())
	return sess
}

func (s *CheckService) ownedSession(ctx context.Context, op string, ownerID, sessionID uuid.UUID) (*domain.Session, error) {
	sess, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if store.IsNotFoundError(err) {
			return nil, err
		}
		return nil, NewCheckServiceError(op, "failed to load session", err)
	}
	if sess.OwnerID != ownerID {
		return nil, ErrNotOwned
	}
	return sess, nil
}

// Stop cancels a running session: every pending or checking task becomes
// stopped, scheduled reveals are cancelled and the pool is asked to pause.
// Stopping a completed session returns its snapshot unchanged. A stop whose
// task update failed can be repeated; the repeat moves the tasks left live.
func (s *CheckService) Stop(ctx context.Context, ownerID, sessionID uuid.UUID) (*domain.Snapshot, error) {
	sess, err := s.ownedSession(ctx, "stop", ownerID, sessionID)
	if err != nil {
		return nil, err
	}

	changed, err := s.sessions.RequestStop(ctx, sessionID, s.now())
	if err != nil {
		return nil, NewCheckServiceError("stop", "failed to request stop", err)
	}
	if !changed {
		if sess, err = s.sessions.GetByID(ctx, sessionID); err != nil {
			return nil, NewCheckServiceError("stop", "failed to load session", err)
		}
		if !sess.StopRequested {
			snap := sess.Snapshot()
			return &snap, nil
		}
	}

	stopped, err := s.stopTasks(ctx, sessionID)
	if err != nil {
		return nil, NewCheckServiceError("stop", "failed to stop tasks", err)
	}
	if !changed && len(stopped) == 0 {
		snap := sess.Snapshot()
		return &snap, nil
	}
	return s.finishStop(ctx, sess, len(stopped))
}

// finishStop publishes a stop once the session's tasks have moved:
// counters are recomputed, the buffered update is flushed ahead of
// session:stopped and the pool is asked to pause.
func (s *CheckService) finishStop(ctx context.Context, sess *domain.Session, stopped int) (*domain.Snapshot, error) {
	log := logger.FromContextOrDefault(ctx, s.logger).With(slog.String("session_id", sess.ID.String()))

	refreshed, err := s.aggregator.Refresh(ctx, sess.ID)
	if err != nil {
		return nil, NewCheckServiceError("stop", "failed to refresh session", err)
	}
	snap := refreshed.Snapshot()

	s.notifier.Flush(ctx, events.TypeSessionUpdate, sess.ID)
	s.notifier.Publish(ctx, events.TypeSessionStopped, sess.OwnerID, sess.ID, snap.Fields())
	// Updates raced in after the flush would report the session as running.
	s.notifier.Forget(events.TypeSessionUpdate, sess.ID)

	if err := s.signaler.Pause(ctx, dispatch.PauseSignal{
		PoolID:    sess.PoolID,
		OwnerID:   sess.OwnerID,
		SessionID: sess.ID,
		Reason:    "session stopped",
		At:        s.now(),
	}); err != nil {
		log.Warn("failed to signal pool pause", slog.String("error", err.Error()))
	}

	log.Info("session stopped", slog.Int("stopped_tasks", stopped))
	return &snap, nil
}

// stopTasks moves the session's live tasks to stopped and cancels their
// scheduled reveals. It is safe to repeat.
func (s *CheckService) stopTasks(ctx context.Context, sessionID uuid.UUID) ([]uuid.UUID, error) {
	stopped, err := s.tasks.StopSession(ctx, sessionID, s.now())
	if err != nil {
		return nil, err
	}
	for _, id := range stopped {
		s.scheduler.Cancel(revealKey(id))
	}
	return stopped, nil
}

// Status reconciles the session and returns its snapshot with the most
// recently resolved tasks. Reconciliation expires passed leases and reveals
// overdue cache hits, so it also recovers work whose timers were lost.
func (s *CheckService) Status(ctx context.Context, ownerID, sessionID uuid.UUID) (*StatusResult, error) {
	sess, err := s.ownedSession(ctx, "status", ownerID, sessionID)
	if err != nil {
		return nil, err
	}

	switch {
	case sess.StopRequested:
		stopped, err := s.stopTasks(ctx, sessionID)
		if err != nil {
			return nil, NewCheckServiceError("status", "failed to stop tasks", err)
		}
		if len(stopped) > 0 {
			if _, err := s.finishStop(ctx, sess, len(stopped)); err != nil {
				return nil, err
			}
		}
	case sess.Status == domain.SessionStatusRunning:
		if err := s.reconcile(ctx, sessionID); err != nil {
			return nil, NewCheckServiceError("status", "failed to reconcile session", err)
		}
	}

	refreshed, err := s.aggregator.Refresh(ctx, sessionID)
	if err != nil {
		return nil, NewCheckServiceError("status", "failed to refresh session", err)
	}
	if refreshed.Status != sess.Status || refreshed.Counts != sess.Counts {
		s.notifier.SessionUpdate(ctx, ownerID, refreshed.Snapshot())
	}

	recent, err := s.tasks.ListRecentResolved(ctx, sessionID, s.cfg.RecentWindow)
	if err != nil {
		return nil, NewCheckServiceError("status", "failed to list recent tasks", err)
	}
	out := &StatusResult{
		Session:             refreshed.Snapshot(),
		RecentResolvedTasks: make([]domain.ResolvedTask, 0, len(recent)),
	}
	for _, t := range recent {
		out.RecentResolvedTasks = append(out.RecentResolvedTasks, t.Resolved())
	}
	return out, nil
}

func (s *CheckService) reconcile(ctx context.Context, sessionID uuid.UUID) error {
	expired, err := s.leases.Expire(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, id := range expired {
		task, err := s.tasks.GetByID(ctx, id)
		if err != nil {
			return err
		}
		s.settle(ctx, task)
	}

	due, err := s.tasks.DueReveals(ctx, sessionID, s.now())
	if err != nil {
		return err
	}
	for _, id := range due {
		s.scheduler.Cancel(revealKey(id))
		revealed, err := s.tasks.Resolve(ctx, store.Resolution{
			TaskID: id,
			Status: domain.TaskStatusResolvedBad,
			Reveal: true,
			At:     s.now(),
		})
		if err != nil {
			return err
		}
		if !revealed {
			continue
		}
		task, err := s.tasks.GetByID(ctx, id)
		if err != nil {
			return err
		}
		s.settle(ctx, task)
	}
	return nil
}

// PurgeCache drops expired negative cache entries.
func (s *CheckService) PurgeCache(ctx context.Context) (int64, error) {
	n, err := s.cache.Purge(ctx, s.now())
	if err != nil {
		return 0, NewCheckServiceError("purge_cache", "failed to purge cache", err)
	}
	return n, nil
}
