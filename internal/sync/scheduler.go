package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tonimelisma/tasksync/internal/store"
)

// flagTimeout bounds the store write that persists a scheduler verdict.
const flagTimeout = 10 * time.Second

// ErrSchedulerRunning is returned by Run when the scheduler already runs.
var ErrSchedulerRunning = errors.New("sync: scheduler already running")

// SchedulerConfig holds the scheduling policy.
type SchedulerConfig struct {
	Interval            time.Duration // periodic pass for every connected user
	Debounce            time.Duration // quiet time after RequestSync before a pass starts
	MaxConcurrent       int           // passes in flight across all users
	BackoffBase         time.Duration // first retry delay after a retryable failure
	BackoffMax          time.Duration // retry delay cap, also the degraded retry interval
	MaxRetries          int           // consecutive failures before a user is degraded
	MaxVersionConflicts int           // consecutive version conflicts retried at once before degrading
}

// passRunner is the slice of *Engine the scheduler drives.
type passRunner interface {
	RunPass(ctx context.Context, userID string) (*PassReport, error)
	SetFlags(ctx context.Context, userID string, degraded, suspended bool) error
}

// accountLister yields the users to sync periodically. Satisfied by
// *store.Store.
type accountLister interface {
	Accounts(ctx context.Context) ([]store.Account, error)
}

// UserSchedule is the scheduler's view of one user.
type UserSchedule struct {
	InFlight            bool       `json:"in_flight"`
	Pending             bool       `json:"pending"`
	NextAttempt         *time.Time `json:"next_attempt,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	Degraded            bool       `json:"degraded"`
	Suspended           bool       `json:"suspended"`
}

type userState struct {
	running   bool
	pending   bool
	debounce  *time.Timer
	retry     *time.Timer
	next      time.Time
	failures  int
	conflicts int
	degraded  bool
	suspended bool
}

// Scheduler decides when passes run. It keeps at most one pass in flight
// per user and a global cap across users. Triggers arriving while a pass
// runs coalesce into a single follow-up pass.
type Scheduler struct {
	cfg      SchedulerConfig
	runner   passRunner
	accounts accountLister
	sem      *semaphore.Weighted
	logger   *slog.Logger
	nowFunc  func() time.Time

	mu     stdsync.Mutex
	users  map[string]*userState
	runCtx context.Context //nolint:containedctx // lifetime of Run, read by timer callbacks
	wg     stdsync.WaitGroup
	reload chan struct{}

	// afterPass, when set, is called after each pass's bookkeeping. Tests only.
	afterPass func(userID string, report *PassReport, err error)
}

// NewScheduler creates a Scheduler. Run must be called to start it.
func NewScheduler(cfg SchedulerConfig, runner passRunner, accounts accountLister, logger *slog.Logger) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		cfg:      cfg,
		runner:   runner,
		accounts: accounts,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		logger:   logger,
		nowFunc:  time.Now,
		users:    make(map[string]*userState),
		reload:   make(chan struct{}, 1),
	}
}

// UpdateConfig replaces the scheduling policy while running. The new
// interval restarts the periodic ticker; MaxConcurrent keeps the value the
// scheduler was created with.
func (s *Scheduler) UpdateConfig(cfg SchedulerConfig) {
	s.mu.Lock()
	cfg.MaxConcurrent = s.cfg.MaxConcurrent
	s.cfg = cfg
	s.mu.Unlock()

	select {
	case s.reload <- struct{}{}:
	default:
	}

	s.logger.Info("scheduler config updated", slog.Duration("interval", cfg.Interval))
}

func (s *Scheduler) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cfg.Interval
}

// Run triggers a pass for every connected user at startup and then every
// interval, until ctx is canceled. It waits for in-flight passes before
// returning.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.runCtx != nil {
		s.mu.Unlock()
		return ErrSchedulerRunning
	}

	s.runCtx = ctx
	s.mu.Unlock()

	s.logger.Info("scheduler started",
		slog.Duration("interval", s.interval()),
		slog.Int("max_concurrent", s.cfg.MaxConcurrent),
	)

	defer s.stop()

	s.tick(ctx)

	var (
		ticker *time.Ticker
		tickC  <-chan time.Time
	)

	resetTicker := func() {
		if ticker != nil {
			ticker.Stop()
			ticker, tickC = nil, nil
		}

		if d := s.interval(); d > 0 {
			ticker = time.NewTicker(d)
			tickC = ticker.C
		}
	}

	resetTicker()

	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		select {
		case <-tickC:
			s.tick(ctx)
		case <-s.reload:
			resetTicker()
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Scheduler) stop() {
	s.mu.Lock()
	s.runCtx = nil

	for _, u := range s.users {
		if u.debounce != nil {
			u.debounce.Stop()
			u.debounce = nil
		}

		if u.retry != nil {
			u.retry.Stop()
			u.retry = nil
		}
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// tick starts a periodic pass for every connected user that is neither
// suspended nor waiting out a backoff.
func (s *Scheduler) tick(ctx context.Context) {
	accounts, err := s.accounts.Accounts(ctx)
	if err != nil {
		s.logger.Warn("listing accounts failed", slog.String("error", err.Error()))
		return
	}

	now := s.nowFunc()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range accounts {
		u := s.user(a.UserID)
		if u.suspended || now.Before(u.next) {
			continue
		}

		s.startLocked(a.UserID, u)
	}
}

func (s *Scheduler) user(userID string) *userState {
	u, ok := s.users[userID]
	if !ok {
		u = &userState{}
		s.users[userID] = u
	}

	return u
}

// RequestSync asks for a pass for userID and returns immediately. Calls
// within the debounce window collapse into one pass. An explicit request
// lifts an auth suspension and skips any pending backoff, so it is how a
// user resumes after reconnecting.
func (s *Scheduler) RequestSync(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.user(userID)
	u.suspended = false
	u.next = time.Time{}

	if s.cfg.Debounce <= 0 {
		s.startLocked(userID, u)
		return
	}

	if u.debounce != nil {
		u.debounce.Reset(s.cfg.Debounce)
		return
	}

	u.debounce = time.AfterFunc(s.cfg.Debounce, func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		u.debounce = nil
		s.startLocked(userID, u)
	})
}

// startLocked starts a pass now, or marks one pending if a pass is in
// flight. Requires s.mu.
func (s *Scheduler) startLocked(userID string, u *userState) {
	ctx := s.runCtx
	if ctx == nil || ctx.Err() != nil {
		return // not running; the trigger is dropped
	}

	if u.running {
		u.pending = true
		return
	}

	if u.retry != nil {
		u.retry.Stop()
		u.retry = nil
	}

	u.running = true
	u.pending = false

	s.wg.Add(1)

	go s.execute(ctx, userID)
}

func (s *Scheduler) execute(ctx context.Context, userID string) {
	defer s.wg.Done()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.finish(ctx, userID, nil, err)
		return
	}

	report, err := runIsolated(ctx, userID, s.runner.RunPass)
	s.sem.Release(1)

	s.finish(ctx, userID, report, err)
}

// finish applies the retry policy to a completed pass.
func (s *Scheduler) finish(ctx context.Context, userID string, report *PassReport, passErr error) {
	class := ClassifyError(passErr)

	s.mu.Lock()
	u := s.user(userID)
	u.running = false
	wasDegraded, wasSuspended := u.degraded, u.suspended

	rerun := false

	switch class {
	case ClassNone:
		u.failures, u.conflicts = 0, 0
		u.degraded, u.suspended = false, false
		u.next = time.Time{}
		rerun = u.pending

	case ClassCanceled:

	case ClassAuthExpired:
		u.suspended = true
		u.pending = false

		s.logger.Warn("user suspended until reauthorized", slog.String("user", userID))

	case ClassVersionConflict:
		u.conflicts++
		if u.conflicts <= s.cfg.MaxVersionConflicts {
			rerun = true
			break
		}

		s.backoffLocked(userID, u, passErr, true)

	default:
		u.conflicts = 0
		s.backoffLocked(userID, u, passErr, false)
	}

	degraded, suspended := u.degraded, u.suspended

	if rerun {
		s.startLocked(userID, u)
	}
	s.mu.Unlock()

	if class != ClassNone && class != ClassCanceled && (degraded != wasDegraded || suspended != wasSuspended) {
		s.persistFlags(ctx, userID, degraded, suspended)
	}

	if s.afterPass != nil {
		s.afterPass(userID, report, passErr)
	}
}

// backoffLocked schedules the next retry after a failure. Past MaxRetries,
// or at once when degrade is set, the user is degraded and retried at the
// capped interval. Requires s.mu.
func (s *Scheduler) backoffLocked(userID string, u *userState, passErr error, degrade bool) {
	u.failures++
	u.pending = false

	delay := backoffDelay(s.cfg.BackoffBase, s.cfg.BackoffMax, u.failures)

	if degrade || u.failures > s.cfg.MaxRetries {
		if !u.degraded {
			s.logger.Error("user degraded",
				slog.String("user", userID),
				slog.Int("failures", u.failures),
				slog.Int("version_conflicts", u.conflicts),
				slog.String("error", fmt.Errorf("%w: %w", ErrSyncDegraded, passErr).Error()),
			)
		}

		u.degraded = true
		if s.cfg.BackoffMax > 0 {
			delay = s.cfg.BackoffMax
		}
	}

	u.next = s.nowFunc().Add(delay)

	if u.retry != nil {
		u.retry.Stop()
	}

	u.retry = time.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		u.retry = nil
		if !u.suspended {
			s.startLocked(userID, u)
		}
	})

	s.logger.Info("pass retry scheduled",
		slog.String("user", userID),
		slog.Int("failures", u.failures),
		slog.Duration("delay", delay),
	)
}

func (s *Scheduler) persistFlags(ctx context.Context, userID string, degraded, suspended bool) {
	flagCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flagTimeout)
	defer cancel()

	if err := s.runner.SetFlags(flagCtx, userID, degraded, suspended); err != nil {
		s.logger.Warn("could not persist sync flags",
			slog.String("user", userID),
			slog.String("error", err.Error()),
		)
	}
}

// Schedule returns the scheduler's view of userID.
func (s *Scheduler) Schedule(userID string) UserSchedule {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return UserSchedule{}
	}

	out := UserSchedule{
		InFlight:            u.running,
		Pending:             u.pending || u.debounce != nil,
		ConsecutiveFailures: u.failures,
		Degraded:            u.degraded,
		Suspended:           u.suspended,
	}

	if !u.next.IsZero() {
		next := u.next
		out.NextAttempt = &next
	}

	return out
}
