package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/tonimelisma/tasksync/internal/calendar"
	"github.com/tonimelisma/tasksync/internal/store"
)

// Defaults for EngineConfig zero values.
const (
	DefaultApplyTimeout       = 2 * time.Minute
	DefaultTombstoneRetention = 30 * 24 * time.Hour
)

// failureRecordTimeout bounds the store write that records a failed pass.
const failureRecordTimeout = 10 * time.Second

// PassState is a step of the per-user pass state machine.
type PassState int

// Pass states. A pass walks Idle through Committing and back to Idle;
// Failed is reachable from every state.
const (
	StateIdle PassState = iota
	StatePulling
	StateReconciling
	StateApplying
	StateCommitting
	StateFailed
)

func (s PassState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePulling:
		return "pulling"
	case StateReconciling:
		return "reconciling"
	case StateApplying:
		return "applying"
	case StateCommitting:
		return "committing"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("PassState(%d)", int(s))
	}
}

// tokenSource is the slice of *TokenManager the engine needs.
type tokenSource interface {
	Token(ctx context.Context, userID string) (store.Credential, error)
	Invalidate(userID string)
}

// EngineConfig holds the options for NewEngine.
type EngineConfig struct {
	Store              StateStore
	Remote             RemoteCalendar
	Tokens             tokenSource
	Logger             *slog.Logger
	ApplyTimeout       time.Duration // 0 = DefaultApplyTimeout
	TombstoneRetention time.Duration // 0 = DefaultTombstoneRetention, <0 = never purge
	NewID              func() string // nil = random UUIDs
}

// PassReport summarizes one pass. States lists every state the pass went
// through, ending in StateIdle or StateFailed.
type PassReport struct {
	UserID     string
	CalendarID string
	States     []PassState
	FullResync bool
	Duration   time.Duration

	Pulled      int
	Quarantined int
	Dirty       int

	RemoteDeletes    int
	RemoteCreates    int
	RemoteUpdates    int
	LocalWrites      int
	LocalDeletes     int
	MappingRefreshes int
	Conflicts        int
	Purged           int
}

// Status is the externally visible sync status of one user.
type Status struct {
	UserID           string     `json:"user_id"`
	CalendarID       string     `json:"calendar_id,omitempty"`
	Connected        bool       `json:"connected"`
	State            string     `json:"state"`
	LastSuccess      *time.Time `json:"last_success,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
	LastErrorClass   string     `json:"last_error_class,omitempty"`
	LastErrorAt      *time.Time `json:"last_error_at,omitempty"`
	RetryCount       int        `json:"retry_count"`
	PendingConflicts int        `json:"pending_conflicts"`
	Degraded         bool       `json:"degraded"`
	Suspended        bool       `json:"suspended"`
}

// Engine runs sync passes: pull remote changes, collect local changes,
// resolve, apply the plan, and commit the result atomically. Passes for
// one user are serialized; different users run independently.
type Engine struct {
	store      StateStore
	remote     RemoteCalendar
	tokens     tokenSource
	tracker    *ChangeTracker
	quarantine *quarantineLog
	logger     *slog.Logger
	applyTO    time.Duration
	retention  time.Duration
	newID      func() string
	nowFunc    func() time.Time

	locksMu stdsync.Mutex
	locks   map[string]*stdsync.Mutex

	statesMu stdsync.Mutex
	states   map[string]PassState
	rejected map[string]bool // last pass ended with the remote refusing the token
}

// NewEngine creates an Engine.
func NewEngine(cfg *EngineConfig) (*Engine, error) {
	if cfg.Store == nil || cfg.Remote == nil || cfg.Tokens == nil {
		return nil, errors.New("sync: engine needs a store, a remote and a token source")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	applyTO := cfg.ApplyTimeout
	if applyTO <= 0 {
		applyTO = DefaultApplyTimeout
	}

	retention := cfg.TombstoneRetention
	if retention == 0 {
		retention = DefaultTombstoneRetention
	}

	newID := cfg.NewID
	if newID == nil {
		newID = func() string { return uuid.NewString() }
	}

	return &Engine{
		store:      cfg.Store,
		remote:     cfg.Remote,
		tokens:     cfg.Tokens,
		tracker:    NewChangeTracker(cfg.Store),
		quarantine: newQuarantineLog(logger),
		logger:     logger,
		applyTO:    applyTO,
		retention:  retention,
		newID:      newID,
		nowFunc:    time.Now,
		locks:      make(map[string]*stdsync.Mutex),
		states:     make(map[string]PassState),
		rejected:   make(map[string]bool),
	}, nil
}

func (e *Engine) userLock(userID string) *stdsync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()

	mu, ok := e.locks[userID]
	if !ok {
		mu = &stdsync.Mutex{}
		e.locks[userID] = mu
	}

	return mu
}

func (e *Engine) transition(report *PassReport, to PassState) {
	e.statesMu.Lock()
	from := e.states[report.UserID]
	e.states[report.UserID] = to
	e.statesMu.Unlock()

	report.States = append(report.States, to)

	e.logger.Debug("pass state",
		slog.String("user", report.UserID),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
}

func (e *Engine) currentState(userID string) PassState {
	e.statesMu.Lock()
	defer e.statesMu.Unlock()

	return e.states[userID]
}

// RunPass runs one complete pass for userID. On failure the error wraps
// one of the pass failure sentinels and the failure is recorded on the
// user's sync state; nothing of the pass is committed. Cancellation is
// honored until the plan starts applying. From then on the pass runs to
// completion under the apply timeout.
func (e *Engine) RunPass(ctx context.Context, userID string) (*PassReport, error) {
	lock := e.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	start := e.nowFunc()
	report := &PassReport{UserID: userID}

	e.logger.Info("sync pass starting", slog.String("user", userID))

	err := e.runPass(ctx, report)
	report.Duration = e.nowFunc().Sub(start)

	e.setRejected(userID, errors.Is(err, calendar.ErrUnauthorized) && ClassifyError(err) == ClassTransient)

	if err != nil {
		e.transition(report, StateFailed)
		e.recordFailure(ctx, report, err)

		return report, err
	}

	e.transition(report, StateIdle)

	e.logger.Info("sync pass complete",
		slog.String("user", userID),
		slog.Duration("duration", report.Duration),
		slog.Bool("full_resync", report.FullResync),
		slog.Int("pulled", report.Pulled),
		slog.Int("dirty", report.Dirty),
		slog.Int("remote_deletes", report.RemoteDeletes),
		slog.Int("remote_creates", report.RemoteCreates),
		slog.Int("remote_updates", report.RemoteUpdates),
		slog.Int("local_writes", report.LocalWrites),
		slog.Int("local_deletes", report.LocalDeletes),
		slog.Int("conflicts", report.Conflicts),
	)

	return report, nil
}

func (e *Engine) runPass(ctx context.Context, report *PassReport) error {
	userID := report.UserID

	e.transition(report, StatePulling)

	cred, err := e.tokens.Token(ctx, userID)
	if err != nil {
		return classify("obtaining token", err)
	}

	report.CalendarID = cred.CalendarID
	target := calendar.Target{UserID: userID, CalendarID: cred.CalendarID, AccessToken: cred.AccessToken}

	st, err := e.store.SyncState(ctx, userID, cred.CalendarID)
	if err != nil {
		return classify("loading sync state", err)
	}

	delta, err := e.pull(ctx, target, st.Cursor, report)
	if err != nil {
		return err
	}

	e.transition(report, StateReconciling)

	plan, through, err := e.reconcile(ctx, userID, st, delta, report)
	if err != nil {
		return err
	}

	// Last point where cancellation is honored.
	if err := ctx.Err(); err != nil {
		return classify("reconciling", err)
	}

	applyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.applyTO)
	defer cancel()

	e.transition(report, StateApplying)

	unit := &store.CommitUnit{
		UserID:     userID,
		CalendarID: cred.CalendarID,
		BaseCursor: st.Cursor,
		Cursor:     delta.Cursor,
		Watermark:  through,
		Conflicts:  plan.Conflicts,
	}

	for _, a := range plan.Ordered() {
		if err := e.apply(applyCtx, target, &a, unit, report); err != nil {
			return err
		}
	}

	e.transition(report, StateCommitting)

	if _, err := e.store.Commit(applyCtx, unit); err != nil {
		return classify("committing", err)
	}

	report.Conflicts = len(plan.Conflicts)

	e.housekeeping(applyCtx, report)

	return nil
}

// pull fetches remote changes since cursor. An expired cursor restarts the
// listing once from scratch; expiring again fails the pass.
func (e *Engine) pull(
	ctx context.Context, target calendar.Target, cursor []byte, report *PassReport,
) (*calendar.Delta, error) {
	delta, err := e.remote.PullDelta(ctx, target, cursor)
	if errors.Is(err, calendar.ErrCursorExpired) && len(cursor) > 0 {
		e.logger.Warn("remote cursor expired, starting full resync", slog.String("user", target.UserID))

		delta, err = e.remote.PullDelta(ctx, target, nil)
		if errors.Is(err, calendar.ErrCursorExpired) {
			return nil, fmt.Errorf("sync: pulling remote changes: %w: %w", ErrCursorExpired, err)
		}
	}

	if err != nil {
		return nil, e.remoteErr(target.UserID, "pulling remote changes", err)
	}

	report.FullResync = delta.Full
	report.Pulled = len(delta.Events)

	return delta, nil
}

// reconcile gathers the local view and resolves it against delta. Returns
// the plan and the watermark to commit.
func (e *Engine) reconcile(
	ctx context.Context, userID string, st *store.SyncState, delta *calendar.Delta, report *PassReport,
) (*Plan, int64, error) {
	mappings, err := e.store.Mappings(ctx, userID)
	if err != nil {
		return nil, 0, classify("loading mappings", err)
	}

	changes, err := e.tracker.DirtySince(ctx, userID, st.Watermark, mappings)
	if err != nil {
		return nil, 0, classify("tracking local changes", err)
	}

	tasks, err := e.store.ListTasks(ctx, userID, true)
	if err != nil {
		return nil, 0, classify("loading tasks", err)
	}

	locals := make(map[string]*store.Task, len(tasks))
	for i := range tasks {
		locals[tasks[i].ID] = &tasks[i]
	}

	events, quarantined := e.screen(ctx, userID, delta)
	report.Dirty = len(changes.Items)
	report.Quarantined = e.quarantine.count(userID)

	plan, err := Resolve(&ResolveInput{
		UserID:      userID,
		Dirty:       changes.Items,
		Remote:      events,
		Quarantined: quarantined,
		Mappings:    mappings,
		Locals:      locals,
		FullResync:  delta.Full,
		NewID:       e.newID,
		Now:         e.nowFunc().UTC(),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("sync: resolving: %w: %w", ErrTransient, err)
	}

	e.logger.Debug("plan resolved",
		slog.String("user", userID),
		slog.Int("remote_deletes", len(plan.RemoteDeletes)),
		slog.Int("remote_pushes", len(plan.RemotePushes)),
		slog.Int("local_applies", len(plan.LocalApplies)),
		slog.Int("conflicts", len(plan.Conflicts)),
	)

	return plan, changes.Through, nil
}

// screen drops remote records that fail validation. They never reach the
// resolver and are retried whenever the remote sends them again. The ids
// of dropped records are returned alongside the valid events.
func (e *Engine) screen(
	ctx context.Context, userID string, delta *calendar.Delta,
) ([]calendar.Event, map[string]bool) {
	quarantined := make(map[string]bool, len(delta.Quarantined))

	for _, q := range delta.Quarantined {
		e.quarantine.record(ctx, userID, q.RemoteID, q.Reason)

		if q.RemoteID != "" {
			quarantined[q.RemoteID] = true
		}
	}

	events := make([]calendar.Event, 0, len(delta.Events))

	for i := range delta.Events {
		ev := delta.Events[i]
		if err := ev.Validate(); err != nil {
			e.quarantine.record(ctx, userID, ev.ID, err.Error())

			if ev.ID != "" {
				quarantined[ev.ID] = true
			}

			continue
		}

		e.quarantine.clear(userID, ev.ID)
		events = append(events, ev)
	}

	return events, quarantined
}

// apply executes one plan action. Remote actions call out immediately;
// local actions are staged into unit for the commit.
func (e *Engine) apply(
	ctx context.Context, target calendar.Target, a *Action, unit *store.CommitUnit, report *PassReport,
) error {
	switch a.Type {
	case ActionRemoteDelete:
		err := e.remote.Delete(ctx, target, a.RemoteID, a.ExpectedVersion)
		if errors.Is(err, calendar.ErrNotFound) {
			e.logger.Debug("remote event already gone",
				slog.String("user", target.UserID),
				slog.String("remote_id", a.RemoteID),
			)

			err = nil
		}

		if err != nil {
			return e.remoteErr(target.UserID, "deleting remote event", err)
		}

		unit.MappingDeletes = append(unit.MappingDeletes, a.LocalID)
		report.RemoteDeletes++

	case ActionRemoteCreate, ActionRemoteUpdate:
		res, err := e.remote.Push(ctx, target, eventFromTask(a.Task, a.RemoteID), a.ExpectedVersion)
		if errors.Is(err, calendar.ErrNotFound) {
			// Deleted remotely after the pull; the next pull brings the deletion.
			err = fmt.Errorf("%w: %w", calendar.ErrVersionConflict, err)
		}

		if err != nil {
			return e.remoteErr(target.UserID, "pushing task", err)
		}

		unit.MappingUpserts = append(unit.MappingUpserts, store.Mapping{
			LocalID:            a.LocalID,
			RemoteID:           res.RemoteID,
			LastSyncedRevision: a.Task.Revision,
			RemoteVersion:      res.Version,
		})

		if a.Type == ActionRemoteCreate {
			report.RemoteCreates++
		} else {
			report.RemoteUpdates++
		}

	case ActionLocalUpsert:
		unit.Tasks = append(unit.Tasks, store.TaskWrite{
			Task:         *a.Task,
			BaseRevision: a.BaseRevision,
			Mapping:      &store.Mapping{RemoteID: a.RemoteID, RemoteVersion: a.RemoteVersion},
		})
		report.LocalWrites++

	case ActionLocalDelete:
		unit.Tasks = append(unit.Tasks, store.TaskWrite{Task: *a.Task, BaseRevision: a.BaseRevision})
		unit.MappingDeletes = append(unit.MappingDeletes, a.LocalID)
		report.LocalDeletes++

	case ActionRefreshMapping:
		unit.MappingUpserts = append(unit.MappingUpserts, store.Mapping{
			LocalID:            a.LocalID,
			RemoteID:           a.RemoteID,
			LastSyncedRevision: a.BaseRevision,
			RemoteVersion:      a.RemoteVersion,
		})
		report.MappingRefreshes++

	case ActionForgetMapping:
		unit.MappingDeletes = append(unit.MappingDeletes, a.LocalID)
		report.MappingRefreshes++

	default:
		return fmt.Errorf("sync: applying: %w: unknown action %s", ErrTransient, a.Type)
	}

	return nil
}

// remoteErr classifies a remote failure. A rejected access token is
// dropped from the cache so the retry refreshes it. If the previous pass
// already ended that way, the refreshed token was rejected too and the
// grant no longer covers the calendar.
func (e *Engine) remoteErr(userID, op string, err error) error {
	if errors.Is(err, calendar.ErrUnauthorized) {
		e.tokens.Invalidate(userID)

		if e.wasRejected(userID) {
			return fmt.Errorf("sync: %s: %w: token rejected after refresh: %w", op, ErrAuthExpired, err)
		}
	}

	return classify(op, err)
}

func (e *Engine) wasRejected(userID string) bool {
	e.statesMu.Lock()
	defer e.statesMu.Unlock()

	return e.rejected[userID]
}

func (e *Engine) setRejected(userID string, rejected bool) {
	e.statesMu.Lock()
	defer e.statesMu.Unlock()

	if rejected {
		e.rejected[userID] = true
	} else {
		delete(e.rejected, userID)
	}
}

// housekeeping purges old tombstones. Failures are logged and ignored.
func (e *Engine) housekeeping(ctx context.Context, report *PassReport) {
	if e.retention < 0 {
		return
	}

	n, err := e.store.PurgeTombstones(ctx, report.UserID, e.nowFunc().Add(-e.retention))
	if err != nil {
		e.logger.Warn("tombstone purge failed",
			slog.String("user", report.UserID),
			slog.String("error", err.Error()),
		)

		return
	}

	report.Purged = n

	if n > 0 {
		e.logger.Info("tombstones purged", slog.String("user", report.UserID), slog.Int("count", n))
	}
}

// recordFailure stores the failure on the sync state. Cancellation is not
// a failure of the pass and is not recorded.
func (e *Engine) recordFailure(ctx context.Context, report *PassReport, passErr error) {
	class := ClassifyError(passErr)

	e.logger.Warn("sync pass failed",
		slog.String("user", report.UserID),
		slog.String("class", class.String()),
		slog.String("error", passErr.Error()),
	)

	if class == ClassCanceled || report.CalendarID == "" {
		return
	}

	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureRecordTimeout)
	defer cancel()

	if err := e.store.RecordFailure(recCtx, report.UserID, report.CalendarID, class.String(),
		passErr.Error()); err != nil {
		e.logger.Error("could not record pass failure",
			slog.String("user", report.UserID),
			slog.String("error", err.Error()),
		)
	}
}

// Status reports the sync status of userID.
func (e *Engine) Status(ctx context.Context, userID string) (*Status, error) {
	status := &Status{UserID: userID, State: e.currentState(userID).String()}

	pending, err := e.store.PendingConflicts(ctx, userID)
	if err != nil {
		return nil, classify("counting conflicts", err)
	}

	status.PendingConflicts = pending

	cred, err := e.store.Credential(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return status, nil
	}

	if err != nil {
		return nil, classify("loading credential", err)
	}

	st, err := e.store.SyncState(ctx, userID, cred.CalendarID)
	if err != nil {
		return nil, classify("loading sync state", err)
	}

	status.Connected = true
	status.CalendarID = cred.CalendarID
	status.LastSuccess = st.LastSuccess
	status.LastError = st.LastError
	status.LastErrorClass = st.LastErrorClass
	status.LastErrorAt = st.LastErrorAt
	status.RetryCount = st.RetryCount
	status.Degraded = st.Degraded
	status.Suspended = st.Suspended

	return status, nil
}

// SetFlags persists the scheduler's degraded and suspended verdicts for
// userID. Users without a connected calendar are skipped.
func (e *Engine) SetFlags(ctx context.Context, userID string, degraded, suspended bool) error {
	cred, err := e.store.Credential(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}

	if err != nil {
		return classify("loading credential", err)
	}

	if err := e.store.SetFlags(ctx, userID, cred.CalendarID, degraded, suspended); err != nil {
		return classify("setting flags", err)
	}

	return nil
}
