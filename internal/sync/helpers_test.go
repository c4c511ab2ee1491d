package sync

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/tasksync/internal/calendar"
	"github.com/tonimelisma/tasksync/internal/store"
)

// testLogger returns a debug-level logger that writes to t.Log,
// so all activity appears in CI output.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// testLogWriter adapts testing.T to io.Writer for slog.
type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

const (
	testUser     = "alice"
	testCalendar = "primary"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "tasksync.db")

	s, err := store.Open(context.Background(), dbPath, testLogger(t))
	if err != nil {
		t.Fatalf("store.Open(%q): %v", dbPath, err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close(): %v", err)
		}
	})

	return s
}

// connectUser stores a long-lived credential for user.
func connectUser(t *testing.T, s *store.Store, user string) {
	t.Helper()

	require.NoError(t, s.Connect(context.Background(), &store.Credential{
		UserID:       user,
		CalendarID:   testCalendar,
		AccessToken:  "access-" + user,
		RefreshToken: "refresh-" + user,
		Expiry:       time.Now().Add(24 * time.Hour),
	}))
}

// --- fakeRefresher ---

type fakeRefresher struct {
	mu    stdsync.Mutex
	calls int
	err   error
	gate  chan struct{} // when set, Refresh blocks until closed
	ttl   time.Duration
}

func (f *fakeRefresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	gate, err := f.gate, f.err
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err != nil {
		return nil, err
	}

	ttl := f.ttl
	if ttl == 0 {
		ttl = time.Hour
	}

	return &oauth2.Token{
		AccessToken:  fmt.Sprintf("access-%d", n),
		RefreshToken: refreshToken + "-rotated",
		Expiry:       time.Now().Add(ttl),
	}, nil
}

func (f *fakeRefresher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls
}

// --- fakeCalendar: an in-memory remote with versioned events and a
// change log whose length is the sync cursor. ---

type fakeCalendar struct {
	mu      stdsync.Mutex
	events  map[string]*calendar.Event
	log     []string
	seq     int
	clock   func() time.Time
	expires int // cursor expirations still to report

	pullErr   error
	pushErrs  []error // consumed one per Push
	deleteErr error

	pulls, pushes, deletes int
	tokens                 []string
	cursors                [][]byte // cursor of every PullDelta call
}

func newFakeCalendar() *fakeCalendar {
	return &fakeCalendar{
		events: make(map[string]*calendar.Event),
		clock:  time.Now,
	}
}

func (f *fakeCalendar) bump(ev *calendar.Event) {
	f.seq++
	ev.Version = "v" + strconv.Itoa(f.seq)
	ev.Updated = f.clock().UTC()
	f.log = append(f.log, ev.ID)
}

func (f *fakeCalendar) PullDelta(_ context.Context, t calendar.Target, cursor []byte) (*calendar.Delta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pulls++
	f.tokens = append(f.tokens, t.AccessToken)
	f.cursors = append(f.cursors, append([]byte(nil), cursor...))

	if f.pullErr != nil {
		return nil, f.pullErr
	}

	if len(cursor) > 0 && f.expires > 0 {
		f.expires--
		return nil, calendar.ErrCursorExpired
	}

	delta := &calendar.Delta{Full: len(cursor) == 0, Cursor: []byte(strconv.Itoa(len(f.log)))}

	var ids []string

	if delta.Full {
		for id, ev := range f.events {
			if !ev.Deleted {
				ids = append(ids, id)
			}
		}
	} else {
		from, err := strconv.Atoi(string(cursor))
		if err != nil || from > len(f.log) {
			return nil, calendar.ErrCursorExpired
		}

		seen := map[string]bool{}
		for _, id := range f.log[from:] {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}

	sort.Strings(ids)

	for _, id := range ids {
		delta.Events = append(delta.Events, *f.events[id])
	}

	return delta, nil
}

func (f *fakeCalendar) Push(
	_ context.Context, _ calendar.Target, ev *calendar.Event, expectedVersion string,
) (*calendar.PushResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pushes++

	if len(f.pushErrs) > 0 {
		err := f.pushErrs[0]
		f.pushErrs = f.pushErrs[1:]

		if err != nil {
			return nil, err
		}
	}

	stored := *ev

	if expectedVersion == "" {
		stored.ID = calendar.EventIDFor(ev.LocalID)
	} else {
		cur, ok := f.events[ev.ID]
		if !ok || cur.Deleted {
			return nil, calendar.ErrNotFound
		}

		if cur.Version != expectedVersion {
			return nil, calendar.ErrVersionConflict
		}
	}

	f.bump(&stored)
	f.events[stored.ID] = &stored

	return &calendar.PushResult{RemoteID: stored.ID, Version: stored.Version, Updated: stored.Updated}, nil
}

func (f *fakeCalendar) Delete(_ context.Context, _ calendar.Target, remoteID, expectedVersion string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deletes++

	if f.deleteErr != nil {
		return f.deleteErr
	}

	cur, ok := f.events[remoteID]
	if !ok || cur.Deleted {
		return calendar.ErrNotFound
	}

	if expectedVersion != "" && cur.Version != expectedVersion {
		return calendar.ErrVersionConflict
	}

	cur.Deleted = true
	f.bump(cur)

	return nil
}

// remoteCreate adds an event as another client of the calendar would.
func (f *fakeCalendar) remoteCreate(id, title string) *calendar.Event {
	f.mu.Lock()
	defer f.mu.Unlock()

	ev := &calendar.Event{ID: id, Title: title}
	f.bump(ev)
	f.events[id] = ev

	cp := *ev

	return &cp
}

// remoteEdit changes an existing event as another client would.
func (f *fakeCalendar) remoteEdit(id string, mutate func(*calendar.Event)) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ev := f.events[id]
	mutate(ev)
	f.bump(ev)
}

func (f *fakeCalendar) remoteDelete(id string) {
	f.remoteEdit(id, func(ev *calendar.Event) { ev.Deleted = true })
}

func (f *fakeCalendar) event(id string) (calendar.Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ev, ok := f.events[id]
	if !ok {
		return calendar.Event{}, false
	}

	return *ev, true
}

func (f *fakeCalendar) liveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0

	for _, ev := range f.events {
		if !ev.Deleted {
			n++
		}
	}

	return n
}

// newTestEngine wires an engine over a real store and a fake remote, with
// one connected user.
func newTestEngine(t *testing.T) (*Engine, *store.Store, *fakeCalendar) {
	t.Helper()

	s := newTestStore(t)
	connectUser(t, s, testUser)

	remote := newFakeCalendar()
	tokens := NewTokenManager(s, &fakeRefresher{}, 0, testLogger(t))

	e, err := NewEngine(&EngineConfig{
		Store:  s,
		Remote: remote,
		Tokens: tokens,
		Logger: testLogger(t),
	})
	require.NoError(t, err)

	return e, s, remote
}

func mustRunPass(t *testing.T, e *Engine) *PassReport {
	t.Helper()

	report, err := e.RunPass(context.Background(), testUser)
	require.NoError(t, err)

	return report
}

func mustCreateTask(t *testing.T, s *store.Store, title string) *store.Task {
	t.Helper()

	task, err := s.CreateTask(context.Background(), testUser, store.TaskFields{Title: title})
	require.NoError(t, err)

	return task
}

func mappingFor(t *testing.T, s *store.Store, localID string) *store.Mapping {
	t.Helper()

	m, err := s.Mappings(context.Background(), testUser)
	require.NoError(t, err)

	return m[localID]
}
