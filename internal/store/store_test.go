package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

// newTestStore opens a Store in a temp directory with a controllable clock.
func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "nested", "test.db")

	s, err := Open(context.Background(), dbPath, testLogger(t))
	if err != nil {
		t.Fatalf("Open(%q): %v", dbPath, err)
	}

	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	s.nowFunc = clock.Now

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close(): %v", err)
		}
	})

	return s, clock
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func mustCreate(t *testing.T, s *Store, user, title string) *Task {
	t.Helper()

	task, err := s.CreateTask(context.Background(), user, TaskFields{Title: title})
	require.NoError(t, err)

	return task
}

func TestOpen_ReopenKeepsData(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s, err := Open(ctx, dbPath, testLogger(t))
	require.NoError(t, err)

	task, err := s.CreateTask(ctx, "alice", TaskFields{Title: "persist"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(ctx, dbPath, testLogger(t))
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.GetTask(ctx, "alice", task.ID)
	require.NoError(t, err)
	assert.Equal(t, "persist", got.Title)
}

func TestCreateTask_RevisionsIncreasePerUser(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)

	a := mustCreate(t, s, "alice", "a")
	b := mustCreate(t, s, "alice", "b")
	other := mustCreate(t, s, "bob", "x")

	assert.Equal(t, int64(1), a.Revision)
	assert.Equal(t, int64(2), b.Revision)
	assert.Equal(t, int64(1), other.Revision)

	high, err := s.HighestRevision(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), high)
}

func TestCreateTask_Validation(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	end := start.Add(-time.Hour)

	_, err := s.CreateTask(ctx, "alice", TaskFields{Title: "  "})
	require.ErrorIs(t, err, ErrInvalidTask)

	_, err = s.CreateTask(ctx, "alice", TaskFields{Title: "x", Start: &start})
	require.ErrorIs(t, err, ErrInvalidTask)

	_, err = s.CreateTask(ctx, "alice", TaskFields{Title: "x", Start: &start, End: &end})
	require.ErrorIs(t, err, ErrInvalidTask)
}

func TestUpdateTask_BumpsRevision(t *testing.T) {
	t.Parallel()

	s, clock := newTestStore(t)
	ctx := context.Background()
	task := mustCreate(t, s, "alice", "draft")

	clock.Advance(time.Minute)

	updated, err := s.UpdateTask(ctx, "alice", task.ID, func(f *TaskFields) {
		f.Title = "final"
		f.Completed = true
	})
	require.NoError(t, err)

	assert.Equal(t, "final", updated.Title)
	assert.True(t, updated.Completed)
	assert.Greater(t, updated.Revision, task.Revision)
	assert.Equal(t, clock.now, updated.ModifiedAt)
}

func TestDeleteTask_TombstoneIsFinal(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()
	task := mustCreate(t, s, "alice", "doomed")

	tomb, err := s.DeleteTask(ctx, "alice", task.ID)
	require.NoError(t, err)
	assert.True(t, tomb.Deleted)
	require.NotNil(t, tomb.DeletedAt)

	again, err := s.DeleteTask(ctx, "alice", task.ID)
	require.NoError(t, err)
	assert.Equal(t, tomb.Revision, again.Revision, "second delete must not draw a revision")

	_, err = s.UpdateTask(ctx, "alice", task.ID, func(f *TaskFields) { f.Title = "alive" })
	require.ErrorIs(t, err, ErrTombstoned)

	live, err := s.ListTasks(ctx, "alice", false)
	require.NoError(t, err)
	assert.Empty(t, live)

	all, err := s.ListTasks(ctx, "alice", true)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestCreateTask_Priority(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()
	two := 2

	task, err := s.CreateTask(ctx, "alice", TaskFields{Title: "urgent", Priority: &two})
	require.NoError(t, err)

	got, err := s.GetTask(ctx, "alice", task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Priority)
	assert.Equal(t, 2, *got.Priority)

	got, err = s.UpdateTask(ctx, "alice", task.ID, func(f *TaskFields) { f.Priority = nil })
	require.NoError(t, err)
	assert.Nil(t, got.Priority)

	got, err = s.GetTask(ctx, "alice", task.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Priority)

	negative := -1
	_, err = s.CreateTask(ctx, "alice", TaskFields{Title: "x", Priority: &negative})
	require.ErrorIs(t, err, ErrInvalidTask)
}

func TestFindTasks_FilterAndPage(t *testing.T) {
	t.Parallel()

	s, clock := newTestStore(t)
	ctx := context.Background()

	var ids []string

	for i := range 5 {
		task := mustCreate(t, s, "alice", fmt.Sprintf("task %d", i))
		ids = append(ids, task.ID)
		clock.Advance(time.Second)
	}

	for _, id := range []string{ids[1], ids[3]} {
		_, err := s.UpdateTask(ctx, "alice", id, func(f *TaskFields) { f.Completed = true })
		require.NoError(t, err)
	}

	_, err := s.DeleteTask(ctx, "alice", ids[4])
	require.NoError(t, err)

	mustCreate(t, s, "bob", "not alice's")

	taskIDs := func(tasks []Task) []string {
		out := make([]string, 0, len(tasks))
		for i := range tasks {
			out = append(out, tasks[i].ID)
		}

		return out
	}

	done, open := true, false

	tests := []struct {
		name   string
		filter TaskFilter
		want   []string
	}{
		{"live", TaskFilter{}, ids[:4]},
		{"with tombstones", TaskFilter{IncludeDeleted: true}, ids},
		{"completed", TaskFilter{Completed: &done}, []string{ids[1], ids[3]}},
		{"open", TaskFilter{Completed: &open}, []string{ids[0], ids[2]}},
		{"first page", TaskFilter{Limit: 2}, ids[:2]},
		{"second page", TaskFilter{Offset: 2, Limit: 2}, ids[2:4]},
		{"offset past end", TaskFilter{Offset: 10}, []string{}},
		{"open with tombstones paged", TaskFilter{IncludeDeleted: true, Completed: &open, Offset: 1}, []string{ids[2], ids[4]}},
	}

	for _, tt := range tests {
		got, err := s.FindTasks(ctx, "alice", tt.filter)
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.want, taskIDs(got), tt.name)
	}

	_, err = s.FindTasks(ctx, "alice", TaskFilter{Limit: -1})
	require.Error(t, err)
}

func TestGetTask_NotFound(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)

	_, err := s.GetTask(context.Background(), "alice", "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTasksSince_AscendingWithTombstones(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	a := mustCreate(t, s, "alice", "a")
	b := mustCreate(t, s, "alice", "b")
	_, err := s.DeleteTask(ctx, "alice", a.ID)
	require.NoError(t, err)

	got, err := s.TasksSince(ctx, "alice", b.Revision-1)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, b.ID, got[0].ID)
	assert.Equal(t, a.ID, got[1].ID)
	assert.True(t, got[1].Deleted)
	assert.Less(t, got[0].Revision, got[1].Revision)
}

func TestSyncState_CreatedOnFirstUse(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)

	st, err := s.SyncState(context.Background(), "alice", "primary")
	require.NoError(t, err)

	assert.Nil(t, st.Cursor)
	assert.Zero(t, st.Watermark)
	assert.Nil(t, st.LastSuccess)
	assert.False(t, st.Degraded)
}

func TestCommit_AppliesUnitAtomically(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()
	local := mustCreate(t, s, "alice", "local")

	_, err := s.SyncState(ctx, "alice", "primary")
	require.NoError(t, err)

	remoteTask := Task{ID: "remote-created", Title: "from remote", ModifiedAt: time.Now().UTC()}

	res, err := s.Commit(ctx, &CommitUnit{
		UserID:     "alice",
		CalendarID: "primary",
		Cursor:     []byte("cursor-1"),
		Watermark:  local.Revision,
		Tasks: []TaskWrite{{
			Task:    remoteTask,
			Mapping: &Mapping{RemoteID: "ev-remote", RemoteVersion: "v1"},
		}},
		MappingUpserts: []Mapping{{
			LocalID: local.ID, RemoteID: "ev-local", LastSyncedRevision: local.Revision, RemoteVersion: "v7",
		}},
		Conflicts: []ConflictRecord{{LocalID: local.ID, Kind: ConflictEditEdit, Winner: WinnerLocal}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.TasksWritten)
	assert.Equal(t, 1, res.MappingsWritten)
	assert.Equal(t, 1, res.Conflicts)

	st, err := s.SyncState(ctx, "alice", "primary")
	require.NoError(t, err)
	assert.Equal(t, []byte("cursor-1"), st.Cursor)
	assert.Equal(t, local.Revision, st.Watermark)
	assert.NotNil(t, st.LastSuccess)

	created, err := s.GetTask(ctx, "alice", "remote-created")
	require.NoError(t, err)

	mappings, err := s.Mappings(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, mappings, 2)
	assert.Equal(t, created.Revision, mappings["remote-created"].LastSyncedRevision,
		"engine-written task must be recorded as already synced")
	assert.Equal(t, "ev-local", mappings[local.ID].RemoteID)

	byRemote, err := s.MappingByRemoteID(ctx, "alice", "ev-remote")
	require.NoError(t, err)
	assert.Equal(t, "remote-created", byRemote.LocalID)

	pending, err := s.PendingConflicts(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestCommit_RejectsMovedCursor(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Commit(ctx, &CommitUnit{UserID: "alice", CalendarID: "primary", Cursor: []byte("c1")})
	require.NoError(t, err)

	// A second writer that started from the empty cursor must lose.
	_, err = s.Commit(ctx, &CommitUnit{
		UserID: "alice", CalendarID: "primary", Cursor: []byte("c2"),
		MappingUpserts: []Mapping{{LocalID: "x", RemoteID: "ev"}},
	})
	require.ErrorIs(t, err, ErrCommitConflict)

	st, err := s.SyncState(ctx, "alice", "primary")
	require.NoError(t, err)
	assert.Equal(t, []byte("c1"), st.Cursor)

	mappings, err := s.Mappings(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, mappings, "rejected unit must leave no partial writes")
}

func TestCommit_RejectsConcurrentLocalEdit(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()
	task := mustCreate(t, s, "alice", "v1")

	// User edits after the pass planned against task.Revision.
	_, err := s.UpdateTask(ctx, "alice", task.ID, func(f *TaskFields) { f.Title = "user edit" })
	require.NoError(t, err)

	overwrite := *task
	overwrite.Title = "remote wins"

	_, err = s.Commit(ctx, &CommitUnit{
		UserID: "alice", CalendarID: "primary", Cursor: []byte("c1"),
		Tasks: []TaskWrite{{Task: overwrite, BaseRevision: task.Revision}},
	})
	require.ErrorIs(t, err, ErrCommitConflict)

	got, err := s.GetTask(ctx, "alice", task.ID)
	require.NoError(t, err)
	assert.Equal(t, "user edit", got.Title)
}

func TestCommit_ValidatesLiveTaskWrites(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()
	task := mustCreate(t, s, "alice", "a")

	blank := *task
	blank.Title = "  "

	_, err := s.Commit(ctx, &CommitUnit{
		UserID: "alice", CalendarID: "primary", Cursor: []byte("c1"),
		Tasks: []TaskWrite{{Task: blank, BaseRevision: task.Revision}},
	})
	require.ErrorIs(t, err, ErrInvalidTask)

	st, err := s.SyncState(ctx, "alice", "primary")
	require.NoError(t, err)
	assert.Empty(t, st.Cursor, "rejected unit must not advance the cursor")

	// Tombstones carry whatever content the task had and are not validated.
	blank.Deleted = true

	_, err = s.Commit(ctx, &CommitUnit{
		UserID: "alice", CalendarID: "primary", Cursor: []byte("c1"),
		Tasks: []TaskWrite{{Task: blank, BaseRevision: task.Revision}},
	})
	require.NoError(t, err)

	got, err := s.GetTask(ctx, "alice", task.ID)
	require.NoError(t, err)
	assert.True(t, got.Deleted)
}

func TestCommit_TombstoneAndMappingDelete(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()
	task := mustCreate(t, s, "alice", "a")

	_, err := s.Commit(ctx, &CommitUnit{
		UserID: "alice", CalendarID: "primary", Cursor: []byte("c1"),
		MappingUpserts: []Mapping{{LocalID: task.ID, RemoteID: "ev-a", LastSyncedRevision: task.Revision, RemoteVersion: "v1"}},
	})
	require.NoError(t, err)

	tomb := *task
	tomb.Deleted = true

	_, err = s.Commit(ctx, &CommitUnit{
		UserID: "alice", CalendarID: "primary", BaseCursor: []byte("c1"), Cursor: []byte("c2"),
		Tasks:          []TaskWrite{{Task: tomb, BaseRevision: task.Revision}},
		MappingDeletes: []string{task.ID},
	})
	require.NoError(t, err)

	got, err := s.GetTask(ctx, "alice", task.ID)
	require.NoError(t, err)
	assert.True(t, got.Deleted)

	mappings, err := s.Mappings(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, mappings)
}

func TestRecordFailureAndFlags(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordFailure(ctx, "alice", "primary", "transient", "boom"))
	require.NoError(t, s.RecordFailure(ctx, "alice", "primary", "transient", "boom again"))
	require.NoError(t, s.SetFlags(ctx, "alice", "primary", true, false))

	st, err := s.SyncState(ctx, "alice", "primary")
	require.NoError(t, err)
	assert.Equal(t, 2, st.RetryCount)
	assert.Equal(t, "boom again", st.LastError)
	assert.Equal(t, "transient", st.LastErrorClass)
	assert.True(t, st.Degraded)

	// Success clears the failure bookkeeping.
	_, err = s.Commit(ctx, &CommitUnit{UserID: "alice", CalendarID: "primary", Cursor: []byte("c")})
	require.NoError(t, err)

	st, err = s.SyncState(ctx, "alice", "primary")
	require.NoError(t, err)
	assert.Zero(t, st.RetryCount)
	assert.Empty(t, st.LastError)
	assert.False(t, st.Degraded)
}

func TestPurgeTombstones(t *testing.T) {
	t.Parallel()

	s, clock := newTestStore(t)
	ctx := context.Background()

	propagated := mustCreate(t, s, "alice", "propagated")
	pending := mustCreate(t, s, "alice", "pending")
	alive := mustCreate(t, s, "alice", "alive")

	_, err := s.Commit(ctx, &CommitUnit{
		UserID: "alice", CalendarID: "primary", Cursor: []byte("c1"),
		MappingUpserts: []Mapping{{LocalID: pending.ID, RemoteID: "ev-p", LastSyncedRevision: pending.Revision}},
	})
	require.NoError(t, err)

	_, err = s.DeleteTask(ctx, "alice", propagated.ID)
	require.NoError(t, err)
	_, err = s.DeleteTask(ctx, "alice", pending.ID)
	require.NoError(t, err)

	clock.Advance(48 * time.Hour)

	n, err := s.PurgeTombstones(ctx, "alice", clock.now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetTask(ctx, "alice", propagated.ID)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetTask(ctx, "alice", pending.ID)
	require.NoError(t, err, "tombstone with an unpropagated mapping must survive")

	_, err = s.GetTask(ctx, "alice", alive.ID)
	require.NoError(t, err)
}

func TestConnect_CalendarSwitchResetsState(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Connect(ctx, &Credential{UserID: "alice", CalendarID: "work", RefreshToken: "r1"}))

	_, err := s.Commit(ctx, &CommitUnit{
		UserID: "alice", CalendarID: "work", Cursor: []byte("c1"),
		MappingUpserts: []Mapping{{LocalID: "x", RemoteID: "ev"}},
	})
	require.NoError(t, err)
	require.NoError(t, s.SetFlags(ctx, "alice", "work", false, true))

	// Same calendar: state kept, suspension lifted.
	require.NoError(t, s.Connect(ctx, &Credential{UserID: "alice", CalendarID: "work", RefreshToken: "r2"}))

	st, err := s.SyncState(ctx, "alice", "work")
	require.NoError(t, err)
	assert.False(t, st.Suspended)
	assert.Equal(t, []byte("c1"), st.Cursor)

	// Different calendar: mappings dropped.
	require.NoError(t, s.Connect(ctx, &Credential{UserID: "alice", CalendarID: "home", RefreshToken: "r3"}))

	mappings, err := s.Mappings(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, mappings)

	cred, err := s.Credential(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "home", cred.CalendarID)
	assert.Equal(t, "r3", cred.RefreshToken)

	accounts, err := s.Accounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Account{{UserID: "alice", CalendarID: "home"}}, accounts)
}

func TestSaveTokens(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()
	expiry := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.ErrorIs(t, s.SaveTokens(ctx, "ghost", "a", "r", expiry), ErrNotFound)

	require.NoError(t, s.Connect(ctx, &Credential{UserID: "alice", CalendarID: "primary", RefreshToken: "r"}))
	require.NoError(t, s.SaveTokens(ctx, "alice", "access-2", "refresh-2", expiry))

	cred, err := s.Credential(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "access-2", cred.AccessToken)
	assert.Equal(t, "refresh-2", cred.RefreshToken)
	assert.True(t, expiry.Equal(cred.Expiry))
}

func TestDisconnect(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()
	task := mustCreate(t, s, "alice", "stays")

	require.NoError(t, s.Connect(ctx, &Credential{UserID: "alice", CalendarID: "primary"}))
	require.NoError(t, s.RecordFailure(ctx, "alice", "primary", "transient", "x"))
	require.NoError(t, s.Disconnect(ctx, "alice"))

	_, err := s.Credential(ctx, "alice")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetTask(ctx, "alice", task.ID)
	require.NoError(t, err)
}

func TestAcknowledgeConflicts(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Commit(ctx, &CommitUnit{
		UserID: "alice", CalendarID: "primary", Cursor: []byte("c1"),
		Conflicts: []ConflictRecord{
			{ID: "c-1", LocalID: "a", Kind: ConflictEditEdit, Winner: WinnerRemote},
			{ID: "c-2", LocalID: "b", Kind: ConflictEditDelete, Winner: WinnerDeletion},
		},
	})
	require.NoError(t, err)

	n, err := s.AcknowledgeConflicts(ctx, "alice", "c-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := s.ListConflicts(ctx, "alice", true)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "c-2", pending[0].ID)

	n, err = s.AcknowledgeConflicts(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	count, err := s.PendingConflicts(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, count)

	all, err := s.ListConflicts(ctx, "alice", false)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestWrapErr_MarksDeadlineUnavailable(t *testing.T) {
	t.Parallel()

	err := wrapErr("op", fmt.Errorf("query: %w", context.DeadlineExceeded))
	require.ErrorIs(t, err, ErrUnavailable)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	plain := wrapErr("op", errors.New("syntax error"))
	assert.NotErrorIs(t, plain, ErrUnavailable)
	assert.NoError(t, wrapErr("op", nil))
}
