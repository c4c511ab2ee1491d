package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// SyncState is the per-user, per-calendar synchronization bookkeeping.
// Cursor is opaque remote state; it only moves inside Commit.
type SyncState struct {
	UserID         string
	CalendarID     string
	Cursor         []byte
	Watermark      int64
	LastSuccess    *time.Time
	LastError      string
	LastErrorClass string
	LastErrorAt    *time.Time
	RetryCount     int
	Degraded       bool
	Suspended      bool
	UpdatedAt      time.Time
}

const (
	sqlGetSyncState = `SELECT user_id, calendar_id, cursor, watermark, last_success, last_error,
		last_error_class, last_error_at, retry_count, degraded, suspended, updated_at
		FROM sync_state WHERE user_id = ? AND calendar_id = ?`

	sqlEnsureSyncState = `INSERT INTO sync_state (user_id, calendar_id, updated_at)
		VALUES (?, ?, ?) ON CONFLICT(user_id, calendar_id) DO NOTHING`

	sqlRecordFailure = `UPDATE sync_state SET last_error = ?, last_error_class = ?,
		last_error_at = ?, retry_count = retry_count + 1, updated_at = ?
		WHERE user_id = ? AND calendar_id = ?`

	sqlSetFlags = `UPDATE sync_state SET degraded = ?, suspended = ?, updated_at = ?
		WHERE user_id = ? AND calendar_id = ?`

	sqlCommitState = `UPDATE sync_state SET cursor = ?, watermark = ?, last_success = ?,
		last_error = NULL, last_error_class = NULL, last_error_at = NULL, retry_count = 0,
		degraded = 0, suspended = 0, updated_at = ?
		WHERE user_id = ? AND calendar_id = ?`
)

func scanSyncState(row rowScanner) (*SyncState, error) {
	var (
		st          SyncState
		lastSuccess sql.NullInt64
		lastError   sql.NullString
		errClass    sql.NullString
		lastErrorAt sql.NullInt64
		degraded    int
		suspended   int
		updated     int64
	)

	err := row.Scan(&st.UserID, &st.CalendarID, &st.Cursor, &st.Watermark, &lastSuccess,
		&lastError, &errClass, &lastErrorAt, &st.RetryCount, &degraded, &suspended, &updated)
	if err != nil {
		return nil, err
	}

	st.LastSuccess = timePtr(lastSuccess)
	st.LastError = lastError.String
	st.LastErrorClass = errClass.String
	st.LastErrorAt = timePtr(lastErrorAt)
	st.Degraded = degraded != 0
	st.Suspended = suspended != 0
	st.UpdatedAt = fromNanos(updated)

	return &st, nil
}

// SyncState returns the sync state for (userID, calendarID), creating an
// empty one on first use.
func (s *Store) SyncState(ctx context.Context, userID, calendarID string) (*SyncState, error) {
	var st *SyncState

	err := s.inTx(ctx, "sync state", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, sqlEnsureSyncState, userID, calendarID,
			s.nowFunc().UnixNano()); err != nil {
			return err
		}

		var err error
		st, err = scanSyncState(tx.QueryRowContext(ctx, sqlGetSyncState, userID, calendarID))

		return err
	})

	return st, err
}

// RecordFailure stores the outcome of a failed pass and bumps the retry count.
// The cursor and watermark are left untouched.
func (s *Store) RecordFailure(ctx context.Context, userID, calendarID, class, message string) error {
	now := s.nowFunc().UnixNano()

	return s.inTx(ctx, "record failure", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, sqlEnsureSyncState, userID, calendarID, now); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, sqlRecordFailure, message, class, now, now, userID, calendarID)

		return err
	})
}

// SetFlags records the scheduler's verdict on a user: degraded (retries
// exhausted) and suspended (waiting for re-authorization).
func (s *Store) SetFlags(ctx context.Context, userID, calendarID string, degraded, suspended bool) error {
	now := s.nowFunc().UnixNano()

	return s.inTx(ctx, "set flags", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, sqlEnsureSyncState, userID, calendarID, now); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, sqlSetFlags, boolInt(degraded), boolInt(suspended), now,
			userID, calendarID)

		return err
	})
}

// TaskWrite is a local task change produced by a sync pass. BaseRevision is
// the revision the pass saw when planning (0 when the task did not exist);
// the write is rejected if the task has moved on since. Mapping, when set,
// is stored with LastSyncedRevision equal to the revision the write draws,
// so the change tracker does not echo the write back to the remote.
type TaskWrite struct {
	Task         Task
	BaseRevision int64
	Mapping      *Mapping
}

// CommitUnit is everything one sync pass changes, applied atomically.
type CommitUnit struct {
	UserID     string
	CalendarID string

	// BaseCursor is the cursor the pass started from. The commit is
	// rejected if another writer advanced the cursor in the meantime.
	BaseCursor []byte
	Cursor     []byte
	Watermark  int64

	Tasks          []TaskWrite
	MappingUpserts []Mapping
	MappingDeletes []string // local ids
	Conflicts      []ConflictRecord
}

// CommitResult reports what a commit wrote.
type CommitResult struct {
	TasksWritten    int
	MappingsWritten int
	MappingsDeleted int
	Conflicts       int
}

// Commit applies unit in a single transaction. Either everything lands or
// nothing does. ErrCommitConflict means the stored cursor or a task revision
// no longer matches what the pass planned against.
func (s *Store) Commit(ctx context.Context, unit *CommitUnit) (*CommitResult, error) {
	res := &CommitResult{}
	nowTime := s.nowFunc().UTC()
	now := nowTime.UnixNano()

	err := s.inTx(ctx, "commit", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, sqlEnsureSyncState, unit.UserID, unit.CalendarID, now); err != nil {
			return err
		}

		st, err := scanSyncState(tx.QueryRowContext(ctx, sqlGetSyncState, unit.UserID, unit.CalendarID))
		if err != nil {
			return err
		}

		if !bytes.Equal(st.Cursor, unit.BaseCursor) {
			return fmt.Errorf("%w: cursor moved since the pass started", ErrCommitConflict)
		}

		for i := range unit.Tasks {
			if err := s.commitTask(ctx, tx, unit.UserID, &unit.Tasks[i], nowTime); err != nil {
				return err
			}

			res.TasksWritten++
		}

		for i := range unit.MappingUpserts {
			m := unit.MappingUpserts[i]
			m.UserID = unit.UserID

			if err := upsertMapping(ctx, tx, &m, now); err != nil {
				return err
			}

			res.MappingsWritten++
		}

		for _, localID := range unit.MappingDeletes {
			if err := deleteMapping(ctx, tx, unit.UserID, localID); err != nil {
				return err
			}

			res.MappingsDeleted++
		}

		for i := range unit.Conflicts {
			c := unit.Conflicts[i]
			c.UserID = unit.UserID

			if err := insertConflict(ctx, tx, &c, now); err != nil {
				return err
			}

			res.Conflicts++
		}

		watermark := max(unit.Watermark, st.Watermark)

		_, err = tx.ExecContext(ctx, sqlCommitState, unit.Cursor, watermark, now, now,
			unit.UserID, unit.CalendarID)

		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("sync pass committed",
		slog.String("user", unit.UserID),
		slog.Int("tasks", res.TasksWritten),
		slog.Int("mappings_written", res.MappingsWritten),
		slog.Int("mappings_deleted", res.MappingsDeleted),
		slog.Int("conflicts", res.Conflicts),
	)

	return res, nil
}

// commitTask writes one TaskWrite under the optimistic revision check.
func (s *Store) commitTask(ctx context.Context, tx *sql.Tx, userID string, w *TaskWrite, now time.Time) error {
	t := w.Task
	t.UserID = userID

	cur, err := getTaskTx(ctx, tx, userID, t.ID)

	switch {
	case errors.Is(err, ErrNotFound):
		if w.BaseRevision != 0 {
			return fmt.Errorf("%w: task %s vanished", ErrCommitConflict, t.ID)
		}

		cur = nil
	case err != nil:
		return err
	case cur.Revision != w.BaseRevision:
		return fmt.Errorf("%w: task %s at revision %d, planned against %d",
			ErrCommitConflict, t.ID, cur.Revision, w.BaseRevision)
	case cur.Deleted && !t.Deleted:
		return fmt.Errorf("task %s: %w", t.ID, ErrTombstoned)
	}

	if !t.Deleted {
		f := t.Fields()
		if err := f.Validate(); err != nil {
			return err
		}
	}

	rev, err := nextRevision(ctx, tx, userID)
	if err != nil {
		return err
	}

	t.Revision = rev

	if t.Deleted && t.DeletedAt == nil {
		t.DeletedAt = &now
	}

	if t.ModifiedAt.IsZero() {
		t.ModifiedAt = now
	}

	if cur == nil {
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}

		err = insertTask(ctx, tx, &t)
	} else {
		err = updateTask(ctx, tx, &t)
	}

	if err != nil {
		return err
	}

	if w.Mapping != nil {
		m := *w.Mapping
		m.UserID = userID
		m.LocalID = t.ID
		m.LastSyncedRevision = rev

		return upsertMapping(ctx, tx, &m, now.UnixNano())
	}

	return nil
}

// PurgeTombstones permanently removes tombstones older than before whose
// deletion has already reached the remote (no mapping left, or a mapping
// that already agreed with the tombstone revision). Returns the number of
// tasks removed.
func (s *Store) PurgeTombstones(ctx context.Context, userID string, before time.Time) (int, error) {
	var n int

	err := s.inTx(ctx, "purge tombstones", func(tx *sql.Tx) error {
		cond := `t.user_id = ? AND t.deleted_at IS NOT NULL AND t.deleted_at < ?
			AND NOT EXISTS (SELECT 1 FROM item_mappings m
				WHERE m.user_id = t.user_id AND m.local_id = t.id
				AND m.last_synced_revision < t.revision)`

		if _, err := tx.ExecContext(ctx, `DELETE FROM item_mappings WHERE user_id = ? AND local_id IN
			(SELECT t.id FROM tasks t WHERE `+cond+`)`, userID, userID, before.UnixNano()); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM tasks AS t WHERE `+cond, userID, before.UnixNano())
		if err != nil {
			return err
		}

		affected, err := res.RowsAffected()
		n = int(affected)

		return err
	})

	return n, err
}
