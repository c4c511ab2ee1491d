package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Task is the local record of a task or event owned by one user. Revision
// is drawn from the owner's revision sequence on every mutation, so it is
// strictly greater than any revision the owner had before. A tombstoned task
// (Deleted) is never brought back; re-creation uses a new ID.
type Task struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Start       *time.Time `json:"start,omitempty"`
	End         *time.Time `json:"end,omitempty"`
	Completed   bool       `json:"completed"`
	Priority    *int       `json:"priority,omitempty"`
	Revision    int64      `json:"revision"`
	Deleted     bool       `json:"deleted,omitempty"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ModifiedAt  time.Time  `json:"modified_at"`
}

// Fields returns the user-editable content of the task.
func (t *Task) Fields() TaskFields {
	return TaskFields{
		Title:       t.Title,
		Description: t.Description,
		Start:       t.Start,
		End:         t.End,
		Completed:   t.Completed,
		Priority:    t.Priority,
	}
}

// TaskFields is the user-editable content of a task. Priority is optional;
// lower values are more urgent.
type TaskFields struct {
	Title       string
	Description string
	Start       *time.Time
	End         *time.Time
	Completed   bool
	Priority    *int
}

// Validate checks the content invariants shared by local edits and remote
// applies.
func (f *TaskFields) Validate() error {
	if strings.TrimSpace(f.Title) == "" {
		return fmt.Errorf("%w: title must not be empty", ErrInvalidTask)
	}

	if (f.Start == nil) != (f.End == nil) {
		return fmt.Errorf("%w: start and end must be set together", ErrInvalidTask)
	}

	if f.Start != nil && f.End.Before(*f.Start) {
		return fmt.Errorf("%w: end %s before start %s", ErrInvalidTask,
			f.End.Format(time.RFC3339), f.Start.Format(time.RFC3339))
	}

	if f.Priority != nil && *f.Priority < 0 {
		return fmt.Errorf("%w: priority %d is negative", ErrInvalidTask, *f.Priority)
	}

	return nil
}

// TaskFilter selects and pages the tasks FindTasks returns. A nil
// Completed matches both states. Limit 0 means no limit.
type TaskFilter struct {
	IncludeDeleted bool
	Completed      *bool
	Offset         int
	Limit          int
}

const (
	sqlTaskColumns = `id, user_id, title, description, start_at, end_at, completed,
		revision, deleted_at, created_at, modified_at, priority`

	sqlNextRevision = `INSERT INTO user_revisions (user_id, last_revision) VALUES (?, 1)
		ON CONFLICT(user_id) DO UPDATE SET last_revision = last_revision + 1
		RETURNING last_revision`

	sqlMaxRevision = `SELECT COALESCE(MAX(last_revision), 0) FROM user_revisions WHERE user_id = ?`

	sqlInsertTask = `INSERT INTO tasks (` + sqlTaskColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlUpdateTask = `UPDATE tasks SET title = ?, description = ?, start_at = ?, end_at = ?,
		completed = ?, revision = ?, deleted_at = ?, modified_at = ?, priority = ?
		WHERE user_id = ? AND id = ?`

	sqlGetTask = `SELECT ` + sqlTaskColumns + ` FROM tasks WHERE user_id = ? AND id = ?`

	sqlFindTasks = `SELECT ` + sqlTaskColumns + ` FROM tasks
		WHERE user_id = ?
		  AND (? = 1 OR deleted_at IS NULL)
		  AND (? IS NULL OR completed = ?)
		ORDER BY created_at, id
		LIMIT ? OFFSET ?`

	sqlTasksSince = `SELECT ` + sqlTaskColumns + ` FROM tasks
		WHERE user_id = ? AND revision > ? ORDER BY revision`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t         Task
		start     sql.NullInt64
		end       sql.NullInt64
		deletedAt sql.NullInt64
		priority  sql.NullInt64
		completed int
		created   int64
		modified  int64
	)

	err := row.Scan(&t.ID, &t.UserID, &t.Title, &t.Description, &start, &end, &completed,
		&t.Revision, &deletedAt, &created, &modified, &priority)
	if err != nil {
		return nil, err
	}

	t.Start = timePtr(start)
	t.End = timePtr(end)
	t.Completed = completed != 0
	t.DeletedAt = timePtr(deletedAt)
	t.Deleted = deletedAt.Valid
	t.CreatedAt = fromNanos(created)
	t.ModifiedAt = fromNanos(modified)

	if priority.Valid {
		p := int(priority.Int64)
		t.Priority = &p
	}

	return &t, nil
}

// nextRevision draws the next value from the user's revision sequence.
func nextRevision(ctx context.Context, tx *sql.Tx, userID string) (int64, error) {
	var rev int64
	if err := tx.QueryRowContext(ctx, sqlNextRevision, userID).Scan(&rev); err != nil {
		return 0, fmt.Errorf("drawing revision: %w", err)
	}

	return rev, nil
}

func getTaskTx(ctx context.Context, tx *sql.Tx, userID, id string) (*Task, error) {
	t, err := scanTask(tx.QueryRowContext(ctx, sqlGetTask, userID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}

	return t, err
}

func insertTask(ctx context.Context, tx *sql.Tx, t *Task) error {
	_, err := tx.ExecContext(ctx, sqlInsertTask,
		t.ID, t.UserID, t.Title, t.Description, nullTime(t.Start), nullTime(t.End),
		boolInt(t.Completed), t.Revision, nullTime(t.DeletedAt),
		t.CreatedAt.UnixNano(), t.ModifiedAt.UnixNano(), nullInt(t.Priority))
	if err != nil {
		return fmt.Errorf("inserting task %s: %w", t.ID, err)
	}

	return nil
}

func updateTask(ctx context.Context, tx *sql.Tx, t *Task) error {
	_, err := tx.ExecContext(ctx, sqlUpdateTask,
		t.Title, t.Description, nullTime(t.Start), nullTime(t.End), boolInt(t.Completed),
		t.Revision, nullTime(t.DeletedAt), t.ModifiedAt.UnixNano(), nullInt(t.Priority), t.UserID, t.ID)
	if err != nil {
		return fmt.Errorf("updating task %s: %w", t.ID, err)
	}

	return nil
}

// CreateTask stores a new task for userID with a fresh ID and revision.
func (s *Store) CreateTask(ctx context.Context, userID string, f TaskFields) (*Task, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	now := s.nowFunc().UTC()
	t := &Task{
		ID:          uuid.New().String(),
		UserID:      userID,
		Title:       f.Title,
		Description: f.Description,
		Start:       f.Start,
		End:         f.End,
		Completed:   f.Completed,
		Priority:    f.Priority,
		CreatedAt:   now,
		ModifiedAt:  now,
	}

	err := s.inTx(ctx, "create task", func(tx *sql.Tx) error {
		rev, err := nextRevision(ctx, tx, userID)
		if err != nil {
			return err
		}

		t.Revision = rev

		return insertTask(ctx, tx, t)
	})
	if err != nil {
		return nil, err
	}

	return t, nil
}

// UpdateTask applies mutate to the task's current content and stores the
// result under a new revision. Tombstoned tasks cannot be updated.
func (s *Store) UpdateTask(
	ctx context.Context, userID, id string, mutate func(*TaskFields),
) (*Task, error) {
	var out *Task

	err := s.inTx(ctx, "update task", func(tx *sql.Tx) error {
		t, err := getTaskTx(ctx, tx, userID, id)
		if err != nil {
			return err
		}

		if t.Deleted {
			return fmt.Errorf("task %s: %w", id, ErrTombstoned)
		}

		f := t.Fields()
		mutate(&f)

		if err := f.Validate(); err != nil {
			return err
		}

		rev, err := nextRevision(ctx, tx, userID)
		if err != nil {
			return err
		}

		t.Title, t.Description, t.Start, t.End, t.Completed = f.Title, f.Description, f.Start, f.End, f.Completed
		t.Priority = f.Priority
		t.Revision = rev
		t.ModifiedAt = s.nowFunc().UTC()

		if err := updateTask(ctx, tx, t); err != nil {
			return err
		}

		out = t

		return nil
	})

	return out, err
}

// DeleteTask tombstones the task. Deleting an existing tombstone is a no-op
// that returns the tombstone unchanged.
func (s *Store) DeleteTask(ctx context.Context, userID, id string) (*Task, error) {
	var out *Task

	err := s.inTx(ctx, "delete task", func(tx *sql.Tx) error {
		t, err := getTaskTx(ctx, tx, userID, id)
		if err != nil {
			return err
		}

		if t.Deleted {
			out = t
			return nil
		}

		rev, err := nextRevision(ctx, tx, userID)
		if err != nil {
			return err
		}

		now := s.nowFunc().UTC()
		t.Revision = rev
		t.Deleted = true
		t.DeletedAt = &now
		t.ModifiedAt = now

		if err := updateTask(ctx, tx, t); err != nil {
			return err
		}

		out = t

		return nil
	})

	return out, err
}

// GetTask returns a task including tombstones.
func (s *Store) GetTask(ctx context.Context, userID, id string) (*Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, sqlGetTask, userID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}

	if err != nil {
		return nil, wrapErr("get task", err)
	}

	return t, nil
}

// ListTasks returns the user's tasks in creation order.
func (s *Store) ListTasks(ctx context.Context, userID string, includeDeleted bool) ([]Task, error) {
	return s.FindTasks(ctx, userID, TaskFilter{IncludeDeleted: includeDeleted})
}

// FindTasks returns the user's tasks matching filter, in creation order.
func (s *Store) FindTasks(ctx context.Context, userID string, filter TaskFilter) ([]Task, error) {
	if filter.Offset < 0 || filter.Limit < 0 {
		return nil, fmt.Errorf("store: find tasks: negative offset %d or limit %d", filter.Offset, filter.Limit)
	}

	var completed sql.NullInt64
	if filter.Completed != nil {
		completed = sql.NullInt64{Int64: int64(boolInt(*filter.Completed)), Valid: true}
	}

	limit := int64(-1) // SQLite: no limit
	if filter.Limit > 0 {
		limit = int64(filter.Limit)
	}

	return s.queryTasks(ctx, "find tasks", sqlFindTasks,
		userID, boolInt(filter.IncludeDeleted), completed, completed, limit, filter.Offset)
}

// TasksSince returns every task whose revision is greater than watermark,
// tombstones included, in ascending revision order.
func (s *Store) TasksSince(ctx context.Context, userID string, watermark int64) ([]Task, error) {
	return s.queryTasks(ctx, "tasks since", sqlTasksSince, userID, watermark)
}

// HighestRevision returns the last revision drawn for userID, or 0.
func (s *Store) HighestRevision(ctx context.Context, userID string) (int64, error) {
	var rev int64
	if err := s.db.QueryRowContext(ctx, sqlMaxRevision, userID).Scan(&rev); err != nil {
		return 0, wrapErr("highest revision", err)
	}

	return rev, nil
}

func (s *Store) queryTasks(ctx context.Context, op, q string, args ...any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrapErr(op, err)
	}
	defer rows.Close()

	var tasks []Task

	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, wrapErr(op+": scan", err)
		}

		tasks = append(tasks, *t)
	}

	if err := rows.Err(); err != nil {
		return nil, wrapErr(op+": iterate", err)
	}

	return tasks, nil
}
