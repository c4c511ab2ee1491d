package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Conflict kinds.
const (
	ConflictEditEdit   = "edit_edit"   // both sides edited
	ConflictDeleteEdit = "delete_edit" // local tombstone vs remote edit
	ConflictEditDelete = "edit_delete" // local edit vs remote deletion
)

// Conflict winners.
const (
	WinnerLocal    = "local"
	WinnerRemote   = "remote"
	WinnerDeletion = "deletion"
)

// ConflictRecord is one automatically resolved conflict kept for review.
type ConflictRecord struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	LocalID        string    `json:"local_id"`
	RemoteID       string    `json:"remote_id,omitempty"`
	Kind           string    `json:"kind"`
	Winner         string    `json:"winner"`
	LocalModified  time.Time `json:"local_modified"`
	RemoteModified time.Time `json:"remote_modified"`
	DetectedAt     time.Time `json:"detected_at"`
	Acknowledged   bool      `json:"acknowledged"`
}

const (
	sqlInsertConflict = `INSERT INTO conflicts
		(id, user_id, local_id, remote_id, kind, winner, local_modified, remote_modified,
		 detected_at, acknowledged)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`

	sqlListConflicts = `SELECT id, user_id, local_id, remote_id, kind, winner, local_modified,
		remote_modified, detected_at, acknowledged FROM conflicts WHERE user_id = ?`

	sqlPendingConflicts = `SELECT COUNT(*) FROM conflicts WHERE user_id = ? AND acknowledged = 0`
)

func insertConflict(ctx context.Context, tx *sql.Tx, c *ConflictRecord, detectedAt int64) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}

	_, err := tx.ExecContext(ctx, sqlInsertConflict,
		c.ID, c.UserID, c.LocalID, nullString(c.RemoteID), c.Kind, c.Winner,
		nullTime(&c.LocalModified), nullTime(&c.RemoteModified), detectedAt)
	if err != nil {
		return fmt.Errorf("inserting conflict for %s: %w", c.LocalID, err)
	}

	return nil
}

// ListConflicts returns the user's conflict log, newest first. With
// pendingOnly, acknowledged records are omitted.
func (s *Store) ListConflicts(ctx context.Context, userID string, pendingOnly bool) ([]ConflictRecord, error) {
	q := sqlListConflicts
	if pendingOnly {
		q += ` AND acknowledged = 0`
	}

	q += ` ORDER BY detected_at DESC, id`

	rows, err := s.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, wrapErr("list conflicts", err)
	}
	defer rows.Close()

	var out []ConflictRecord

	for rows.Next() {
		var (
			c              ConflictRecord
			remoteID       sql.NullString
			localModified  sql.NullInt64
			remoteModified sql.NullInt64
			detected       int64
			acked          int
		)

		if err := rows.Scan(&c.ID, &c.UserID, &c.LocalID, &remoteID, &c.Kind, &c.Winner,
			&localModified, &remoteModified, &detected, &acked); err != nil {
			return nil, wrapErr("list conflicts: scan", err)
		}

		c.RemoteID = remoteID.String

		if t := timePtr(localModified); t != nil {
			c.LocalModified = *t
		}

		if t := timePtr(remoteModified); t != nil {
			c.RemoteModified = *t
		}

		c.DetectedAt = fromNanos(detected)
		c.Acknowledged = acked != 0
		out = append(out, c)
	}

	if err := rows.Err(); err != nil {
		return nil, wrapErr("list conflicts: iterate", err)
	}

	return out, nil
}

// PendingConflicts counts the user's unacknowledged conflicts.
func (s *Store) PendingConflicts(ctx context.Context, userID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, sqlPendingConflicts, userID).Scan(&n); err != nil {
		return 0, wrapErr("pending conflicts", err)
	}

	return n, nil
}

// AcknowledgeConflicts marks the given conflicts reviewed. With no ids, all
// of the user's pending conflicts are acknowledged. Returns the number of
// records changed.
func (s *Store) AcknowledgeConflicts(ctx context.Context, userID string, ids ...string) (int, error) {
	q := `UPDATE conflicts SET acknowledged = 1 WHERE user_id = ? AND acknowledged = 0`
	args := []any{userID}

	if len(ids) > 0 {
		q += ` AND id IN (?` + strings.Repeat(", ?", len(ids)-1) + `)`

		for _, id := range ids {
			args = append(args, id)
		}
	}

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, wrapErr("acknowledge conflicts", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapErr("acknowledge conflicts", err)
	}

	return int(n), nil
}
