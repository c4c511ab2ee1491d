package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Mapping links one local task to its remote calendar event. RemoteID is
// empty until the first successful push. LastSyncedRevision is the local
// revision the remote side last agreed with, and RemoteVersion the remote
// version observed at that moment.
type Mapping struct {
	UserID             string    `json:"user_id"`
	LocalID            string    `json:"local_id"`
	RemoteID           string    `json:"remote_id,omitempty"`
	LastSyncedRevision int64     `json:"last_synced_revision"`
	RemoteVersion      string    `json:"remote_version,omitempty"`
	UpdatedAt          time.Time `json:"updated_at"`
}

const (
	sqlListMappings = `SELECT user_id, local_id, remote_id, last_synced_revision,
		remote_version, updated_at FROM item_mappings WHERE user_id = ?`

	sqlMappingByRemote = `SELECT user_id, local_id, remote_id, last_synced_revision,
		remote_version, updated_at FROM item_mappings WHERE user_id = ? AND remote_id = ?`

	sqlUpsertMapping = `INSERT INTO item_mappings
		(user_id, local_id, remote_id, last_synced_revision, remote_version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, local_id) DO UPDATE SET
		 remote_id = excluded.remote_id,
		 last_synced_revision = excluded.last_synced_revision,
		 remote_version = excluded.remote_version,
		 updated_at = excluded.updated_at`

	sqlDeleteMapping = `DELETE FROM item_mappings WHERE user_id = ? AND local_id = ?`
)

func scanMapping(row rowScanner) (*Mapping, error) {
	var (
		m        Mapping
		remoteID sql.NullString
		version  sql.NullString
		updated  int64
	)

	if err := row.Scan(&m.UserID, &m.LocalID, &remoteID, &m.LastSyncedRevision, &version, &updated); err != nil {
		return nil, err
	}

	m.RemoteID = remoteID.String
	m.RemoteVersion = version.String
	m.UpdatedAt = fromNanos(updated)

	return &m, nil
}

// Mappings returns every mapping of userID keyed by local id.
func (s *Store) Mappings(ctx context.Context, userID string) (map[string]*Mapping, error) {
	rows, err := s.db.QueryContext(ctx, sqlListMappings, userID)
	if err != nil {
		return nil, wrapErr("list mappings", err)
	}
	defer rows.Close()

	out := make(map[string]*Mapping)

	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, wrapErr("list mappings: scan", err)
		}

		out[m.LocalID] = m
	}

	if err := rows.Err(); err != nil {
		return nil, wrapErr("list mappings: iterate", err)
	}

	return out, nil
}

// MappingByRemoteID looks a mapping up from the remote side.
func (s *Store) MappingByRemoteID(ctx context.Context, userID, remoteID string) (*Mapping, error) {
	m, err := scanMapping(s.db.QueryRowContext(ctx, sqlMappingByRemote, userID, remoteID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mapping for remote %s: %w", remoteID, ErrNotFound)
	}

	if err != nil {
		return nil, wrapErr("mapping by remote id", err)
	}

	return m, nil
}

func upsertMapping(ctx context.Context, tx *sql.Tx, m *Mapping, updatedAt int64) error {
	_, err := tx.ExecContext(ctx, sqlUpsertMapping,
		m.UserID, m.LocalID, nullString(m.RemoteID), m.LastSyncedRevision,
		nullString(m.RemoteVersion), updatedAt)
	if err != nil {
		return fmt.Errorf("upserting mapping for %s: %w", m.LocalID, err)
	}

	return nil
}

func deleteMapping(ctx context.Context, tx *sql.Tx, userID, localID string) error {
	if _, err := tx.ExecContext(ctx, sqlDeleteMapping, userID, localID); err != nil {
		return fmt.Errorf("deleting mapping for %s: %w", localID, err)
	}

	return nil
}
