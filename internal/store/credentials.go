package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Credential is the OAuth grant a user gave for their remote calendar.
type Credential struct {
	UserID       string
	CalendarID   string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	UpdatedAt    time.Time
}

// Account is a connected user and the calendar they sync against.
type Account struct {
	UserID     string
	CalendarID string
}

const (
	sqlGetCredential = `SELECT user_id, calendar_id, access_token, refresh_token, expiry, updated_at
		FROM credentials WHERE user_id = ?`

	sqlUpsertCredential = `INSERT INTO credentials
		(user_id, calendar_id, access_token, refresh_token, expiry, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
		 calendar_id = excluded.calendar_id,
		 access_token = excluded.access_token,
		 refresh_token = excluded.refresh_token,
		 expiry = excluded.expiry,
		 updated_at = excluded.updated_at`

	sqlUpdateTokens = `UPDATE credentials SET access_token = ?, refresh_token = ?, expiry = ?,
		updated_at = ? WHERE user_id = ?`

	sqlListAccounts = `SELECT user_id, calendar_id FROM credentials ORDER BY user_id`

	sqlClearSuspension = `UPDATE sync_state SET suspended = 0, updated_at = ?
		WHERE user_id = ? AND calendar_id = ?`
)

// Credential returns the stored credential for userID.
func (s *Store) Credential(ctx context.Context, userID string) (*Credential, error) {
	var (
		c       Credential
		expiry  sql.NullInt64
		updated int64
	)

	err := s.db.QueryRowContext(ctx, sqlGetCredential, userID).Scan(
		&c.UserID, &c.CalendarID, &c.AccessToken, &c.RefreshToken, &expiry, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("credential for %s: %w", userID, ErrNotFound)
	}

	if err != nil {
		return nil, wrapErr("get credential", err)
	}

	if t := timePtr(expiry); t != nil {
		c.Expiry = *t
	}

	c.UpdatedAt = fromNanos(updated)

	return &c, nil
}

// SaveTokens atomically replaces the token pair of an existing credential.
// Called after every successful refresh.
func (s *Store) SaveTokens(ctx context.Context, userID, access, refresh string, expiry time.Time) error {
	return s.inTx(ctx, "save tokens", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlUpdateTokens, access, refresh, nullTime(&expiry),
			s.nowFunc().UnixNano(), userID)
		if err != nil {
			return err
		}

		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("credential for %s: %w", userID, ErrNotFound)
		}

		return nil
	})
}

// Connect stores a newly granted credential. Switching to a different
// calendar discards the mappings and sync state of the previous one, since
// they describe events that no longer belong to this user's remote. Any
// auth suspension on the target calendar is lifted.
func (s *Store) Connect(ctx context.Context, c *Credential) error {
	now := s.nowFunc().UnixNano()

	return s.inTx(ctx, "connect", func(tx *sql.Tx) error {
		var prevCalendar string

		err := tx.QueryRowContext(ctx, `SELECT calendar_id FROM credentials WHERE user_id = ?`,
			c.UserID).Scan(&prevCalendar)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		if prevCalendar != "" && prevCalendar != c.CalendarID {
			s.logger.Info("calendar changed, discarding previous sync state",
				slog.String("user", c.UserID),
				slog.String("old_calendar", prevCalendar),
				slog.String("new_calendar", c.CalendarID),
			)

			if _, err := tx.ExecContext(ctx, `DELETE FROM item_mappings WHERE user_id = ?`, c.UserID); err != nil {
				return err
			}

			if _, err := tx.ExecContext(ctx, `DELETE FROM sync_state WHERE user_id = ?`, c.UserID); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, sqlUpsertCredential, c.UserID, c.CalendarID,
			c.AccessToken, c.RefreshToken, nullTime(&c.Expiry), now); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, sqlClearSuspension, now, c.UserID, c.CalendarID)

		return err
	})
}

// Accounts lists every connected user.
func (s *Store) Accounts(ctx context.Context) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx, sqlListAccounts)
	if err != nil {
		return nil, wrapErr("list accounts", err)
	}
	defer rows.Close()

	var out []Account

	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.UserID, &a.CalendarID); err != nil {
			return nil, wrapErr("list accounts: scan", err)
		}

		out = append(out, a)
	}

	if err := rows.Err(); err != nil {
		return nil, wrapErr("list accounts: iterate", err)
	}

	return out, nil
}

// Disconnect removes the user's credential, mappings, sync state and
// conflict log. Tasks stay; a later connect treats them all as new.
func (s *Store) Disconnect(ctx context.Context, userID string) error {
	return s.inTx(ctx, "disconnect", func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM credentials WHERE user_id = ?`,
			`DELETE FROM item_mappings WHERE user_id = ?`,
			`DELETE FROM sync_state WHERE user_id = ?`,
			`DELETE FROM conflicts WHERE user_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, userID); err != nil {
				return err
			}
		}

		return nil
	})
}
