package sync

import (
	"context"
	"time"

	"golang.org/x/oauth2"

	"github.com/tonimelisma/tasksync/internal/calendar"
	"github.com/tonimelisma/tasksync/internal/store"
)

// RemoteCalendar is the remote side of a pass. Satisfied by
// *calendar.GoogleClient.
type RemoteCalendar interface {
	PullDelta(ctx context.Context, t calendar.Target, cursor []byte) (*calendar.Delta, error)
	Push(ctx context.Context, t calendar.Target, ev *calendar.Event, expectedVersion string) (*calendar.PushResult, error)
	Delete(ctx context.Context, t calendar.Target, remoteID, expectedVersion string) error
}

// Refresher exchanges a refresh token for a new access token. Satisfied by
// *calendar.Refresher.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// CredentialStore persists per-user grants. Satisfied by *store.Store.
type CredentialStore interface {
	Credential(ctx context.Context, userID string) (*store.Credential, error)
	SaveTokens(ctx context.Context, userID, access, refresh string, expiry time.Time) error
	Connect(ctx context.Context, c *store.Credential) error
	Disconnect(ctx context.Context, userID string) error
}

// TaskSource yields local changes by revision. Satisfied by *store.Store.
type TaskSource interface {
	TasksSince(ctx context.Context, userID string, watermark int64) ([]store.Task, error)
}

// StateStore is everything the engine reads and writes locally.
// Satisfied by *store.Store.
type StateStore interface {
	TaskSource

	Credential(ctx context.Context, userID string) (*store.Credential, error)
	ListTasks(ctx context.Context, userID string, includeDeleted bool) ([]store.Task, error)
	Mappings(ctx context.Context, userID string) (map[string]*store.Mapping, error)
	SyncState(ctx context.Context, userID, calendarID string) (*store.SyncState, error)
	Commit(ctx context.Context, unit *store.CommitUnit) (*store.CommitResult, error)
	RecordFailure(ctx context.Context, userID, calendarID, class, message string) error
	SetFlags(ctx context.Context, userID, calendarID string, degraded, suspended bool) error
	PendingConflicts(ctx context.Context, userID string) (int, error)
	PurgeTombstones(ctx context.Context, userID string, before time.Time) (int, error)
	Accounts(ctx context.Context) ([]store.Account, error)
}
