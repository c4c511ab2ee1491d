// Package api serves the HTTP surface of tasksync: task CRUD that raises
// on-demand syncs, the manual sync trigger, sync status and the conflict
// log. Requests arrive already authenticated; the user is a path
// parameter set by the fronting identity layer.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tonimelisma/tasksync/internal/store"
	tsync "github.com/tonimelisma/tasksync/internal/sync"
)

// TaskStore is the slice of the store the API reads and writes.
// Satisfied by *store.Store.
type TaskStore interface {
	CreateTask(ctx context.Context, userID string, f store.TaskFields) (*store.Task, error)
	UpdateTask(ctx context.Context, userID, id string, mutate func(*store.TaskFields)) (*store.Task, error)
	DeleteTask(ctx context.Context, userID, id string) (*store.Task, error)
	GetTask(ctx context.Context, userID, id string) (*store.Task, error)
	FindTasks(ctx context.Context, userID string, filter store.TaskFilter) ([]store.Task, error)
	ListConflicts(ctx context.Context, userID string, pendingOnly bool) ([]store.ConflictRecord, error)
	AcknowledgeConflicts(ctx context.Context, userID string, ids ...string) (int, error)
}

// StatusReader reports a user's durable sync status. Satisfied by
// *sync.Engine.
type StatusReader interface {
	Status(ctx context.Context, userID string) (*tsync.Status, error)
}

// Syncer accepts sync requests and reports scheduling state. Satisfied by
// *sync.Scheduler.
type Syncer interface {
	RequestSync(userID string)
	Schedule(userID string) tsync.UserSchedule
}

// Config wires the API to its collaborators.
type Config struct {
	Tasks   TaskStore
	Status  StatusReader
	Sync    Syncer
	Logger  *slog.Logger
	Version string
}

// New returns the HTTP handler with every operation registered.
func New(cfg Config) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	mux := chi.NewMux()
	mux.Use(middleware.Recoverer)

	api := humachi.New(mux, huma.DefaultConfig("tasksync API", cfg.Version))

	h := newHandler(cfg)
	h.SetupRoutes(api)

	return mux
}
