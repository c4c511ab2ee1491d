package api

import (
	"context"
	"errors"
	"log/slog"

	"github.com/danielgtaylor/huma/v2"

	"github.com/tonimelisma/tasksync/internal/store"
	tsync "github.com/tonimelisma/tasksync/internal/sync"
)

// Handler implements the API operations.
type Handler struct {
	tasks      TaskStore
	status     StatusReader
	sync       Syncer
	log        *slog.Logger
	version    string
	middleware huma.Middlewares
}

func newHandler(cfg Config) *Handler {
	return &Handler{
		tasks:      cfg.Tasks,
		status:     cfg.Status,
		sync:       cfg.Sync,
		log:        cfg.Logger,
		version:    cfg.Version,
		middleware: huma.Middlewares{requestLogger(cfg.Logger)},
	}
}

// SetupRoutes registers every operation on api.
func (h *Handler) SetupRoutes(api huma.API) {
	huma.Register(api, h.healthOp(), h.health)

	huma.Register(api, h.requestSyncOp(), h.requestSync)
	huma.Register(api, h.syncStatusOp(), h.syncStatus)

	huma.Register(api, h.listConflictsOp(), h.listConflicts)
	huma.Register(api, h.ackConflictsOp(), h.ackConflicts)

	huma.Register(api, h.listTasksOp(), h.listTasks)
	huma.Register(api, h.createTaskOp(), h.createTask)
	huma.Register(api, h.getTaskOp(), h.getTask)
	huma.Register(api, h.patchTaskOp(), h.patchTask)
	huma.Register(api, h.deleteTaskOp(), h.deleteTask)
}

func (h *Handler) health(_ context.Context, _ *struct{}) (*healthOutput, error) {
	return &healthOutput{Body: healthBody{Status: "ok", Version: h.version}}, nil
}

func (h *Handler) requestSync(_ context.Context, in *userInput) (*acceptedOutput, error) {
	h.sync.RequestSync(in.User)

	return &acceptedOutput{Body: acceptedBody{Status: "accepted"}}, nil
}

func (h *Handler) syncStatus(ctx context.Context, in *userInput) (*statusOutput, error) {
	st, err := h.status.Status(ctx, in.User)
	if err != nil {
		return nil, h.httpError("sync status", err)
	}

	return &statusOutput{Body: statusResponse{Status: *st, Schedule: h.sync.Schedule(in.User)}}, nil
}

func (h *Handler) listConflicts(ctx context.Context, in *listConflictsInput) (*conflictsOutput, error) {
	records, err := h.tasks.ListConflicts(ctx, in.User, in.Pending)
	if err != nil {
		return nil, h.httpError("list conflicts", err)
	}

	return &conflictsOutput{Body: conflictsBody{Conflicts: nonNil(records)}}, nil
}

func (h *Handler) ackConflicts(ctx context.Context, in *ackInput) (*ackOutput, error) {
	n, err := h.tasks.AcknowledgeConflicts(ctx, in.User, in.Body.IDs...)
	if err != nil {
		return nil, h.httpError("acknowledge conflicts", err)
	}

	return &ackOutput{Body: ackBody{Acknowledged: n}}, nil
}

func (h *Handler) listTasks(ctx context.Context, in *listTasksInput) (*tasksOutput, error) {
	tasks, err := h.tasks.FindTasks(ctx, in.User, in.filter())
	if err != nil {
		return nil, h.httpError("list tasks", err)
	}

	return &tasksOutput{Body: tasksBody{Tasks: nonNil(tasks)}}, nil
}

func (h *Handler) createTask(ctx context.Context, in *createTaskInput) (*taskOutput, error) {
	task, err := h.tasks.CreateTask(ctx, in.User, store.TaskFields{
		Title:       in.Body.Title,
		Description: in.Body.Description,
		Start:       in.Body.Start,
		End:         in.Body.End,
		Completed:   in.Body.Completed,
		Priority:    in.Body.Priority,
	})
	if err != nil {
		return nil, h.httpError("create task", err)
	}

	h.sync.RequestSync(in.User)

	return &taskOutput{Body: task}, nil
}

func (h *Handler) getTask(ctx context.Context, in *taskIDInput) (*taskOutput, error) {
	task, err := h.tasks.GetTask(ctx, in.User, in.ID)
	if err != nil {
		return nil, h.httpError("get task", err)
	}

	return &taskOutput{Body: task}, nil
}

func (h *Handler) patchTask(ctx context.Context, in *patchTaskInput) (*taskOutput, error) {
	task, err := h.tasks.UpdateTask(ctx, in.User, in.ID, in.Body.apply)
	if err != nil {
		return nil, h.httpError("update task", err)
	}

	h.sync.RequestSync(in.User)

	return &taskOutput{Body: task}, nil
}

func (h *Handler) deleteTask(ctx context.Context, in *taskIDInput) (*struct{}, error) {
	if _, err := h.tasks.DeleteTask(ctx, in.User, in.ID); err != nil {
		return nil, h.httpError("delete task", err)
	}

	h.sync.RequestSync(in.User)

	return &struct{}{}, nil
}

// httpError maps store and sync errors onto HTTP status codes. Internal
// details are logged, not returned.
func (h *Handler) httpError(op string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return huma.Error404NotFound(err.Error())
	case errors.Is(err, store.ErrInvalidTask):
		return huma.Error422UnprocessableEntity(err.Error())
	case errors.Is(err, store.ErrTombstoned):
		return huma.Error409Conflict(err.Error())
	case errors.Is(err, context.Canceled):
		return huma.Error503ServiceUnavailable("request canceled")
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, tsync.ErrStoreUnavailable):
		h.log.Warn("store unavailable", slog.String("op", op), slog.String("error", err.Error()))
		return huma.Error503ServiceUnavailable("store unavailable")
	default:
		h.log.Error("request failed", slog.String("op", op), slog.String("error", err.Error()))
		return huma.Error500InternalServerError("internal error")
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}

	return s
}
