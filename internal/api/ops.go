package api

import (
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

const userPrefix = "/api/v1/users/{user}"

func (h *Handler) healthOp() huma.Operation {
	return huma.Operation{
		OperationID: "health-check",
		Method:      http.MethodGet,
		Path:        "/api/v1/health",
		Summary:     "Health check",
		Tags:        []string{"health"},
		Middlewares: h.middleware,
	}
}

func (h *Handler) requestSyncOp() huma.Operation {
	return huma.Operation{
		OperationID:   "sync-request",
		Method:        http.MethodPost,
		Path:          userPrefix + "/sync",
		Summary:       "Request a sync pass",
		Description:   "Queues a debounced sync pass for the user and returns immediately.",
		Tags:          []string{"sync"},
		DefaultStatus: http.StatusAccepted,
		Middlewares:   h.middleware,
	}
}

func (h *Handler) syncStatusOp() huma.Operation {
	return huma.Operation{
		OperationID: "sync-status",
		Method:      http.MethodGet,
		Path:        userPrefix + "/sync/status",
		Summary:     "Sync status",
		Tags:        []string{"sync"},
		Middlewares: h.middleware,
	}
}

func (h *Handler) listConflictsOp() huma.Operation {
	return huma.Operation{
		OperationID: "conflicts-list",
		Method:      http.MethodGet,
		Path:        userPrefix + "/conflicts",
		Summary:     "List resolved conflicts",
		Tags:        []string{"conflicts"},
		Middlewares: h.middleware,
	}
}

func (h *Handler) ackConflictsOp() huma.Operation {
	return huma.Operation{
		OperationID: "conflicts-ack",
		Method:      http.MethodPost,
		Path:        userPrefix + "/conflicts/ack",
		Summary:     "Acknowledge conflicts",
		Tags:        []string{"conflicts"},
		Middlewares: h.middleware,
	}
}

func (h *Handler) listTasksOp() huma.Operation {
	return huma.Operation{
		OperationID: "tasks-list",
		Method:      http.MethodGet,
		Path:        userPrefix + "/tasks",
		Summary:     "List tasks",
		Tags:        []string{"tasks"},
		Middlewares: h.middleware,
	}
}

func (h *Handler) createTaskOp() huma.Operation {
	return huma.Operation{
		OperationID:   "tasks-create",
		Method:        http.MethodPost,
		Path:          userPrefix + "/tasks",
		Summary:       "Create a task",
		Tags:          []string{"tasks"},
		DefaultStatus: http.StatusCreated,
		Middlewares:   h.middleware,
	}
}

func (h *Handler) getTaskOp() huma.Operation {
	return huma.Operation{
		OperationID: "tasks-get",
		Method:      http.MethodGet,
		Path:        userPrefix + "/tasks/{id}",
		Summary:     "Get a task",
		Tags:        []string{"tasks"},
		Middlewares: h.middleware,
	}
}

func (h *Handler) patchTaskOp() huma.Operation {
	return huma.Operation{
		OperationID: "tasks-patch",
		Method:      http.MethodPatch,
		Path:        userPrefix + "/tasks/{id}",
		Summary:     "Update a task",
		Tags:        []string{"tasks"},
		Middlewares: h.middleware,
	}
}

func (h *Handler) deleteTaskOp() huma.Operation {
	return huma.Operation{
		OperationID:   "tasks-delete",
		Method:        http.MethodDelete,
		Path:          userPrefix + "/tasks/{id}",
		Summary:       "Delete a task",
		Description:   "Tombstones the task; the deletion propagates on the next sync.",
		Tags:          []string{"tasks"},
		DefaultStatus: http.StatusNoContent,
		Middlewares:   h.middleware,
	}
}
