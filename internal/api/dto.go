package api

import (
	"time"

	"github.com/tonimelisma/tasksync/internal/store"
	tsync "github.com/tonimelisma/tasksync/internal/sync"
)

type healthBody struct {
	Status  string `json:"status" example:"ok" doc:"Health status of the service"`
	Version string `json:"version" doc:"Server version"`
}

type healthOutput struct {
	Body healthBody
}

type userInput struct {
	User string `path:"user" minLength:"1" doc:"Authenticated user id"`
}

type acceptedBody struct {
	Status string `json:"status" example:"accepted"`
}

type acceptedOutput struct {
	Body acceptedBody
}

type statusResponse struct {
	tsync.Status

	Schedule tsync.UserSchedule `json:"schedule"`
}

type statusOutput struct {
	Body statusResponse
}

type listConflictsInput struct {
	User    string `path:"user" minLength:"1"`
	Pending bool   `query:"pending" doc:"Only unacknowledged conflicts"`
}

type conflictsBody struct {
	Conflicts []store.ConflictRecord `json:"conflicts"`
}

type conflictsOutput struct {
	Body conflictsBody
}

type ackRequest struct {
	IDs []string `json:"ids,omitempty" doc:"Conflicts to acknowledge; empty acknowledges all pending"`
}

type ackInput struct {
	User string `path:"user" minLength:"1"`
	Body ackRequest
}

type ackBody struct {
	Acknowledged int `json:"acknowledged"`
}

type ackOutput struct {
	Body ackBody
}

type listTasksInput struct {
	User           string `path:"user" minLength:"1"`
	IncludeDeleted bool   `query:"include_deleted" doc:"Include tombstoned tasks"`
	Completed      string `query:"completed" enum:"true,false" doc:"Only completed or only open tasks"`
	Skip           int    `query:"skip" minimum:"0" doc:"Tasks to skip, oldest first"`
	Limit          int    `query:"limit" minimum:"1" maximum:"1000" default:"100" doc:"Page size"`
}

func (in *listTasksInput) filter() store.TaskFilter {
	f := store.TaskFilter{IncludeDeleted: in.IncludeDeleted, Offset: in.Skip, Limit: in.Limit}

	if in.Completed != "" {
		done := in.Completed == "true"
		f.Completed = &done
	}

	return f
}

type tasksBody struct {
	Tasks []store.Task `json:"tasks"`
}

type tasksOutput struct {
	Body tasksBody
}

type taskRequest struct {
	Title       string     `json:"title" minLength:"1"`
	Description string     `json:"description,omitempty"`
	Start       *time.Time `json:"start,omitempty"`
	End         *time.Time `json:"end,omitempty"`
	Completed   bool       `json:"completed,omitempty"`
	Priority    *int       `json:"priority,omitempty" minimum:"0"`
}

type createTaskInput struct {
	User string `path:"user" minLength:"1"`
	Body taskRequest
}

type taskIDInput struct {
	User string `path:"user" minLength:"1"`
	ID   string `path:"id" minLength:"1"`
}

// taskPatch changes only the fields that are present. ClearTimes removes
// both start and end; ClearPriority removes the priority.
type taskPatch struct {
	Title         *string    `json:"title,omitempty" minLength:"1"`
	Description   *string    `json:"description,omitempty"`
	Start         *time.Time `json:"start,omitempty"`
	End           *time.Time `json:"end,omitempty"`
	Completed     *bool      `json:"completed,omitempty"`
	Priority      *int       `json:"priority,omitempty" minimum:"0"`
	ClearTimes    bool       `json:"clear_times,omitempty"`
	ClearPriority bool       `json:"clear_priority,omitempty"`
}

func (p *taskPatch) apply(f *store.TaskFields) {
	if p.Title != nil {
		f.Title = *p.Title
	}

	if p.Description != nil {
		f.Description = *p.Description
	}

	if p.ClearTimes {
		f.Start, f.End = nil, nil
	}

	if p.Start != nil {
		f.Start = p.Start
	}

	if p.End != nil {
		f.End = p.End
	}

	if p.Completed != nil {
		f.Completed = *p.Completed
	}

	if p.ClearPriority {
		f.Priority = nil
	}

	if p.Priority != nil {
		f.Priority = p.Priority
	}
}

type patchTaskInput struct {
	User string `path:"user" minLength:"1"`
	ID   string `path:"id" minLength:"1"`
	Body taskPatch
}

type taskOutput struct {
	Body *store.Task
}
