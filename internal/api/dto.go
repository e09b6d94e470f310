package api

import "github.com/taskforge/dispatch/internal/task"

// submitRequest is the POST /api/v1/tasks/submit request body.
type submitRequest struct {
	ProjectID   string                 `json:"projectId"`
	TaskType    string                 `json:"taskType"`
	Input       map[string]interface{} `json:"input"`
	Priority    *int                   `json:"priority,omitempty"`
	CallbackURL string                 `json:"callbackUrl,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// submitResponse is the POST /api/v1/tasks/submit response body.
type submitResponse struct {
	TaskID string     `json:"taskId"`
	State  task.State `json:"state"`
}

// taskResponse is the shape of a single task record on the wire, matching
// task.Record's own json tags (so GetStatus and ListByProject return the
// exact same representation). Declared separately from task.Record so the
// API stays free to diverge from the storage representation later without
// touching internal/task.
type taskResponse = task.Record

// listResponse is the GET /api/v1/projects/{projectId}/tasks response body.
type listResponse struct {
	Tasks      []*task.Record `json:"tasks"`
	Page       int            `json:"page"`
	Limit      int            `json:"limit"`
	TotalCount int            `json:"totalCount"`
}

// retryResponse is the POST /api/v1/tasks/{id}/retry response body.
type retryResponse struct {
	TaskID string     `json:"taskId"`
	State  task.State `json:"state"`
}

type cancelResponse struct {
	TaskID        string     `json:"taskId"`
	State         task.State `json:"state"`
	PreviousState task.State `json:"previousState"`
}

// errorResponse is the standard error envelope for every 4xx/5xx response.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}
