// Package web provides the HTTP status and management API: workflow
// registration, session inspection, manual triggering and cancellation.
package web

import (
	"time"

	"github.com/fluxionlabs/fluxion/pkg/models"
	"github.com/fluxionlabs/fluxion/pkg/readiness"
)

// TriggerSessionRequest optionally pins the logical instant of a manually
// triggered session. Without one the current time is used, so repeating the
// request with the same instant is rejected as a duplicate.
type TriggerSessionRequest struct {
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

// TriggerSessionResponse returns the id of the minted session.
type TriggerSessionResponse struct {
	SessionID int64 `json:"session_id"`
}

// SessionResponse is a session plus its derived root status.
type SessionResponse struct {
	ID          int64                `json:"id"`
	WorkflowID  string               `json:"workflow_id"`
	ScheduledAt time.Time            `json:"scheduled_at"`
	Status      models.SessionStatus `json:"status"`
	Canceled    bool                 `json:"canceled"`
	CreatedAt   time.Time            `json:"created_at"`
}

// TaskResponse is a task with its lease internals stripped.
type TaskResponse struct {
	ID         string              `json:"id"`
	Name       string              `json:"name,omitempty"`
	Capability string              `json:"capability"`
	Upstream   []models.Dependency `json:"upstream,omitempty"`
	State      models.TaskState    `json:"state"`
	RetryCount int                 `json:"retry_count"`
	RetryLimit int                 `json:"retry_limit"`
	LastError  string              `json:"last_error,omitempty"`
	RetryAt    *time.Time          `json:"retry_at,omitempty"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

// TransformSessionResponse derives the session's root status from its tasks.
func TransformSessionResponse(session *models.Session, tasks []*models.Task) SessionResponse {
	return SessionResponse{
		ID:          session.ID,
		WorkflowID:  session.WorkflowID,
		ScheduledAt: session.ScheduledAt,
		Status:      readiness.RootState(session, tasks),
		Canceled:    session.Canceled,
		CreatedAt:   session.CreatedAt,
	}
}

func TransformTaskResponse(task *models.Task) TaskResponse {
	return TaskResponse{
		ID:         task.ID,
		Name:       task.Name,
		Capability: task.Capability,
		Upstream:   task.Upstream,
		State:      task.State,
		RetryCount: task.RetryCount,
		RetryLimit: task.RetryLimit,
		LastError:  task.LastError,
		RetryAt:    task.RetryAt,
		UpdatedAt:  task.UpdatedAt,
	}
}
