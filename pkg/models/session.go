package models

import (
	"time"
)

// SessionStatus is the derived root state of a session. It is always a pure
// function of the session's task states, except for an explicit cancel which
// forces the canceled status.
type SessionStatus string

const (
	SessionStatusRunning  SessionStatus = "running"
	SessionStatusSuccess  SessionStatus = "success"
	SessionStatusError    SessionStatus = "error"
	SessionStatusCanceled SessionStatus = "canceled"
)

// IsTerminal reports whether the session has resolved.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusSuccess || s == SessionStatusError || s == SessionStatusCanceled
}

// Session is one instantiation of a workflow run. The task DAG snapshot is
// fixed at creation; re-runs create a new session. For schedule-fired sessions
// ScheduledAt carries the logical fire time and, together with WorkflowID,
// forms the session's uniqueness key so a crashed scheduler can recover
// idempotently.
type Session struct {
	ID         int64  `json:"id"`
	WorkflowID string `json:"workflow_id" validate:"required"`

	// ScheduledAt is the logical schedule time for recurring workflows, or the
	// trigger instant for on-demand runs.
	ScheduledAt time.Time `json:"scheduled_at"`

	// Canceled is set by an explicit session cancel. It is authoritative in
	// storage, not in executor memory.
	Canceled bool `json:"canceled"`

	CreatedAt time.Time `json:"created_at"`
}
