// Package models defines the core domain models for DAG session orchestration.
package models

import (
	"time"
)

// TaskState represents the lifecycle state of a task within a session.
type TaskState string

const (
	TaskStateBlocked      TaskState = "blocked"       // Waiting on upstream dependencies
	TaskStateReady        TaskState = "ready"         // Dependencies satisfied, eligible for dispatch
	TaskStateRunning      TaskState = "running"       // Leased to an executor
	TaskStateSuccess      TaskState = "success"       // Terminal
	TaskStateError        TaskState = "error"         // Terminal, retries exhausted
	TaskStateRetryWaiting TaskState = "retry_waiting" // Failed under retry limit, waiting out backoff
	TaskStateCanceled     TaskState = "canceled"      // Terminal
)

// IsTerminal reports whether the state admits no further transitions.
func (s TaskState) IsTerminal() bool {
	return s == TaskStateSuccess || s == TaskStateError || s == TaskStateCanceled
}

// Dependency is a directed edge from an upstream task to the task holding it.
// OnError marks an error-handling edge: the edge is satisfied by the upstream
// task terminating in error instead of success.
type Dependency struct {
	UpstreamID string `json:"upstream_id" validate:"required"`
	OnError    bool   `json:"on_error"`
}

// Satisfied reports whether the edge accepts the given upstream state as passed.
func (d Dependency) Satisfied(upstream TaskState) bool {
	if d.OnError {
		return upstream == TaskStateError
	}

	return upstream == TaskStateSuccess
}

// Unsatisfiable reports whether the edge can never be satisfied anymore given
// the upstream state. A terminal upstream state the edge does not accept makes
// the downstream task unreachable.
func (d Dependency) Unsatisfiable(upstream TaskState) bool {
	return upstream.IsTerminal() && !d.Satisfied(upstream)
}

// Task is one DAG node within a session and the unit of dispatch and retry.
// Upstream references are by id only; the session owns task lifetimes.
type Task struct {
	SessionID int64        `json:"session_id" validate:"required"`
	ID        string       `json:"id"         validate:"required"`
	Name      string       `json:"name"`
	Upstream  []Dependency `json:"upstream,omitempty"`

	// Capability selects which executors may lease this task.
	Capability string         `json:"capability" validate:"required"`
	Payload    map[string]any `json:"payload,omitempty"`

	State      TaskState `json:"state"`
	RetryCount int       `json:"retry_count"`
	RetryLimit int       `json:"retry_limit"`
	LastError  string    `json:"last_error,omitempty"`

	// Lease fields are set only while the task is running.
	LeaseToken    string     `json:"lease_token,omitempty"`
	LeaseDeadline *time.Time `json:"lease_deadline,omitempty"`

	// RetryAt is set only while the task is retry_waiting.
	RetryAt *time.Time `json:"retry_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasUpstream reports whether the task depends on the given upstream id.
func (t *Task) HasUpstream(id string) bool {
	for _, dep := range t.Upstream {
		if dep.UpstreamID == id {
			return true
		}
	}

	return false
}

// TaskResult is the completion report an executor delivers for a leased task.
type TaskResult struct {
	Success bool           `json:"success"`
	Error   string         `json:"error,omitempty"`
	Output  map[string]any `json:"output,omitempty"`
}
