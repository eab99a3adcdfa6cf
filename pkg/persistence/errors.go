// Package persistence provides the storage abstraction consumed by the
// scheduler, dispatcher and coordinator, with standardized error types all
// implementations use.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrWorkflowNotFound indicates a workflow definition was not found.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrSessionNotFound indicates a session was not found by the given id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrTaskNotFound indicates a task was not found by the given id.
	ErrTaskNotFound = errors.New("task not found")

	// ErrScheduleNotFound indicates no schedule exists for the workflow.
	ErrScheduleNotFound = errors.New("schedule not found")

	// ErrSessionExists indicates a session already exists for the same
	// (workflow id, scheduled time) key. The scheduler relies on this for
	// exactly-once firing.
	ErrSessionExists = errors.New("session already exists for scheduled time")

	// ErrStateConflict indicates a task state transition lost a race: the
	// task was not in the expected state. Callers retry or drop the operation.
	ErrStateConflict = errors.New("task state conflict")

	// ErrScheduleConflict indicates a schedule advance lost a race with a
	// concurrent scheduler instance.
	ErrScheduleConflict = errors.New("schedule advance conflict")

	// ErrLeaseNotFound indicates no running task holds the given lease token.
	// Seen by executors whose lease expired and was reclaimed.
	ErrLeaseNotFound = errors.New("lease not found")
)

// SessionError wraps session-related errors with operation context.
type SessionError struct {
	Op        string
	SessionID int64
	Err       error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("%s operation failed for session %d: %v", e.Op, e.SessionID, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

func (e *SessionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewSessionError creates a new session error with context.
func NewSessionError(op string, sessionID int64, err error) *SessionError {
	return &SessionError{Op: op, SessionID: sessionID, Err: err}
}

// TaskError wraps task-related errors with operation context.
type TaskError struct {
	Op        string
	SessionID int64
	TaskID    string
	Err       error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s operation failed for task %s in session %d: %v", e.Op, e.TaskID, e.SessionID, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

func (e *TaskError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewTaskError creates a new task error with context.
func NewTaskError(op string, sessionID int64, taskID string, err error) *TaskError {
	return &TaskError{Op: op, SessionID: sessionID, TaskID: taskID, Err: err}
}

// ScheduleError wraps schedule-related errors with operation context.
type ScheduleError struct {
	Op         string
	WorkflowID string
	Err        error
}

func (e *ScheduleError) Error() string {
	return fmt.Sprintf("%s operation failed for schedule of workflow %s: %v", e.Op, e.WorkflowID, e.Err)
}

func (e *ScheduleError) Unwrap() error {
	return e.Err
}

func (e *ScheduleError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsNotFound checks whether an error is any of the not-found sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound) ||
		errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrTaskNotFound) ||
		errors.Is(err, ErrScheduleNotFound)
}

// IsConflict checks whether an error indicates a lost optimistic race.
func IsConflict(err error) bool {
	return errors.Is(err, ErrSessionExists) ||
		errors.Is(err, ErrStateConflict) ||
		errors.Is(err, ErrScheduleConflict)
}

// IsSessionNotFound checks if an error indicates a missing session.
func IsSessionNotFound(err error) bool {
	return errors.Is(err, ErrSessionNotFound)
}

// IsLeaseNotFound checks if an error indicates a reclaimed or unknown lease.
func IsLeaseNotFound(err error) bool {
	return errors.Is(err, ErrLeaseNotFound)
}
