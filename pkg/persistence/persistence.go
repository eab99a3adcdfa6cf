package persistence

import (
	"context"
	"time"

	"github.com/fluxionlabs/fluxion/pkg/definition"
	"github.com/fluxionlabs/fluxion/pkg/models"
)

// Persistence is the storage contract consumed by the engine. Implementations
// must make the single-row transitions below atomic; they are the only
// coordination primitive the engine relies on, so multiple scheduler,
// coordinator and agent processes can share one store safely.
type Persistence interface {
	Workflows() WorkflowRepository
	Sessions() SessionRepository
	Tasks() TaskRepository
	Schedules() ScheduleRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// WorkflowRepository stores registered workflow definitions.
type WorkflowRepository interface {
	SaveWorkflow(ctx context.Context, def *definition.WorkflowDefinition) error
	WorkflowByID(ctx context.Context, id string) (*definition.WorkflowDefinition, error)
	Workflows(ctx context.Context) ([]*definition.WorkflowDefinition, error)
	DeleteWorkflow(ctx context.Context, id string) error
}

// SessionRepository stores sessions and their immutable task snapshots.
type SessionRepository interface {
	// CreateSession inserts the session and its task snapshot, assigning a
	// monotonically increasing session id. Insertion is keyed by
	// (workflow id, scheduled time): a second insert for the same key fails
	// with ErrSessionExists, which is how exactly-once schedule firing is
	// enforced across concurrent scheduler instances.
	CreateSession(ctx context.Context, session *models.Session, tasks []*models.Task) (int64, error)

	SessionByID(ctx context.Context, id int64) (*models.Session, error)

	// Sessions pages sessions descending by id. workflowID filters when
	// non-empty; lastID of zero starts from the most recent.
	Sessions(ctx context.Context, workflowID string, pageSize int, lastID int64) ([]*models.Session, error)

	// ActiveSessionIDs returns the ids of sessions holding at least one
	// non-terminal task, so a restarted coordinator can resume them.
	ActiveSessionIDs(ctx context.Context) ([]int64, error)

	// CancelSession marks the session canceled. Idempotent.
	CancelSession(ctx context.Context, id int64) error
}

// TaskRepository stores per-session tasks and implements the linearizable
// per-task transitions of the state machine.
type TaskRepository interface {
	SessionTasks(ctx context.Context, sessionID int64) ([]*models.Task, error)

	// Tasks pages a session's tasks descending by task id.
	Tasks(ctx context.Context, sessionID int64, pageSize int, lastID string) ([]*models.Task, error)

	TaskByID(ctx context.Context, sessionID int64, taskID string) (*models.Task, error)

	// TaskByLease resolves the running task holding the lease token.
	TaskByLease(ctx context.Context, token string) (*models.Task, error)

	// MarkReady transitions blocked or retry_waiting to ready. Any other
	// current state fails with ErrStateConflict so racing enqueuers cannot
	// double-dispatch.
	MarkReady(ctx context.Context, sessionID int64, taskID string) error

	// MarkCanceled transitions any non-terminal state to canceled, clearing
	// lease state. Already-terminal tasks are left untouched.
	MarkCanceled(ctx context.Context, sessionID int64, taskID string) error

	// Lease atomically claims one ready task whose capability is in the given
	// set, moving it to running with the lease token and deadline. Returns
	// nil without error when no task is available; it never blocks.
	Lease(ctx context.Context, capabilities []string, token string, deadline time.Time) (*models.Task, error)

	// ExtendLease pushes the deadline of a held lease.
	ExtendLease(ctx context.Context, token string, deadline time.Time) error

	// CompleteLease finishes the leased attempt. On success the task becomes
	// success. On failure: if retry count is under the limit it increments
	// the count and parks the task retry_waiting until retryAt, otherwise
	// the task terminates as error. The lease is released either way.
	CompleteLease(ctx context.Context, token string, result models.TaskResult, retryAt time.Time) (*models.Task, error)

	// ExpireLeases reverts running tasks whose deadline passed back to ready
	// and returns them. Each expiry re-queues the task exactly once.
	ExpireLeases(ctx context.Context, now time.Time) ([]*models.Task, error)

	// DueRetries promotes retry_waiting tasks whose backoff elapsed to ready
	// and returns them.
	DueRetries(ctx context.Context, now time.Time) ([]*models.Task, error)
}

// ScheduleRepository stores per-workflow schedule state.
type ScheduleRepository interface {
	SaveSchedule(ctx context.Context, schedule *models.Schedule) error
	ScheduleByWorkflowID(ctx context.Context, workflowID string) (*models.Schedule, error)
	Schedules(ctx context.Context) ([]*models.Schedule, error)

	// DueSchedules returns active schedules with a run time at or before the
	// given instant.
	DueSchedules(ctx context.Context, before time.Time) ([]*models.Schedule, error)

	// AdvanceSchedule persists the advanced schedule only if the stored
	// NextScheduleTime still equals expect, failing with ErrScheduleConflict
	// when a concurrent instance advanced it first.
	AdvanceSchedule(ctx context.Context, schedule *models.Schedule, expect time.Time) error

	DeleteSchedule(ctx context.Context, workflowID string) error
}
