package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/fluxionlabs/fluxion/pkg/models"
	"github.com/fluxionlabs/fluxion/pkg/persistence"
)

const taskColumns = `
	session_id, id, name, upstream, capability, payload, state,
	retry_count, retry_limit, last_error, lease_token, lease_deadline,
	retry_at, created_at, updated_at
`

// TaskRepository implements the per-task state machine on single-row UPDATEs
// with state predicates; every transition is linearizable per task.
type TaskRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func (r *TaskRepository) SessionTasks(ctx context.Context, sessionID int64) ([]*models.Task, error) {
	query := "SELECT " + taskColumns + " FROM tasks WHERE session_id = $1 ORDER BY id"

	tasks, err := r.queryTasks(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}

	if len(tasks) == 0 {
		// Distinguish an unknown session from one with no tasks.
		var exists bool
		if err := r.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)", sessionID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("failed to check session: %w", err)
		}

		if !exists {
			return nil, persistence.ErrSessionNotFound
		}
	}

	return tasks, nil
}

func (r *TaskRepository) Tasks(ctx context.Context, sessionID int64, pageSize int, lastID string) ([]*models.Task, error) {
	query := "SELECT " + taskColumns + `
		FROM tasks
		WHERE session_id = $1 AND ($2 = '' OR id < $2)
		ORDER BY id DESC
		LIMIT $3
	`

	return r.queryTasks(ctx, query, sessionID, lastID, pageSize)
}

func (r *TaskRepository) TaskByID(ctx context.Context, sessionID int64, taskID string) (*models.Task, error) {
	query := "SELECT " + taskColumns + " FROM tasks WHERE session_id = $1 AND id = $2"

	task, err := scanTask(r.db.QueryRowContext(ctx, query, sessionID, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrTaskNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	return task, nil
}

func (r *TaskRepository) TaskByLease(ctx context.Context, token string) (*models.Task, error) {
	query := "SELECT " + taskColumns + " FROM tasks WHERE state = 'running' AND lease_token = $1"

	task, err := scanTask(r.db.QueryRowContext(ctx, query, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrLeaseNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to query lease: %w", err)
	}

	return task, nil
}

func (r *TaskRepository) MarkReady(ctx context.Context, sessionID int64, taskID string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE tasks
		SET state = 'ready', retry_at = NULL, updated_at = NOW()
		WHERE session_id = $1 AND id = $2 AND state IN ('blocked', 'retry_waiting')
	`, sessionID, taskID)
	if err != nil {
		return fmt.Errorf("failed to mark task ready: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.NewTaskError("MarkReady", sessionID, taskID, persistence.ErrStateConflict)
	}

	return nil
}

func (r *TaskRepository) MarkCanceled(ctx context.Context, sessionID int64, taskID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE tasks
		SET state = 'canceled', lease_token = NULL, lease_deadline = NULL,
		    retry_at = NULL, updated_at = NOW()
		WHERE session_id = $1 AND id = $2
		  AND state NOT IN ('success', 'error', 'canceled')
	`, sessionID, taskID)
	if err != nil {
		return fmt.Errorf("failed to cancel task: %w", err)
	}

	return nil
}

// Lease claims one ready task. SKIP LOCKED keeps concurrent lease calls from
// blocking on or returning the same row.
func (r *TaskRepository) Lease(ctx context.Context, capabilities []string, token string, deadline time.Time) (*models.Task, error) {
	query := `
		UPDATE tasks
		SET state = 'running', lease_token = $1, lease_deadline = $2, updated_at = NOW()
		WHERE (session_id, id) IN (
			SELECT session_id, id FROM tasks
			WHERE state = 'ready' AND capability = ANY ($3)
			ORDER BY session_id, id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + taskColumns

	task, err := scanTask(r.db.QueryRowContext(ctx, query, token, deadline.UTC(), pq.Array(capabilities)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to lease task: %w", err)
	}

	return task, nil
}

func (r *TaskRepository) ExtendLease(ctx context.Context, token string, deadline time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE tasks SET lease_deadline = $1, updated_at = NOW()
		WHERE state = 'running' AND lease_token = $2
	`, deadline.UTC(), token)
	if err != nil {
		return fmt.Errorf("failed to extend lease: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.ErrLeaseNotFound
	}

	return nil
}

func (r *TaskRepository) CompleteLease(ctx context.Context, token string, result models.TaskResult, retryAt time.Time) (*models.Task, error) {
	var query string

	var args []any

	if result.Success {
		query = `
			UPDATE tasks
			SET state = 'success', last_error = '', lease_token = NULL,
			    lease_deadline = NULL, updated_at = NOW()
			WHERE state = 'running' AND lease_token = $1
			RETURNING ` + taskColumns
		args = []any{token}
	} else {
		// One statement decides retry versus terminal error so the retry
		// count increments exactly once per failed attempt.
		query = `
			UPDATE tasks
			SET state = CASE WHEN retry_count < retry_limit THEN 'retry_waiting' ELSE 'error' END,
			    retry_count = CASE WHEN retry_count < retry_limit THEN retry_count + 1 ELSE retry_count END,
			    retry_at = CASE WHEN retry_count < retry_limit THEN $2::timestamptz ELSE NULL END,
			    last_error = $3, lease_token = NULL, lease_deadline = NULL, updated_at = NOW()
			WHERE state = 'running' AND lease_token = $1
			RETURNING ` + taskColumns
		args = []any{token, retryAt.UTC(), result.Error}
	}

	task, err := scanTask(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrLeaseNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to complete lease: %w", err)
	}

	return task, nil
}

func (r *TaskRepository) ExpireLeases(ctx context.Context, now time.Time) ([]*models.Task, error) {
	query := `
		UPDATE tasks
		SET state = 'ready', lease_token = NULL, lease_deadline = NULL, updated_at = NOW()
		WHERE state = 'running' AND lease_deadline <= $1
		RETURNING ` + taskColumns

	return r.queryTasks(ctx, query, now.UTC())
}

func (r *TaskRepository) DueRetries(ctx context.Context, now time.Time) ([]*models.Task, error) {
	query := `
		UPDATE tasks
		SET state = 'ready', retry_at = NULL, updated_at = NOW()
		WHERE state = 'retry_waiting' AND retry_at <= $1
		RETURNING ` + taskColumns

	return r.queryTasks(ctx, query, now.UTC())
}

func (r *TaskRepository) queryTasks(ctx context.Context, query string, args ...any) ([]*models.Task, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var tasks []*models.Task

	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}

		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return tasks, nil
}

func scanTask(row rowScanner) (*models.Task, error) {
	var (
		task          models.Task
		upstream      []byte
		payload       []byte
		state         string
		leaseToken    sql.NullString
		leaseDeadline sql.NullTime
		retryAt       sql.NullTime
	)

	err := row.Scan(
		&task.SessionID, &task.ID, &task.Name, &upstream, &task.Capability,
		&payload, &state, &task.RetryCount, &task.RetryLimit, &task.LastError,
		&leaseToken, &leaseDeadline, &retryAt, &task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	task.State = models.TaskState(state)

	if err := json.Unmarshal(upstream, &task.Upstream); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task upstream: %w", err)
	}

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &task.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal task payload: %w", err)
		}
	}

	if leaseToken.Valid {
		task.LeaseToken = leaseToken.String
	}

	if leaseDeadline.Valid {
		deadline := leaseDeadline.Time
		task.LeaseDeadline = &deadline
	}

	if retryAt.Valid {
		parkedUntil := retryAt.Time
		task.RetryAt = &parkedUntil
	}

	return &task, nil
}
