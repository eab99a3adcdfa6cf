package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/fluxionlabs/fluxion/pkg/models"
	"github.com/fluxionlabs/fluxion/pkg/persistence"
)

const uniqueViolation = "23505"

// SessionRepository handles session rows and their task snapshots.
type SessionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// CreateSession inserts the session row and its task snapshot in one
// transaction. The unique index on (workflow_id, scheduled_at) turns a racing
// duplicate into ErrSessionExists.
func (r *SessionRepository) CreateSession(ctx context.Context, session *models.Session, tasks []*models.Task) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	var id int64

	err = tx.QueryRowContext(ctx, `
		INSERT INTO sessions (workflow_id, scheduled_at, canceled)
		VALUES ($1, $2, FALSE)
		RETURNING id
	`, session.WorkflowID, session.ScheduledAt.UTC()).Scan(&id)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return 0, persistence.ErrSessionExists
		}

		return 0, fmt.Errorf("failed to insert session: %w", err)
	}

	for _, task := range tasks {
		upstream, err := json.Marshal(task.Upstream)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal task upstream: %w", err)
		}

		payload, err := json.Marshal(task.Payload)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal task payload: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO tasks (session_id, id, name, upstream, capability, payload, state, retry_limit)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, id, task.ID, task.Name, upstream, task.Capability, payload, string(task.State), task.RetryLimit)
		if err != nil {
			return 0, fmt.Errorf("failed to insert task %s: %w", task.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit session: %w", err)
	}

	return id, nil
}

func (r *SessionRepository) SessionByID(ctx context.Context, id int64) (*models.Session, error) {
	session, err := scanSession(r.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, scheduled_at, canceled, created_at
		FROM sessions WHERE id = $1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrSessionNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}

	return session, nil
}

func (r *SessionRepository) Sessions(ctx context.Context, workflowID string, pageSize int, lastID int64) ([]*models.Session, error) {
	query := `
		SELECT id, workflow_id, scheduled_at, canceled, created_at
		FROM sessions
		WHERE ($1 = '' OR workflow_id = $1)
		  AND ($2 = 0 OR id < $2)
		ORDER BY id DESC
		LIMIT $3
	`

	rows, err := r.db.QueryContext(ctx, query, workflowID, lastID, pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var sessions []*models.Session

	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}

		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

func (r *SessionRepository) ActiveSessionIDs(ctx context.Context) ([]int64, error) {
	query := `
		SELECT DISTINCT session_id FROM tasks
		WHERE state NOT IN ('success', 'error', 'canceled')
		ORDER BY session_id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query active sessions: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var ids []int64

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}

		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session ids: %w", err)
	}

	return ids, nil
}

func (r *SessionRepository) CancelSession(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, "UPDATE sessions SET canceled = TRUE WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to cancel session: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.ErrSessionNotFound
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var session models.Session

	err := row.Scan(&session.ID, &session.WorkflowID, &session.ScheduledAt, &session.Canceled, &session.CreatedAt)
	if err != nil {
		return nil, err
	}

	return &session, nil
}
