package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fluxionlabs/fluxion/pkg/definition"
	"github.com/fluxionlabs/fluxion/pkg/persistence"
)

// WorkflowRepository stores workflow definitions as JSONB documents.
type WorkflowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func (r *WorkflowRepository) SaveWorkflow(ctx context.Context, def *definition.WorkflowDefinition) error {
	document, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow definition: %w", err)
	}

	query := `
		INSERT INTO workflows (id, definition, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET definition = EXCLUDED.definition, updated_at = NOW()
	`

	_, err = r.db.ExecContext(ctx, query, def.ID, document)
	if err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}

	return nil
}

func (r *WorkflowRepository) WorkflowByID(ctx context.Context, id string) (*definition.WorkflowDefinition, error) {
	var document []byte

	err := r.db.QueryRowContext(ctx, "SELECT definition FROM workflows WHERE id = $1", id).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrWorkflowNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to query workflow: %w", err)
	}

	var def definition.WorkflowDefinition
	if err := json.Unmarshal(document, &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow definition: %w", err)
	}

	return &def, nil
}

func (r *WorkflowRepository) Workflows(ctx context.Context) ([]*definition.WorkflowDefinition, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT definition FROM workflows ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var defs []*definition.WorkflowDefinition

	for rows.Next() {
		var document []byte
		if err := rows.Scan(&document); err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}

		var def definition.WorkflowDefinition
		if err := json.Unmarshal(document, &def); err != nil {
			return nil, fmt.Errorf("failed to unmarshal workflow definition: %w", err)
		}

		defs = append(defs, &def)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflows: %w", err)
	}

	return defs, nil
}

func (r *WorkflowRepository) DeleteWorkflow(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM workflows WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.ErrWorkflowNotFound
	}

	return nil
}
