package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fluxionlabs/fluxion/pkg/models"
	"github.com/fluxionlabs/fluxion/pkg/persistence"
)

const scheduleColumns = `
	workflow_id, cron_expression, run_delay_ns, next_schedule_time,
	next_run_time, last_session_id, active, created_at, updated_at
`

// ScheduleRepository stores per-workflow schedule state. The advance is a
// compare-and-set on next_schedule_time so concurrent scheduler instances
// cannot both fire the same instant.
type ScheduleRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func (r *ScheduleRepository) SaveSchedule(ctx context.Context, schedule *models.Schedule) error {
	query := `
		INSERT INTO schedules (workflow_id, cron_expression, run_delay_ns,
			next_schedule_time, next_run_time, last_session_id, active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (workflow_id) DO UPDATE SET
			cron_expression = EXCLUDED.cron_expression,
			run_delay_ns = EXCLUDED.run_delay_ns,
			next_schedule_time = EXCLUDED.next_schedule_time,
			next_run_time = EXCLUDED.next_run_time,
			last_session_id = EXCLUDED.last_session_id,
			active = EXCLUDED.active,
			updated_at = NOW()
	`

	_, err := r.db.ExecContext(ctx, query,
		schedule.WorkflowID, schedule.CronExpression, int64(schedule.RunDelay),
		schedule.NextScheduleTime.UTC(), schedule.NextRunTime.UTC(),
		schedule.LastSessionID, schedule.Active)
	if err != nil {
		return fmt.Errorf("failed to save schedule: %w", err)
	}

	return nil
}

func (r *ScheduleRepository) ScheduleByWorkflowID(ctx context.Context, workflowID string) (*models.Schedule, error) {
	query := "SELECT " + scheduleColumns + " FROM schedules WHERE workflow_id = $1"

	schedule, err := scanSchedule(r.db.QueryRowContext(ctx, query, workflowID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrScheduleNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to query schedule: %w", err)
	}

	return schedule, nil
}

func (r *ScheduleRepository) Schedules(ctx context.Context) ([]*models.Schedule, error) {
	query := "SELECT " + scheduleColumns + " FROM schedules ORDER BY workflow_id"

	return r.querySchedules(ctx, query)
}

func (r *ScheduleRepository) DueSchedules(ctx context.Context, before time.Time) ([]*models.Schedule, error) {
	query := "SELECT " + scheduleColumns + `
		FROM schedules
		WHERE active AND next_run_time <= $1
		ORDER BY workflow_id
	`

	return r.querySchedules(ctx, query, before.UTC())
}

func (r *ScheduleRepository) AdvanceSchedule(ctx context.Context, schedule *models.Schedule, expect time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE schedules
		SET next_schedule_time = $1, next_run_time = $2, last_session_id = $3, updated_at = NOW()
		WHERE workflow_id = $4 AND next_schedule_time = $5
	`, schedule.NextScheduleTime.UTC(), schedule.NextRunTime.UTC(),
		schedule.LastSessionID, schedule.WorkflowID, expect.UTC())
	if err != nil {
		return fmt.Errorf("failed to advance schedule: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.ErrScheduleConflict
	}

	return nil
}

func (r *ScheduleRepository) DeleteSchedule(ctx context.Context, workflowID string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM schedules WHERE workflow_id = $1", workflowID)
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.ErrScheduleNotFound
	}

	return nil
}

func (r *ScheduleRepository) querySchedules(ctx context.Context, query string, args ...any) ([]*models.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var schedules []*models.Schedule

	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}

		schedules = append(schedules, schedule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating schedules: %w", err)
	}

	return schedules, nil
}

func scanSchedule(row rowScanner) (*models.Schedule, error) {
	var (
		schedule   models.Schedule
		runDelayNS int64
	)

	err := row.Scan(
		&schedule.WorkflowID, &schedule.CronExpression, &runDelayNS,
		&schedule.NextScheduleTime, &schedule.NextRunTime,
		&schedule.LastSessionID, &schedule.Active,
		&schedule.CreatedAt, &schedule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	schedule.RunDelay = time.Duration(runDelayNS)

	return &schedule, nil
}
