package models

import (
	"errors"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidSchedule is returned when schedule validation fails.
var ErrInvalidSchedule = errors.New("invalid schedule configuration")

// Schedule is the persisted next-fire-time state for a recurring workflow.
// NextScheduleTime is the logical cron instant the next session will be keyed
// to; NextRunTime is the wall-clock time at which the scheduler should fire it
// (they coincide unless a run delay is configured). NextRunTime is
// monotonically non-decreasing across advances, and a schedule is never fired
// twice for the same NextScheduleTime.
type Schedule struct {
	WorkflowID string `json:"workflow_id" validate:"required"`

	// CronExpression uses the standard 5-field format
	// (minute hour day month weekday).
	CronExpression string `json:"cron_expression" validate:"required"`

	// RunDelay shifts NextRunTime past NextScheduleTime, for workflows whose
	// inputs only become available some time after the logical instant.
	RunDelay time.Duration `json:"run_delay"`

	NextScheduleTime time.Time `json:"next_schedule_time"`
	NextRunTime      time.Time `json:"next_run_time"`

	// LastSessionID references the most recently created session, for
	// observability only. The schedule does not own sessions.
	LastSessionID int64 `json:"last_session_id,omitempty"`

	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NewSchedule creates a schedule with the first fire time computed from now.
func NewSchedule(workflowID, cronExpression string, runDelay time.Duration) (*Schedule, error) {
	now := time.Now().UTC()
	schedule := &Schedule{
		WorkflowID:     workflowID,
		CronExpression: cronExpression,
		RunDelay:       runDelay,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	next, err := schedule.NextAfter(now)
	if err != nil {
		return nil, err
	}

	schedule.setNext(next)

	return schedule, nil
}

// NextAfter returns the first cron instant strictly after the reference time.
func (s *Schedule) NextAfter(reference time.Time) (time.Time, error) {
	cronSchedule, err := cronParser.Parse(s.CronExpression)
	if err != nil {
		return time.Time{}, err
	}

	return cronSchedule.Next(reference), nil
}

// Advance moves the schedule to the given logical instant. Advancing backwards
// is rejected to keep NextRunTime monotonic.
func (s *Schedule) Advance(scheduleTime time.Time) error {
	if scheduleTime.Before(s.NextScheduleTime) {
		return ErrInvalidSchedule
	}

	s.setNext(scheduleTime)

	return nil
}

func (s *Schedule) setNext(scheduleTime time.Time) {
	s.NextScheduleTime = scheduleTime
	s.NextRunTime = scheduleTime.Add(s.RunDelay)
	s.UpdatedAt = time.Now().UTC()
}

// IsDue reports whether the schedule should fire at the given time.
func (s *Schedule) IsDue(now time.Time) bool {
	return s.Active && !s.NextRunTime.After(now)
}

// Validate performs validation on the schedule fields.
func (s *Schedule) Validate() error {
	if s.WorkflowID == "" {
		return ErrInvalidSchedule
	}

	if s.CronExpression == "" {
		return ErrInvalidSchedule
	}

	_, err := cronParser.Parse(s.CronExpression)

	return err
}
