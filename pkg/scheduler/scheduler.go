// Package scheduler fires recurring workflows: it polls for due schedules,
// mints one session per (workflow, logical instant) and advances the
// schedule's next fire time. Multiple instances may run concurrently; the
// session identity key and the compare-and-swap advance keep firing
// exactly-once.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fluxionlabs/fluxion/pkg/eventbus"
	"github.com/fluxionlabs/fluxion/pkg/models"
	"github.com/fluxionlabs/fluxion/pkg/persistence"
)

const (
	// CatchUpFireLatest collapses a backlog of missed instants into a single
	// session at the most recent one.
	CatchUpFireLatest = "fire-latest"

	// CatchUpFireAll fires every missed instant in order, one per poll.
	CatchUpFireAll = "fire-all"
)

const DefaultPollInterval = 10 * time.Second

type Config struct {
	PollInterval time.Duration
	CatchUp      string
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}

	if c.CatchUp == "" {
		c.CatchUp = CatchUpFireLatest
	}
}

func (c Config) validate() error {
	if c.CatchUp != CatchUpFireLatest && c.CatchUp != CatchUpFireAll {
		return fmt.Errorf("unknown catch-up policy: %s", c.CatchUp)
	}

	return nil
}

type Scheduler struct {
	persistence persistence.Persistence
	publisher   eventbus.EventPublisher
	logger      *slog.Logger
	config      Config
}

func NewScheduler(p persistence.Persistence, publisher eventbus.EventPublisher, logger *slog.Logger, config Config) (*Scheduler, error) {
	config.applyDefaults()

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &Scheduler{
		persistence: p,
		publisher:   publisher,
		logger:      logger.With("module", "scheduler"),
		config:      config,
	}, nil
}

// Run polls for due schedules until the context is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Scheduler started",
		"poll_interval", s.config.PollInterval, "catch_up", s.config.CatchUp)

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")

			return ctx.Err()
		case now := <-ticker.C:
			if err := s.Tick(ctx, now.UTC()); err != nil {
				s.logger.Error("Scheduler tick failed", "error", err)
			}
		}
	}
}

// Tick fires every schedule due at the given instant. Failures on one
// schedule are logged and do not block the others.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) error {
	due, err := s.persistence.Schedules().DueSchedules(ctx, now)
	if err != nil {
		return fmt.Errorf("due schedules: %w", err)
	}

	for _, schedule := range due {
		if err := s.fire(ctx, schedule, now); err != nil {
			s.logger.Error("Failed to fire schedule",
				"workflow_id", schedule.WorkflowID, "error", err)
		}
	}

	return nil
}

// fire mints the session for the schedule's current instant and advances the
// schedule past it. Under fire-latest a backlog is first collapsed to the
// most recent due instant. A session that already exists for the instant
// means another instance fired it; the schedule is still advanced so the
// instant is never retried.
func (s *Scheduler) fire(ctx context.Context, schedule *models.Schedule, now time.Time) error {
	expect := schedule.NextScheduleTime

	scheduledAt, err := s.catchUpTarget(schedule, now)
	if err != nil {
		return err
	}

	sessionID, err := Trigger(ctx, s.persistence, s.publisher, s.logger, schedule.WorkflowID, scheduledAt)

	switch {
	case errors.Is(err, persistence.ErrSessionExists):
		s.logger.Debug("Session already created by another instance",
			"workflow_id", schedule.WorkflowID, "scheduled_at", scheduledAt)
	case err != nil:
		return err
	default:
		schedule.LastSessionID = sessionID
		s.logger.Info("Schedule fired",
			"workflow_id", schedule.WorkflowID, "scheduled_at", scheduledAt, "session_id", sessionID)
	}

	next, err := schedule.NextAfter(scheduledAt)
	if err != nil {
		return err
	}

	if err := schedule.Advance(next); err != nil {
		return err
	}

	err = s.persistence.Schedules().AdvanceSchedule(ctx, schedule, expect)
	if err != nil {
		if persistence.IsConflict(err) {
			// Lost the advance race; the winner owns the instant.
			return nil
		}

		return fmt.Errorf("advance schedule: %w", err)
	}

	return nil
}

// catchUpTarget picks the logical instant to fire. fire-all takes the stored
// next instant as is; fire-latest walks forward to the last instant whose
// run time has passed.
func (s *Scheduler) catchUpTarget(schedule *models.Schedule, now time.Time) (time.Time, error) {
	scheduledAt := schedule.NextScheduleTime

	if s.config.CatchUp == CatchUpFireAll {
		return scheduledAt, nil
	}

	for {
		next, err := schedule.NextAfter(scheduledAt)
		if err != nil {
			return time.Time{}, err
		}

		if next.Add(schedule.RunDelay).After(now) {
			return scheduledAt, nil
		}

		scheduledAt = next
	}
}
