// Package coordinator drives sessions to completion. It reacts to engine
// events and to a periodic sweep, enqueues tasks as their dependencies
// resolve, cancels tasks that can never run and declares the session's final
// status. Every mutation goes through an atomic per-task transition, so any
// number of coordinator instances can evaluate the same session
// concurrently.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/fluxionlabs/fluxion/pkg/dispatch"
	"github.com/fluxionlabs/fluxion/pkg/eventbus"
	"github.com/fluxionlabs/fluxion/pkg/events"
	"github.com/fluxionlabs/fluxion/pkg/models"
	"github.com/fluxionlabs/fluxion/pkg/persistence"
	"github.com/fluxionlabs/fluxion/pkg/readiness"
)

const DefaultSweepInterval = 15 * time.Second

// finishedDedupeLimit bounds the in-process guard against duplicate finish
// announcements. Announcements are at-least-once across instances anyway, so
// resetting the guard only risks a duplicate for a long-gone session.
const finishedDedupeLimit = 10000

type Coordinator struct {
	persistence   persistence.Persistence
	dispatcher    *dispatch.Dispatcher
	bus           eventbus.EventBus
	logger        *slog.Logger
	sweepInterval time.Duration

	mu       sync.Mutex
	finished map[int64]bool
}

type Option func(*Coordinator)

func WithSweepInterval(interval time.Duration) Option {
	return func(c *Coordinator) { c.sweepInterval = interval }
}

// NewCoordinator creates a coordinator. The bus is optional: without one the
// coordinator relies on the periodic sweep alone.
func NewCoordinator(p persistence.Persistence, dispatcher *dispatch.Dispatcher, bus eventbus.EventBus, logger *slog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		persistence:   p,
		dispatcher:    dispatcher,
		bus:           bus,
		logger:        logger.With("module", "coordinator"),
		sweepInterval: DefaultSweepInterval,
		finished:      make(map[int64]bool),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Run subscribes to engine events and sweeps until the context is canceled.
// The sweep is the safety net: it resumes sessions after a restart and
// catches anything a lost event would have triggered.
func (c *Coordinator) Run(ctx context.Context) error {
	if c.bus != nil {
		if err := c.subscribe(ctx); err != nil {
			return err
		}
	}

	c.logger.Info("Coordinator started", "sweep_interval", c.sweepInterval)

	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Coordinator stopped")

			return ctx.Err()
		case now := <-ticker.C:
			c.Sweep(ctx, now.UTC())
		}
	}
}

func (c *Coordinator) subscribe(ctx context.Context) error {
	evaluate := func(ctx context.Context, event any) error {
		switch e := event.(type) {
		case *events.SessionCreated:
			return c.Evaluate(ctx, e.SessionID)
		case *events.TaskFinished:
			return c.Evaluate(ctx, e.SessionID)
		case *events.SessionCanceled:
			return c.Evaluate(ctx, e.SessionID)
		default:
			return nil
		}
	}

	for _, eventType := range []events.EventType{
		events.SessionCreatedEvent,
		events.TaskFinishedEvent,
		events.SessionCanceledEvent,
	} {
		if err := c.bus.Handle(eventType, evaluate); err != nil {
			return fmt.Errorf("subscribe %s: %w", eventType, err)
		}
	}

	return c.bus.Subscribe(ctx)
}

// Sweep runs one maintenance pass: reclaim expired leases, promote due
// retries and re-evaluate every session that still has non-terminal tasks.
func (c *Coordinator) Sweep(ctx context.Context, now time.Time) {
	if _, err := c.dispatcher.SweepExpired(ctx, now); err != nil {
		c.logger.Error("Lease sweep failed", "error", err)
	}

	if _, err := c.dispatcher.PromoteDueRetries(ctx, now); err != nil {
		c.logger.Error("Retry promotion failed", "error", err)
	}

	active, err := c.persistence.Sessions().ActiveSessionIDs(ctx)
	if err != nil {
		c.logger.Error("Failed to list active sessions", "error", err)

		return
	}

	for _, sessionID := range active {
		if err := c.Evaluate(ctx, sessionID); err != nil {
			c.logger.Error("Session evaluation failed", "session_id", sessionID, "error", err)
		}
	}
}

// Evaluate advances one session as far as the current task states allow:
// cancel what can never run, enqueue what became ready, and finish the
// session once every task is terminal. Safe to call repeatedly and from
// concurrent instances.
func (c *Coordinator) Evaluate(ctx context.Context, sessionID int64) error {
	session, err := c.persistence.Sessions().SessionByID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("evaluate session %d: %w", sessionID, err)
	}

	tasks, err := c.persistence.Tasks().SessionTasks(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("evaluate session %d: %w", sessionID, err)
	}

	if session.Canceled {
		if err := c.cancelRemaining(ctx, sessionID, tasks); err != nil {
			return err
		}
	} else {
		for _, taskID := range readiness.Unreachable(tasks) {
			if err := c.persistence.Tasks().MarkCanceled(ctx, sessionID, taskID); err != nil {
				return fmt.Errorf("cancel unreachable %d/%s: %w", sessionID, taskID, err)
			}

			c.logger.Debug("Task unreachable, canceled", "session_id", sessionID, "task_id", taskID)
		}

		for _, taskID := range readiness.NewlyReady(tasks) {
			if err := c.dispatcher.Enqueue(ctx, sessionID, taskID); err != nil {
				return err
			}
		}
	}

	tasks, err = c.persistence.Tasks().SessionTasks(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("evaluate session %d: %w", sessionID, err)
	}

	for _, task := range tasks {
		if !task.State.IsTerminal() {
			return nil
		}
	}

	c.finish(ctx, session, readiness.RootState(session, tasks))

	return nil
}

// CancelSession cancels the session, cancels its pending tasks and announces
// the cancel so agents can abort leased work best-effort.
func (c *Coordinator) CancelSession(ctx context.Context, sessionID int64) error {
	err := c.persistence.Sessions().CancelSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("cancel session %d: %w", sessionID, err)
	}

	c.publish(ctx, sessionID, events.SessionCanceled{
		BaseEvent: events.NewBaseEvent(events.SessionCanceledEvent, sessionID),
	})

	return c.Evaluate(ctx, sessionID)
}

func (c *Coordinator) cancelRemaining(ctx context.Context, sessionID int64, tasks []*models.Task) error {
	for _, task := range tasks {
		if task.State.IsTerminal() {
			continue
		}

		if err := c.persistence.Tasks().MarkCanceled(ctx, sessionID, task.ID); err != nil {
			return fmt.Errorf("cancel %d/%s: %w", sessionID, task.ID, err)
		}
	}

	return nil
}

// finish declares the session's terminal status. The in-process guard keeps
// one instance from announcing the same session twice; duplicates across
// instances are possible and consumers tolerate them.
func (c *Coordinator) finish(ctx context.Context, session *models.Session, status models.SessionStatus) {
	c.mu.Lock()
	already := c.finished[session.ID]

	if !already {
		if len(c.finished) >= finishedDedupeLimit {
			c.finished = make(map[int64]bool)
		}

		c.finished[session.ID] = true
	}
	c.mu.Unlock()

	if already {
		return
	}

	c.logger.Info("Session finished",
		"session_id", session.ID, "workflow_id", session.WorkflowID, "status", status)

	c.publish(ctx, session.ID, events.SessionFinished{
		BaseEvent:  events.NewBaseEvent(events.SessionFinishedEvent, session.ID),
		WorkflowID: session.WorkflowID,
		Status:     status,
	})
}

func (c *Coordinator) publish(ctx context.Context, sessionID int64, event eventbus.Event) {
	if c.bus == nil {
		return
	}

	err := c.bus.Publish(ctx, strconv.FormatInt(sessionID, 10), event)
	if err != nil {
		c.logger.Error("Failed to publish event", "type", event.GetType(), "error", err)
	}
}
