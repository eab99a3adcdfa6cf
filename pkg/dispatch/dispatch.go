// Package dispatch implements the task queue: enqueueing ready tasks,
// handing out leases to agents, heartbeats, completion and expiry sweeps.
// Storage holds the authoritative queue state; the event bus only wakes
// consumers up.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/fluxionlabs/fluxion/pkg/eventbus"
	"github.com/fluxionlabs/fluxion/pkg/events"
	"github.com/fluxionlabs/fluxion/pkg/models"
	"github.com/fluxionlabs/fluxion/pkg/persistence"
)

const DefaultLeaseTTL = 30 * time.Second

type Dispatcher struct {
	persistence persistence.Persistence
	publisher   eventbus.EventPublisher
	logger      *slog.Logger
	leaseTTL    time.Duration
	backoff     Backoff
	index       ReadyIndex
}

type Option func(*Dispatcher)

func WithLeaseTTL(ttl time.Duration) Option {
	return func(d *Dispatcher) { d.leaseTTL = ttl }
}

func WithBackoff(b Backoff) Option {
	return func(d *Dispatcher) { d.backoff = b }
}

// WithReadyIndex attaches a derived index of ready tasks. The index is a
// best-effort accelerator; failures to update it are logged, never returned.
func WithReadyIndex(index ReadyIndex) Option {
	return func(d *Dispatcher) { d.index = index }
}

func NewDispatcher(p persistence.Persistence, publisher eventbus.EventPublisher, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		persistence: p,
		publisher:   publisher,
		logger:      logger.With("module", "dispatch"),
		leaseTTL:    DefaultLeaseTTL,
		backoff:     DefaultBackoff(),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

func (d *Dispatcher) LeaseTTL() time.Duration {
	return d.leaseTTL
}

// RebuildIndex repopulates the ready index from storage, repairing drift
// after a crash or an index flush. No-op without an index.
func (d *Dispatcher) RebuildIndex(ctx context.Context) error {
	if d.index == nil {
		return nil
	}

	active, err := d.persistence.Sessions().ActiveSessionIDs(ctx)
	if err != nil {
		return fmt.Errorf("rebuild index: %w", err)
	}

	var ready []*models.Task

	for _, sessionID := range active {
		tasks, err := d.persistence.Tasks().SessionTasks(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("rebuild index: %w", err)
		}

		for _, task := range tasks {
			if task.State == models.TaskStateReady {
				ready = append(ready, task)
			}
		}
	}

	if err := d.index.Rebuild(ctx, ready); err != nil {
		return fmt.Errorf("rebuild index: %w", err)
	}

	size, err := d.index.Size(ctx)
	if err != nil {
		return fmt.Errorf("rebuild index: %w", err)
	}

	d.logger.Info("Ready index rebuilt", "size", size)

	return nil
}

// Enqueue moves a task into the ready queue and publishes a wake-up event.
// Enqueueing a task that already left the blocked or retry_waiting state is
// a no-op, so repeated evaluations of the same session are harmless.
func (d *Dispatcher) Enqueue(ctx context.Context, sessionID int64, taskID string) error {
	err := d.persistence.Tasks().MarkReady(ctx, sessionID, taskID)
	if err != nil {
		if persistence.IsConflict(err) {
			return nil
		}

		return fmt.Errorf("enqueue %d/%s: %w", sessionID, taskID, err)
	}

	task, err := d.persistence.Tasks().TaskByID(ctx, sessionID, taskID)
	if err != nil {
		return fmt.Errorf("enqueue %d/%s: %w", sessionID, taskID, err)
	}

	d.indexAdd(ctx, task)
	d.publish(ctx, sessionID, events.TaskReady{
		BaseEvent:  events.NewBaseEvent(events.TaskReadyEvent, sessionID),
		TaskID:     taskID,
		Capability: task.Capability,
	})

	d.logger.Debug("Task enqueued", "session_id", sessionID, "task_id", taskID)

	return nil
}

// Lease claims up to maxTasks ready tasks matching the capability tags. Each
// returned task carries a fresh lease token and deadline. Fewer tasks than
// requested, including none, is a normal outcome.
func (d *Dispatcher) Lease(ctx context.Context, capabilities []string, maxTasks int) ([]*models.Task, error) {
	if maxTasks <= 0 {
		maxTasks = 1
	}

	leased := make([]*models.Task, 0, maxTasks)

	for len(leased) < maxTasks {
		token := uuid.New().String()
		deadline := time.Now().UTC().Add(d.leaseTTL)

		task, err := d.persistence.Tasks().Lease(ctx, capabilities, token, deadline)
		if err != nil {
			return leased, fmt.Errorf("lease: %w", err)
		}

		if task == nil {
			break
		}

		d.indexRemove(ctx, task)
		d.logger.Debug("Task leased", "session_id", task.SessionID, "task_id", task.ID, "deadline", deadline)

		leased = append(leased, task)
	}

	return leased, nil
}

// Heartbeat extends the lease identified by the token and returns the new
// deadline. A missing token means the lease expired or completed already.
func (d *Dispatcher) Heartbeat(ctx context.Context, token string) (time.Time, error) {
	deadline := time.Now().UTC().Add(d.leaseTTL)

	err := d.persistence.Tasks().ExtendLease(ctx, token, deadline)
	if err != nil {
		return time.Time{}, fmt.Errorf("heartbeat: %w", err)
	}

	return deadline, nil
}

// Complete finishes the leased attempt identified by the token. Failed
// attempts under the retry limit enter retry_waiting with a backoff computed
// from the retry count; the rest reach a terminal state.
func (d *Dispatcher) Complete(ctx context.Context, token string, result models.TaskResult) (*models.Task, error) {
	current, err := d.persistence.Tasks().TaskByLease(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("complete: %w", err)
	}

	retryAt := time.Now().UTC().Add(d.backoff.Delay(current.RetryCount))

	task, err := d.persistence.Tasks().CompleteLease(ctx, token, result, retryAt)
	if err != nil {
		return nil, fmt.Errorf("complete: %w", err)
	}

	d.publish(ctx, task.SessionID, events.TaskFinished{
		BaseEvent: events.NewBaseEvent(events.TaskFinishedEvent, task.SessionID),
		TaskID:    task.ID,
		State:     task.State,
		Error:     task.LastError,
	})

	d.logger.Debug("Task attempt finished",
		"session_id", task.SessionID, "task_id", task.ID, "state", task.State)

	return task, nil
}

// PromoteDueRetries returns retry_waiting tasks whose backoff elapsed to the
// ready queue and announces each of them.
func (d *Dispatcher) PromoteDueRetries(ctx context.Context, now time.Time) ([]*models.Task, error) {
	promoted, err := d.persistence.Tasks().DueRetries(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("promote due retries: %w", err)
	}

	for _, task := range promoted {
		d.indexAdd(ctx, task)
		d.publish(ctx, task.SessionID, events.TaskReady{
			BaseEvent:  events.NewBaseEvent(events.TaskReadyEvent, task.SessionID),
			TaskID:     task.ID,
			Capability: task.Capability,
		})

		d.logger.Debug("Retry due, task re-queued", "session_id", task.SessionID, "task_id", task.ID)
	}

	return promoted, nil
}

// SweepExpired reclaims running tasks whose lease deadline passed, returning
// them to the ready queue and announcing each reclaim.
func (d *Dispatcher) SweepExpired(ctx context.Context, now time.Time) ([]*models.Task, error) {
	expired, err := d.persistence.Tasks().ExpireLeases(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("sweep expired: %w", err)
	}

	for _, task := range expired {
		d.indexAdd(ctx, task)
		d.publish(ctx, task.SessionID, events.LeaseExpired{
			BaseEvent:  events.NewBaseEvent(events.LeaseExpiredEvent, task.SessionID),
			TaskID:     task.ID,
			Capability: task.Capability,
		})

		d.logger.Warn("Lease expired, task re-queued", "session_id", task.SessionID, "task_id", task.ID)
	}

	return expired, nil
}

func (d *Dispatcher) publish(ctx context.Context, sessionID int64, event eventbus.Event) {
	if d.publisher == nil {
		return
	}

	err := d.publisher.Publish(ctx, strconv.FormatInt(sessionID, 10), event)
	if err != nil {
		d.logger.Error("Failed to publish event", "type", event.GetType(), "error", err)
	}
}

func (d *Dispatcher) indexAdd(ctx context.Context, task *models.Task) {
	if d.index == nil {
		return
	}

	if err := d.index.Add(ctx, task.SessionID, task.ID); err != nil {
		d.logger.Warn("Ready index add failed", "session_id", task.SessionID, "task_id", task.ID, "error", err)
	}
}

func (d *Dispatcher) indexRemove(ctx context.Context, task *models.Task) {
	if d.index == nil {
		return
	}

	if err := d.index.Remove(ctx, task.SessionID, task.ID); err != nil {
		d.logger.Warn("Ready index remove failed", "session_id", task.SessionID, "task_id", task.ID, "error", err)
	}
}
