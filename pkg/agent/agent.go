// Package agent runs leased tasks. An agent advertises a set of capability
// tags, leases matching ready tasks from the dispatcher, heartbeats while an
// executor works and reports the attempt's outcome. Storage stays
// authoritative throughout: a cancel event only aborts local work
// best-effort.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fluxionlabs/fluxion/pkg/dispatch"
	"github.com/fluxionlabs/fluxion/pkg/eventbus"
	"github.com/fluxionlabs/fluxion/pkg/events"
	"github.com/fluxionlabs/fluxion/pkg/executors"
	"github.com/fluxionlabs/fluxion/pkg/models"
	"github.com/fluxionlabs/fluxion/pkg/otelhelper"
	"github.com/fluxionlabs/fluxion/pkg/persistence"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultConcurrency  = 4
)

type Config struct {
	PollInterval time.Duration
	Concurrency  int

	// ExecutorConfig holds per-capability executor configuration.
	ExecutorConfig map[string]map[string]any
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}

	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
}

type Agent struct {
	id         string
	dispatcher *dispatch.Dispatcher
	registry   *executors.Registry
	bus        eventbus.EventBus
	logger     *slog.Logger
	tracer     trace.Tracer
	config     Config

	wake chan struct{}

	mu      sync.Mutex
	aborted map[int64]bool
	cancels map[int64]map[string]context.CancelFunc
}

// NewAgent creates an agent serving the registry's capabilities. The bus and
// tracer are optional.
func NewAgent(dispatcher *dispatch.Dispatcher, registry *executors.Registry, bus eventbus.EventBus, logger *slog.Logger, tracer trace.Tracer, config Config) *Agent {
	config.applyDefaults()

	id := "agent-" + uuid.New().String()

	return &Agent{
		id:         id,
		dispatcher: dispatcher,
		registry:   registry,
		bus:        bus,
		logger:     logger.With("module", "agent", "agent_id", id),
		tracer:     tracer,
		config:     config,
		wake:       make(chan struct{}, 1),
		aborted:    make(map[int64]bool),
		cancels:    make(map[int64]map[string]context.CancelFunc),
	}
}

func (a *Agent) ID() string {
	return a.id
}

// Run leases and executes tasks until the context is canceled. Wake-up
// events shorten latency; the poll interval is the fallback.
func (a *Agent) Run(ctx context.Context) error {
	if a.bus != nil {
		if err := a.subscribe(ctx); err != nil {
			return err
		}
	}

	a.logger.Info("Agent started",
		"capabilities", a.registry.Capabilities(),
		"concurrency", a.config.Concurrency,
		"poll_interval", a.config.PollInterval)

	ticker := time.NewTicker(a.config.PollInterval)
	defer ticker.Stop()

	for {
		a.Drain(ctx)

		select {
		case <-ctx.Done():
			a.logger.Info("Agent stopped")

			return ctx.Err()
		case <-ticker.C:
		case <-a.wake:
		}
	}
}

func (a *Agent) subscribe(ctx context.Context) error {
	notify := func(_ context.Context, _ any) error {
		select {
		case a.wake <- struct{}{}:
		default:
		}

		return nil
	}

	abort := func(_ context.Context, event any) error {
		if e, ok := event.(*events.SessionCanceled); ok {
			a.abortSession(e.SessionID)
		}

		return nil
	}

	for _, eventType := range []events.EventType{events.TaskReadyEvent, events.LeaseExpiredEvent} {
		if err := a.bus.Handle(eventType, notify); err != nil {
			return fmt.Errorf("subscribe %s: %w", eventType, err)
		}
	}

	if err := a.bus.Handle(events.SessionCanceledEvent, abort); err != nil {
		return fmt.Errorf("subscribe %s: %w", events.SessionCanceledEvent, err)
	}

	return a.bus.Subscribe(ctx)
}

// Drain leases ready tasks matching the agent's capabilities and runs them,
// up to the concurrency limit per round, until the queue is empty. It blocks
// until all leased tasks completed.
func (a *Agent) Drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		leased, err := a.dispatcher.Lease(ctx, a.registry.Capabilities(), a.config.Concurrency)
		if err != nil {
			a.logger.Error("Lease failed", "error", err)

			return
		}

		if len(leased) == 0 {
			return
		}

		var wg sync.WaitGroup

		for _, task := range leased {
			wg.Add(1)

			go func(task *models.Task) {
				defer wg.Done()
				a.runTask(ctx, task)
			}(task)
		}

		wg.Wait()
	}
}

func (a *Agent) runTask(ctx context.Context, task *models.Task) {
	logger := a.logger.With("session_id", task.SessionID, "task_id", task.ID, "capability", task.Capability)

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !a.registerCancel(task.SessionID, task.LeaseToken, cancel) {
		cancel()
	}

	defer a.unregisterCancel(task.SessionID, task.LeaseToken)

	var span trace.Span

	if a.tracer != nil {
		taskCtx, span = otelhelper.StartSpan(taskCtx, a.tracer, "agent.run_task",
			attribute.Int64(otelhelper.SessionIDKey, task.SessionID),
			attribute.String(otelhelper.TaskIDKey, task.ID),
			attribute.String(otelhelper.CapabilityKey, task.Capability),
			attribute.String(otelhelper.AgentIDKey, a.id),
		)
		defer span.End()
	}

	result := a.execute(taskCtx, task, logger)

	if span != nil && !result.Success {
		otelhelper.SetError(span, errors.New(result.Error),
			attribute.String(otelhelper.TaskIDKey, task.ID))
	}

	// Completion must go through even when the task context was aborted.
	completed, err := a.dispatcher.Complete(context.WithoutCancel(ctx), task.LeaseToken, *result)
	if err != nil {
		if persistence.IsLeaseNotFound(err) {
			logger.Warn("Lease reclaimed before completion; attempt discarded")

			return
		}

		logger.Error("Failed to report completion", "error", err)

		return
	}

	logger.Info("Task attempt finished", "state", completed.State)
}

func (a *Agent) execute(ctx context.Context, task *models.Task, logger *slog.Logger) *models.TaskResult {
	executor, err := a.registry.Create(task.Capability, a.config.ExecutorConfig[task.Capability])
	if err != nil {
		return &models.TaskResult{Success: false, Error: err.Error()}
	}

	// The executor runs on a context the heartbeat can cancel, so a
	// reclaimed lease actually stops the work instead of only stopping
	// the heartbeat.
	runCtx, abort := context.WithCancel(ctx)
	defer abort()

	go a.heartbeat(runCtx, task.LeaseToken, abort)

	return executors.Run(runCtx, executor, task, logger)
}

// heartbeat extends the lease on a fraction of its TTL until the task
// context ends. A reclaimed lease aborts the task; its work would be
// repeated anyway.
func (a *Agent) heartbeat(ctx context.Context, token string, abort context.CancelFunc) {
	interval := a.dispatcher.LeaseTTL() / 3
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.dispatcher.Heartbeat(ctx, token); err != nil {
				if persistence.IsLeaseNotFound(err) {
					a.logger.Warn("Lease reclaimed, aborting task", "lease_token", token)
					abort()

					return
				}

				a.logger.Error("Heartbeat failed", "error", err)
			}
		}
	}
}

// registerCancel records the attempt's cancel under its session, keyed by
// lease token so concurrent attempts unregister independently. Returns false
// when the session was already aborted, so the task should not start.
func (a *Agent) registerCancel(sessionID int64, token string, cancel context.CancelFunc) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.aborted[sessionID] {
		return false
	}

	if a.cancels[sessionID] == nil {
		a.cancels[sessionID] = make(map[string]context.CancelFunc)
	}

	a.cancels[sessionID][token] = cancel

	return true
}

func (a *Agent) unregisterCancel(sessionID int64, token string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.cancels[sessionID], token)

	if len(a.cancels[sessionID]) == 0 {
		delete(a.cancels, sessionID)
		delete(a.aborted, sessionID)
	}
}

func (a *Agent) abortSession(sessionID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.aborted[sessionID] = true

	for _, cancel := range a.cancels[sessionID] {
		cancel()
	}
}
