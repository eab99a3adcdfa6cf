package coordinator

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxionlabs/fluxion/pkg/dispatch"
	"github.com/fluxionlabs/fluxion/pkg/eventbus"
	"github.com/fluxionlabs/fluxion/pkg/events"
	"github.com/fluxionlabs/fluxion/pkg/models"
	"github.com/fluxionlabs/fluxion/pkg/persistence/memory"
)

type captureBus struct {
	mu        sync.Mutex
	published []eventbus.Event
	handlers  map[events.EventType]eventbus.EventHandler
}

func newCaptureBus() *captureBus {
	return &captureBus{handlers: make(map[events.EventType]eventbus.EventHandler)}
}

func (b *captureBus) Publish(_ context.Context, _ string, event eventbus.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.published = append(b.published, event)

	return nil
}

func (b *captureBus) Handle(eventType events.EventType, handler eventbus.EventHandler) error {
	b.handlers[eventType] = handler

	return nil
}

func (b *captureBus) Subscribe(_ context.Context) error { return nil }

func (b *captureBus) Close() error { return nil }

func (b *captureBus) GenerateID() string { return "test" }

func (b *captureBus) byType(eventType events.EventType) []eventbus.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var matched []eventbus.Event

	for _, event := range b.published {
		if event.GetType() == eventType {
			matched = append(matched, event)
		}
	}

	return matched
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	store       *memory.Persistence
	bus         *captureBus
	dispatcher  *dispatch.Dispatcher
	coordinator *Coordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store := memory.NewPersistence()
	bus := newCaptureBus()
	dispatcher := dispatch.NewDispatcher(store, bus, discardLogger())

	return &harness{
		store:       store,
		bus:         bus,
		dispatcher:  dispatcher,
		coordinator: NewCoordinator(store, dispatcher, bus, discardLogger()),
	}
}

func (h *harness) createSession(t *testing.T, tasks ...*models.Task) int64 {
	t.Helper()

	sessionID, err := h.store.Sessions().CreateSession(context.Background(),
		&models.Session{WorkflowID: "wf-coord", ScheduledAt: time.Now().UTC()}, tasks)
	require.NoError(t, err)

	return sessionID
}

// runLeased leases every ready task with the given capability and completes
// it with the result, standing in for an agent.
func (h *harness) runLeased(t *testing.T, success bool) {
	t.Helper()

	ctx := context.Background()

	leased, err := h.dispatcher.Lease(ctx, []string{"shell"}, 100)
	require.NoError(t, err)

	for _, task := range leased {
		result := models.TaskResult{Success: success}
		if !success {
			result.Error = "exit 1"
		}

		_, err := h.dispatcher.Complete(ctx, task.LeaseToken, result)
		require.NoError(t, err)
	}
}

func blocked(id string, deps ...models.Dependency) *models.Task {
	return &models.Task{
		ID:         id,
		Capability: "shell",
		Upstream:   deps,
		State:      models.TaskStateBlocked,
	}
}

func dep(upstream string) models.Dependency {
	return models.Dependency{UpstreamID: upstream}
}

func taskStates(t *testing.T, h *harness, sessionID int64) map[string]models.TaskState {
	t.Helper()

	tasks, err := h.store.Tasks().SessionTasks(context.Background(), sessionID)
	require.NoError(t, err)

	states := make(map[string]models.TaskState, len(tasks))
	for _, task := range tasks {
		states[task.ID] = task.State
	}

	return states
}

func TestEvaluate_DiamondRunsToSuccess(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	sessionID := h.createSession(t,
		blocked("a"),
		blocked("b", dep("a")),
		blocked("c", dep("a")),
		blocked("d", dep("b"), dep("c")),
	)

	// Three rounds: a, then b and c, then d.
	for range 3 {
		require.NoError(t, h.coordinator.Evaluate(ctx, sessionID))
		h.runLeased(t, true)
	}

	require.NoError(t, h.coordinator.Evaluate(ctx, sessionID))

	states := taskStates(t, h, sessionID)
	for id, state := range states {
		assert.Equal(t, models.TaskStateSuccess, state, "task %s", id)
	}

	finished := h.bus.byType(events.SessionFinishedEvent)
	require.Len(t, finished, 1)
	assert.Equal(t, models.SessionStatusSuccess, finished[0].(events.SessionFinished).Status)

	// Re-evaluating a finished session announces nothing new.
	require.NoError(t, h.coordinator.Evaluate(ctx, sessionID))
	assert.Len(t, h.bus.byType(events.SessionFinishedEvent), 1)
}

func TestEvaluate_FailurePrunesDownstream(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	sessionID := h.createSession(t,
		blocked("a"),
		blocked("b", dep("a")),
		blocked("c", dep("b")),
	)

	require.NoError(t, h.coordinator.Evaluate(ctx, sessionID))
	h.runLeased(t, false)
	require.NoError(t, h.coordinator.Evaluate(ctx, sessionID))

	states := taskStates(t, h, sessionID)
	assert.Equal(t, models.TaskStateError, states["a"])
	assert.Equal(t, models.TaskStateCanceled, states["b"])
	assert.Equal(t, models.TaskStateCanceled, states["c"])

	finished := h.bus.byType(events.SessionFinishedEvent)
	require.Len(t, finished, 1)
	assert.Equal(t, models.SessionStatusError, finished[0].(events.SessionFinished).Status)
}

func TestEvaluate_ErrorHandlerRecoversSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	sessionID := h.createSession(t,
		blocked("a"),
		blocked("cleanup", models.Dependency{UpstreamID: "a", OnError: true}),
	)

	require.NoError(t, h.coordinator.Evaluate(ctx, sessionID))
	h.runLeased(t, false)

	// a's error satisfies the handler edge.
	require.NoError(t, h.coordinator.Evaluate(ctx, sessionID))
	h.runLeased(t, true)
	require.NoError(t, h.coordinator.Evaluate(ctx, sessionID))

	states := taskStates(t, h, sessionID)
	assert.Equal(t, models.TaskStateError, states["a"])
	assert.Equal(t, models.TaskStateSuccess, states["cleanup"])

	finished := h.bus.byType(events.SessionFinishedEvent)
	require.Len(t, finished, 1)
	assert.Equal(t, models.SessionStatusSuccess, finished[0].(events.SessionFinished).Status)
}

func TestEvaluate_UnusedErrorHandlerDoesNotFailSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	// Same shape as the nightly-report example: a cleanup branch guarding
	// build that never fires on a clean run.
	sessionID := h.createSession(t,
		blocked("build"),
		blocked("report", dep("build")),
		blocked("publish", dep("report")),
		blocked("cleanup-on-failure", models.Dependency{UpstreamID: "build", OnError: true}),
	)

	for range 3 {
		require.NoError(t, h.coordinator.Evaluate(ctx, sessionID))
		h.runLeased(t, true)
	}

	require.NoError(t, h.coordinator.Evaluate(ctx, sessionID))

	states := taskStates(t, h, sessionID)
	assert.Equal(t, models.TaskStateSuccess, states["build"])
	assert.Equal(t, models.TaskStateSuccess, states["report"])
	assert.Equal(t, models.TaskStateSuccess, states["publish"])
	assert.Equal(t, models.TaskStateCanceled, states["cleanup-on-failure"])

	// A run with zero failures resolves success even though the unused
	// handler was pruned.
	finished := h.bus.byType(events.SessionFinishedEvent)
	require.Len(t, finished, 1)
	assert.Equal(t, models.SessionStatusSuccess, finished[0].(events.SessionFinished).Status)
}

func TestEvaluate_RetryWaitingRoundTrip(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	task := blocked("flaky")
	task.RetryLimit = 1
	sessionID := h.createSession(t, task)

	require.NoError(t, h.coordinator.Evaluate(ctx, sessionID))
	h.runLeased(t, false)

	states := taskStates(t, h, sessionID)
	require.Equal(t, models.TaskStateRetryWaiting, states["flaky"])

	// The sweep promotes the retry once its backoff elapsed.
	h.coordinator.Sweep(ctx, time.Now().Add(time.Hour))
	h.runLeased(t, true)
	require.NoError(t, h.coordinator.Evaluate(ctx, sessionID))

	states = taskStates(t, h, sessionID)
	assert.Equal(t, models.TaskStateSuccess, states["flaky"])
}

func TestFinish_DedupeGuardStaysBounded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	for i := int64(1); i <= finishedDedupeLimit+10; i++ {
		h.coordinator.finish(ctx, &models.Session{ID: i, WorkflowID: "wf-coord"}, models.SessionStatusSuccess)
	}

	h.coordinator.mu.Lock()
	size := len(h.coordinator.finished)
	h.coordinator.mu.Unlock()

	assert.LessOrEqual(t, size, finishedDedupeLimit)
}

func TestCancelSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	sessionID := h.createSession(t,
		blocked("a"),
		blocked("b", dep("a")),
	)

	require.NoError(t, h.coordinator.Evaluate(ctx, sessionID))
	require.NoError(t, h.coordinator.CancelSession(ctx, sessionID))

	states := taskStates(t, h, sessionID)
	assert.Equal(t, models.TaskStateCanceled, states["a"])
	assert.Equal(t, models.TaskStateCanceled, states["b"])

	require.Len(t, h.bus.byType(events.SessionCanceledEvent), 1)

	finished := h.bus.byType(events.SessionFinishedEvent)
	require.Len(t, finished, 1)
	assert.Equal(t, models.SessionStatusCanceled, finished[0].(events.SessionFinished).Status)
}

func TestSweep_ResumesActiveSessions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	sessionID := h.createSession(t, blocked("a"))

	// No events consumed; the sweep alone must advance the session.
	h.coordinator.Sweep(ctx, time.Now().UTC())

	states := taskStates(t, h, sessionID)
	assert.Equal(t, models.TaskStateReady, states["a"])
}
