package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxionlabs/fluxion/pkg/eventbus"
	"github.com/fluxionlabs/fluxion/pkg/events"
	"github.com/fluxionlabs/fluxion/pkg/models"
	"github.com/fluxionlabs/fluxion/pkg/persistence/memory"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (c *capturePublisher) Publish(_ context.Context, _ string, event eventbus.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.events = append(c.events, event)

	return nil
}

func (c *capturePublisher) byType(eventType events.EventType) []eventbus.Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	var matched []eventbus.Event

	for _, event := range c.events {
		if event.GetType() == eventType {
			matched = append(matched, event)
		}
	}

	return matched
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedSession(t *testing.T, p *memory.Persistence, tasks ...*models.Task) int64 {
	t.Helper()

	ctx := context.Background()
	session := &models.Session{WorkflowID: "wf-dispatch", ScheduledAt: time.Now().UTC()}

	sessionID, err := p.Sessions().CreateSession(ctx, session, tasks)
	require.NoError(t, err)

	for _, task := range tasks {
		task.SessionID = sessionID
	}

	return sessionID
}

func blockedTask(id, capability string, retryLimit int) *models.Task {
	return &models.Task{
		ID:         id,
		Capability: capability,
		Payload:    map[string]any{"command": "true"},
		State:      models.TaskStateBlocked,
		RetryLimit: retryLimit,
	}
}

type fakeIndex struct {
	mu      sync.Mutex
	members map[string]bool
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{members: make(map[string]bool)}
}

func (f *fakeIndex) key(sessionID int64, taskID string) string {
	return fmt.Sprintf("%d/%s", sessionID, taskID)
}

func (f *fakeIndex) Add(_ context.Context, sessionID int64, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[f.key(sessionID, taskID)] = true

	return nil
}

func (f *fakeIndex) Remove(_ context.Context, sessionID int64, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.members, f.key(sessionID, taskID))

	return nil
}

func (f *fakeIndex) Rebuild(_ context.Context, tasks []*models.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.members = make(map[string]bool)
	for _, task := range tasks {
		f.members[f.key(task.SessionID, task.ID)] = true
	}

	return nil
}

func (f *fakeIndex) Size(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return int64(len(f.members)), nil
}

func TestDispatcher_EnqueueIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	publisher := &capturePublisher{}
	dispatcher := NewDispatcher(store, publisher, discardLogger())

	sessionID := seedSession(t, store, blockedTask("a", "shell", 0))

	require.NoError(t, dispatcher.Enqueue(ctx, sessionID, "a"))
	require.NoError(t, dispatcher.Enqueue(ctx, sessionID, "a"))

	task, err := store.Tasks().TaskByID(ctx, sessionID, "a")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateReady, task.State)

	ready := publisher.byType(events.TaskReadyEvent)
	require.Len(t, ready, 1)
	assert.Equal(t, "a", ready[0].(events.TaskReady).TaskID)
	assert.Equal(t, "shell", ready[0].(events.TaskReady).Capability)
}

func TestDispatcher_LeaseUpToMax(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	dispatcher := NewDispatcher(store, &capturePublisher{}, discardLogger())

	sessionID := seedSession(t, store,
		blockedTask("a", "shell", 0),
		blockedTask("b", "shell", 0),
		blockedTask("c", "script", 0),
	)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, dispatcher.Enqueue(ctx, sessionID, id))
	}

	leased, err := dispatcher.Lease(ctx, []string{"shell"}, 5)
	require.NoError(t, err)
	require.Len(t, leased, 2)

	for _, task := range leased {
		assert.Equal(t, models.TaskStateRunning, task.State)
		assert.NotEmpty(t, task.LeaseToken)
		require.NotNil(t, task.LeaseDeadline)
		assert.True(t, task.LeaseDeadline.After(time.Now()))
	}

	assert.NotEqual(t, leased[0].LeaseToken, leased[1].LeaseToken)

	again, err := dispatcher.Lease(ctx, []string{"shell"}, 5)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestDispatcher_Heartbeat(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	dispatcher := NewDispatcher(store, &capturePublisher{}, discardLogger(), WithLeaseTTL(time.Minute))

	sessionID := seedSession(t, store, blockedTask("a", "shell", 0))
	require.NoError(t, dispatcher.Enqueue(ctx, sessionID, "a"))

	leased, err := dispatcher.Lease(ctx, []string{"shell"}, 1)
	require.NoError(t, err)
	require.Len(t, leased, 1)

	deadline, err := dispatcher.Heartbeat(ctx, leased[0].LeaseToken)
	require.NoError(t, err)
	assert.True(t, deadline.After(time.Now().Add(50*time.Second)))

	_, err = dispatcher.Heartbeat(ctx, "no-such-token")
	require.Error(t, err)
}

func TestDispatcher_CompleteSuccess(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	publisher := &capturePublisher{}
	dispatcher := NewDispatcher(store, publisher, discardLogger())

	sessionID := seedSession(t, store, blockedTask("a", "shell", 0))
	require.NoError(t, dispatcher.Enqueue(ctx, sessionID, "a"))

	leased, err := dispatcher.Lease(ctx, []string{"shell"}, 1)
	require.NoError(t, err)
	require.Len(t, leased, 1)

	task, err := dispatcher.Complete(ctx, leased[0].LeaseToken, models.TaskResult{
		Success: true,
		Output:  map[string]any{"stdout": "done\n"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateSuccess, task.State)

	finished := publisher.byType(events.TaskFinishedEvent)
	require.Len(t, finished, 1)
	assert.Equal(t, models.TaskStateSuccess, finished[0].(events.TaskFinished).State)
}

func TestDispatcher_CompleteFailureSchedulesRetry(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	dispatcher := NewDispatcher(store, &capturePublisher{}, discardLogger(),
		WithBackoff(Backoff{Strategy: BackoffFixed, Base: time.Minute}))

	sessionID := seedSession(t, store, blockedTask("a", "shell", 1))
	require.NoError(t, dispatcher.Enqueue(ctx, sessionID, "a"))

	leased, err := dispatcher.Lease(ctx, []string{"shell"}, 1)
	require.NoError(t, err)
	require.Len(t, leased, 1)

	task, err := dispatcher.Complete(ctx, leased[0].LeaseToken, models.TaskResult{
		Success: false,
		Error:   "exit 1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateRetryWaiting, task.State)
	assert.Equal(t, 1, task.RetryCount)
	require.NotNil(t, task.RetryAt)
	assert.WithinDuration(t, time.Now().Add(time.Minute), *task.RetryAt, 5*time.Second)
}

func TestDispatcher_SweepExpired(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	publisher := &capturePublisher{}
	dispatcher := NewDispatcher(store, publisher, discardLogger(), WithLeaseTTL(10*time.Millisecond))

	sessionID := seedSession(t, store, blockedTask("a", "shell", 0))
	require.NoError(t, dispatcher.Enqueue(ctx, sessionID, "a"))

	leased, err := dispatcher.Lease(ctx, []string{"shell"}, 1)
	require.NoError(t, err)
	require.Len(t, leased, 1)

	expired, err := dispatcher.SweepExpired(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "a", expired[0].ID)

	task, err := store.Tasks().TaskByID(ctx, sessionID, "a")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateReady, task.State)

	announced := publisher.byType(events.LeaseExpiredEvent)
	require.Len(t, announced, 1)
	assert.Equal(t, "a", announced[0].(events.LeaseExpired).TaskID)

	// The stale token must be unusable after the sweep.
	_, err = dispatcher.Heartbeat(ctx, leased[0].LeaseToken)
	require.Error(t, err)
}

func TestDispatcher_RebuildIndex(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	index := newFakeIndex()
	dispatcher := NewDispatcher(store, &capturePublisher{}, discardLogger(), WithReadyIndex(index))

	sessionID := seedSession(t, store,
		blockedTask("a", "shell", 0),
		blockedTask("b", "shell", 0),
	)

	require.NoError(t, dispatcher.Enqueue(ctx, sessionID, "a"))
	require.NoError(t, dispatcher.Enqueue(ctx, sessionID, "b"))

	// Simulate index loss; storage stays authoritative.
	require.NoError(t, index.Rebuild(ctx, nil))

	size, err := index.Size(ctx)
	require.NoError(t, err)
	require.Zero(t, size)

	require.NoError(t, dispatcher.RebuildIndex(ctx))

	size, err = index.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), size)
}

func TestBackoff_Fixed(t *testing.T) {
	backoff := Backoff{Strategy: BackoffFixed, Base: 15 * time.Second}

	assert.Equal(t, 15*time.Second, backoff.Delay(0))
	assert.Equal(t, 15*time.Second, backoff.Delay(4))
}

func TestBackoff_ExponentialWithCap(t *testing.T) {
	backoff := Backoff{Strategy: BackoffExponential, Base: 10 * time.Second, Cap: time.Minute}

	assert.Equal(t, 10*time.Second, backoff.Delay(0))
	assert.Equal(t, 20*time.Second, backoff.Delay(1))
	assert.Equal(t, 40*time.Second, backoff.Delay(2))
	assert.Equal(t, time.Minute, backoff.Delay(3))
	assert.Equal(t, time.Minute, backoff.Delay(10))
}
