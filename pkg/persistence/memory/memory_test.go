package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/fluxionlabs/fluxion/pkg/definition"
	"github.com/fluxionlabs/fluxion/pkg/models"
	"github.com/fluxionlabs/fluxion/pkg/persistence"
	"github.com/fluxionlabs/fluxion/pkg/persistence/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSession(t *testing.T, store *memory.Persistence, workflowID string, scheduledAt time.Time, tasks ...*models.Task) int64 {
	t.Helper()

	id, err := store.Sessions().CreateSession(context.Background(), &models.Session{
		WorkflowID:  workflowID,
		ScheduledAt: scheduledAt,
	}, tasks)
	require.NoError(t, err)

	return id
}

func readyTask(id string) *models.Task {
	return &models.Task{ID: id, Capability: "shell", State: models.TaskStateReady, RetryLimit: 0}
}

func TestCreateSession_AssignsMonotonicIDs(t *testing.T) {
	store := memory.NewPersistence()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	first := newSession(t, store, "wf", base)
	second := newSession(t, store, "wf", base.Add(time.Hour))

	assert.Less(t, first, second)
}

func TestCreateSession_DuplicateScheduledTime(t *testing.T) {
	store := memory.NewPersistence()
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	newSession(t, store, "wf", at)

	_, err := store.Sessions().CreateSession(context.Background(), &models.Session{
		WorkflowID:  "wf",
		ScheduledAt: at,
	}, nil)
	assert.ErrorIs(t, err, persistence.ErrSessionExists)

	// Same instant for a different workflow is fine.
	_, err = store.Sessions().CreateSession(context.Background(), &models.Session{
		WorkflowID:  "other",
		ScheduledAt: at,
	}, nil)
	assert.NoError(t, err)
}

func TestSessions_Pagination(t *testing.T) {
	store := memory.NewPersistence()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		newSession(t, store, "wf", base.Add(time.Duration(i)*time.Hour))
	}

	page, err := store.Sessions().Sessions(context.Background(), "wf", 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(5), page[0].ID)
	assert.Equal(t, int64(4), page[1].ID)

	page, err = store.Sessions().Sessions(context.Background(), "wf", 2, page[1].ID)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(3), page[0].ID)
	assert.Equal(t, int64(2), page[1].ID)
}

func TestSessionByID_NotFound(t *testing.T) {
	store := memory.NewPersistence()

	_, err := store.Sessions().SessionByID(context.Background(), 99)
	assert.ErrorIs(t, err, persistence.ErrSessionNotFound)
}

func TestLease_MutualExclusion(t *testing.T) {
	store := memory.NewPersistence()
	sid := newSession(t, store, "wf", time.Now().UTC(), readyTask("a"))
	deadline := time.Now().UTC().Add(time.Minute)

	first, err := store.Tasks().Lease(context.Background(), []string{"shell"}, "token-1", deadline)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, models.TaskStateRunning, first.State)
	assert.Equal(t, sid, first.SessionID)

	second, err := store.Tasks().Lease(context.Background(), []string{"shell"}, "token-2", deadline)
	require.NoError(t, err)
	assert.Nil(t, second)
}

func TestLease_CapabilityFilter(t *testing.T) {
	store := memory.NewPersistence()
	task := readyTask("a")
	task.Capability = "script"
	newSession(t, store, "wf", time.Now().UTC(), task)

	leased, err := store.Tasks().Lease(context.Background(), []string{"shell"}, "token", time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Nil(t, leased)

	leased, err = store.Tasks().Lease(context.Background(), []string{"shell", "script"}, "token", time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, "a", leased.ID)
}

func TestLease_DisjointTasks(t *testing.T) {
	store := memory.NewPersistence()
	newSession(t, store, "wf", time.Now().UTC(), readyTask("a"), readyTask("b"))
	deadline := time.Now().UTC().Add(time.Minute)

	first, err := store.Tasks().Lease(context.Background(), []string{"shell"}, "t1", deadline)
	require.NoError(t, err)
	second, err := store.Tasks().Lease(context.Background(), []string{"shell"}, "t2", deadline)
	require.NoError(t, err)

	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestExpireLeases_ExactlyOnce(t *testing.T) {
	store := memory.NewPersistence()
	newSession(t, store, "wf", time.Now().UTC(), readyTask("a"))

	deadline := time.Now().UTC().Add(10 * time.Millisecond)
	_, err := store.Tasks().Lease(context.Background(), []string{"shell"}, "token", deadline)
	require.NoError(t, err)

	expired, err := store.Tasks().ExpireLeases(context.Background(), deadline.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, models.TaskStateReady, expired[0].State)

	// A second sweep finds nothing; the task was re-queued exactly once.
	expired, err = store.Tasks().ExpireLeases(context.Background(), deadline.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, expired)

	// The stale lease token is gone.
	err = store.Tasks().ExtendLease(context.Background(), "token", time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, persistence.ErrLeaseNotFound)
}

func TestCompleteLease_Success(t *testing.T) {
	store := memory.NewPersistence()
	newSession(t, store, "wf", time.Now().UTC(), readyTask("a"))

	_, err := store.Tasks().Lease(context.Background(), []string{"shell"}, "token", time.Now().Add(time.Minute))
	require.NoError(t, err)

	done, err := store.Tasks().CompleteLease(context.Background(), "token", models.TaskResult{Success: true}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateSuccess, done.State)
	assert.Empty(t, done.LeaseToken)
	assert.Zero(t, done.RetryCount)
}

func TestCompleteLease_RetryAccounting(t *testing.T) {
	store := memory.NewPersistence()
	task := readyTask("a")
	task.RetryLimit = 2
	newSession(t, store, "wf", time.Now().UTC(), task)

	fail := func(attempt int) *models.Task {
		t.Helper()

		leased, err := store.Tasks().Lease(context.Background(), []string{"shell"}, "token", time.Now().Add(time.Minute))
		require.NoError(t, err, "attempt %d", attempt)
		require.NotNil(t, leased, "attempt %d", attempt)

		done, err := store.Tasks().CompleteLease(context.Background(), "token",
			models.TaskResult{Success: false, Error: "boom"}, time.Now().UTC())
		require.NoError(t, err)

		// Make the parked retry immediately due again.
		_, err = store.Tasks().DueRetries(context.Background(), time.Now().UTC().Add(time.Second))
		require.NoError(t, err)

		return done
	}

	first := fail(1)
	assert.Equal(t, models.TaskStateRetryWaiting, first.State)
	assert.Equal(t, 1, first.RetryCount)

	second := fail(2)
	assert.Equal(t, models.TaskStateRetryWaiting, second.State)
	assert.Equal(t, 2, second.RetryCount)

	// Retry count reached the limit: the next failure is terminal.
	third := fail(3)
	assert.Equal(t, models.TaskStateError, third.State)
	assert.Equal(t, 2, third.RetryCount)
	assert.Equal(t, "boom", third.LastError)
}

func TestCompleteLease_SucceedsAfterRetries(t *testing.T) {
	store := memory.NewPersistence()
	task := readyTask("a")
	task.RetryLimit = 2
	newSession(t, store, "wf", time.Now().UTC(), task)

	for attempt := 0; attempt < 2; attempt++ {
		_, err := store.Tasks().Lease(context.Background(), []string{"shell"}, "token", time.Now().Add(time.Minute))
		require.NoError(t, err)
		_, err = store.Tasks().CompleteLease(context.Background(), "token",
			models.TaskResult{Success: false, Error: "boom"}, time.Now().UTC())
		require.NoError(t, err)
		_, err = store.Tasks().DueRetries(context.Background(), time.Now().UTC().Add(time.Second))
		require.NoError(t, err)
	}

	_, err := store.Tasks().Lease(context.Background(), []string{"shell"}, "token", time.Now().Add(time.Minute))
	require.NoError(t, err)

	done, err := store.Tasks().CompleteLease(context.Background(), "token", models.TaskResult{Success: true}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateSuccess, done.State)
	assert.Equal(t, 2, done.RetryCount)
}

func TestMarkReady_Conflict(t *testing.T) {
	store := memory.NewPersistence()
	sid := newSession(t, store, "wf", time.Now().UTC(), readyTask("a"))

	err := store.Tasks().MarkReady(context.Background(), sid, "a")
	assert.ErrorIs(t, err, persistence.ErrStateConflict)
}

func TestMarkCanceled_TerminalUntouched(t *testing.T) {
	store := memory.NewPersistence()
	sid := newSession(t, store, "wf", time.Now().UTC(), readyTask("a"))

	_, err := store.Tasks().Lease(context.Background(), []string{"shell"}, "token", time.Now().Add(time.Minute))
	require.NoError(t, err)
	_, err = store.Tasks().CompleteLease(context.Background(), "token", models.TaskResult{Success: true}, time.Time{})
	require.NoError(t, err)

	require.NoError(t, store.Tasks().MarkCanceled(context.Background(), sid, "a"))

	task, err := store.Tasks().TaskByID(context.Background(), sid, "a")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateSuccess, task.State)
}

func TestActiveSessionIDs(t *testing.T) {
	store := memory.NewPersistence()
	active := newSession(t, store, "wf", time.Now().UTC(), readyTask("a"))

	done := &models.Task{ID: "b", Capability: "shell", State: models.TaskStateSuccess}
	newSession(t, store, "wf", time.Now().UTC().Add(time.Hour), done)

	ids, err := store.Sessions().ActiveSessionIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{active}, ids)
}

func TestScheduleRepository_AdvanceConflict(t *testing.T) {
	store := memory.NewPersistence()

	schedule, err := models.NewSchedule("wf", "* * * * *", 0)
	require.NoError(t, err)
	require.NoError(t, store.Schedules().SaveSchedule(context.Background(), schedule))

	original := schedule.NextScheduleTime
	next, err := schedule.NextAfter(original)
	require.NoError(t, err)
	require.NoError(t, schedule.Advance(next))

	require.NoError(t, store.Schedules().AdvanceSchedule(context.Background(), schedule, original))

	// A second advance expecting the stale time loses the race.
	err = store.Schedules().AdvanceSchedule(context.Background(), schedule, original)
	assert.ErrorIs(t, err, persistence.ErrScheduleConflict)
}

func TestScheduleRepository_DueSchedules(t *testing.T) {
	store := memory.NewPersistence()

	schedule, err := models.NewSchedule("wf", "* * * * *", 0)
	require.NoError(t, err)
	require.NoError(t, store.Schedules().SaveSchedule(context.Background(), schedule))

	due, err := store.Schedules().DueSchedules(context.Background(), schedule.NextRunTime.Add(-time.Second))
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = store.Schedules().DueSchedules(context.Background(), schedule.NextRunTime)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestWorkflowRepository_RoundTrip(t *testing.T) {
	store := memory.NewPersistence()

	def := &definition.WorkflowDefinition{
		ID:   "wf",
		Name: "nightly",
		Tasks: []definition.TaskSpec{
			{ID: "a", Capability: "shell"},
		},
	}
	require.NoError(t, store.Workflows().SaveWorkflow(context.Background(), def))

	loaded, err := store.Workflows().WorkflowByID(context.Background(), "wf")
	require.NoError(t, err)
	assert.Equal(t, "nightly", loaded.Name)

	_, err = store.Workflows().WorkflowByID(context.Background(), "missing")
	assert.ErrorIs(t, err, persistence.ErrWorkflowNotFound)
}
