package file_test

import (
	"context"
	"testing"
	"time"

	"github.com/fluxionlabs/fluxion/pkg/definition"
	"github.com/fluxionlabs/fluxion/pkg/models"
	"github.com/fluxionlabs/fluxion/pkg/persistence"
	"github.com/fluxionlabs/fluxion/pkg/persistence/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *file.Persistence {
	t.Helper()

	return file.NewPersistence(t.TempDir())
}

func TestFilePersistence_WorkflowOperations(t *testing.T) {
	store := newStore(t)

	def := &definition.WorkflowDefinition{
		ID:   "wf-1",
		Name: "nightly build",
		Tasks: []definition.TaskSpec{
			{ID: "build", Capability: "shell"},
		},
	}

	require.NoError(t, store.Workflows().SaveWorkflow(context.Background(), def))

	loaded, err := store.Workflows().WorkflowByID(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "nightly build", loaded.Name)
	require.Len(t, loaded.Tasks, 1)
	assert.Equal(t, "build", loaded.Tasks[0].ID)

	all, err := store.Workflows().Workflows(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, store.Workflows().DeleteWorkflow(context.Background(), "wf-1"))

	_, err = store.Workflows().WorkflowByID(context.Background(), "wf-1")
	assert.ErrorIs(t, err, persistence.ErrWorkflowNotFound)
}

func TestFilePersistence_SessionLifecycleSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	store := file.NewPersistence(dir)

	tasks := []*models.Task{
		{ID: "a", Capability: "shell", State: models.TaskStateReady},
		{ID: "b", Capability: "shell", State: models.TaskStateBlocked,
			Upstream: []models.Dependency{{UpstreamID: "a"}}},
	}

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	id, err := store.Sessions().CreateSession(context.Background(), &models.Session{
		WorkflowID:  "wf-1",
		ScheduledAt: at,
	}, tasks)
	require.NoError(t, err)

	leased, err := store.Tasks().Lease(context.Background(), []string{"shell"}, "token", time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, "a", leased.ID)

	// A fresh instance over the same directory sees the running lease.
	reopened := file.NewPersistence(dir)

	task, err := reopened.Tasks().TaskByLease(context.Background(), "token")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateRunning, task.State)
	assert.Equal(t, id, task.SessionID)

	// Duplicate (workflow, scheduled time) is rejected after reopen too.
	_, err = reopened.Sessions().CreateSession(context.Background(), &models.Session{
		WorkflowID:  "wf-1",
		ScheduledAt: at,
	}, nil)
	assert.ErrorIs(t, err, persistence.ErrSessionExists)
}

func TestFilePersistence_TaskPagination(t *testing.T) {
	store := newStore(t)

	tasks := []*models.Task{
		{ID: "a", Capability: "shell", State: models.TaskStateBlocked},
		{ID: "b", Capability: "shell", State: models.TaskStateBlocked},
		{ID: "c", Capability: "shell", State: models.TaskStateBlocked},
	}

	id, err := store.Sessions().CreateSession(context.Background(), &models.Session{
		WorkflowID:  "wf-1",
		ScheduledAt: time.Now().UTC(),
	}, tasks)
	require.NoError(t, err)

	page, err := store.Tasks().Tasks(context.Background(), id, 2, "")
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "c", page[0].ID)
	assert.Equal(t, "b", page[1].ID)

	page, err = store.Tasks().Tasks(context.Background(), id, 2, "b")
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "a", page[0].ID)
}

func TestFilePersistence_LeaseExpiry(t *testing.T) {
	store := newStore(t)

	_, err := store.Sessions().CreateSession(context.Background(), &models.Session{
		WorkflowID:  "wf-1",
		ScheduledAt: time.Now().UTC(),
	}, []*models.Task{{ID: "a", Capability: "shell", State: models.TaskStateReady}})
	require.NoError(t, err)

	deadline := time.Now().UTC()
	_, err = store.Tasks().Lease(context.Background(), []string{"shell"}, "token", deadline)
	require.NoError(t, err)

	expired, err := store.Tasks().ExpireLeases(context.Background(), deadline.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, models.TaskStateReady, expired[0].State)

	again, err := store.Tasks().ExpireLeases(context.Background(), deadline.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestFilePersistence_ScheduleOperations(t *testing.T) {
	store := newStore(t)

	schedule, err := models.NewSchedule("wf-1", "0 0 * * *", 0)
	require.NoError(t, err)
	require.NoError(t, store.Schedules().SaveSchedule(context.Background(), schedule))

	loaded, err := store.Schedules().ScheduleByWorkflowID(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, schedule.CronExpression, loaded.CronExpression)
	assert.True(t, schedule.NextScheduleTime.Equal(loaded.NextScheduleTime))

	due, err := store.Schedules().DueSchedules(context.Background(), schedule.NextRunTime.Add(time.Second))
	require.NoError(t, err)
	assert.Len(t, due, 1)

	original := schedule.NextScheduleTime
	next, err := schedule.NextAfter(original)
	require.NoError(t, err)
	require.NoError(t, schedule.Advance(next))

	require.NoError(t, store.Schedules().AdvanceSchedule(context.Background(), schedule, original))
	assert.ErrorIs(t,
		store.Schedules().AdvanceSchedule(context.Background(), schedule, original),
		persistence.ErrScheduleConflict)

	require.NoError(t, store.Schedules().DeleteSchedule(context.Background(), "wf-1"))

	_, err = store.Schedules().ScheduleByWorkflowID(context.Background(), "wf-1")
	assert.ErrorIs(t, err, persistence.ErrScheduleNotFound)
}

func TestFilePersistence_HealthCheck(t *testing.T) {
	store := newStore(t)
	assert.NoError(t, store.HealthCheck(context.Background()))

	missing := file.NewPersistence("/nonexistent/fluxion-data")
	assert.Error(t, missing.HealthCheck(context.Background()))
}
