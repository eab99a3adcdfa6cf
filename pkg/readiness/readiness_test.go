package readiness_test

import (
	"testing"

	"github.com/fluxionlabs/fluxion/pkg/models"
	"github.com/fluxionlabs/fluxion/pkg/readiness"
	"github.com/stretchr/testify/assert"
)

func task(id string, state models.TaskState, deps ...models.Dependency) *models.Task {
	return &models.Task{
		SessionID:  1,
		ID:         id,
		Capability: "shell",
		State:      state,
		Upstream:   deps,
	}
}

func dep(id string) models.Dependency {
	return models.Dependency{UpstreamID: id}
}

func errDep(id string) models.Dependency {
	return models.Dependency{UpstreamID: id, OnError: true}
}

func TestNewlyReady_RootTasks(t *testing.T) {
	tasks := []*models.Task{
		task("b", models.TaskStateBlocked, dep("a")),
		task("a", models.TaskStateBlocked),
	}

	assert.Equal(t, []string{"a"}, readiness.NewlyReady(tasks))
}

func TestNewlyReady_AfterUpstreamSuccess(t *testing.T) {
	tasks := []*models.Task{
		task("a", models.TaskStateSuccess),
		task("b", models.TaskStateBlocked, dep("a")),
	}

	assert.Equal(t, []string{"b"}, readiness.NewlyReady(tasks))
}

func TestNewlyReady_WaitsForAllUpstreams(t *testing.T) {
	tasks := []*models.Task{
		task("a", models.TaskStateSuccess),
		task("b", models.TaskStateRunning),
		task("d", models.TaskStateBlocked, dep("a"), dep("b")),
	}

	assert.Empty(t, readiness.NewlyReady(tasks))
}

func TestNewlyReady_IgnoresNonBlocked(t *testing.T) {
	tasks := []*models.Task{
		task("a", models.TaskStateReady),
		task("b", models.TaskStateRunning),
		task("c", models.TaskStateRetryWaiting),
		task("d", models.TaskStateSuccess),
	}

	assert.Empty(t, readiness.NewlyReady(tasks))
}

func TestNewlyReady_ErrorEdge(t *testing.T) {
	tasks := []*models.Task{
		task("a", models.TaskStateError),
		task("handler", models.TaskStateBlocked, errDep("a")),
		task("b", models.TaskStateBlocked, dep("a")),
	}

	// The error-handling edge fires on error; the normal edge does not.
	assert.Equal(t, []string{"handler"}, readiness.NewlyReady(tasks))
}

func TestNewlyReady_Deterministic(t *testing.T) {
	tasks := []*models.Task{
		task("c", models.TaskStateBlocked),
		task("a", models.TaskStateBlocked),
		task("b", models.TaskStateBlocked),
	}

	assert.Equal(t, []string{"a", "b", "c"}, readiness.NewlyReady(tasks))
}

func TestUnreachable_DirectUpstreamError(t *testing.T) {
	tasks := []*models.Task{
		task("a", models.TaskStateError),
		task("b", models.TaskStateBlocked, dep("a")),
	}

	assert.Equal(t, []string{"b"}, readiness.Unreachable(tasks))
}

func TestUnreachable_Cascades(t *testing.T) {
	// a errored; b blocked on a; c blocked on b. Both b and c are dead.
	tasks := []*models.Task{
		task("a", models.TaskStateError),
		task("b", models.TaskStateBlocked, dep("a")),
		task("c", models.TaskStateBlocked, dep("b")),
	}

	assert.Equal(t, []string{"b", "c"}, readiness.Unreachable(tasks))
}

func TestUnreachable_ErrorHandlerNotPruned(t *testing.T) {
	tasks := []*models.Task{
		task("a", models.TaskStateError),
		task("handler", models.TaskStateBlocked, errDep("a")),
	}

	assert.Empty(t, readiness.Unreachable(tasks))
}

func TestUnreachable_ErrorEdgeOnSucceededUpstream(t *testing.T) {
	// The handler only fires on error; a success makes it unreachable.
	tasks := []*models.Task{
		task("a", models.TaskStateSuccess),
		task("handler", models.TaskStateBlocked, errDep("a")),
	}

	assert.Equal(t, []string{"handler"}, readiness.Unreachable(tasks))
}

func TestUnreachable_RunningUpstreamNotDead(t *testing.T) {
	tasks := []*models.Task{
		task("a", models.TaskStateRunning),
		task("b", models.TaskStateBlocked, dep("a")),
	}

	assert.Empty(t, readiness.Unreachable(tasks))
}

func TestRootState_Running(t *testing.T) {
	session := &models.Session{ID: 1}
	tasks := []*models.Task{
		task("a", models.TaskStateSuccess),
		task("b", models.TaskStateRunning),
	}

	assert.Equal(t, models.SessionStatusRunning, readiness.RootState(session, tasks))
}

func TestRootState_Success(t *testing.T) {
	session := &models.Session{ID: 1}
	tasks := []*models.Task{
		task("a", models.TaskStateSuccess),
		task("b", models.TaskStateSuccess),
	}

	assert.Equal(t, models.SessionStatusSuccess, readiness.RootState(session, tasks))
}

func TestRootState_ErrorHandledCountsAsSuccess(t *testing.T) {
	session := &models.Session{ID: 1}
	tasks := []*models.Task{
		task("a", models.TaskStateError),
		task("handler", models.TaskStateSuccess, errDep("a")),
	}

	assert.Equal(t, models.SessionStatusSuccess, readiness.RootState(session, tasks))
}

func TestRootState_UnhandledError(t *testing.T) {
	session := &models.Session{ID: 1}
	tasks := []*models.Task{
		task("a", models.TaskStateError),
		task("b", models.TaskStateCanceled, dep("a")),
	}

	assert.Equal(t, models.SessionStatusError, readiness.RootState(session, tasks))
}

func TestRootState_UnusedErrorBranchCountsAsSuccess(t *testing.T) {
	session := &models.Session{ID: 1}
	tasks := []*models.Task{
		task("build", models.TaskStateSuccess),
		task("cleanup-on-failure", models.TaskStateBlocked, errDep("build")),
		task("publish", models.TaskStateSuccess, dep("build")),
	}

	// The handler is pruned once build succeeds, and a run with zero
	// failures must still resolve to success.
	assert.Equal(t, []string{"cleanup-on-failure"}, readiness.Unreachable(tasks))

	tasks[1].State = models.TaskStateCanceled
	assert.Equal(t, models.SessionStatusSuccess, readiness.RootState(session, tasks))
}

func TestRootState_UnusedErrorBranchCascadeCountsAsSuccess(t *testing.T) {
	// A downstream of the unused handler is pruned through it; the whole
	// branch going unused is still a clean run.
	session := &models.Session{ID: 1}
	tasks := []*models.Task{
		task("build", models.TaskStateSuccess),
		task("cleanup", models.TaskStateCanceled, errDep("build")),
		task("notify-cleanup", models.TaskStateCanceled, dep("cleanup")),
	}

	assert.Equal(t, models.SessionStatusSuccess, readiness.RootState(session, tasks))
}

func TestRootState_CancelFromFailureCascadeStaysError(t *testing.T) {
	// b was canceled because a failed; an unused handler elsewhere does not
	// change that the session lost work.
	session := &models.Session{ID: 1}
	tasks := []*models.Task{
		task("a", models.TaskStateError),
		task("handler", models.TaskStateSuccess, errDep("a")),
		task("b", models.TaskStateCanceled, dep("a")),
	}

	assert.Equal(t, models.SessionStatusError, readiness.RootState(session, tasks))
}

func TestRootState_ExplicitCancel(t *testing.T) {
	session := &models.Session{ID: 1, Canceled: true}
	tasks := []*models.Task{
		task("a", models.TaskStateSuccess),
		task("b", models.TaskStateCanceled),
	}

	assert.Equal(t, models.SessionStatusCanceled, readiness.RootState(session, tasks))
}

// Scenario from the diamond DAG: a -> b, a -> c, {b,c} -> d. A and B succeed,
// C fails with no retries left. D must never become ready and ends canceled;
// the session resolves to error.
func TestDiamond_FailedBranchPrunesJoin(t *testing.T) {
	session := &models.Session{ID: 1}
	tasks := []*models.Task{
		task("a", models.TaskStateSuccess),
		task("b", models.TaskStateSuccess, dep("a")),
		task("c", models.TaskStateError, dep("a")),
		task("d", models.TaskStateBlocked, dep("b"), dep("c")),
	}

	assert.Empty(t, readiness.NewlyReady(tasks))
	assert.Equal(t, []string{"d"}, readiness.Unreachable(tasks))

	tasks[3].State = models.TaskStateCanceled
	assert.Equal(t, models.SessionStatusError, readiness.RootState(session, tasks))
}
