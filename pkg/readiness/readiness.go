// Package readiness computes which tasks of a session are eligible to run,
// which can never run anymore, and the session's derived root state. All
// functions are pure over a task snapshot: no storage, no queue, no clock.
package readiness

import (
	"sort"

	"github.com/fluxionlabs/fluxion/pkg/models"
)

// NewlyReady returns the ids of tasks that are currently blocked and whose
// every upstream edge is satisfied. The result is sorted by id so evaluation
// is deterministic given a snapshot; callers may dispatch the returned tasks
// in any order, concurrently.
func NewlyReady(tasks []*models.Task) []string {
	states := statesByID(tasks)

	var ready []string

	for _, task := range tasks {
		if task.State != models.TaskStateBlocked {
			continue
		}

		if allSatisfied(task, states) {
			ready = append(ready, task.ID)
		}
	}

	sort.Strings(ready)

	return ready
}

// Unreachable returns the ids of non-terminal, non-running tasks that can
// never become ready: some upstream edge is permanently unsatisfiable, either
// directly or through an unreachable upstream. These are pruned to canceled by
// the control loop rather than left blocked forever.
func Unreachable(tasks []*models.Task) []string {
	states := statesByID(tasks)
	byID := make(map[string]*models.Task, len(tasks))

	for _, task := range tasks {
		byID[task.ID] = task
	}

	// Iterate to a fixed point so cancellation cascades through chains of
	// blocked tasks within a single evaluation.
	unreachable := make(map[string]bool)

	for changed := true; changed; {
		changed = false

		for _, task := range tasks {
			if unreachable[task.ID] || task.State.IsTerminal() {
				continue
			}

			if task.State != models.TaskStateBlocked {
				continue
			}

			for _, dep := range task.Upstream {
				if dep.Unsatisfiable(states[dep.UpstreamID]) || deadEnd(dep, byID[dep.UpstreamID], unreachable) {
					unreachable[task.ID] = true
					changed = true

					break
				}
			}
		}
	}

	ids := make([]string, 0, len(unreachable))
	for id := range unreachable {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

// deadEnd reports whether a dependency can never be satisfied because its
// upstream task has already been found unreachable. An error-handling edge on
// an unreachable upstream is equally dead: the upstream will be canceled, not
// errored.
func deadEnd(dep models.Dependency, upstream *models.Task, unreachable map[string]bool) bool {
	return upstream != nil && unreachable[upstream.ID]
}

// RootState derives the session status from its task snapshot. The session is
// terminal once every task is terminal: success iff every task succeeded,
// errored into an error-handling edge whose handler succeeded, or was pruned
// only because its error branch went unused. An explicitly canceled session
// reports canceled regardless of task states.
func RootState(session *models.Session, tasks []*models.Task) models.SessionStatus {
	if session != nil && session.Canceled {
		return models.SessionStatusCanceled
	}

	for _, task := range tasks {
		if !task.State.IsTerminal() {
			return models.SessionStatusRunning
		}
	}

	byID := make(map[string]*models.Task, len(tasks))
	for _, task := range tasks {
		byID[task.ID] = task
	}

	benign := make(map[string]bool)

	for _, task := range tasks {
		switch task.State {
		case models.TaskStateCanceled:
			if !prunedBenignly(task, byID, benign) {
				return models.SessionStatusError
			}
		case models.TaskStateError:
			if !errorHandled(task, tasks) {
				return models.SessionStatusError
			}
		}
	}

	return models.SessionStatusSuccess
}

// prunedBenignly reports whether a canceled task was pruned only because its
// error branch went unused: every edge holding it back is either an
// error-handling edge whose upstream succeeded, or a normal edge on an
// upstream that was itself pruned benignly. A cancel caused by an upstream
// failure, or by a cascade rooted in one, keeps counting as session failure.
func prunedBenignly(task *models.Task, byID map[string]*models.Task, memo map[string]bool) bool {
	if benign, ok := memo[task.ID]; ok {
		return benign
	}

	memo[task.ID] = false

	benign := true

	for _, dep := range task.Upstream {
		upstream := byID[dep.UpstreamID]
		if upstream == nil {
			benign = false

			break
		}

		if dep.Satisfied(upstream.State) {
			continue
		}

		if dep.OnError && upstream.State == models.TaskStateSuccess {
			continue
		}

		if upstream.State == models.TaskStateCanceled && prunedBenignly(upstream, byID, memo) {
			continue
		}

		benign = false

		break
	}

	memo[task.ID] = benign

	return benign
}

// errorHandled reports whether some downstream task consumed this task's error
// through an error-handling edge and itself succeeded.
func errorHandled(failed *models.Task, tasks []*models.Task) bool {
	for _, task := range tasks {
		if task.State != models.TaskStateSuccess {
			continue
		}

		for _, dep := range task.Upstream {
			if dep.OnError && dep.UpstreamID == failed.ID {
				return true
			}
		}
	}

	return false
}

func statesByID(tasks []*models.Task) map[string]models.TaskState {
	states := make(map[string]models.TaskState, len(tasks))
	for _, task := range tasks {
		states[task.ID] = task.State
	}

	return states
}

func allSatisfied(task *models.Task, states map[string]models.TaskState) bool {
	for _, dep := range task.Upstream {
		if !dep.Satisfied(states[dep.UpstreamID]) {
			return false
		}
	}

	return true
}
