// Package definition holds the workflow definition input contract: a parsed
// DAG of task specs with dependency edges and per-edge error-handling flags.
// The engine does not parse YAML or any authoring format; front ends hand it
// definitions in this shape.
package definition

import (
	"errors"
	"fmt"
	"time"

	"github.com/fluxionlabs/fluxion/pkg/models"
)

var (
	// ErrEmptyDefinition indicates a definition with no tasks.
	ErrEmptyDefinition = errors.New("workflow definition has no tasks")

	// ErrDuplicateTaskID indicates two task specs share an id.
	ErrDuplicateTaskID = errors.New("duplicate task id in workflow definition")

	// ErrUnknownUpstream indicates a dependency edge references a missing task.
	ErrUnknownUpstream = errors.New("dependency references unknown task")

	// ErrCyclicDependency indicates the dependency graph is not acyclic.
	ErrCyclicDependency = errors.New("workflow definition contains a dependency cycle")
)

// TaskSpec is one node of a workflow definition.
type TaskSpec struct {
	ID         string              `json:"id"         validate:"required"`
	Name       string              `json:"name"`
	Capability string              `json:"capability" validate:"required"`
	Payload    map[string]any      `json:"payload,omitempty"`
	Upstream   []models.Dependency `json:"upstream,omitempty"`
	RetryLimit int                 `json:"retry_limit"`
}

// TriggerSpec describes the recurring trigger of a workflow, if any.
type TriggerSpec struct {
	CronExpression string        `json:"cron_expression" validate:"required"`
	RunDelay       time.Duration `json:"run_delay"`
}

// WorkflowDefinition is a registered workflow: a task DAG plus an optional
// recurring trigger.
type WorkflowDefinition struct {
	ID          string       `json:"id"   validate:"required"`
	Name        string       `json:"name" validate:"required,min=3"`
	Description string       `json:"description"`
	Tasks       []TaskSpec   `json:"tasks"`
	Trigger     *TriggerSpec `json:"trigger,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Validate checks structural soundness: unique ids, resolvable edges and
// acyclicity. Field-level validation is done separately against the JSON
// schema in schema.go.
func (d *WorkflowDefinition) Validate() error {
	if len(d.Tasks) == 0 {
		return ErrEmptyDefinition
	}

	byID := make(map[string]*TaskSpec, len(d.Tasks))

	for i := range d.Tasks {
		spec := &d.Tasks[i]
		if _, exists := byID[spec.ID]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateTaskID, spec.ID)
		}

		byID[spec.ID] = spec
	}

	for i := range d.Tasks {
		for _, dep := range d.Tasks[i].Upstream {
			if _, exists := byID[dep.UpstreamID]; !exists {
				return fmt.Errorf("%w: task %s depends on %s", ErrUnknownUpstream, d.Tasks[i].ID, dep.UpstreamID)
			}
		}
	}

	return d.checkAcyclic(byID)
}

// checkAcyclic runs a depth-first search with coloring over the upstream edges.
func (d *WorkflowDefinition) checkAcyclic(byID map[string]*TaskSpec) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	color := make(map[string]int, len(byID))

	var visit func(id string) error

	visit = func(id string) error {
		switch color[id] {
		case gray:
			return fmt.Errorf("%w: at task %s", ErrCyclicDependency, id)
		case black:
			return nil
		}

		color[id] = gray

		for _, dep := range byID[id].Upstream {
			if err := visit(dep.UpstreamID); err != nil {
				return err
			}
		}

		color[id] = black

		return nil
	}

	for i := range d.Tasks {
		if err := visit(d.Tasks[i].ID); err != nil {
			return err
		}
	}

	return nil
}

// Instantiate produces the immutable task snapshot for a new session. All
// tasks start blocked; tasks with no upstream edges are promoted to ready by
// the first readiness evaluation.
func (d *WorkflowDefinition) Instantiate(sessionID int64) []*models.Task {
	now := time.Now().UTC()
	tasks := make([]*models.Task, 0, len(d.Tasks))

	for i := range d.Tasks {
		spec := &d.Tasks[i]
		tasks = append(tasks, &models.Task{
			SessionID:  sessionID,
			ID:         spec.ID,
			Name:       spec.Name,
			Upstream:   append([]models.Dependency(nil), spec.Upstream...),
			Capability: spec.Capability,
			Payload:    spec.Payload,
			State:      models.TaskStateBlocked,
			RetryLimit: spec.RetryLimit,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}

	return tasks
}
