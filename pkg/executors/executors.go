// Package executors defines the contract between the engine and the code
// that runs task payloads, plus a registry of the built-in executors.
package executors

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fluxionlabs/fluxion/pkg/models"
)

// Executor runs a single task payload. Execute reports the outcome through
// the returned result and never through an engine error: a failed command is
// a result with Success=false, not an error.
type Executor interface {
	Execute(ctx context.Context, task *models.Task, logger *slog.Logger) *models.TaskResult
}

// Factory creates executor instances for one capability tag.
type Factory interface {
	// ID returns the capability tag this factory serves.
	ID() string

	// Create creates a configured executor instance.
	Create(config map[string]any) (Executor, error)
}

type Registry struct {
	logger    *slog.Logger
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:    logger.With("module", "registry"),
		factories: make(map[string]Factory),
	}
}

func (r *Registry) Register(factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[factory.ID()] = factory
	r.logger.Debug("Registered executor factory", "capability", factory.ID())
}

// Create builds an executor for the given capability tag.
func (r *Registry) Create(capability string, config map[string]any) (Executor, error) {
	r.mu.RLock()
	factory, exists := r.factories[capability]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("no executor registered for capability %q", capability)
	}

	return factory.Create(config)
}

// Capabilities lists the capability tags this registry can serve.
func (r *Registry) Capabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	capabilities := make([]string, 0, len(r.factories))
	for id := range r.factories {
		capabilities = append(capabilities, id)
	}

	return capabilities
}

// Run executes a task through the executor, converting a panic in executor
// code into a failed result so a bad payload cannot take down the worker.
func Run(ctx context.Context, executor Executor, task *models.Task, logger *slog.Logger) (result *models.TaskResult) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Executor panicked", "session_id", task.SessionID, "task_id", task.ID, "panic", r)

			result = &models.TaskResult{
				Success: false,
				Error:   fmt.Sprintf("executor panicked: %v", r),
			}
		}
	}()

	return executor.Execute(ctx, task, logger)
}
