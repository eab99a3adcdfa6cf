package executors

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxionlabs/fluxion/pkg/models"
)

type stubExecutor struct {
	result *models.TaskResult
	panics bool
}

func (s *stubExecutor) Execute(_ context.Context, _ *models.Task, _ *slog.Logger) *models.TaskResult {
	if s.panics {
		panic(errors.New("bad payload"))
	}

	return s.result
}

type stubFactory struct {
	id       string
	executor Executor
}

func (s *stubFactory) ID() string { return s.id }

func (s *stubFactory) Create(_ map[string]any) (Executor, error) { return s.executor, nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegistry_CreateByCapability(t *testing.T) {
	registry := NewRegistry(discardLogger())
	executor := &stubExecutor{result: &models.TaskResult{Success: true}}

	registry.Register(&stubFactory{id: "shell", executor: executor})

	created, err := registry.Create("shell", nil)
	require.NoError(t, err)
	assert.Same(t, executor, created)

	_, err = registry.Create("unknown", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown")
}

func TestRegistry_Capabilities(t *testing.T) {
	registry := NewRegistry(discardLogger())
	registry.Register(&stubFactory{id: "shell"})
	registry.Register(&stubFactory{id: "script"})

	assert.ElementsMatch(t, []string{"shell", "script"}, registry.Capabilities())
}

func TestRun_RecoversPanic(t *testing.T) {
	task := &models.Task{SessionID: 1, ID: "t1"}
	result := Run(context.Background(), &stubExecutor{panics: true}, task, discardLogger())

	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "panicked")
}

func TestRun_PassesThroughResult(t *testing.T) {
	task := &models.Task{SessionID: 1, ID: "t1"}
	want := &models.TaskResult{Success: true, Output: map[string]any{"ok": true}}

	result := Run(context.Background(), &stubExecutor{result: want}, task, discardLogger())

	assert.Same(t, want, result)
}
