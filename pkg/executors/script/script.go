// Package script provides the executor for the "script" capability: it
// writes the task's script body to a temporary file and runs it through a
// configured interpreter.
package script

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/fluxionlabs/fluxion/pkg/executors"
	"github.com/fluxionlabs/fluxion/pkg/models"
)

const defaultInterpreter = "/bin/sh"

func NewFactory() *Factory {
	return &Factory{}
}

type Factory struct{}

func (*Factory) ID() string {
	return "script"
}

func (f *Factory) Create(config map[string]any) (executors.Executor, error) {
	interpreter := defaultInterpreter
	if i, ok := config["interpreter"].(string); ok && i != "" {
		interpreter = i
	}

	return &ScriptExecutor{interpreter: interpreter}, nil
}

type ScriptExecutor struct {
	interpreter string
}

// Execute materializes the payload's "script" string as a temporary file and
// runs it with the interpreter, passing any "args" strings after the file.
func (e *ScriptExecutor) Execute(ctx context.Context, task *models.Task, logger *slog.Logger) *models.TaskResult {
	logger = logger.With("capability", "script", "session_id", task.SessionID, "task_id", task.ID)

	script, ok := task.Payload["script"].(string)
	if !ok || script == "" {
		return &models.TaskResult{Success: false, Error: "payload is missing a script"}
	}

	file, err := os.CreateTemp("", "fluxion-script-*")
	if err != nil {
		return &models.TaskResult{Success: false, Error: fmt.Sprintf("failed to stage script: %v", err)}
	}

	defer func() { _ = os.Remove(file.Name()) }()

	if _, err := file.WriteString(script); err != nil {
		_ = file.Close()

		return &models.TaskResult{Success: false, Error: fmt.Sprintf("failed to stage script: %v", err)}
	}

	if err := file.Close(); err != nil {
		return &models.TaskResult{Success: false, Error: fmt.Sprintf("failed to stage script: %v", err)}
	}

	if seconds, ok := task.Payload["timeout_seconds"].(float64); ok && seconds > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, time.Duration(seconds*float64(time.Second)))
		defer cancel()
	}

	args := append([]string{file.Name()}, payloadArgs(task.Payload)...)
	cmd := exec.CommandContext(ctx, e.interpreter, args...)

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Info("Running script", "interpreter", e.interpreter)

	runErr := cmd.Run()

	result := &models.TaskResult{
		Success: runErr == nil,
		Output: map[string]any{
			"stdout": stdout.String(),
			"stderr": stderr.String(),
		},
	}

	if runErr != nil {
		if ctx.Err() != nil {
			result.Error = fmt.Sprintf("script aborted: %v", ctx.Err())
		} else {
			result.Error = runErr.Error()
		}

		logger.Warn("Script failed", "error", result.Error)
	}

	return result
}

func payloadArgs(payload map[string]any) []string {
	raw, ok := payload["args"].([]any)
	if !ok {
		return nil
	}

	args := make([]string, 0, len(raw))
	for _, a := range raw {
		args = append(args, fmt.Sprintf("%v", a))
	}

	return args
}
