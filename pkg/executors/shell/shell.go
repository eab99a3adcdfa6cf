// Package shell provides the executor for the "shell" capability: it runs a
// task's command through the system shell.
package shell

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/fluxionlabs/fluxion/pkg/executors"
	"github.com/fluxionlabs/fluxion/pkg/models"
)

const defaultShell = "/bin/sh"

func NewFactory() *Factory {
	return &Factory{}
}

type Factory struct{}

func (*Factory) ID() string {
	return "shell"
}

func (f *Factory) Create(config map[string]any) (executors.Executor, error) {
	shell := defaultShell
	if s, ok := config["shell"].(string); ok && s != "" {
		shell = s
	}

	return &ShellExecutor{shell: shell}, nil
}

type ShellExecutor struct {
	shell string
}

// Execute runs the payload's "command" string through the shell. An optional
// "timeout_seconds" bounds the run on top of the caller's context, and "env"
// adds environment variables on top of the inherited ones.
func (e *ShellExecutor) Execute(ctx context.Context, task *models.Task, logger *slog.Logger) *models.TaskResult {
	logger = logger.With("capability", "shell", "session_id", task.SessionID, "task_id", task.ID)

	command, ok := task.Payload["command"].(string)
	if !ok || command == "" {
		return &models.TaskResult{Success: false, Error: "payload is missing a command"}
	}

	if seconds, ok := task.Payload["timeout_seconds"].(float64); ok && seconds > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, time.Duration(seconds*float64(time.Second)))
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, e.shell, "-c", command)
	cmd.Env = environment(task.Payload)

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Info("Running shell command")

	err := cmd.Run()

	result := &models.TaskResult{
		Success: err == nil,
		Output: map[string]any{
			"stdout":    stdout.String(),
			"stderr":    stderr.String(),
			"exit_code": exitCode(cmd, err),
		},
	}

	if err != nil {
		if ctx.Err() != nil {
			result.Error = fmt.Sprintf("command aborted: %v", ctx.Err())
		} else {
			result.Error = err.Error()
		}

		logger.Warn("Shell command failed", "error", result.Error)
	}

	return result
}
