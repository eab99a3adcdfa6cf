package shell

import (
	"fmt"
	"os"
	"os/exec"
)

// environment builds the command's environment from the inherited one plus
// the payload's optional "env" map.
func environment(payload map[string]any) []string {
	env := os.Environ()

	extra, ok := payload["env"].(map[string]any)
	if !ok {
		return env
	}

	for key, value := range extra {
		env = append(env, fmt.Sprintf("%s=%v", key, value))
	}

	return env
}

// exitCode extracts the process exit code, or -1 when the process never ran.
func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}

	if err != nil {
		return -1
	}

	return 0
}
