//go:build !windows

package spawner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
)

// buildAgentCommand constructs the child process invocation on
// non-Windows platforms. The prompt is normally passed as the final argv
// element; once it exceeds promptInlineThreshold it is written to a temp
// file and substituted via shell command substitution instead, to stay
// clear of ARG_MAX.
func buildAgentCommand(ctx context.Context, cmdName string, args []string, prompt string) (cmd *exec.Cmd, cleanup func(), err error) {
	if len(prompt) <= promptInlineThreshold {
		full := append(append([]string{}, args...), prompt)
		cmd = exec.CommandContext(ctx, cmdName, full...)
		configureGracefulCancel(cmd)
		return cmd, func() {}, nil
	}

	tmp, err := os.CreateTemp("", "kse-prompt-*.txt")
	if err != nil {
		return nil, nil, fmt.Errorf("spawner: create prompt temp file: %w", err)
	}
	if _, err := tmp.WriteString(prompt); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, nil, fmt.Errorf("spawner: write prompt temp file: %w", err)
	}
	tmp.Close()

	shellCmd := fmt.Sprintf("%s %s \"$(cat %s)\"", shellQuote(cmdName), shellJoin(args), shellQuote(tmp.Name()))
	cmd = exec.CommandContext(ctx, "sh", "-c", shellCmd)
	configureGracefulCancel(cmd)
	cleanup = func() { os.Remove(tmp.Name()) }
	return cmd, cleanup, nil
}
