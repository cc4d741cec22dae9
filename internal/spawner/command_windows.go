//go:build windows

package spawner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
)

// buildAgentCommand constructs the child process invocation on Windows.
// cmd.exe/PowerShell argv length and escaping limits make inline prompt
// delivery unreliable even for modest prompts, so the prompt is always
// written to a temp file and streamed in through PowerShell's
// Get-Content.
func buildAgentCommand(ctx context.Context, cmdName string, args []string, prompt string) (cmd *exec.Cmd, cleanup func(), err error) {
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

	psCmd := fmt.Sprintf("Get-Content -Raw %q | & %s %s", tmp.Name(), shellQuote(cmdName), shellJoin(args))
	cmd = exec.CommandContext(ctx, "powershell.exe", "-NoProfile", "-Command", psCmd)
	configureGracefulCancel(cmd)
	cleanup = func() { os.Remove(tmp.Name()) }
	return cmd, cleanup, nil
}
