package spawner

import (
	"os/exec"
	"strings"
)

// resolveCommand finds the codex CLI binary, falling back to `npx
// @openai/codex` when the bare binary is not on PATH. configured is
// space-splittable: the first field is the executable looked up on
// PATH, and any remaining fields are returned as prefixArgs to be
// prepended to the argv ahead of the fixed exec flags, so a wrapper
// like `node ./codex.js` or a binary that needs fixed pre-exec flags
// still resolves and keeps its leading arguments.
func resolveCommand(configured string) (name string, prefixArgs []string, err error) {
	fields := strings.Fields(configured)
	if len(fields) == 0 {
		fields = []string{"codex"}
	}
	if _, lookErr := exec.LookPath(fields[0]); lookErr == nil {
		return fields[0], fields[1:], nil
	}
	if _, lookErr := exec.LookPath("npx"); lookErr == nil {
		return "npx", []string{"@openai/codex"}, nil
	}
	return "", nil, ErrCommandNotFound
}
