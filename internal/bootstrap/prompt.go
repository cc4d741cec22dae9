// Package bootstrap materializes the textual prompt handed to a spawned
// agent process as its final argument, by substituting named
// placeholders and assembling optional on-disk sections that are
// silently skipped when absent.
package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"kse/internal/logging"
)

// steeringFiles is the set of known steering file names consulted under
// <workspace>/.kiro/steering/, matching the Kiro spec-driven-development
// convention of a product/tech/structure steering trio.
var steeringFiles = []string{"product.md", "tech.md", "structure.md"}

// specDocuments are read, in order, from <workspace>/.kiro/specs/<name>/.
var specDocuments = []string{"requirements.md", "design.md", "tasks.md"}

const fallbackProjectOverview = "This is a software project managed with spec-driven development."

// Config is the subset of engine configuration the builder needs.
type Config struct {
	BootstrapTemplate string // path to a custom template, or empty for the default
}

// Build produces the bootstrap prompt for specName within workspaceRoot.
// Build only fails when specName is empty; every file read is optional
// and failures there are non-fatal.
func Build(workspaceRoot string, cfg Config, specName string) (string, error) {
	if strings.TrimSpace(specName) == "" {
		return "", fmt.Errorf("invalid bootstrap prompt: spec name is empty")
	}

	specPath := filepath.Join(".kiro", "specs", specName) + string(filepath.Separator)
	taskInstructions := buildTaskInstructions(specName)
	steeringContext := buildSteeringContext(workspaceRoot)

	if cfg.BootstrapTemplate != "" {
		data, err := os.ReadFile(cfg.BootstrapTemplate)
		if err != nil {
			logging.Get(logging.CategoryBootstrap).Warn("bootstrap_template %s unreadable, falling back to default: %v", cfg.BootstrapTemplate, err)
		} else {
			tmpl := string(data)
			tmpl = strings.ReplaceAll(tmpl, "{{specName}}", specName)
			tmpl = strings.ReplaceAll(tmpl, "{{specPath}}", specPath)
			tmpl = strings.ReplaceAll(tmpl, "{{steeringContext}}", steeringContext)
			tmpl = strings.ReplaceAll(tmpl, "{{taskInstructions}}", taskInstructions)
			return tmpl, nil
		}
	}

	var b strings.Builder
	b.WriteString("# Bootstrap Prompt\n\n")

	b.WriteString("## Project Overview\n\n")
	b.WriteString(buildProjectOverview(workspaceRoot))
	b.WriteString("\n\n")

	b.WriteString("## Target Spec\n\n")
	fmt.Fprintf(&b, "Spec: %q\nPath: %s\n\n", specName, specPath)

	b.WriteString("## Spec Documents\n\n")
	b.WriteString(buildSpecDocuments(workspaceRoot, specName))
	b.WriteString("\n")

	b.WriteString("## Steering Context\n\n")
	b.WriteString(steeringContext)
	b.WriteString("\n")

	b.WriteString("## Task Execution Instructions\n\n")
	b.WriteString(taskInstructions)
	b.WriteString("\n")

	return b.String(), nil
}

// buildProjectOverview reads <workspace>/.kiro/README.md up to (exclusive
// of) its second "---" separator, trimmed. Falls back to a fixed sentence
// when the file is missing.
func buildProjectOverview(workspaceRoot string) string {
	path := filepath.Join(workspaceRoot, ".kiro", "README.md")
	data, err := os.ReadFile(path)
	if err != nil {
		return fallbackProjectOverview
	}

	content := string(data)
	parts := strings.Split(content, "---")
	var overview string
	if len(parts) >= 3 {
		// Content up to (exclusive of) the second "---" separator.
		overview = strings.Join(parts[:2], "---")
	} else {
		overview = content
	}
	overview = strings.TrimSpace(overview)
	if overview == "" {
		return fallbackProjectOverview
	}
	return overview
}

// buildSpecDocuments reads requirements.md/design.md/tasks.md for the
// spec, marking any missing file with "(not found)".
func buildSpecDocuments(workspaceRoot, specName string) string {
	dir := filepath.Join(workspaceRoot, ".kiro", "specs", specName)
	var b strings.Builder
	for _, doc := range specDocuments {
		fmt.Fprintf(&b, "### %s\n\n", doc)
		data, err := os.ReadFile(filepath.Join(dir, doc))
		if err != nil {
			b.WriteString("(not found)\n\n")
			continue
		}
		b.WriteString(strings.TrimSpace(string(data)))
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

// buildSteeringContext emits one section per known steering file present
// under <workspace>/.kiro/steering/, silently skipping missing ones.
func buildSteeringContext(workspaceRoot string) string {
	dir := filepath.Join(workspaceRoot, ".kiro", "steering")
	var b strings.Builder
	for _, name := range steeringFiles {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "### %s\n\n%s\n\n", name, strings.TrimSpace(string(data)))
	}
	return strings.TrimRight(b.String(), "\n")
}

// buildTaskInstructions returns the fixed task-execution instruction
// text. The required phrases here are load-bearing for downstream agent
// behavior - do not reword them.
func buildTaskInstructions(specName string) string {
	return fmt.Sprintf(`You are a sub-agent responsible for executing the Spec %q.

Read the task list at %s before doing anything else.

Execute each task in order. Do not skip ahead or reorder tasks unless a
task is explicitly marked optional.

Mark each task as completed in the task list as soon as its work and
verification are done.

Quality requirements:
- The code must compile and pass linting before a task is marked complete.
- Every new behavior must have tests; do not mark a task complete without them.
`, specName, filepath.Join(".kiro", "specs", specName, "tasks.md"))
}
