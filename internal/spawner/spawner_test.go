package spawner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"kse/internal/collaborators"
	"kse/internal/config"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// writeScript creates an executable shell script at dir/name and returns
// its absolute path, standing in for the codex CLI binary the way the
// teacher's codex_cli_client_test.go stubs external commands.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

func baseConfig(script string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.CodexCommand = script
	cfg.APIKeyEnvVar = "KSE_TEST_API_KEY"
	cfg.TimeoutSeconds = 0
	return cfg
}

func TestSpawnSuccessEmitsOutputAndCompleted(t *testing.T) {
	defer goleak.VerifyNone(t)
	t.Setenv("KSE_TEST_API_KEY", "test-key")

	ws := t.TempDir()
	script := writeScript(t, ws, "codex-fake.sh", `echo '{"type":"message","text":"hello"}'
exit 0
`)

	var events []Event
	sp := New(ws, baseConfig(script), collaborators.NewLocalAgentRegistry())
	sp.Subscribe(func(ev Event) { events = append(events, ev) })

	agent, err := sp.Spawn(context.Background(), "demo-spec")
	require.NoError(t, err)
	require.Equal(t, AgentCompleted, agent.Status)
	require.Equal(t, 0, agent.ExitCode)

	var sawOutput, sawCompleted bool
	for _, ev := range events {
		if ev.Type == EventOutput {
			sawOutput = true
			require.Equal(t, "hello", ev.Output["text"])
		}
		if ev.Type == EventCompleted {
			sawCompleted = true
		}
	}
	require.True(t, sawOutput)
	require.True(t, sawCompleted)
}

func TestSpawnNonZeroExitEmitsFailed(t *testing.T) {
	defer goleak.VerifyNone(t)
	t.Setenv("KSE_TEST_API_KEY", "test-key")

	ws := t.TempDir()
	script := writeScript(t, ws, "codex-fake.sh", `echo "boom" 1>&2
exit 7
`)

	var failedEvents []Event
	sp := New(ws, baseConfig(script), nil)
	sp.Subscribe(func(ev Event) {
		if ev.Type == EventFailed {
			failedEvents = append(failedEvents, ev)
		}
	})

	agent, err := sp.Spawn(context.Background(), "demo-spec")
	require.NoError(t, err)
	require.Equal(t, AgentFailed, agent.Status)
	require.Equal(t, 7, agent.ExitCode)
	require.Len(t, failedEvents, 1)
	require.Contains(t, failedEvents[0].Stderr, "boom")
}

func TestSpawnTimeoutKillsChildAndEmitsTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)
	t.Setenv("KSE_TEST_API_KEY", "test-key")

	ws := t.TempDir()
	script := writeScript(t, ws, "codex-fake.sh", `sleep 30
exit 0
`)

	cfg := baseConfig(script)
	cfg.TimeoutSeconds = 1

	var timeoutEvents []Event
	sp := New(ws, cfg, nil)
	sp.Subscribe(func(ev Event) {
		if ev.Type == EventTimeout {
			timeoutEvents = append(timeoutEvents, ev)
		}
	})

	start := time.Now()
	agent, err := sp.Spawn(context.Background(), "demo-spec")
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.Equal(t, AgentTimeout, agent.Status)
	require.Len(t, timeoutEvents, 1)
	require.Less(t, elapsed, 10*time.Second)
}

func TestSpawnPassesPromptAsFinalArgv(t *testing.T) {
	defer goleak.VerifyNone(t)
	t.Setenv("KSE_TEST_API_KEY", "test-key")

	ws := t.TempDir()
	receivedPath := filepath.Join(ws, "received.txt")
	script := writeScript(t, ws, "codex-fake.sh", fmt.Sprintf(`for a in "$@"; do last="$a"; done
printf '%%s' "$last" > %s
echo '{"type":"done"}'
exit 0
`, receivedPath))

	sp := New(ws, baseConfig(script), nil)
	agent, err := sp.Spawn(context.Background(), "argv-spec")
	require.NoError(t, err)
	require.Equal(t, AgentCompleted, agent.Status)

	received, err := os.ReadFile(receivedPath)
	require.NoError(t, err)
	require.Contains(t, string(received), `"argv-spec"`)
	require.Contains(t, string(received), "Bootstrap Prompt")
}

func TestSpawnLargePromptFallsBackToTempFile(t *testing.T) {
	defer goleak.VerifyNone(t)
	t.Setenv("KSE_TEST_API_KEY", "test-key")

	ws := t.TempDir()
	// A custom template larger than promptInlineThreshold forces the
	// temp-file delivery path.
	big := strings.Repeat("x", promptInlineThreshold+1024)
	tmplPath := filepath.Join(ws, "tmpl.txt")
	require.NoError(t, os.WriteFile(tmplPath, []byte(big+"{{taskInstructions}}"), 0644))

	receivedLen := filepath.Join(ws, "len.txt")
	script := writeScript(t, ws, "codex-fake.sh", fmt.Sprintf(`for a in "$@"; do last="$a"; done
printf '%%s' "$last" | wc -c > %s
echo '{"type":"done"}'
exit 0
`, receivedLen))

	cfg := baseConfig(script)
	cfg.BootstrapTemplate = tmplPath

	sp := New(ws, cfg, nil)
	agent, err := sp.Spawn(context.Background(), "argv-spec")
	require.NoError(t, err)
	require.Equal(t, AgentCompleted, agent.Status)

	data, err := os.ReadFile(receivedLen)
	require.NoError(t, err)
	require.NotEqual(t, "0", strings.TrimSpace(string(data)))
}

func TestSpawnMissingAPIKeyFailsFast(t *testing.T) {
	ws := t.TempDir()
	cfg := baseConfig(filepath.Join(ws, "does-not-matter"))
	cfg.APIKeyEnvVar = "KSE_TEST_API_KEY_UNSET"
	os.Unsetenv("KSE_TEST_API_KEY_UNSET")

	sp := New(ws, cfg, nil)
	_, err := sp.Spawn(context.Background(), "demo-spec")
	require.ErrorIs(t, err, ErrAPIKeyNotFound)
}

func TestSpawnEmptySpecNameFailsFast(t *testing.T) {
	ws := t.TempDir()
	t.Setenv("KSE_TEST_API_KEY", "test-key")
	sp := New(ws, baseConfig("codex"), nil)
	_, err := sp.Spawn(context.Background(), "")
	require.ErrorIs(t, err, ErrInvalidPrompt)
}

func TestGetActiveAgentsEmptyWhenIdle(t *testing.T) {
	sp := New(t.TempDir(), config.DefaultConfig(), nil)
	require.Empty(t, sp.GetActiveAgents())
}

func TestKillUnknownAgentReturnsNotFound(t *testing.T) {
	sp := New(t.TempDir(), config.DefaultConfig(), nil)
	err := sp.Kill("does-not-exist")
	require.ErrorIs(t, err, ErrAgentNotFound)
}
