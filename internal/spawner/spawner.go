// Package spawner turns a spec name into a running child agent process,
// streams its NDJSON output as typed events, and enforces the
// timeout/kill contract. Prompt delivery (argv on Unix, temp-file +
// shell piping above a size threshold or always on Windows) is isolated
// behind buildAgentCommand in the platform-specific command_unix.go /
// command_windows.go files.
package spawner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"kse/internal/bootstrap"
	"kse/internal/collaborators"
	"kse/internal/config"
	"kse/internal/logging"
)

const killGracePeriod = 5 * time.Second

// Spawner manages the set of currently live agent child processes for
// one orchestration run.
type Spawner struct {
	workspaceRoot string
	cfg           *config.Config
	registry      collaborators.AgentRegistry
	emit          *emitter

	mu     sync.Mutex
	active map[string]*SpawnedAgent
}

// New builds a Spawner bound to workspaceRoot and cfg. registry may be
// nil, in which case agent registration is skipped.
func New(workspaceRoot string, cfg *config.Config, registry collaborators.AgentRegistry) *Spawner {
	return &Spawner{
		workspaceRoot: workspaceRoot,
		cfg:           cfg,
		registry:      registry,
		emit:          newEmitter(),
		active:        make(map[string]*SpawnedAgent),
	}
}

// Subscribe registers h to receive every event this Spawner emits.
func (s *Spawner) Subscribe(h Handler) {
	s.emit.Subscribe(h)
}

// Spawn builds the bootstrap prompt for specName, launches the
// configured codex command as a child process, and blocks until the
// child exits, is killed on timeout, or the parent ctx is canceled.
// Spawn only returns a non-nil error for setup failures (prompt
// construction, API key resolution, command resolution, process start);
// once the child is running, its outcome is reflected in the returned
// SpawnedAgent's Status/ExitCode, never as an error return, so callers
// can distinguish "could not even try" from "tried and failed".
func (s *Spawner) Spawn(ctx context.Context, specName string) (*SpawnedAgent, error) {
	prompt, err := bootstrap.Build(s.workspaceRoot, bootstrap.Config{BootstrapTemplate: s.cfg.BootstrapTemplate}, specName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrompt, err)
	}

	apiKey, err := resolveAPIKey(s.cfg.APIKeyEnvVar)
	if err != nil {
		return nil, err
	}

	cmdName, prefixArgs, err := resolveCommand(s.cfg.CodexCommand)
	if err != nil {
		return nil, err
	}

	agentID := ""
	if s.registry != nil {
		reg := collaborators.AgentRegistration{}
		reg.CurrentTask.SpecName = specName
		agentID, err = s.registry.Register(ctx, reg)
		if err != nil {
			logging.Get(logging.CategorySpawner).Warn("agent registry unavailable for %s: %v", specName, err)
		}
	}
	if agentID == "" {
		agentID = fmt.Sprintf("agent-%s-%d", specName, time.Now().UnixNano())
	}

	args := append(append([]string{}, prefixArgs...), "exec", "--full-auto", "--sandbox", "danger-full-access", "--json")
	args = append(args, s.cfg.CodexArgs...)

	runCtx := ctx
	var cancel context.CancelFunc
	timeout := s.cfg.Timeout()
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd, cleanupPrompt, err := buildAgentCommand(runCtx, cmdName, args, prompt)
	if err != nil {
		return nil, err
	}
	defer cleanupPrompt()
	cmd.Env = append(os.Environ(), s.cfg.APIKeyEnvVar+"="+apiKey)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("spawner: stdout pipe for %s: %w", specName, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("spawner: stderr pipe for %s: %w", specName, err)
	}

	agent := &SpawnedAgent{
		AgentID:    agentID,
		SpecName:   specName,
		Status:     AgentRunning,
		StartedAt:  time.Now(),
		timeoutDur: timeout,
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawner: start %s: %w", cmdName, err)
	}
	agent.ChildPID = cmd.Process.Pid
	agent.cmd = cmd

	s.mu.Lock()
	s.active[agentID] = agent
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.active, agentID)
		s.mu.Unlock()
		if s.registry != nil {
			if err := s.registry.Deregister(context.Background(), agentID); err != nil {
				logging.Get(logging.CategorySpawner).Warn("agent deregister failed for %s: %v", agentID, err)
			}
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go s.consumeStdout(agent, stdout, &wg)
	go s.consumeStderr(agent, stderr, &wg)

	waitErr := cmd.Wait()
	wg.Wait()

	return s.finalize(agent, waitErr, runCtx, timeout), nil
}

func (s *Spawner) consumeStdout(agent *SpawnedAgent, r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var parsed map[string]any
		if err := json.Unmarshal([]byte(line), &parsed); err != nil {
			continue
		}
		ev := Event{Type: EventOutput, AgentID: agent.AgentID, SpecName: agent.SpecName, Output: parsed}
		agent.appendEvent(ev)
		s.emit.Emit(ev)
	}
}

func (s *Spawner) consumeStderr(agent *SpawnedAgent, r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		agent.appendStderr(line)
	}
}

func (s *Spawner) finalize(agent *SpawnedAgent, waitErr error, runCtx context.Context, timeout time.Duration) *SpawnedAgent {
	stderrText := strings.Join(agent.StderrBuf, "\n")

	if runCtx.Err() == context.DeadlineExceeded {
		agent.setTerminal(AgentTimeout, -1)
		ev := Event{Type: EventTimeout, AgentID: agent.AgentID, SpecName: agent.SpecName, TimeoutSeconds: int(timeout.Seconds())}
		agent.appendEvent(ev)
		s.emit.Emit(ev)
		return agent
	}

	if waitErr != nil {
		exitCode := -1
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		agent.mu.Lock()
		agent.RateLimited = isRateLimitError(stderrText)
		agent.mu.Unlock()
		agent.setTerminal(AgentFailed, exitCode)
		ev := Event{Type: EventFailed, AgentID: agent.AgentID, SpecName: agent.SpecName, ExitCode: exitCode, ExitCodeValid: true, Stderr: stderrText, Error: waitErr.Error()}
		agent.appendEvent(ev)
		s.emit.Emit(ev)
		return agent
	}

	agent.setTerminal(AgentCompleted, 0)
	ev := Event{Type: EventCompleted, AgentID: agent.AgentID, SpecName: agent.SpecName, ExitCode: 0, ExitCodeValid: true}
	agent.appendEvent(ev)
	s.emit.Emit(ev)
	return agent
}

// Kill terminates the named agent: SIGTERM, then SIGKILL after a grace
// period if it has not exited.
func (s *Spawner) Kill(agentID string) error {
	s.mu.Lock()
	agent, ok := s.active[agentID]
	s.mu.Unlock()
	if !ok {
		return ErrAgentNotFound
	}
	return killProcess(agent)
}

// KillAll terminates every currently active agent.
func (s *Spawner) KillAll() {
	s.mu.Lock()
	agents := make([]*SpawnedAgent, 0, len(s.active))
	for _, a := range s.active {
		agents = append(agents, a)
	}
	s.mu.Unlock()
	for _, a := range agents {
		_ = killProcess(a)
	}
}

// GetActiveAgents returns a defensive snapshot of every currently
// running agent.
func (s *Spawner) GetActiveAgents() []SpawnedAgent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SpawnedAgent, 0, len(s.active))
	for _, a := range s.active {
		out = append(out, a.snapshot())
	}
	return out
}

// configureGracefulCancel arranges for cmd's context to be canceled the
// same cooperative way Kill terminates an agent: SIGTERM first, then
// Wait forces SIGKILL if the process hasn't exited within
// killGracePeriod. Used so a Spawn timeout (ctx deadline) gets the same
// 5 s grace window as an explicit Kill/KillAll call, instead of the
// exec package's default immediate Process.Kill on context cancellation.
func configureGracefulCancel(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			return cmd.Process.Kill()
		}
		return nil
	}
	cmd.WaitDelay = killGracePeriod
}

func killProcess(agent *SpawnedAgent) error {
	agent.mu.Lock()
	cmd := agent.cmd
	agent.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return cmd.Process.Kill()
	}
	go func() {
		time.Sleep(killGracePeriod)
		agent.mu.Lock()
		status := agent.Status
		agent.mu.Unlock()
		if status == AgentRunning {
			_ = cmd.Process.Kill()
		}
	}()
	return nil
}
