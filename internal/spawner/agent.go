package spawner

import (
	"os/exec"
	"sync"
	"time"
)

// AgentStatus is the lifecycle state of a spawned agent process. Plain
// lowercase values, matching status.SpecStatus's convention, since both
// are serialized in externally-observed JSON.
type AgentStatus string

const (
	AgentRunning   AgentStatus = "running"
	AgentCompleted AgentStatus = "completed"
	AgentFailed    AgentStatus = "failed"
	AgentTimeout   AgentStatus = "timeout"
)

// SpawnedAgent is the Spawner's record of one live or finished child
// process, owned by the Spawner, one per live child. The process handle
// and any temp files are private to the Spawner. GetActiveAgents hands
// out snapshots of running agents; Spawn returns the record itself once
// the child has reached a terminal status.
type SpawnedAgent struct {
	mu sync.Mutex

	AgentID     string
	SpecName    string
	ChildPID    int
	Status      AgentStatus
	ExitCode    int
	StartedAt   time.Time
	CompletedAt time.Time
	RetryCount  int
	StderrBuf   []string
	Events      []Event
	RateLimited bool

	cmd        *exec.Cmd
	timeoutDur time.Duration
}

// snapshot returns a value copy safe to hand to callers outside the
// Spawner's lock. Built field-by-field rather than by dereferencing a
// to avoid copying the embedded mutex.
func (a *SpawnedAgent) snapshot() SpawnedAgent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return SpawnedAgent{
		AgentID:     a.AgentID,
		SpecName:    a.SpecName,
		ChildPID:    a.ChildPID,
		Status:      a.Status,
		ExitCode:    a.ExitCode,
		StartedAt:   a.StartedAt,
		CompletedAt: a.CompletedAt,
		RetryCount:  a.RetryCount,
		StderrBuf:   append([]string(nil), a.StderrBuf...),
		Events:      append([]Event(nil), a.Events...),
		RateLimited: a.RateLimited,
		timeoutDur:  a.timeoutDur,
	}
}

func (a *SpawnedAgent) appendStderr(line string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.StderrBuf = append(a.StderrBuf, line)
}

func (a *SpawnedAgent) appendEvent(ev Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Events = append(a.Events, ev)
}

func (a *SpawnedAgent) setTerminal(status AgentStatus, exitCode int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Status = status
	a.ExitCode = exitCode
	a.CompletedAt = time.Now()
}
