// Package status implements the in-memory authoritative state of one
// orchestration run, plus a snapshot method the CLI persists to disk.
package status

import (
	"fmt"
	"sync"
	"time"

	"kse/internal/logging"
)

// SpecStatus is the status of a single spec within an orchestration run.
type SpecStatus string

const (
	SpecPending   SpecStatus = "pending"
	SpecRunning   SpecStatus = "running"
	SpecCompleted SpecStatus = "completed"
	SpecFailed    SpecStatus = "failed"
	SpecSkipped   SpecStatus = "skipped"
	SpecTimeout   SpecStatus = "timeout"
)

func (s SpecStatus) terminal() bool {
	switch s {
	case SpecCompleted, SpecFailed, SpecSkipped, SpecTimeout:
		return true
	default:
		return false
	}
}

// OrchestrationStatus is the overall state of the orchestration run.
type OrchestrationStatus string

const (
	OrchestrationIdle      OrchestrationStatus = "idle"
	OrchestrationRunning   OrchestrationStatus = "running"
	OrchestrationCompleted OrchestrationStatus = "completed"
	OrchestrationFailed    OrchestrationStatus = "failed"
	OrchestrationStopped   OrchestrationStatus = "stopped"
)

// SpecState is the per-spec state record.
type SpecState struct {
	Status       SpecStatus
	BatchIndex   int
	AgentID      string
	RetryCount   int
	ErrorMessage string
	UpdatedAt    time.Time
}

// RateLimitState tracks rate-limit and launch-budget telemetry.
type RateLimitState struct {
	SignalCount            int
	TotalBackoffMs         int64
	LastSignalAt           time.Time
	LastLaunchHoldMs       int64
	LaunchBudgetPerMinute  int
	LaunchBudgetWindowMs   int64
	LaunchBudgetUsed       int
	LaunchBudgetHoldCount  int
	LastLaunchBudgetHoldMs int64
}

// AdaptiveParallelState tracks the adaptive-parallelism controller.
type AdaptiveParallelState struct {
	ConfiguredMax  int
	EffectiveMax   int
	LastThrottleAt time.Time
	LastRecoveryAt time.Time
}

// OrchestrationState is the singleton state of one orchestration run.
type OrchestrationState struct {
	State           OrchestrationStatus
	TotalSpecs      int
	CompletedSpecs  int
	FailedSpecs     int
	SkippedSpecs    int
	RunningSpecs    int
	CurrentBatch    int
	TotalBatches    int
	Specs           map[string]SpecState
	RateLimit       RateLimitState
	AdaptiveParallel AdaptiveParallelState
}

// Monitor is the status monitor. All mutation happens under mu; snapshots
// are deep copies so external holders never observe (or can mutate) live
// state.
type Monitor struct {
	mu    sync.RWMutex
	state OrchestrationState

	lifecycle ExternalSyncer
}

// ExternalSyncer is the best-effort context-sync collaborator. Kept as
// a narrow local interface so the status package does not depend on
// collaborators.
type ExternalSyncer interface {
	SyncStatus(specName, status string) error
}

// NewMonitor constructs an empty, idle Monitor. syncer may be nil, in
// which case sync_external_status is a no-op.
func NewMonitor(syncer ExternalSyncer) *Monitor {
	return &Monitor{
		state: OrchestrationState{
			State: OrchestrationIdle,
			Specs: make(map[string]SpecState),
		},
		lifecycle: syncer,
	}
}

// InitSpec creates a SpecState in pending for specName at batchIndex.
func (m *Monitor) InitSpec(specName string, batchIndex int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Specs[specName] = SpecState{
		Status:     SpecPending,
		BatchIndex: batchIndex,
		UpdatedAt:  time.Now(),
	}
	m.state.TotalSpecs = len(m.state.Specs)
}

// UpdateSpecStatus writes a spec's new status, updating aggregate
// counters atomically. Rejects transitions from a terminal status back
// to running.
func (m *Monitor) UpdateSpecStatus(specName string, newStatus SpecStatus, agentID, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.state.Specs[specName]
	if !ok {
		cur = SpecState{Status: SpecPending}
	}

	if cur.Status.terminal() && newStatus == SpecRunning {
		return fmt.Errorf("cannot transition spec %s from terminal status %s back to running", specName, cur.Status)
	}

	m.adjustCounters(cur.Status, newStatus)

	cur.Status = newStatus
	if agentID != "" {
		cur.AgentID = agentID
	}
	cur.ErrorMessage = errorMessage
	cur.UpdatedAt = time.Now()
	m.state.Specs[specName] = cur

	logging.Monitor("spec %s -> %s", specName, newStatus)
	return nil
}

// adjustCounters must be called with mu held.
func (m *Monitor) adjustCounters(from, to SpecStatus) {
	switch from {
	case SpecRunning:
		m.state.RunningSpecs--
	}
	switch to {
	case SpecRunning:
		m.state.RunningSpecs++
	case SpecCompleted:
		m.state.CompletedSpecs++
	case SpecFailed, SpecTimeout:
		m.state.FailedSpecs++
	case SpecSkipped:
		m.state.SkippedSpecs++
	}
}

// IncrementRetry bumps a spec's retry count.
func (m *Monitor) IncrementRetry(specName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state.Specs[specName]
	s.RetryCount++
	s.UpdatedAt = time.Now()
	m.state.Specs[specName] = s
}

// SetOrchestrationState sets the overall orchestration status.
func (m *Monitor) SetOrchestrationState(s OrchestrationStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.State = s
	logging.Monitor("orchestration -> %s", s)
}

// SetBatchInfo records the current/total batch indices.
func (m *Monitor) SetBatchInfo(current, total int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.CurrentBatch = current
	m.state.TotalBatches = total
}

// RecordRateLimitEvent records a rate-limit signal against a spec.
func (m *Monitor) RecordRateLimitEvent(specName string, retryDelayMs int64, signalAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.RateLimit.SignalCount++
	m.state.RateLimit.TotalBackoffMs += retryDelayMs
	m.state.RateLimit.LastSignalAt = signalAt
	logging.Monitor("rate-limit signal spec=%s delay_ms=%d total_signals=%d", specName, retryDelayMs, m.state.RateLimit.SignalCount)
}

// ParallelTelemetryEvent is one of "throttled" or "recovered".
type ParallelTelemetryEvent string

const (
	ParallelThrottled ParallelTelemetryEvent = "throttled"
	ParallelRecovered ParallelTelemetryEvent = "recovered"
)

// UpdateParallelTelemetry records an adaptive-parallelism transition.
func (m *Monitor) UpdateParallelTelemetry(event ParallelTelemetryEvent, effectiveMax int, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.state.AdaptiveParallel.EffectiveMax = effectiveMax
	switch event {
	case ParallelThrottled:
		m.state.AdaptiveParallel.LastThrottleAt = now
	case ParallelRecovered:
		m.state.AdaptiveParallel.LastRecoveryAt = now
	}
	logging.Monitor("parallel:%s effective_max=%d reason=%s", event, effectiveMax, reason)
}

// SetConfiguredMaxParallel records the configured (un-throttled) ceiling.
func (m *Monitor) SetConfiguredMaxParallel(max int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.AdaptiveParallel.ConfiguredMax = max
	m.state.AdaptiveParallel.EffectiveMax = max
}

// LaunchBudgetTelemetryEvent describes a launch-budget state change.
type LaunchBudgetTelemetryEvent string

const (
	LaunchBudgetHold LaunchBudgetTelemetryEvent = "hold"
	LaunchBudgetUse  LaunchBudgetTelemetryEvent = "use"
)

// UpdateLaunchBudgetTelemetry records launch-budget window state.
func (m *Monitor) UpdateLaunchBudgetTelemetry(event LaunchBudgetTelemetryEvent, budgetPerMinute int, windowMs int64, used int, holdMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.RateLimit.LaunchBudgetPerMinute = budgetPerMinute
	m.state.RateLimit.LaunchBudgetWindowMs = windowMs
	m.state.RateLimit.LaunchBudgetUsed = used
	if event == LaunchBudgetHold {
		m.state.RateLimit.LaunchBudgetHoldCount++
		m.state.RateLimit.LastLaunchBudgetHoldMs = holdMs
	}
}

// SetLastLaunchHold records the launch-hold-until delay most recently applied.
func (m *Monitor) SetLastLaunchHold(holdMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.RateLimit.LastLaunchHoldMs = holdMs
}

// SyncExternalStatus forwards to the external context-sync collaborator,
// swallowing any error with a warning log.
func (m *Monitor) SyncExternalStatus(specName string, statusStr string) {
	if m.lifecycle == nil {
		return
	}
	if err := m.lifecycle.SyncStatus(specName, statusStr); err != nil {
		logging.Get(logging.CategoryMonitor).Warn("sync_external_status(%s, %s) failed: %v", specName, statusStr, err)
	}
}

// Snapshot returns a deep, read-only copy of the current orchestration
// state, safe to persist or serialize.
func (m *Monitor) Snapshot() OrchestrationState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	specs := make(map[string]SpecState, len(m.state.Specs))
	for k, v := range m.state.Specs {
		specs[k] = v
	}

	cp := m.state
	cp.Specs = specs
	return cp
}
