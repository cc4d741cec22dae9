// Package engine implements the orchestration engine: the top-level
// driver that validates a spec list, builds and batches its dependency
// graph, and runs each batch's specs through the Spawner with retry,
// backoff, and adaptive-parallelism policies.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"kse/internal/collaborators"
	"kse/internal/config"
	"kse/internal/depgraph"
	"kse/internal/logging"
	"kse/internal/spawner"
	"kse/internal/status"
)

// watchdogFallback bounds how long executeSpec waits for a terminal
// outcome before giving up, as a deadlock breaker. Spawn already blocks
// until a terminal outcome or its own per-agent timeout; this deadline
// reaches Spawn only through its ctx, so it ends a child that never
// exits when no per-agent timeout is configured, and has no effect on a
// Spawn call that ignores ctx.
const watchdogFallback = 2 * time.Hour

// AgentSpawner is the narrow slice of *spawner.Spawner the Engine
// depends on. Declared as an interface so tests can inject a fake
// spawner instead of shelling out to a real agent binary.
type AgentSpawner interface {
	Spawn(ctx context.Context, specName string) (*spawner.SpawnedAgent, error)
	KillAll()
}

// Engine is the Orchestration Engine.
type Engine struct {
	workspaceRoot string
	cfgProvider   config.Provider
	depManager    collaborators.DependencyManager
	slm           collaborators.SpecLifecycleManager
	spawn         AgentSpawner
	monitor       *status.Monitor
	emit          *emitter

	mu          sync.Mutex
	running     bool
	stopped     bool
	retryCounts map[string]int
	completed   map[string]bool
	failed      map[string]bool
	skipped     map[string]bool
	plan        *depgraph.Plan

	adaptive     *adaptiveParallel
	launchBudget *launchBudget
}

// New builds an Engine. slm may be collaborators.NoopSpecLifecycleManager{}
// when no lifecycle collaborator is configured.
func New(workspaceRoot string, cfgProvider config.Provider, depManager collaborators.DependencyManager, slm collaborators.SpecLifecycleManager, sp AgentSpawner, monitor *status.Monitor) *Engine {
	return &Engine{
		workspaceRoot: workspaceRoot,
		cfgProvider:   cfgProvider,
		depManager:    depManager,
		slm:           slm,
		spawn:         sp,
		monitor:       monitor,
		emit:          newEmitter(),
	}
}

// Subscribe registers h to receive every event this Engine emits.
func (e *Engine) Subscribe(h Handler) {
	e.emit.Subscribe(h)
}

// Start runs one orchestration of specNames to completion. It is
// synchronous: callers that want cancellation use ctx,
// and concurrent callers that want to interrupt a running Start use
// Stop from another goroutine.
func (e *Engine) Start(ctx context.Context, specNames []string, opts Options) Result {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return e.fastFail("Orchestration is already running")
	}
	e.running = true
	e.stopped = false
	e.retryCounts = make(map[string]int)
	e.completed = make(map[string]bool)
	e.failed = make(map[string]bool)
	e.skipped = make(map[string]bool)
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	cfg, err := e.cfgProvider.GetConfig(ctx)
	if err != nil {
		return e.fastFail(fmt.Sprintf("loading configuration: %v", err))
	}

	// Step 1: validate spec existence.
	missing := e.validateSpecExistence(specNames)
	if len(missing) > 0 {
		msg := fmt.Sprintf("missing spec directories: %s", strings.Join(missing, ", "))
		return e.fastFail(msg)
	}
	if len(specNames) == 0 {
		return e.fastFail("no specs given")
	}

	// Step 2: build DAG.
	graph, err := e.depManager.BuildDependencyGraph(ctx, specNames)
	if err != nil {
		return e.fastFail(fmt.Sprintf("building dependency graph: %v", err))
	}

	// Step 3: cycle detection.
	cycle, err := e.depManager.DetectCircularDependencies(ctx, graph)
	if err != nil {
		return e.fastFail(fmt.Sprintf("detecting circular dependencies: %v", err))
	}
	if len(cycle) > 0 {
		plan := &depgraph.Plan{Specs: specNames, HasCycle: true, CyclePath: cycle}
		return Result{
			Status:  "failed",
			Plan:    plan,
			Failed:  nil,
			Skipped: nil,
			Error:   fmt.Sprintf("circular dependency detected: %s", strings.Join(cycle, " -> ")),
		}
	}

	// Step 4: batch computation.
	plan := depgraph.Build(specNames, graph)
	if plan.HasCycle {
		return Result{
			Status: "failed",
			Plan:   plan,
			Error:  fmt.Sprintf("circular dependency detected among: %s", strings.Join(plan.CyclePath, ", ")),
		}
	}
	e.mu.Lock()
	e.plan = plan
	e.mu.Unlock()

	// Step 5: initialize state.
	for _, name := range specNames {
		e.monitor.InitSpec(name, plan.BatchIndexOf(name))
	}
	e.monitor.SetBatchInfo(0, plan.TotalBatches())
	e.monitor.SetOrchestrationState(status.OrchestrationRunning)

	// Step 6: apply retry policy / adaptive state.
	effectiveMax := cfg.MaxParallel
	if opts.MaxParallel > 0 && opts.MaxParallel < effectiveMax {
		effectiveMax = opts.MaxParallel
	}
	if effectiveMax < 1 {
		effectiveMax = 1
	}
	e.monitor.SetConfiguredMaxParallel(effectiveMax)
	e.adaptive = newAdaptiveParallel(effectiveMax, cfg.RateLimitParallelFloor, cfg.RateLimitCooldown())
	e.adaptive.onTelemetry = func(event statusParallelEvent, effectiveMax int, reason string) {
		e.onAdaptiveTelemetry(event, effectiveMax, reason)
	}
	e.launchBudget = newLaunchBudget(cfg.LaunchBudgetPerMinute, cfg.LaunchBudgetWindow())
	e.launchBudget.onTelemetry = func(used int, holdMs int64, isHold bool) {
		if isHold {
			e.monitor.UpdateLaunchBudgetTelemetry(status.LaunchBudgetHold, cfg.LaunchBudgetPerMinute, cfg.LaunchBudgetWindowMs, used, holdMs)
			e.emit.Emit(Event{Type: EventLaunchBudgetHold, Reason: "launch_budget_window"})
		} else {
			e.monitor.UpdateLaunchBudgetTelemetry(status.LaunchBudgetUse, cfg.LaunchBudgetPerMinute, cfg.LaunchBudgetWindowMs, used, 0)
		}
	}

	// Step 7: execute batches sequentially.
	for i, batch := range plan.Batches {
		e.emit.Emit(Event{Type: EventBatchStart, Batch: i, Specs: batch})
		e.executeSpecsInParallel(ctx, batch, effectiveMax, cfg.MaxRetries)
		e.emit.Emit(Event{Type: EventBatchComplete, Batch: i})
		e.monitor.SetBatchInfo(i+1, plan.TotalBatches())
	}

	// Step 8: terminal.
	result := e.aggregateOutcome(plan)
	e.monitor.SetOrchestrationState(outcomeToOrchestrationStatus(result.Status))
	e.emit.Emit(Event{Type: EventOrchestrationDone, Result: &result})
	return result
}

// Stop requests idempotent cooperative cancellation of a running Start.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running || e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()

	e.spawn.KillAll()
	e.monitor.SetOrchestrationState(status.OrchestrationStopped)
}

func (e *Engine) isStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// validateSpecExistence returns the subset of specNames whose
// <workspace>/.kiro/specs/<name>/ directory does not exist.
func (e *Engine) validateSpecExistence(specNames []string) []string {
	var missing []string
	for _, name := range specNames {
		info, err := os.Stat(filepath.Join(e.workspaceRoot, ".kiro", "specs", name))
		if err != nil || !info.IsDir() {
			missing = append(missing, name)
		}
	}
	return missing
}

func (e *Engine) fastFail(msg string) Result {
	r := Result{Status: "failed", Error: msg}
	e.emit.Emit(Event{Type: EventOrchestrationDone, Result: &r, Error: msg})
	return r
}

func outcomeToOrchestrationStatus(s string) status.OrchestrationStatus {
	switch s {
	case "stopped":
		return status.OrchestrationStopped
	case "completed":
		return status.OrchestrationCompleted
	default:
		return status.OrchestrationFailed
	}
}

// aggregateOutcome computes the final Result from completed/failed/skipped state.
func (e *Engine) aggregateOutcome(plan *depgraph.Plan) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	outcome := "completed"
	if e.stopped {
		outcome = "stopped"
	} else if len(e.failed) > 0 {
		outcome = "failed"
	}

	r := Result{
		Status:    outcome,
		Plan:      plan,
		Completed: sortedKeys(e.completed),
		Failed:    sortedKeys(e.failed),
		Skipped:   sortedKeys(e.skipped),
	}
	if outcome == "failed" {
		r.Error = fmt.Sprintf("specs failed: %s", strings.Join(r.Failed, ", "))
	}
	return r
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) onAdaptiveTelemetry(event statusParallelEvent, effectiveMax int, reason string) {
	switch event {
	case telemetryThrottled:
		e.monitor.UpdateParallelTelemetry(status.ParallelThrottled, effectiveMax, reason)
		e.emit.Emit(Event{Type: EventParallelThrottled, EffectiveMax: effectiveMax, Reason: reason})
	case telemetryRecovered:
		e.monitor.UpdateParallelTelemetry(status.ParallelRecovered, effectiveMax, reason)
		e.emit.Emit(Event{Type: EventParallelRecovered, EffectiveMax: effectiveMax, Reason: reason})
	}
}

// executeSpec runs a single spec through the spawner and updates state
// on completion, failure, or timeout.
func (e *Engine) executeSpec(ctx context.Context, specName string, maxRetries int) {
	e.mu.Lock()
	skipped := e.skipped[specName]
	stopped := e.stopped
	e.mu.Unlock()
	if skipped || stopped {
		return
	}

	if err := e.monitor.UpdateSpecStatus(specName, status.SpecRunning, "", ""); err != nil {
		logging.Get(logging.CategoryEngine).Warn("update_spec_status(%s, running) failed: %v", specName, err)
	}
	if err := e.slm.Transition(ctx, specName, "in-progress"); err != nil {
		logging.Get(logging.CategoryEngine).Warn("SLM transition %s -> in-progress failed: %v", specName, err)
	}
	e.emit.Emit(Event{Type: EventSpecStart, SpecName: specName})

	watchCtx, cancel := context.WithTimeout(ctx, watchdogFallback)
	defer cancel()

	agent, err := e.spawn.Spawn(watchCtx, specName)
	if err != nil {
		e.handleSpecFailed(ctx, specName, "", maxRetries, err.Error())
		return
	}

	switch agent.Status {
	case spawner.AgentCompleted:
		e.mu.Lock()
		e.completed[specName] = true
		e.mu.Unlock()
		if err := e.monitor.UpdateSpecStatus(specName, status.SpecCompleted, agent.AgentID, ""); err != nil {
			logging.Get(logging.CategoryEngine).Warn("update_spec_status(%s, completed) failed: %v", specName, err)
		}
		if err := e.slm.Transition(ctx, specName, "completed"); err != nil {
			logging.Get(logging.CategoryEngine).Warn("SLM transition %s -> completed failed: %v", specName, err)
		}
		e.monitor.SyncExternalStatus(specName, string(status.SpecCompleted))
		e.emit.Emit(Event{Type: EventSpecComplete, SpecName: specName, AgentID: agent.AgentID})
	case spawner.AgentTimeout:
		e.handleSpecFailed(ctx, specName, agent.AgentID, maxRetries, errorTextFromAgent(agent))
	default: // AgentFailed
		e.handleSpecFailed(ctx, specName, agent.AgentID, maxRetries, errorTextFromAgent(agent))
	}
}

func errorTextFromAgent(agent *spawner.SpawnedAgent) string {
	var parts []string
	if stderr := strings.Join(agent.StderrBuf, "\n"); stderr != "" {
		parts = append(parts, stderr)
	}
	for _, ev := range agent.Events {
		if ev.Error != "" {
			parts = append(parts, ev.Error)
		}
	}
	if len(parts) == 0 {
		return fmt.Sprintf("agent %s exited with status %s", agent.AgentID, agent.Status)
	}
	return strings.Join(parts, "\n")
}

// handleSpecFailed classifies a failure, retries with backoff when the
// retry budget allows, and otherwise marks the spec permanently failed.
func (e *Engine) handleSpecFailed(ctx context.Context, specName, agentID string, maxRetries int, errText string) {
	if e.isStopped() {
		e.finalFailure(ctx, specName, agentID, errText)
		return
	}

	class := classifyFailure(errText)

	cfg, err := e.cfgProvider.GetConfig(ctx)
	if err != nil {
		// Collaborator unavailable mid-run; fail the spec rather than guess.
		e.finalFailure(ctx, specName, agentID, errText)
		return
	}

	effectiveMax := maxRetries
	if class == classRateLimit && cfg.RateLimitMaxRetries > effectiveMax {
		effectiveMax = cfg.RateLimitMaxRetries
	}

	e.mu.Lock()
	retryCount := e.retryCounts[specName]
	e.mu.Unlock()

	if retryCount < effectiveMax {
		e.monitor.IncrementRetry(specName)
		e.mu.Lock()
		e.retryCounts[specName] = retryCount + 1
		e.mu.Unlock()

		if class == classRateLimit {
			backoff := computeBackoff(cfg.RateLimitBackoffBaseMs, cfg.RateLimitBackoffMaxMs, retryCount, errText, nil)
			e.onRateLimitSignal(backoff, cfg.RateLimitAdaptiveParallel)
			e.monitor.RecordRateLimitEvent(specName, backoff, time.Now())
			e.emit.Emit(Event{Type: EventSpecRateLimited, SpecName: specName, RetryDelayMs: backoff})
			if !sleepOrCancel(ctx, time.Duration(backoff)*time.Millisecond) {
				e.finalFailure(ctx, specName, agentID, errText)
				return
			}
			if e.isStopped() {
				e.finalFailure(ctx, specName, agentID, errText)
				return
			}
		}
		e.executeSpec(ctx, specName, maxRetries)
		return
	}

	e.finalFailure(ctx, specName, agentID, errText)
}

func (e *Engine) finalFailure(ctx context.Context, specName, agentID, errText string) {
	e.mu.Lock()
	e.failed[specName] = true
	e.mu.Unlock()

	permErr := wrapNonRetryable(errors.New(errText))
	if isPermanent(permErr) {
		logging.Get(logging.CategoryEngine).Warn("spec %s permanently failed: %v", specName, permErr)
	}

	if err := e.monitor.UpdateSpecStatus(specName, status.SpecFailed, agentID, errText); err != nil {
		logging.Get(logging.CategoryEngine).Warn("update_spec_status(%s, failed) failed: %v", specName, err)
	}
	if err := e.slm.Transition(ctx, specName, "failed"); err != nil {
		logging.Get(logging.CategoryEngine).Warn("SLM transition %s -> failed failed: %v", specName, err)
	}
	e.propagateFailure(specName)
	e.emit.Emit(Event{Type: EventSpecFailed, SpecName: specName, AgentID: agentID, Error: errText})
}

// onRateLimitSignal records a launch-budget hold and, when adaptive
// throttling is enabled, signals the adaptive-parallelism controller.
// The launch-budget hold always applies; the parallel-ceiling throttle
// is gated by the rate_limit_adaptive_parallel config flag.
func (e *Engine) onRateLimitSignal(proposedHoldMs int64, adaptiveEnabled bool) {
	now := time.Now()
	e.launchBudget.setHoldUntil(now.Add(time.Duration(proposedHoldMs) * time.Millisecond))
	e.monitor.SetLastLaunchHold(proposedHoldMs)
	if adaptiveEnabled {
		e.adaptive.signal(now)
	}
}

// propagateFailure marks every not-yet-completed transitive dependent
// of a failed spec as skipped.
func (e *Engine) propagateFailure(specName string) {
	e.mu.Lock()
	plan := e.plan
	e.mu.Unlock()
	if plan == nil {
		return
	}

	for _, dep := range plan.Dependents(specName) {
		e.mu.Lock()
		alreadyCompleted := e.completed[dep]
		alreadySkipped := e.skipped[dep]
		if !alreadyCompleted {
			e.skipped[dep] = true
		}
		e.mu.Unlock()

		if alreadyCompleted || alreadySkipped {
			continue
		}
		msg := fmt.Sprintf("Skipped because dependency %s failed", specName)
		if err := e.monitor.UpdateSpecStatus(dep, status.SpecSkipped, "", msg); err != nil {
			logging.Get(logging.CategoryEngine).Warn("update_spec_status(%s, skipped) failed: %v", dep, err)
		}
	}
}
