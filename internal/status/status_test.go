package status

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSyncer struct {
	calls []string
	err   error
}

func (f *fakeSyncer) SyncStatus(specName, status string) error {
	f.calls = append(f.calls, specName+":"+status)
	return f.err
}

func TestInitSpecAndUpdateStatus(t *testing.T) {
	m := NewMonitor(nil)
	m.InitSpec("build-api", 0)

	snap := m.Snapshot()
	require.Equal(t, SpecPending, snap.Specs["build-api"].Status)
	require.Equal(t, 1, snap.TotalSpecs)

	require.NoError(t, m.UpdateSpecStatus("build-api", SpecRunning, "agent-1", ""))
	snap = m.Snapshot()
	require.Equal(t, SpecRunning, snap.Specs["build-api"].Status)
	require.Equal(t, 1, snap.RunningSpecs)

	require.NoError(t, m.UpdateSpecStatus("build-api", SpecCompleted, "agent-1", ""))
	snap = m.Snapshot()
	require.Equal(t, SpecCompleted, snap.Specs["build-api"].Status)
	require.Equal(t, 0, snap.RunningSpecs)
	require.Equal(t, 1, snap.CompletedSpecs)
}

func TestTerminalStatusRejectsReturnToRunning(t *testing.T) {
	m := NewMonitor(nil)
	m.InitSpec("a", 0)
	require.NoError(t, m.UpdateSpecStatus("a", SpecFailed, "", "boom"))
	err := m.UpdateSpecStatus("a", SpecRunning, "agent-2", "")
	require.Error(t, err)
}

func TestIncrementRetry(t *testing.T) {
	m := NewMonitor(nil)
	m.InitSpec("a", 0)
	m.IncrementRetry("a")
	m.IncrementRetry("a")
	require.Equal(t, 2, m.Snapshot().Specs["a"].RetryCount)
}

func TestRecordRateLimitEvent(t *testing.T) {
	m := NewMonitor(nil)
	now := time.Now()
	m.RecordRateLimitEvent("a", 1500, now)
	m.RecordRateLimitEvent("a", 500, now)
	snap := m.Snapshot()
	require.Equal(t, 2, snap.RateLimit.SignalCount)
	require.Equal(t, int64(2000), snap.RateLimit.TotalBackoffMs)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	m := NewMonitor(nil)
	m.InitSpec("a", 0)
	snap := m.Snapshot()
	snap.Specs["a"] = SpecState{Status: SpecCompleted}

	fresh := m.Snapshot()
	require.Equal(t, SpecPending, fresh.Specs["a"].Status)
}

func TestSyncExternalStatusSwallowsErrors(t *testing.T) {
	syncer := &fakeSyncer{err: assertErr{}}
	m := NewMonitor(syncer)
	require.NotPanics(t, func() {
		m.SyncExternalStatus("a", "completed")
	})
	require.Equal(t, []string{"a:completed"}, syncer.calls)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func TestAdaptiveParallelTelemetry(t *testing.T) {
	m := NewMonitor(nil)
	m.SetConfiguredMaxParallel(8)
	m.UpdateParallelTelemetry(ParallelThrottled, 4, "rate limit")
	snap := m.Snapshot()
	require.Equal(t, 8, snap.AdaptiveParallel.ConfiguredMax)
	require.Equal(t, 4, snap.AdaptiveParallel.EffectiveMax)
	require.False(t, snap.AdaptiveParallel.LastThrottleAt.IsZero())
}
