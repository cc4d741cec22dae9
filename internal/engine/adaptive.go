package engine

import (
	"sync"
	"time"
)

// adaptiveParallel throttles the parallelism ceiling by half
// (floor-bounded) on a rate-limit signal, and recovers it by at most one
// unit per elapsed cooldown window. Guarded by its own mutex since the
// scheduler's admission loop and the retry handler both touch it
// concurrently.
type adaptiveParallel struct {
	mu sync.Mutex

	configured   int
	effective    int
	floor        int
	cooldown     time.Duration
	lastSignalAt time.Time
	hasSignal    bool

	onTelemetry func(event statusParallelEvent, effectiveMax int, reason string)
}

// statusParallelEvent mirrors status.ParallelTelemetryEvent without this
// package depending on status directly for a single string type.
type statusParallelEvent string

const (
	telemetryThrottled statusParallelEvent = "throttled"
	telemetryRecovered statusParallelEvent = "recovered"
)

func newAdaptiveParallel(configured, floor int, cooldown time.Duration) *adaptiveParallel {
	if floor < 1 {
		floor = 1
	}
	return &adaptiveParallel{
		configured: configured,
		effective:  configured,
		floor:      floor,
		cooldown:   cooldown,
	}
}

// signal halves the effective ceiling (floor-bounded) in response to a
// rate-limit observation.
func (a *adaptiveParallel) signal(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastSignalAt = now
	a.hasSignal = true

	next := a.effective / 2
	if next < a.floor {
		next = a.floor
	}
	if next == a.effective {
		return
	}
	a.effective = next
	if a.onTelemetry != nil {
		a.onTelemetry(telemetryThrottled, a.effective, "rate_limit_signal")
	}
}

// effectiveMax returns the current ceiling, first applying any cooldown
// recovery due since the last signal (at most +1 per window, checked at
// the same call site that reads the ceiling).
func (a *adaptiveParallel) effectiveMax(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recoverLocked(now)
	return a.effective
}

func (a *adaptiveParallel) recoverLocked(now time.Time) {
	if !a.hasSignal || a.cooldown <= 0 || a.effective >= a.configured {
		return
	}
	if now.Sub(a.lastSignalAt) <= a.cooldown {
		return
	}
	a.effective++
	a.lastSignalAt = a.lastSignalAt.Add(a.cooldown)
	if a.onTelemetry != nil {
		a.onTelemetry(telemetryRecovered, a.effective, "cooldown_elapsed")
	}
}
