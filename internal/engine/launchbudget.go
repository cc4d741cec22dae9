package engine

import (
	"sync"
	"time"
)

// launchBudget is a sliding-window admission control over recent launch
// timestamps, gating how many agent starts may occur per window.
// perMinute <= 0 disables the control entirely (admit always succeeds).
type launchBudget struct {
	mu sync.Mutex

	perMinute  int
	window     time.Duration
	launches   []time.Time
	holdUntil  time.Time

	onTelemetry func(used int, holdMs int64, isHold bool)
}

func newLaunchBudget(perMinute int, window time.Duration) *launchBudget {
	return &launchBudget{perMinute: perMinute, window: window}
}

// setHoldUntil records a rate-limit-signal-driven launch hold, keeping
// the later of any existing hold and the new one.
func (b *launchBudget) setHoldUntil(until time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if until.After(b.holdUntil) {
		b.holdUntil = until
	}
}

// waitForAdmission blocks (via the supplied sleep func, which respects
// ctx) until both the rate-limit launch hold and the launch-budget
// window admit a new launch, then records the launch. Returns false if
// ctx was canceled while waiting.
func (b *launchBudget) waitForAdmission(now func() time.Time, sleep func(time.Duration) bool) bool {
	for {
		n := now()

		b.mu.Lock()
		if b.holdUntil.After(n) {
			hold := b.holdUntil.Sub(n)
			b.mu.Unlock()
			if !sleep(hold) {
				return false
			}
			continue
		}

		if b.perMinute > 0 {
			b.pruneLocked(n)
			if len(b.launches) >= b.perMinute {
				oldest := b.launches[0]
				holdUntilWindowClears := oldest.Add(b.window).Sub(n)
				if holdUntilWindowClears < 0 {
					holdUntilWindowClears = 0
				}
				if b.onTelemetry != nil {
					b.onTelemetry(len(b.launches), holdUntilWindowClears.Milliseconds(), true)
				}
				b.mu.Unlock()
				if !sleep(holdUntilWindowClears) {
					return false
				}
				continue
			}
		}

		b.launches = append(b.launches, n)
		used := len(b.launches)
		if b.onTelemetry != nil {
			b.onTelemetry(used, 0, false)
		}
		b.mu.Unlock()
		return true
	}
}

// pruneLocked drops launch timestamps older than the window. A
// timestamp exactly at the boundary (now - window) is treated as still
// "in window" and kept.
func (b *launchBudget) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.window)
	kept := b.launches[:0]
	for _, t := range b.launches {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	b.launches = kept
}
