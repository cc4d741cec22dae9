package engine

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// executeSpecsInParallel runs one goroutine per spec in specs, gated by
// two admission controls: a counting semaphore sized to the batch's
// configured ceiling, and a soft adaptive-throttle check layered on top
// of it so the effective concurrency can shrink below the semaphore's
// fixed capacity without reconstructing it.
func (e *Engine) executeSpecsInParallel(ctx context.Context, specs []string, configuredMax int, maxRetries int) {
	if configuredMax < 1 {
		configuredMax = 1
	}
	sem := semaphore.NewWeighted(int64(configuredMax))
	var running int32

	g, gctx := errgroup.WithContext(context.Background())
	_ = gctx // per-spec failures never cancel siblings; g's derived ctx is unused on purpose

	for _, specName := range specs {
		specName := specName
		g.Go(func() error {
			if !e.launchBudget.waitForAdmission(time.Now, func(d time.Duration) bool {
				return sleepOrCancel(ctx, d)
			}) {
				return nil
			}

			if err := sem.Acquire(ctx, 1); err != nil {
				return nil
			}
			defer sem.Release(1)

			if !throttleWait(ctx, e.adaptive, &running) {
				return nil
			}
			defer atomic.AddInt32(&running, -1)

			e.executeSpec(ctx, specName, maxRetries)
			return nil
		})
	}
	_ = g.Wait()
}

// throttleWait blocks until fewer than the adaptive ceiling's current
// goroutines are running, then reserves a slot. Returns false if ctx was
// canceled first.
func throttleWait(ctx context.Context, adaptive *adaptiveParallel, running *int32) bool {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		max := adaptive.effectiveMax(time.Now())
		cur := atomic.LoadInt32(running)
		if int(cur) < max {
			if atomic.CompareAndSwapInt32(running, cur, cur+1) {
				return true
			}
			continue
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// sleepOrCancel sleeps for d or returns early (false) if ctx is done.
func sleepOrCancel(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
