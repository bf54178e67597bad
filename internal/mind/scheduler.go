package mind

import (
	"context"
	"time"
)

// TickFunc handles the n-th tick (starting at 1).
type TickFunc func(ctx context.Context, n int, now time.Time)

// Scheduler drives every periodic task from one uniform tick: ambient
// scans each tick, conflict decay and persistence every few ticks.
type Scheduler struct {
	interval time.Duration
	onTick   TickFunc
	now      func() time.Time
}

// NewScheduler creates a scheduler firing every interval.
func NewScheduler(interval time.Duration, onTick TickFunc) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{interval: interval, onTick: onTick, now: time.Now}
}

// Run ticks until ctx is done. The handler runs on the scheduler goroutine,
// so a slow tick delays the next one instead of overlapping it.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	n := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n++
			if s.onTick != nil {
				s.onTick(ctx, n, s.now())
			}
		}
	}
}

// every reports whether tick n is one of every k ticks.
func every(n, k int) bool {
	return k > 0 && n%k == 0
}
