// Package scanloop provides small interval-loop helpers shared by the
// background maintenance goroutines.
package scanloop

import (
	"math/rand/v2"
	"time"
)

// Run executes fn at a jittered interval until stopCh is closed.
// The interval is: minInterval + random([0, jitterRange)). Jitter keeps
// independent loops from aligning their wakeups.
func Run(stopCh <-chan struct{}, minInterval, jitterRange time.Duration, fn func()) {
	if minInterval <= 0 {
		minInterval = time.Second
	}
	if jitterRange < 0 {
		jitterRange = 0
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C // drain initial fire

	for {
		interval := minInterval
		if jitterRange > 0 {
			interval += time.Duration(rand.Int64N(int64(jitterRange)))
		}

		timer.Reset(interval)
		select {
		case <-stopCh:
			return
		case <-timer.C:
		}
		fn()
	}
}

// RunEvery executes fn at a fixed interval until stopCh is closed.
func RunEvery(stopCh <-chan struct{}, interval time.Duration, fn func()) {
	Run(stopCh, interval, 0, fn)
}

// Sleep blocks for d or until stopCh is closed, whichever comes first.
// It reports false when interrupted by stopCh. Loops use it for their
// variable-length sleeps so shutdown is never delayed by a full interval.
func Sleep(stopCh <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-stopCh:
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-stopCh:
		return false
	case <-timer.C:
		return true
	}
}
