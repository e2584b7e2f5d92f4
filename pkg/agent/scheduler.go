package agent

import (
	"context"
	"math/rand"
	"time"
)

// Scheduler suspends the poll loop between rounds.
type Scheduler interface {
	// Wait blocks for roughly d or until ctx is done, returning ctx.Err()
	// in the latter case.
	Wait(ctx context.Context, d time.Duration) error
}

// TimerScheduler sleeps for d plus a random jitter in [0, Jitter) to avoid
// a fleet checking in in lockstep.
type TimerScheduler struct {
	Jitter time.Duration
}

func (s TimerScheduler) Wait(ctx context.Context, d time.Duration) error {
	if s.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(s.Jitter)))
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
