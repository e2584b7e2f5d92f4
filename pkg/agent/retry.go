package agent

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
)

// Retrier retries short calls with capped exponential backoff and jitter.
type Retrier struct {
	initial    time.Duration
	max        time.Duration
	maxRetries int
	logger     zerolog.Logger
}

func NewRetrier(initialMs, maxMs, maxRetries int, logger zerolog.Logger) *Retrier {
	if initialMs <= 0 {
		initialMs = 500
	}
	if maxMs < initialMs {
		maxMs = initialMs
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Retrier{
		initial:    time.Duration(initialMs) * time.Millisecond,
		max:        time.Duration(maxMs) * time.Millisecond,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// Do calls fn until it succeeds, returns a non-retryable error, the retry
// budget is spent, or ctx is done. A nil Retrier makes a single attempt.
func (r *Retrier) Do(ctx context.Context, fn func(context.Context) error, retryable func(error) bool) error {
	var attempt int
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if r == nil || attempt >= r.maxRetries || !retryable(err) || ctx.Err() != nil {
			return err
		}
		delay := backoffWithJitter(r.initial, r.max, attempt)
		r.logger.Warn().Err(err).Int("attempt", attempt+1).Dur("sleep", delay).Msg("Retrying operation")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		attempt++
	}
}

func backoffWithJitter(initial, max time.Duration, attempt int) time.Duration {
	b := float64(initial) * math.Pow(2, float64(attempt))
	if b > float64(max) {
		b = float64(max)
	}
	j := b / 2
	return time.Duration(j + rand.Float64()*j)
}
