package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/deployflow/pkg/api"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestBackoffWithJitterBounds(t *testing.T) {
	initial := 100 * time.Millisecond
	maxDelay := 800 * time.Millisecond
	for attempt := 0; attempt < 6; attempt++ {
		delay := backoffWithJitter(initial, maxDelay, attempt)
		require.GreaterOrEqual(t, delay, initial/2)
		require.LessOrEqual(t, delay, maxDelay)
	}
}

func TestRetrierStopsAfterSuccess(t *testing.T) {
	r := NewRetrier(1, 2, 3, zerolog.Nop())
	var attempts int
	err := r.Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 2 {
			return &api.StatusError{StatusCode: 503}
		}
		return nil
	}, api.IsRetryable)
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
}

func TestRetrierGivesUpOnPermanentError(t *testing.T) {
	r := NewRetrier(1, 2, 3, zerolog.Nop())
	var attempts int
	err := r.Do(context.Background(), func(context.Context) error {
		attempts++
		return errors.New("bad request")
	}, api.IsRetryable)
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func TestRetrierHonoursBudget(t *testing.T) {
	r := NewRetrier(1, 2, 2, zerolog.Nop())
	var attempts int
	err := r.Do(context.Background(), func(context.Context) error {
		attempts++
		return &api.StatusError{StatusCode: 502}
	}, api.IsRetryable)
	require.Error(t, err)
	require.Equal(t, 3, attempts)
}

func TestRetrierStopsOnCancel(t *testing.T) {
	r := NewRetrier(1000, 1000, 5, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	var attempts int
	start := time.Now()
	time.AfterFunc(20*time.Millisecond, cancel)
	err := r.Do(ctx, func(context.Context) error {
		attempts++
		return &api.StatusError{StatusCode: 503}
	}, api.IsRetryable)
	require.Error(t, err)
	require.Equal(t, 1, attempts)
	require.Less(t, time.Since(start), time.Second)
}

func TestNilRetrierMakesOneAttempt(t *testing.T) {
	var r *Retrier
	var attempts int
	_ = r.Do(context.Background(), func(context.Context) error {
		attempts++
		return &api.StatusError{StatusCode: 503}
	}, api.IsRetryable)
	require.Equal(t, 1, attempts)
}

func TestTimerSchedulerHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, TimerScheduler{Jitter: time.Millisecond}.Wait(ctx, time.Hour), context.Canceled)
	require.NoError(t, TimerScheduler{}.Wait(context.Background(), time.Millisecond))
}
