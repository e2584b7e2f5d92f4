package main

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/deployflow/pkg/api"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestSweeperExpiresUnreportedActions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.register(t, "h1", "")
	delivered, err := env.srv.dispatcher.CreateAction(ctx, id, api.CreateActionRequest{Type: "test"})
	require.NoError(t, err)
	_, err = env.srv.dispatcher.Heartbeat(ctx, api.HeartbeatRequest{DeviceID: id})
	require.NoError(t, err)
	queued, err := env.srv.dispatcher.CreateAction(ctx, id, api.CreateActionRequest{Type: "test"})
	require.NoError(t, err)

	sw := NewSweeper(env.srv.db, time.Minute, time.Hour, 5*time.Minute, env.events, env.srv.limiter, zerolog.Nop())

	res, err := sw.SweepOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, res.ExpiredActions)
	require.Zero(t, res.OfflineDevices)

	sw.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	res, err = sw.SweepOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.ExpiredActions)
	require.Equal(t, 1, res.OfflineDevices)

	var expired Action
	require.NoError(t, env.srv.db.First(&expired, delivered.ID).Error)
	require.Equal(t, "failed", expired.Status)
	require.Equal(t, 1, *expired.ExitCode)
	require.Contains(t, *expired.Logs, "no result reported")
	require.NotNil(t, expired.CompletedAt)

	// Undelivered work is left for the next heartbeat.
	var still Action
	require.NoError(t, env.srv.db.First(&still, queued.ID).Error)
	require.Equal(t, "pending", still.Status)

	var device Device
	require.NoError(t, env.srv.db.First(&device, id).Error)
	require.Equal(t, deviceStatusOffline, device.Status)

	require.Contains(t, env.events.Types(), "action.expired")

	// A late report still lands on the expired action.
	_, err = env.srv.dispatcher.ReportResult(ctx, delivered.ID, api.ActionResultRequest{Status: "succeeded"})
	require.NoError(t, err)
}

func TestSweeperDisabledThresholds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.register(t, "h1", "")
	_, err := env.srv.dispatcher.CreateAction(ctx, id, api.CreateActionRequest{Type: "test"})
	require.NoError(t, err)
	_, err = env.srv.dispatcher.Heartbeat(ctx, api.HeartbeatRequest{DeviceID: id})
	require.NoError(t, err)

	sw := NewSweeper(env.srv.db, time.Minute, 0, 0, nil, nil, zerolog.Nop())
	sw.now = func() time.Time { return time.Now().UTC().Add(48 * time.Hour) }
	res, err := sw.SweepOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, SweepResult{}, res)
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	env := newTestEnv(t)
	sw := NewSweeper(env.srv.db, 5*time.Millisecond, time.Hour, time.Hour, nil, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sw.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestRateLimiterWindowsAndPrune(t *testing.T) {
	rl := NewRateLimiter()
	now := time.Now()
	rl.now = func() time.Time { return now }

	require.True(t, rl.Allow("k", 2, time.Minute))
	require.True(t, rl.Allow("k", 2, time.Minute))
	require.False(t, rl.Allow("k", 2, time.Minute))
	require.True(t, rl.Allow("other", 2, time.Minute))
	require.True(t, rl.Allow("unlimited", 0, time.Minute))
	require.Equal(t, 2, rl.Len())

	now = now.Add(2 * time.Minute)
	require.Equal(t, 2, rl.Prune())
	require.True(t, rl.Allow("k", 2, time.Minute))
}
