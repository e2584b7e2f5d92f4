package main

import (
	"context"
	"fmt"
	"time"

	"github.com/haasonsaas/deployflow/pkg/action"
	"github.com/haasonsaas/deployflow/pkg/events"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// Sweeper fails actions that were delivered but never reported and marks
// silent devices offline. Expired actions are never re-queued: a script
// may already have run.
type Sweeper struct {
	db           *gorm.DB
	interval     time.Duration
	staleAfter   time.Duration
	offlineAfter time.Duration
	events       events.Publisher
	limiter      *RateLimiter
	logger       zerolog.Logger
	now          func() time.Time
}

type SweepResult struct {
	ExpiredActions int
	OfflineDevices int
}

func NewSweeper(db *gorm.DB, interval, staleAfter, offlineAfter time.Duration, pub events.Publisher, limiter *RateLimiter, logger zerolog.Logger) *Sweeper {
	if pub == nil {
		pub = events.Noop{}
	}
	return &Sweeper{
		db:           db,
		interval:     interval,
		staleAfter:   staleAfter,
		offlineAfter: offlineAfter,
		events:       pub,
		limiter:      limiter,
		logger:       logger.With().Str("component", "sweeper").Logger(),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res, err := s.SweepOnce(ctx)
			if err != nil {
				s.logger.Error().Err(err).Msg("Sweep failed")
				continue
			}
			if res.ExpiredActions > 0 || res.OfflineDevices > 0 {
				s.logger.Info().Int("expired_actions", res.ExpiredActions).Int("offline_devices", res.OfflineDevices).Msg("Sweep completed")
			}
		}
	}
}

func (s *Sweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := s.now()
	db := s.db.WithContext(ctx)

	if s.staleAfter > 0 {
		cutoff := now.Add(-s.staleAfter)
		var stale []Action
		if err := db.Where("status = ? AND updated_at < ?", string(action.StatusRunning), cutoff).Find(&stale).Error; err != nil {
			return res, fmt.Errorf("load stale actions: %w", err)
		}
		for _, a := range stale {
			exitCode := 1
			logs := fmt.Sprintf("no result reported within %s of delivery; marked failed by server", s.staleAfter)
			if a.Logs != nil && *a.Logs != "" {
				logs = *a.Logs + "\n\n" + logs
			}
			// Guard on status so a report racing the sweep wins.
			out := db.Model(&Action{}).
				Where("id = ? AND status = ?", a.ID, string(action.StatusRunning)).
				Updates(map[string]any{
					"status":       string(action.StatusFailed),
					"exit_code":    exitCode,
					"logs":         logs,
					"completed_at": now,
					"updated_at":   now,
				})
			if out.Error != nil {
				return res, fmt.Errorf("expire action %d: %w", a.ID, out.Error)
			}
			if out.RowsAffected == 0 {
				continue
			}
			res.ExpiredActions++
			if err := s.events.Publish(ctx, events.Event{Type: events.TypeActionExpired, Time: now, Data: map[string]any{
				"action_id": a.ID,
				"device_id": a.DeviceID,
			}}); err != nil {
				s.logger.Warn().Err(err).Int64("action_id", a.ID).Msg("Failed to publish event")
			}
		}
	}

	if s.offlineAfter > 0 {
		cutoff := now.Add(-s.offlineAfter)
		out := db.Model(&Device{}).
			Where("status = ? AND last_check_in < ?", deviceStatusOnline, cutoff).
			Update("status", deviceStatusOffline)
		if out.Error != nil {
			return res, fmt.Errorf("mark devices offline: %w", out.Error)
		}
		res.OfflineDevices = int(out.RowsAffected)
	}

	if s.limiter != nil {
		s.limiter.Prune()
	}
	return res, nil
}
