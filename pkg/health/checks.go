// Package health runs the agent's start-up self check against the server.
package health

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/haasonsaas/deployflow/pkg/api"
)

type HealthStatus struct {
	ServerReachable bool      `json:"server_reachable"`
	ServerVersion   string    `json:"server_version,omitempty"`
	TimeDrift       int       `json:"time_drift_seconds"`
	CheckedAt       time.Time `json:"checked_at"`
	Healthy         bool      `json:"healthy"`
	Issues          []string  `json:"issues,omitempty"`
}

// Prober is the part of the API client Check needs.
type Prober interface {
	Health(ctx context.Context) (api.HealthResponse, time.Time, error)
}

// Check probes server health and compares the server's Date header with
// the local clock. It reports issues; it never fails the caller.
func Check(ctx context.Context, prober Prober, maxTimeDrift int) *HealthStatus {
	status := &HealthStatus{
		Healthy:   true,
		Issues:    []string{},
		CheckedAt: time.Now(),
	}

	resp, serverTime, err := prober.Health(ctx)
	if err != nil {
		status.Healthy = false
		status.Issues = append(status.Issues, fmt.Sprintf("cannot reach server: %v", err))
		return status
	}
	status.ServerReachable = true
	status.ServerVersion = resp.Version
	if resp.Status != "healthy" {
		status.Healthy = false
		status.Issues = append(status.Issues, fmt.Sprintf("server reports status %q", resp.Status))
	}

	if !serverTime.IsZero() {
		drift := int(math.Abs(status.CheckedAt.Sub(serverTime).Seconds()))
		status.TimeDrift = drift
		if maxTimeDrift > 0 && drift > maxTimeDrift {
			status.Healthy = false
			status.Issues = append(status.Issues, fmt.Sprintf("time drift %ds exceeds max %ds", drift, maxTimeDrift))
		}
	}

	return status
}
