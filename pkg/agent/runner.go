// Package agent implements the device-side poll loop: register once, then
// heartbeat forever, running whatever actions each heartbeat hands back one
// at a time and reporting every result.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/deployflow/pkg/action"
	"github.com/haasonsaas/deployflow/pkg/api"
	"github.com/haasonsaas/deployflow/pkg/config"
	"github.com/haasonsaas/deployflow/pkg/devicestate"
	"github.com/haasonsaas/deployflow/pkg/executor"
	"github.com/haasonsaas/deployflow/pkg/hostinfo"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/haasonsaas/deployflow/agent"

var (
	// ErrUninstalled is returned by Run after an uninstall action completes
	// and local state has been removed.
	ErrUninstalled = errors.New("agent uninstalled by server")
	// ErrNoEnrollmentToken means registration is required but impossible.
	ErrNoEnrollmentToken = errors.New("device is not registered and no enrollment token is configured")
)

// Client is the subset of the dispatch API the loop uses.
type Client interface {
	Register(ctx context.Context, req api.RegisterRequest) (api.RegisterResponse, error)
	Heartbeat(ctx context.Context, req api.HeartbeatRequest) (api.HeartbeatResponse, error)
	ReportResult(ctx context.Context, actionID int64, req api.ActionResultRequest) error
}

type Executor interface {
	Execute(ctx context.Context, spec action.Spec) executor.Result
}

type StateStore interface {
	Load() (devicestate.State, error)
	Save(devicestate.State) error
	Clear() error
}

type FactsCollector interface {
	Collect(ctx context.Context) hostinfo.Facts
}

// Config holds the loop's tunables.
type Config struct {
	EnrollmentToken       string
	PollInterval          time.Duration
	OnDeviceNotFound      string
	FactsRefresh          time.Duration
	ShutdownReportTimeout time.Duration
}

// Deps are the loop's collaborators. Retrier may be nil for single attempts.
type Deps struct {
	Client    Client
	Executor  Executor
	Store     StateStore
	Facts     FactsCollector
	Scheduler Scheduler
	Retrier   *Retrier
	Logger    zerolog.Logger
}

type Runner struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger

	deviceID    int64
	interval    time.Duration
	facts       hostinfo.Facts
	factsAt     time.Time
	reportFacts bool
	tracer      trace.Tracer
	nowFunc     func() time.Time
}

func New(cfg Config, deps Deps) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.OnDeviceNotFound == "" {
		cfg.OnDeviceNotFound = config.OnNotFoundReregister
	}
	if cfg.ShutdownReportTimeout <= 0 {
		cfg.ShutdownReportTimeout = 5 * time.Second
	}
	if deps.Scheduler == nil {
		deps.Scheduler = TimerScheduler{}
	}
	return &Runner{
		cfg:      cfg,
		deps:     deps,
		log:      deps.Logger.With().Str("component", "poll_loop").Logger(),
		interval: cfg.PollInterval,
		tracer:   otel.Tracer(tracerName),
		nowFunc:  time.Now,
	}
}

// DeviceID is the current identity, or 0 while unregistered.
func (r *Runner) DeviceID() int64 {
	return r.deviceID
}

// Interval is the current poll interval.
func (r *Runner) Interval() time.Duration {
	return r.interval
}

// Start resolves the initial state: a persisted id skips registration,
// otherwise Register is called exactly once. Any failure here is fatal.
func (r *Runner) Start(ctx context.Context) error {
	st, err := r.deps.Store.Load()
	switch {
	case err == nil:
		r.deviceID = st.DeviceID
		r.log.Info().Int64("device_id", r.deviceID).Msg("Loaded existing device identity")
		return nil
	case errors.Is(err, devicestate.ErrNotRegistered):
	default:
		return fmt.Errorf("load device state: %w", err)
	}
	return r.register(ctx)
}

// Run drives the loop until ctx is cancelled (nil), an uninstall completes
// (ErrUninstalled), or the server forgets the device under the stop policy.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	for {
		if ctx.Err() != nil {
			r.log.Info().Msg("Poll loop stopping")
			return nil
		}

		if r.deviceID == 0 {
			if err := r.register(ctx); err != nil {
				r.log.Error().Err(err).Msg("Re-registration failed, retrying next round")
			}
		} else if err := r.Tick(ctx); err != nil {
			return err
		}

		if err := r.deps.Scheduler.Wait(ctx, r.interval); err != nil {
			r.log.Info().Msg("Poll loop stopping")
			return nil
		}
	}
}

// Tick performs one heartbeat round. Transient failures are logged and
// swallowed; only terminal conditions are returned.
func (r *Runner) Tick(ctx context.Context) error {
	r.refreshFacts(ctx)
	logger := r.log.With().Int64("device_id", r.deviceID).Logger()

	req := api.HeartbeatRequest{DeviceID: r.deviceID, Status: "online"}
	if r.reportFacts {
		req.OSVersion = optional(r.facts.OSVersion)
		req.HardwareSummary = optional(r.facts.HardwareSummary)
	}

	hbCtx, span := r.tracer.Start(ctx, "agent.heartbeat", trace.WithAttributes(attribute.Int64("device.id", r.deviceID)))
	resp, err := r.deps.Client.Heartbeat(hbCtx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		if errors.Is(err, api.ErrDeviceNotFound) {
			return r.handleNotFound(logger, err)
		}
		logger.Warn().Err(err).Int("status", api.StatusCode(err)).Msg("Heartbeat failed")
		return nil
	}
	span.SetAttributes(attribute.Int("actions.count", len(resp.Actions)))
	span.End()
	r.reportFacts = false

	if resp.PollIntervalSeconds != nil && *resp.PollIntervalSeconds > 0 {
		if next := time.Duration(*resp.PollIntervalSeconds) * time.Second; next != r.interval {
			logger.Info().Dur("interval", next).Msg("Poll interval updated by server")
			r.interval = next
		}
	}
	if len(resp.Actions) == 0 {
		logger.Debug().Msg("Heartbeat ok, no actions")
		return nil
	}
	logger.Info().Int("count", len(resp.Actions)).Msg("Received actions")

	for i, a := range resp.Actions {
		if ctx.Err() != nil {
			r.abandon(ctx, resp.Actions[i:], "agent shutting down before execution")
			return nil
		}
		spec := action.Decode(a.Type, a.Payload)
		res := r.execute(ctx, a, spec)
		r.report(ctx, a, res)

		if _, ok := spec.(action.Uninstall); ok && res.Status == action.StatusSucceeded {
			r.abandon(ctx, resp.Actions[i+1:], "device uninstalled")
			if err := r.deps.Store.Clear(); err != nil {
				logger.Error().Err(err).Msg("Failed to clear device state after uninstall")
			}
			r.deviceID = 0
			logger.Warn().Int64("action_id", a.ID).Msg("Uninstall completed, agent stopping")
			return ErrUninstalled
		}
	}
	return nil
}

func (r *Runner) execute(ctx context.Context, a api.AgentAction, spec action.Spec) executor.Result {
	logger := r.log.With().Int64("device_id", r.deviceID).Int64("action_id", a.ID).Str("type", a.Type).Logger()

	ctx, span := r.tracer.Start(ctx, "agent.execute", trace.WithAttributes(
		attribute.Int64("action.id", a.ID),
		attribute.String("action.type", a.Type),
	))
	defer span.End()

	var res executor.Result
	if u, ok := spec.(action.Unsupported); ok {
		logger.Warn().Str("reason", u.Reason).Msg("Rejecting action")
		res = executor.Result{Status: action.StatusFailed, ExitCode: 1, Logs: u.Reason}
	} else {
		logger.Info().Msg("Executing action")
		res = r.deps.Executor.Execute(ctx, spec)
	}

	span.SetAttributes(attribute.Int("action.exit_code", res.ExitCode))
	if res.Status != action.StatusSucceeded {
		span.SetStatus(codes.Error, "action failed")
	}
	logger.Info().Str("status", string(res.Status)).Int("exit_code", res.ExitCode).Dur("duration", res.Duration).Msg("Action finished")
	return res
}

// report delivers exactly one result per action. Once shutdown has begun the
// call runs on a detached, bounded context without retries.
func (r *Runner) report(ctx context.Context, a api.AgentAction, res executor.Result) {
	logger := r.log.With().Int64("device_id", r.deviceID).Int64("action_id", a.ID).Logger()

	exitCode := res.ExitCode
	logs := res.Logs
	completed := r.nowFunc().UTC()
	deviceID := r.deviceID
	req := api.ActionResultRequest{
		DeviceID:    &deviceID,
		Status:      string(res.Status),
		ExitCode:    &exitCode,
		Logs:        &logs,
		CompletedAt: &completed,
	}

	retrier := r.deps.Retrier
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), r.cfg.ShutdownReportTimeout)
		defer cancel()
		retrier = nil
	}

	err := retrier.Do(ctx, func(ctx context.Context) error {
		return r.deps.Client.ReportResult(ctx, a.ID, req)
	}, api.IsRetryable)
	if err != nil {
		logger.Error().Err(err).Int("status", api.StatusCode(err)).Str("result", req.Status).Msg("Failed to report action result")
		return
	}
	logger.Debug().Str("result", req.Status).Msg("Reported action result")
}

func (r *Runner) abandon(ctx context.Context, actions []api.AgentAction, reason string) {
	for _, a := range actions {
		r.report(ctx, a, executor.Result{Status: action.StatusFailed, ExitCode: 1, Logs: reason})
	}
}

func (r *Runner) handleNotFound(logger zerolog.Logger, err error) error {
	switch r.cfg.OnDeviceNotFound {
	case config.OnNotFoundStop:
		logger.Error().Err(err).Msg("Server no longer knows this device, stopping")
		return err
	case config.OnNotFoundContinue:
		logger.Error().Err(err).Msg("Server no longer knows this device, continuing to poll")
		return nil
	default:
		logger.Warn().Err(err).Msg("Server no longer knows this device, clearing identity to re-register")
		if clearErr := r.deps.Store.Clear(); clearErr != nil {
			logger.Error().Err(clearErr).Msg("Failed to clear device state")
		}
		r.deviceID = 0
		return nil
	}
}

func (r *Runner) register(ctx context.Context) error {
	if strings.TrimSpace(r.cfg.EnrollmentToken) == "" {
		return ErrNoEnrollmentToken
	}
	r.refreshFacts(ctx)
	facts := r.facts
	if facts.Hostname == "" {
		return errors.New("cannot register: hostname unknown")
	}

	resp, err := r.deps.Client.Register(ctx, api.RegisterRequest{
		EnrollmentToken: r.cfg.EnrollmentToken,
		Hostname:        facts.Hostname,
		OSType:          optional(facts.OSType),
		OSVersion:       optional(facts.OSVersion),
		OSDescription:   optional(facts.OSDescription),
		HardwareSummary: optional(facts.HardwareSummary),
	})
	if err != nil {
		return err
	}
	if err := r.deps.Store.Save(devicestate.State{DeviceID: resp.DeviceID}); err != nil {
		return fmt.Errorf("persist device id %d: %w", resp.DeviceID, err)
	}

	r.deviceID = resp.DeviceID
	r.reportFacts = false
	if resp.PollIntervalSeconds > 0 {
		r.interval = time.Duration(resp.PollIntervalSeconds) * time.Second
	}
	r.log.Info().Int64("device_id", r.deviceID).Str("hostname", facts.Hostname).Dur("interval", r.interval).Msg("Registered with server")
	return nil
}

func (r *Runner) refreshFacts(ctx context.Context) {
	if r.deps.Facts == nil {
		return
	}
	if !r.factsAt.IsZero() && (r.cfg.FactsRefresh <= 0 || r.nowFunc().Sub(r.factsAt) < r.cfg.FactsRefresh) {
		return
	}
	first := r.factsAt.IsZero()
	r.facts = r.deps.Facts.Collect(ctx)
	r.factsAt = r.nowFunc()
	for probe, msg := range r.facts.Errors {
		r.log.Debug().Str("probe", probe).Str("error", msg).Msg("Host fact probe failed")
	}
	// Registration already carries the first snapshot; later refreshes ride
	// along on the next heartbeat.
	r.reportFacts = !first || r.deviceID != 0
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
