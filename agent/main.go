package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/haasonsaas/deployflow/pkg/agent"
	"github.com/haasonsaas/deployflow/pkg/api"
	"github.com/haasonsaas/deployflow/pkg/config"
	"github.com/haasonsaas/deployflow/pkg/devicestate"
	"github.com/haasonsaas/deployflow/pkg/executor"
	"github.com/haasonsaas/deployflow/pkg/health"
	"github.com/haasonsaas/deployflow/pkg/hostinfo"
	"github.com/haasonsaas/deployflow/pkg/logging"
	"github.com/haasonsaas/deployflow/pkg/telemetry"
	"github.com/rs/zerolog/log"
)

var (
	configPath   = flag.String("config", "/etc/deployflow/agent.yaml", "Config file path")
	serverURL    = flag.String("server", "", "Server URL (overrides config)")
	interval     = flag.Duration("interval", 0, "Poll interval (overrides config)")
	enrollToken  = flag.String("enroll", "", "Enrollment token")
	stateFile    = flag.String("state", "", "Device state file (overrides config)")
	printVersion = flag.Bool("version", false, "Print version and exit")
	Version      = "dev"
)

func main() {
	flag.Parse()
	if *printVersion {
		fmt.Println(Version)
		return
	}
	os.Exit(run())
}

// run returns the process exit code so deferred cleanup completes first.
func run() int {
	logging.Bootstrap("DEPLOYFLOW_LOG_LEVEL")
	log.Info().Str("version", Version).Msg("DeployFlow agent starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	if *serverURL != "" {
		cfg.Server.URL = *serverURL
	}
	if *interval > 0 {
		cfg.Polling.Interval = int(interval.Seconds())
	}
	if *enrollToken != "" {
		cfg.Server.EnrollmentToken = *enrollToken
	}
	if *stateFile != "" {
		cfg.State.Path = *stateFile
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	logger := logging.Apply(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Options{
		ServiceName:    "deployflow-agent",
		ServiceVersion: Version,
		Tracing:        cfg.Tracing,
		Logger:         logger,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to set up tracing")
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn().Err(err).Msg("Tracing shutdown failed")
		}
	}()

	token, err := cfg.ResolveEnrollmentToken()
	if err != nil {
		log.Error().Err(err).Msg("Failed to read enrollment token")
		return 1
	}

	client := api.NewClient(cfg.Server.URL,
		api.WithTimeout(time.Duration(cfg.Server.RequestTimeout)*time.Second),
		api.WithUserAgent("deployflow-agent/"+Version),
	)

	status := health.Check(ctx, client, cfg.Health.TimeDriftMaxS)
	if !status.Healthy {
		log.Warn().Strs("issues", status.Issues).Msg("Health check reported issues")
	}

	runner := agent.New(agent.Config{
		EnrollmentToken:       token,
		PollInterval:          time.Duration(cfg.Polling.Interval) * time.Second,
		OnDeviceNotFound:      cfg.Polling.OnNotFound,
		FactsRefresh:          time.Duration(cfg.Polling.FactsRefreshS) * time.Second,
		ShutdownReportTimeout: time.Duration(cfg.Polling.ShutdownReport) * time.Second,
	}, agent.Deps{
		Client: client,
		Executor: executor.New(executor.Options{
			ScriptDir:      cfg.Execution.ScriptDir,
			GracePeriod:    time.Duration(cfg.Execution.GracePeriod) * time.Second,
			MaxOutputBytes: cfg.Execution.MaxOutputBytes,
			Logger:         logger,
		}),
		Store:     devicestate.NewFileStore(cfg.State.Path),
		Facts:     hostinfo.NewCollector(10 * time.Second),
		Scheduler: agent.TimerScheduler{Jitter: time.Duration(cfg.Polling.Jitter) * time.Second},
		Retrier:   agent.NewRetrier(cfg.Server.RetryInitialMs, cfg.Server.RetryMaxMs, cfg.Server.RetryMaxRetries, logger),
		Logger:    logger,
	})

	log.Info().Str("server", cfg.Server.URL).Int("interval_s", cfg.Polling.Interval).Str("state", cfg.State.Path).Msg("Configuration loaded")

	err = runner.Run(ctx)
	switch {
	case err == nil:
		log.Info().Msg("Agent stopped")
		return 0
	case errors.Is(err, agent.ErrUninstalled):
		log.Info().Msg("Agent uninstalled; exiting")
		return 0
	default:
		log.Error().Err(err).Int64("device_id", runner.DeviceID()).Msg("Agent exiting")
		return 1
	}
}
