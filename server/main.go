package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/deployflow/pkg/api"
	"github.com/haasonsaas/deployflow/pkg/config"
	"github.com/haasonsaas/deployflow/pkg/events"
	"github.com/haasonsaas/deployflow/pkg/logging"
	"github.com/haasonsaas/deployflow/pkg/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var (
	configPath = flag.String("config", "deployflow-server.yaml", "Config file path")
	listen     = flag.String("listen", "", "Listen address (overrides config)")
	dsn        = flag.String("db", "", "Database DSN (overrides config)")
	Version    = "dev"
)

type Server struct {
	db         *gorm.DB
	dispatcher *Dispatcher
	limiter    *RateLimiter
	hasher     TokenHasher
	adminToken string
	limits     config.RateLimitsConfig
	logger     zerolog.Logger

	tokensMu sync.Mutex
}

func newServer(db *gorm.DB, cfg *config.ServerConfig, pub events.Publisher, logger zerolog.Logger) *Server {
	hasher := NewTokenHasher([]byte(cfg.TokenSalt))
	return &Server{
		db: db,
		dispatcher: NewDispatcher(db, DispatcherOptions{
			PollInterval: time.Duration(cfg.PollInterval) * time.Second,
			Hasher:       hasher,
			Events:       pub,
			Logger:       logger,
			RowLocking:   cfg.Database.Driver == "postgres",
		}),
		limiter:    NewRateLimiter(),
		hasher:     hasher,
		adminToken: cfg.AdminToken,
		limits:     cfg.RateLimits,
		logger:     logger,
	}
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), withRequestContext(s.logger))

	v1 := r.Group(api.PathPrefix)
	v1.GET("/health", s.handleHealth)
	s.registerAgentRoutes(v1)

	admin := v1.Group("", s.requireAdmin)
	s.registerDeviceRoutes(admin)
	s.registerProfileRoutes(admin)
	s.registerEnrollmentRoutes(admin)
	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, api.HealthResponse{Status: "healthy", Version: Version})
}

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	logging.Bootstrap("DEPLOYFLOW_LOG_LEVEL")
	log.Info().Str("version", Version).Msg("DeployFlow server starting")

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load config")
		return 1
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *dsn != "" {
		cfg.Database.DSN = *dsn
	}
	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("Invalid config")
		return 1
	}
	logger := logging.Apply(cfg.Logging)
	if cfg.AdminToken == "" {
		logger.Warn().Msg("No admin token configured; operator API is unauthenticated")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Options{
		ServiceName:    "deployflow-server",
		ServiceVersion: Version,
		Tracing:        cfg.Tracing,
		Logger:         logger,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to set up tracing")
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn().Err(err).Msg("Tracing shutdown failed")
		}
	}()

	db, err := openDatabase(cfg.Database)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open database")
		return 1
	}

	var pub events.Publisher = events.Noop{}
	if cfg.Events.NATSURL != "" {
		js, err := events.Connect(ctx, cfg.Events.NATSURL, cfg.Events.Stream, logger)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to connect event stream")
			return 1
		}
		pub = js
	}
	defer func() {
		if err := pub.Close(); err != nil {
			logger.Warn().Err(err).Msg("Event publisher close failed")
		}
	}()

	srv := newServer(db, cfg, pub, logger)

	if cfg.SeedFile != "" {
		seed, err := loadSeed(cfg.SeedFile)
		if err == nil {
			err = applySeed(ctx, db, srv.hasher, seed, logger)
		}
		if err != nil {
			logger.Error().Err(err).Str("seed_file", cfg.SeedFile).Msg("Failed to apply seed")
			return 1
		}
	}

	if zerolog.GlobalLevel() > zerolog.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	sweeper := NewSweeper(db,
		time.Duration(cfg.Sweep.Interval)*time.Second,
		time.Duration(cfg.Sweep.StaleActionAfter)*time.Second,
		time.Duration(cfg.Sweep.OfflineAfter)*time.Second,
		pub, srv.limiter, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("listen", cfg.Listen).Str("driver", cfg.Database.Driver).Msg("Listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("Server exited")
		return 1
	}
	logger.Info().Msg("Server stopped")
	return 0
}
