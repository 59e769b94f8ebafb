// Chengis master server — serves the management API and webhooks,
// dispatches queued builds to agents (or runs them in-process), fires
// cron and dependency triggers, and sweeps retention.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/chengis/chengis/pkg/api"
	"github.com/chengis/chengis/pkg/artifacts"
	"github.com/chengis/chengis/pkg/cleanup"
	"github.com/chengis/chengis/pkg/config"
	"github.com/chengis/chengis/pkg/database"
	"github.com/chengis/chengis/pkg/dispatch"
	"github.com/chengis/chengis/pkg/events"
	"github.com/chengis/chengis/pkg/executor"
	"github.com/chengis/chengis/pkg/metrics"
	"github.com/chengis/chengis/pkg/notify"
	"github.com/chengis/chengis/pkg/pipeline"
	"github.com/chengis/chengis/pkg/policy"
	"github.com/chengis/chengis/pkg/runner"
	"github.com/chengis/chengis/pkg/schedule"
	"github.com/chengis/chengis/pkg/secrets"
	"github.com/chengis/chengis/pkg/store"
	"github.com/chengis/chengis/pkg/version"
	"github.com/chengis/chengis/pkg/workspace"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	logger.Info("Starting Chengis master",
		"version", version.Version, "http_port", httpPort, "config_dir", *configDir)

	ctx := context.Background()

	cfg, err := config.Initialize(*configDir)
	if err != nil {
		logger.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		logger.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logger.Error("Error closing database client", "error", err)
		}
	}()
	logger.Info("Connected to PostgreSQL database")

	st := store.New(dbClient)

	// Event pipeline: durable log first, live fan-out second.
	bus := events.NewBus(events.DefaultBufferSize)
	recorder := events.NewRecorder(st, bus)
	stream := events.NewStreamServer(st, bus, 10*time.Second)
	m := metrics.New(bus)

	secretsSvc, err := secrets.NewService(st, cfg.Secrets)
	if err != nil {
		logger.Error("Failed to initialize secrets service", "error", err)
		os.Exit(1)
	}

	engine := policy.NewEngine(st)
	gates := policy.NewGatekeeper(st)
	formats := pipeline.NewRegistry()
	workspaces := workspace.NewManager(cfg.Workspace, logger)
	artifactsMgr := artifacts.NewManager(cfg.Artifacts, st, logger)
	notifier := notify.NewDispatcher(cfg, logger)
	scheduler := schedule.New(st, logger)

	run := runner.New(runner.Options{
		Config:        cfg.Runner,
		Store:         st,
		Executors:     executor.NewRegistry(),
		Formats:       formats,
		Templates:     st,
		Workspaces:    workspaces,
		Artifacts:     artifactsMgr,
		Secrets:       secretsSvc,
		Policies:      engine,
		Gates:         gates,
		Recorder:      recorder,
		Notifier:      notifier,
		Downstream:    scheduler,
		Metrics:       m,
		Logger:        logger,
		MaxConcurrent: cfg.Dispatcher.LocalMaxBuilds,
	})

	authToken := os.Getenv(cfg.Server.AuthTokenEnv)
	sender := dispatch.NewHTTPSender(authToken, cfg.Dispatcher.SendRetries)
	dispatcher := dispatch.New(cfg.Dispatcher, st, sender, run, recorder, m, logger)

	sweeper := cleanup.NewService(cfg.Retention, cfg.Artifacts, st, artifactsMgr, gates, m, logger)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	go dispatcher.Run(bgCtx)
	go scheduler.Run(bgCtx)
	go m.Watch(bgCtx, st, 15*time.Second)

	server := api.NewServer(api.Options{
		Config:    cfg,
		Store:     st,
		Formats:   formats,
		Gates:     gates,
		Secrets:   secretsSvc,
		Artifacts: artifactsMgr,
		Recorder:  recorder,
		Stream:    stream,
		Waker:     dispatcher,
		Canceller: dispatcher,
		Metrics:   m,
		Logger:    logger,
	})
	httpServer := &http.Server{
		Addr:    ":" + httpPort,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		logger.Error("Server error triggered shutdown", "error", err)
	}

	// Stop intake first, then let in-flight local builds drain. Builds
	// still running at the deadline are requeued by orphan recovery.
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	bgCancel()

	drainCtx, drainCancel := context.WithTimeout(ctx, cfg.Dispatcher.GracefulShutdownTimeout)
	defer drainCancel()
	drained := make(chan struct{})
	go func() {
		for run.Capacity() < cfg.Dispatcher.LocalMaxBuilds {
			time.Sleep(time.Second)
		}
		close(drained)
	}()
	select {
	case <-drained:
		logger.Info("Local builds drained")
	case <-drainCtx.Done():
		logger.Warn("Shutdown timeout exceeded, incomplete builds will be orphan-recovered")
	}

	logger.Info("Shutdown complete")
}
