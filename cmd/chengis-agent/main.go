// Chengis build agent — registers with the master, receives build
// assignments over HTTP, executes them locally, and reports results
// back through the master's agent API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/chengis/chengis/pkg/agentd"
	"github.com/chengis/chengis/pkg/artifacts"
	"github.com/chengis/chengis/pkg/config"
	"github.com/chengis/chengis/pkg/events"
	"github.com/chengis/chengis/pkg/executor"
	"github.com/chengis/chengis/pkg/models"
	"github.com/chengis/chengis/pkg/runner"
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
	var (
		masterURL = flag.String("master", getEnv("CHENGIS_MASTER_URL", "http://localhost:8080"),
			"Base URL of the Chengis master")
		name = flag.String("name", getEnv("CHENGIS_AGENT_NAME", ""),
			"Agent name (defaults to hostname)")
		listenAddr = flag.String("listen", getEnv("CHENGIS_AGENT_LISTEN", ":8090"),
			"Address the agent serves assignments on")
		advertiseURL = flag.String("url", getEnv("CHENGIS_AGENT_URL", ""),
			"URL the master reaches this agent at (defaults to http://<hostname><listen>)")
		labels = flag.String("labels", getEnv("CHENGIS_AGENT_LABELS", ""),
			"Comma-separated capability labels")
		maxBuilds = flag.Int("max-builds", 2, "Concurrent build limit")
		workDir   = flag.String("work-dir", getEnv("CHENGIS_AGENT_WORKDIR", ""),
			"Workspace root (defaults to the system temp directory)")
	)
	flag.Parse()

	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded environment from .env")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	hostname, _ := os.Hostname()
	if *name == "" {
		*name = hostname
	}
	if *advertiseURL == "" {
		*advertiseURL = "http://" + hostname + *listenAddr
	}

	logger.Info("Starting Chengis agent",
		"version", version.Version, "name", *name, "master", *masterURL)

	token := os.Getenv("CHENGIS_AUTH_TOKEN")
	client := agentd.NewMasterClient(*masterURL, token, 3)

	registerCtx, cancelRegister := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelRegister()
	agent, err := client.Register(registerCtx, &models.Agent{
		Name:      *name,
		URL:       *advertiseURL,
		Labels:    splitLabels(*labels),
		MaxBuilds: *maxBuilds,
		SystemInfo: map[string]string{
			"hostname": hostname,
			"version":  version.Version,
		},
	})
	if err != nil {
		logger.Error("Registration with master failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Registered with master", "agent_id", agent.ID)

	remote := agentd.NewRemoteStore(client, agent.ID)
	bus := events.NewBus(events.DefaultBufferSize)
	recorder := events.NewRecorder(remote, bus)

	wsCfg := config.DefaultWorkspaceConfig()
	if *workDir != "" {
		wsCfg.Root = *workDir
	}

	run := runner.New(runner.Options{
		Store:         remote,
		Executors:     executor.NewRegistry(),
		Workspaces:    workspace.NewManager(wsCfg, logger),
		Artifacts:     artifacts.NewManager(nil, remote, logger),
		Recorder:      recorder,
		Logger:        logger,
		MaxConcurrent: *maxBuilds,
	})

	daemon := agentd.NewDaemon(agentd.Options{
		AgentID:   agent.ID,
		MaxBuilds: *maxBuilds,
		Client:    client,
		Store:     remote,
		Runner:    run,
		AuthToken: token,
		Logger:    logger,
	})
	daemon.Start(context.Background())
	defer daemon.Stop()

	httpServer := &http.Server{Addr: *listenAddr, Handler: daemon.Router()}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Agent listening", "addr", *listenAddr)
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	logger.Info("Shutdown complete")
}

func splitLabels(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
