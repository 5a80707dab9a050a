// Forge orchestrator server — runs the connector generation pipeline and
// serves the REST/SSE control plane.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/connectorforge/forge/pkg/agent"
	"github.com/connectorforge/forge/pkg/api"
	"github.com/connectorforge/forge/pkg/checkpoint"
	"github.com/connectorforge/forge/pkg/config"
	"github.com/connectorforge/forge/pkg/events"
	"github.com/connectorforge/forge/pkg/pipeline"
	"github.com/connectorforge/forge/pkg/runner"
	"github.com/connectorforge/forge/pkg/version"
)

const shutdownTimeout = 30 * time.Second

func main() {
	envPath := flag.String("env-file", ".env", "Path to .env file")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envPath, "error", err)
	}

	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting forge",
		"version", version.Full(),
		"addr", cfg.Addr(),
		"checkpointer", cfg.Checkpointer.Type)

	ctx := context.Background()

	// 2. Checkpoint store
	store, err := checkpoint.Open(ctx, cfg.Checkpointer)
	if err != nil {
		slog.Error("Failed to open checkpoint store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("Error closing checkpoint store", "error", err)
		}
	}()

	// 3. Agent session client and per-run suite factory
	sessionClient := agent.NewHTTPSessionClient(cfg.SessionServiceURL)
	agentFactory := func(threadSuffix string) pipeline.Agents {
		return agent.NewSuite(sessionClient, agent.SuiteConfig{
			WorkRoot:     cfg.WorkRoot,
			ThreadSuffix: threadSuffix,
			Phases:       cfg.Phases,
			RepoOwner:    cfg.RepoOwner,
			RepoName:     cfg.RepoName,
			RepoToken:    cfg.RepoToken(),
		}, nil)
	}

	// 4. Runner and event broadcaster
	broadcaster := events.NewBroadcaster(nil)
	runs := runner.New(store, agentFactory, broadcaster, runner.Config{
		Limits:                 cfg.Limits,
		MaxConcurrentPipelines: cfg.MaxConcurrentPipelines,
		PipelineTimeout:        cfg.PipelineTimeout,
		RunRetention:           cfg.RunRetention,
	}, nil)

	// 5. HTTP server. The diagram endpoint renders a pipeline compiled
	// against the same store; its agents are never invoked.
	diagramApp, err := pipeline.New(agentFactory("diagram"), nil).Build(store)
	if err != nil {
		slog.Error("Failed to compile pipeline graph", "error", err)
		os.Exit(1)
	}

	healthInfo := api.HealthInfo{
		CheckpointerType: cfg.Checkpointer.Type,
		Limits:           cfg.Limits,
	}
	switch cfg.Checkpointer.Type {
	case checkpoint.TypeSQLite:
		healthInfo.CheckpointerPath = cfg.Checkpointer.SQLitePath
	case checkpoint.TypePostgres:
		healthInfo.CheckpointerPath = cfg.Checkpointer.PostgresURL
	}

	server := api.NewServer(runs, store, broadcaster, diagramApp, healthInfo, nil)
	httpServer := &http.Server{
		Addr:    cfg.Addr(),
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.Addr())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// 6. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 7. Graceful shutdown: stop accepting requests, cancel active runs,
	// then close the store (deferred above).
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	if err := runs.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Shutdown timeout exceeded — interrupted runs can be resumed from their last checkpoint", "error", err)
	}

	slog.Info("Shutdown complete")
}
