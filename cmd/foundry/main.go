// Foundry build orchestrator server — provides the HTTP API, manages
// queue workers, and drives agent build pipelines.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/forgeworks/foundry/pkg/api"
	"github.com/forgeworks/foundry/pkg/artifacts"
	"github.com/forgeworks/foundry/pkg/config"
	"github.com/forgeworks/foundry/pkg/events"
	"github.com/forgeworks/foundry/pkg/pipeline"
	"github.com/forgeworks/foundry/pkg/queue"
	"github.com/forgeworks/foundry/pkg/registry"
	"github.com/forgeworks/foundry/pkg/services"
	"github.com/forgeworks/foundry/pkg/store"
	"github.com/forgeworks/foundry/pkg/store/postgres"
	"github.com/forgeworks/foundry/pkg/subagent"
	"github.com/forgeworks/foundry/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

// buildStore selects the configured store backend.
func buildStore(ctx context.Context, cfg *config.StoreConfig) (store.Store, func(), error) {
	switch cfg.Backend {
	case "memory":
		return store.NewMemoryStore(), func() {}, nil
	case "postgres":
		client, err := postgres.NewClient(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		closeFn := func() {
			if err := client.Close(); err != nil {
				slog.Error("Error closing database client", "error", err)
			}
		}
		return postgres.NewStore(client), closeFn, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func main() {
	configPath := flag.String("config",
		getEnv("FOUNDRY_CONFIG", "./config.yaml"),
		"Path to configuration file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, continuing with existing environment")
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	podID := resolvePodID()

	slog.Info("Starting foundry",
		"version", version.Full(),
		"http_port", httpPort,
		"pod_id", podID,
		"config", *configPath)

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	st, closeStore, err := buildStore(ctx, cfg.Store)
	if err != nil {
		slog.Error("Failed to initialize store", "backend", cfg.Store.Backend, "error", err)
		os.Exit(1)
	}
	defer closeStore()
	slog.Info("Store initialized", "backend", cfg.Store.Backend)

	writer, err := artifacts.NewWriter(cfg.Pipeline.WorkspaceRoot)
	if err != nil {
		slog.Error("Failed to initialize workspace", "root", cfg.Pipeline.WorkspaceRoot, "error", err)
		os.Exit(1)
	}
	// Uncommitted writes from a crashed run are garbage by definition.
	if err := writer.CleanScratch(); err != nil {
		slog.Warn("Failed to clean scratch area", "error", err)
	}

	// Requeue builds this pod was running when it previously died.
	if err := queue.RecoverStartupOrphans(ctx, st, podID); err != nil {
		slog.Error("Failed to recover startup orphans", "error", err)
		// Non-fatal — the periodic scan catches them too
	}

	bus := events.NewBus()
	reg := registry.Default()
	q := queue.New(st, cfg.Queue)

	executor := pipeline.NewStageExecutor(st, writer, reg, subagent.Scripted(), cfg.Pipeline, bus)
	driver := pipeline.NewDriver(st, writer, reg, executor, cfg.Pipeline, bus)

	poolCtx, poolCancel := context.WithCancel(ctx)
	defer poolCancel()
	workerPool := queue.NewWorkerPool(podID, st, q, cfg.Queue, driver)
	if err := workerPool.Start(poolCtx); err != nil {
		slog.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	projectService := services.NewProjectService(st, q, reg, writer, cfg.Pipeline, bus)
	projectService.SetCanceller(workerPool)
	dashboardService := services.NewDashboardService(st, writer)
	slog.Info("Services initialized")

	server := api.NewServer(projectService, dashboardService, workerPool, bus)
	httpServer := &http.Server{
		Addr:              ":" + httpPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Foundry started successfully",
		"pod_id", podID,
		"workers", cfg.Queue.WorkerCount)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// Graceful shutdown: workers finish their current stage, then hand
	// unfinished builds back to the queue.
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Queue.GracefulShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		workerPool.Stop()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Worker pool stopped gracefully")
	case <-shutdownCtx.Done():
		// Grace period over: cancel in-flight stages so builds revert to
		// their last committed stage and hand their tasks back.
		slog.Warn("Shutdown timeout exceeded, cancelling in-flight builds")
		poolCancel()
		<-done
	}

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
