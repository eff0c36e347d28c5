// Package main is the entry point for the agentmux service: the agent
// execution orchestrator with its HTTP API and WebSocket endpoints.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/agent/service"
	"github.com/agentmux/agentmux/internal/agent/store"
	"github.com/agentmux/agentmux/internal/api"
	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/executor"
	"github.com/agentmux/agentmux/internal/orchestrator"
	"github.com/agentmux/agentmux/internal/queue"
	"github.com/agentmux/agentmux/internal/streaming"
	"github.com/agentmux/agentmux/internal/template"
	"github.com/agentmux/agentmux/internal/tracing"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting agentmux service...")

	// 3. Create root context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Agent store
	agentStore, closeStore, err := store.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize agent store", zap.Error(err))
	}
	defer func() { _ = closeStore() }()

	// 5. Event bus (NATS when configured, in-memory otherwise)
	provided, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer func() { _ = closeBus() }()
	eventBus := provided.Bus

	// 6. Message queue backend
	q, err := queue.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize message queue", zap.Error(err))
	}

	// 7. Template registry
	registry, err := template.NewRegistry(log)
	if err != nil {
		log.Fatal("Failed to load agent templates", zap.Error(err))
	}
	if dir := cfg.Templates.CatalogDir; dir != "" {
		if err := registry.LoadCatalogDir(dir); err != nil {
			log.Fatal("Failed to load template catalog",
				zap.String("dir", dir), zap.Error(err))
		}
	}

	// 8. Executor and orchestrator
	exec := executor.NewReference(registry, log)
	orchCfg := orchestrator.Config{
		MaxWorkers:          cfg.Orchestrator.MaxWorkers,
		CleanupInterval:     cfg.Orchestrator.CleanupIntervalDuration(),
		InstanceTimeout:     cfg.Orchestrator.InstanceTimeoutDuration(),
		MaxConcurrentAgents: cfg.Orchestrator.MaxConcurrentAgents,
		ReceiveTimeout:      cfg.Orchestrator.ReceiveTimeoutDuration(),
	}
	orch := orchestrator.New(orchCfg, q, agentStore, exec, eventBus, log)
	if err := orch.Initialize(ctx); err != nil {
		log.Fatal("Failed to start orchestrator", zap.Error(err))
	}
	log.Info("Orchestrator started", zap.Int("workers", orchCfg.MaxWorkers))

	// 9. Services and REST API
	agents := service.NewAgentService(agentStore, registry, orch, eventBus, log)
	execute := service.NewExecuteService(orch, log)
	handler := api.NewHandler(agents, execute, orch, registry, log)
	router := api.NewRouter(handler, log)

	// 10. WebSocket hub and routes
	hub := streaming.NewHub(log)
	go hub.Run(ctx, eventBus)
	wsHandler := streaming.NewWSHandler(hub, execute, log)
	streaming.SetupWebSocketRoutes(router.Group("/api/v1"), wsHandler)

	// 11. HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening",
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 12. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down agentmux service...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.Error("Orchestrator shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("agentmux service stopped")
}
