// Package main is the agent broker's entry point: it wires the ticket
// repository, agent registry, bootstrap orchestrator, compaction monitor,
// delivery engine, and HTTP surface together and serves them from a single
// process.
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

	"github.com/DeanSCND/agentbroker/internal/agent/bootstrap"
	"github.com/DeanSCND/agentbroker/internal/agent/compaction"
	"github.com/DeanSCND/agentbroker/internal/agent/registry"
	"github.com/DeanSCND/agentbroker/internal/common/config"
	"github.com/DeanSCND/agentbroker/internal/common/database"
	"github.com/DeanSCND/agentbroker/internal/common/logger"
	"github.com/DeanSCND/agentbroker/internal/events/bus"
	"github.com/DeanSCND/agentbroker/internal/events/gateway"
	"github.com/DeanSCND/agentbroker/internal/httpapi"
	"github.com/DeanSCND/agentbroker/internal/ticket/repository"
	"github.com/DeanSCND/agentbroker/internal/ticket/repository/sqlite"
	"github.com/DeanSCND/agentbroker/internal/ticket/store"
	"github.com/DeanSCND/agentbroker/internal/ticket/waiter"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting agent broker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("connecting to NATS", zap.String("url", cfg.NATS.URL))
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
	} else {
		log.Info("using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err), zap.String("path", cfg.Database.Path))
	}
	defer db.Close()

	var repo repository.Repository
	sqliteRepo, err := sqlite.NewWithDB(db.Conn())
	if err != nil {
		log.Fatal("failed to initialize ticket repository", zap.Error(err))
	}
	repo = sqliteRepo
	defer repo.Close()

	reg := registry.NewRegistry(cfg.Registry, log)
	go reg.RunOfflineSweep(ctx, time.Duration(cfg.Registry.HeartbeatIntervalMs)*time.Millisecond)
	bootOrch := bootstrap.NewOrchestrator(repo, reg, cfg.Bootstrap, log)
	compactionMonitor := compaction.NewMonitor(repo, cfg.Compaction)

	// The CLI subprocess bridge (claude-code, codex, gemini, ...) is an
	// external capability; wire a concrete store.Executor here to enable
	// headless delivery in a given deployment.
	waiters := waiter.NewSet()
	engine := store.NewEngine(repo, reg, waiters, eventBus, nil, cfg.Delivery, log)
	engine.Start(ctx)
	defer engine.Stop()

	eventHub := gateway.NewHub(log)
	hubSub, err := eventHub.Attach(eventBus)
	if err != nil {
		log.Fatal("failed to attach event gateway to event bus", zap.Error(err))
	}
	defer hubSub.Unsubscribe()
	go eventHub.Run(ctx)

	router := httpapi.Router(httpapi.Dependencies{
		Engine:     engine,
		Registry:   reg,
		Bootstrap:  bootOrch,
		Compaction: compactionMonitor,
		Gateway:    eventHub,
		Logger:     log,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("http server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down agent broker")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}

	log.Info("agent broker stopped")
}
