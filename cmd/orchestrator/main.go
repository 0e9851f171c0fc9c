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

	"github.com/vibedev/vibedev/internal/backend"
	"github.com/vibedev/vibedev/internal/common/config"
	"github.com/vibedev/vibedev/internal/common/logger"
	"github.com/vibedev/vibedev/internal/events/bus"
	"github.com/vibedev/vibedev/internal/integrations"
	"github.com/vibedev/vibedev/internal/orchestrator"
	"github.com/vibedev/vibedev/internal/orchestrator/api"
	"github.com/vibedev/vibedev/internal/preview"
	"github.com/vibedev/vibedev/internal/process"
	"github.com/vibedev/vibedev/internal/project"
	"github.com/vibedev/vibedev/internal/relay"
	"github.com/vibedev/vibedev/internal/storage"
	"github.com/vibedev/vibedev/pkg/events"
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
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting orchestrator service...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Initialize process registry so orphans can be reaped on shutdown
	process.InitRegistry(log)

	// 4. Open storage
	store, err := storage.NewRepository(cfg.Storage)
	if err != nil {
		log.Fatal("Failed to open storage", zap.Error(err))
	}
	defer store.Close()
	log.Info("Storage ready", zap.String("driver", cfg.Storage.Driver))

	// 5. Core components
	sup := process.NewSupervisor(cfg.Supervisor, log)
	r := relay.NewRelay(cfg.Relay, log)
	machine := project.NewMachine(log)
	previews := preview.NewCoordinator(cfg.Preview, sup, r, log)

	registry := backend.NewRegistry(log)
	registry.LoadDefaults(sup)
	log.Info("Loaded backend registry", zap.Int("backends", len(registry.List())))

	// 6. Optional NATS mirror: every published event is copied onto the bus
	if cfg.NATS.Enabled {
		eventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer eventBus.Close()

		r.SetPublishHook(func(ev *events.StructuredEvent) {
			if err := eventBus.Publish(ctx, bus.ProjectSubject(ev.ProjectID), ev); err != nil {
				log.Warn("Failed to mirror event to NATS", zap.Error(err))
			}
		})
		log.Info("Connected to NATS event bus")
	}

	// 7. Orchestrator
	orch := orchestrator.New(cfg, machine, registry, r, store, previews, log)
	if err := orch.Restore(ctx); err != nil {
		log.Fatal("Failed to restore projects", zap.Error(err))
	}

	// 8. Optional integrations client
	var integ *integrations.Client
	if url := os.Getenv("VIBEDEV_INTEGRATIONS_URL"); url != "" {
		integ = integrations.NewClient(url, r, log)
		log.Info("Integrations client configured", zap.String("url", url))
	}

	// 9. HTTP server
	router := api.NewRouter(cfg.Server, orch, r, integ, log)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 10. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down orchestrator service...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	orch.Shutdown(shutdownCtx)

	// Reap anything still alive in the process table
	process.DrainRegistry(sup.GracePeriod())

	log.Info("Orchestrator service stopped")
}
