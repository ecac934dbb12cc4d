// Package main is the StoryForge core service: the command dispatcher, the
// automatic-operations scheduler, the operation log pipeline, and the HTTP +
// WebSocket surfaces around them, all in one binary.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/storyforge/storyforge/internal/api"
	"github.com/storyforge/storyforge/internal/autoops"
	"github.com/storyforge/storyforge/internal/common/config"
	"github.com/storyforge/storyforge/internal/common/logger"
	"github.com/storyforge/storyforge/internal/dispatch"
	"github.com/storyforge/storyforge/internal/events"
	gateways "github.com/storyforge/storyforge/internal/gateway/websocket"
	"github.com/storyforge/storyforge/internal/metrics"
	"github.com/storyforge/storyforge/internal/operations"
	"github.com/storyforge/storyforge/internal/oplog"
	"github.com/storyforge/storyforge/internal/storystore"
	"github.com/storyforge/storyforge/internal/tracing"
	"github.com/storyforge/storyforge/internal/triggers"
	"github.com/storyforge/storyforge/internal/usage"
	"github.com/storyforge/storyforge/internal/workers"
)

func main() {
	// 1. Load configuration and keep watching it for policy hot-reload.
	watcher, err := config.NewWatcher(os.Getenv("STORYFORGE_CONFIG_PATH"), func(err error) {
		logger.Default().Warn("config reload failed, keeping previous snapshot", zap.Error(err))
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg := watcher.Snapshot()

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
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting StoryForge core...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Metrics registry (also serves /metrics).
	promRegistry := prometheus.NewRegistry()
	m := metrics.New(promRegistry)

	// 4. Event bus: NATS when configured, in-memory otherwise.
	providedBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()
	eventBus := providedBus.Bus

	// 5. Database pool shared by the oplog, usage, and story stores.
	pool, err := openPool(cfg.Database)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err), zap.String("driver", cfg.Database.Driver))
	}
	defer pool.Close()
	log.Info("database ready", zap.String("driver", cfg.Database.Driver))

	// 6. WebSocket gateway; its Notifier feeds the oplog live broadcast.
	gateway := gateways.NewGateway(log)
	go gateway.Hub.Run(ctx)

	// 7. Operation log pipeline.
	logStore, err := oplog.NewSQLStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize operation log store", zap.Error(err))
	}
	opLog := oplog.NewBuffer(cfg.CustomLogger, logStore, gateway.Notifier, eventBus, log, m)
	if err := opLog.Start(ctx); err != nil {
		log.Fatal("Failed to start operation log buffer", zap.Error(err))
	}

	// 8. Dispatcher with hot-reloadable retry policies.
	policies := dispatch.NewPolicyResolver(watcher.Snapshot)
	dispatcher := dispatch.New(dispatch.Config{
		MaxWorkers:      cfg.Dispatcher.MaxWorkers,
		ResultCacheSize: cfg.Dispatcher.ResultCacheSize,
		ShutdownGrace:   cfg.Dispatcher.ShutdownGrace(),
	}, policies, log, opLog, m)
	if err := dispatcher.Start(ctx); err != nil {
		log.Fatal("Failed to start dispatcher", zap.Error(err))
	}
	fanOutCompletions(dispatcher, eventBus, gateway, log)

	// 9. Story store (read probes + maintenance writes).
	store, err := storystore.New(pool)
	if err != nil {
		log.Fatal("Failed to initialize story store", zap.Error(err))
	}

	// 10. Usage accounting against the monthly budget.
	usageStore, err := usage.NewSQLStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize usage store", zap.Error(err))
	}
	accountant := usage.NewAccountant(usageStore, cfg.Usage.MonthlyBudgetMicroUSD, log, opLog)

	// 11. Model provider switch (catalog + docker runtime).
	switcher, providerCleanup, err := buildProviderSwitch(ctx, cfg, eventBus, log, m)
	if err != nil {
		log.Fatal("Failed to initialize model providers", zap.Error(err))
	}
	defer providerCleanup()
	mirrorProviderSwitches(eventBus, gateway, log)

	// 12. Operation registry with the built-in handlers. The model client
	// itself lives with the content services; operations that need one fail
	// semantically until it is wired in.
	registry := dispatch.NewRegistry(log)
	operations.RegisterAll(registry, operations.Deps{
		Store:       store,
		Maintenance: store,
		ModelName:   func() string { return switcher.Status().Active },
		Usage:       accountant,
		OpLog:       opLog,
		Progress:    dispatcher,
		Logger:      log,
	})
	log.Info("operations registered", zap.Int("count", len(registry.List())))

	// 13. Idle auto-operations scheduler.
	idle := autoops.New(cfg.AutomaticOperations, dispatcher, registry, store, log, opLog, m)
	if err := idle.Start(ctx); err != nil {
		log.Fatal("Failed to start idle scheduler", zap.Error(err))
	}

	// 14. Reactive triggers.
	autoFormat := triggers.NewAutoFormat(dispatcher, registry, store, log, opLog)
	if err := autoFormat.Start(eventBus); err != nil {
		log.Fatal("Failed to start auto-format trigger", zap.Error(err))
	}

	// 15. Background workers.
	embedding := workers.NewEmbeddingBackfill(cfg.Workers.Embedding, dispatcher, registry, log, opLog)
	if err := embedding.Start(ctx, eventBus); err != nil {
		log.Fatal("Failed to start embedding backfill", zap.Error(err))
	}
	episodes := workers.NewEpisodeProducer(cfg.Workers.Episodes, dispatcher, registry, store, log, opLog)
	episodes.Start(ctx)

	// 16. HTTP + WebSocket server.
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	apiHandler := api.NewHandler(dispatcher, registry, idle, switcher, accountant, logStore, log)
	router := apiHandler.Router(log, promRegistry)
	gateway.SetupRoutes(router)
	registerGatewayActions(gateway, dispatcher, idle, logStore)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	go func() {
		log.Info("server listening",
			zap.String("addr", server.Addr),
			zap.String("websocket", "/ws"),
			zap.String("api", "/api/v1"))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// 17. Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down StoryForge...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	episodes.Stop()
	embedding.Stop()
	autoFormat.Stop()
	idle.Stop()

	if err := dispatcher.Stop(shutdownCtx); err != nil {
		log.Error("dispatcher stop error", zap.Error(err))
	}
	opLog.Stop()

	if err := switcher.StopActive(shutdownCtx); err != nil {
		log.Error("failed to stop active model backend", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("tracing shutdown error", zap.Error(err))
	}

	log.Info("StoryForge stopped")
}
