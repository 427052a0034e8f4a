package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"sendfabric/internal/broker"
	"sendfabric/internal/config"
	"sendfabric/internal/db"
	"sendfabric/internal/events"
	"sendfabric/internal/hotstate"
	"sendfabric/internal/module"
	"sendfabric/internal/observability"
	"sendfabric/internal/ratelimit"
	"sendfabric/internal/store"
	"sendfabric/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Environment, cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()
	logger.Info("starting worker")

	shutdownOtel, err := observability.SetupOpenTelemetry("sendfabric-worker", logger)
	if err != nil {
		logger.Fatal("failed to set up telemetry", zap.Error(err))
	}
	defer shutdownOtel()
	metrics := observability.NewMetrics()

	ctx := context.Background()

	pg, err := db.NewPostgres(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pg.Close()

	rdb, err := db.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	b, err := broker.Connect(cfg.NATSURL, logger)
	if err != nil {
		logger.Fatal("failed to connect to broker", zap.Error(err))
	}
	defer b.Close()
	if err := b.EnsureStreams(ctx); err != nil {
		logger.Fatal("failed to ensure streams", zap.Error(err))
	}

	batches := store.NewBatchStore(pg, logger)
	outcomes := store.NewOutcomeWriter(pg, logger)
	eventStore := store.NewEventStore(pg, logger)

	hot := hotstate.New(rdb, logger)
	limiter := ratelimit.NewLimiter(rdb, logger, metrics)
	fabric := ratelimit.NewFabric(limiter, logger)

	registry := module.NewRegistry(logger, metrics)
	emailMod, err := module.NewEmailModule(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to build email module", zap.Error(err))
	}
	registry.Register(emailMod)
	registry.Register(module.NewSMSModule(cfg, logger))
	registry.Register(module.NewWebhookModule(logger))
	registry.Register(module.NewPushModule())

	eventLogger := events.NewLogger(eventStore, logger, metrics, cfg.EventBufferSize, cfg.EventFlushInterval)
	eventLogger.Start()

	w := worker.New(cfg, logger, metrics, b, batches, outcomes, hot, fabric, registry, eventLogger)

	var stopMetrics func(context.Context)
	if cfg.MetricsEnabled {
		stopMetrics = observability.ServeMetrics(":"+cfg.MetricsPort, logger)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		w.Run(runCtx)
		close(done)
	}()
	logger.Info("worker running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	cancel()
	select {
	case <-done:
	case <-time.After(cfg.ShutdownDrain + 5*time.Second):
		logger.Warn("worker drain timed out")
	}

	// Flush after the consumers stop so every committed outcome has its
	// analytics record.
	eventLogger.Stop()
	if stopMetrics != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		stopMetrics(shutdownCtx)
		cancelShutdown()
	}
	logger.Info("worker stopped")
}
