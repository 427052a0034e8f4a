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
	"sendfabric/internal/observability"
	"sendfabric/internal/store"
	"sendfabric/internal/webhook"
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
	logger.Info("starting reconciler")

	shutdownOtel, err := observability.SetupOpenTelemetry("sendfabric-reconciler", logger)
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
	recipients := store.NewRecipientStore(pg, logger)
	msgIndex := store.NewMessageIndexStore(pg, logger)
	eventStore := store.NewEventStore(pg, logger)

	hot := hotstate.New(rdb, logger)
	eventLogger := events.NewLogger(eventStore, logger, metrics, cfg.EventBufferSize, cfg.EventFlushInterval)
	eventLogger.Start()

	reconciler := webhook.NewReconciler(cfg, logger, metrics, b, recipients, batches, msgIndex, eventStore, hot, eventLogger)

	var stopMetrics func(context.Context)
	if cfg.MetricsEnabled {
		stopMetrics = observability.ServeMetrics(":"+cfg.MetricsPort, logger)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		if err := reconciler.Run(runCtx); err != nil {
			logger.Fatal("reconciler failed", zap.Error(err))
		}
		close(done)
	}()
	logger.Info("reconciler running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	cancel()
	select {
	case <-done:
	case <-time.After(cfg.ShutdownDrain):
		logger.Warn("reconciler drain timed out")
	}

	eventLogger.Stop()
	if stopMetrics != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		stopMetrics(shutdownCtx)
		cancelShutdown()
	}
	logger.Info("reconciler stopped")
}
