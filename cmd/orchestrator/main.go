package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"sendfabric/internal/broker"
	"sendfabric/internal/config"
	"sendfabric/internal/db"
	"sendfabric/internal/events"
	"sendfabric/internal/hotstate"
	"sendfabric/internal/leader"
	"sendfabric/internal/observability"
	"sendfabric/internal/orchestrator"
	"sendfabric/internal/store"
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
	logger.Info("starting orchestrator")

	shutdownOtel, err := observability.SetupOpenTelemetry("sendfabric-orchestrator", logger)
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
	if err := pg.RunMigrations(cfg.MigrationsPath); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}

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
	sendConfigs := store.NewSendConfigStore(pg, logger)
	eventStore := store.NewEventStore(pg, logger)

	hot := hotstate.New(rdb, logger)
	eventLogger := events.NewLogger(eventStore, logger, metrics, cfg.EventBufferSize, cfg.EventFlushInterval)
	eventLogger.Start()

	elector := leader.NewElector(rdb, logger, "leader:orchestrator", cfg.LeaderLeaseTTL, cfg.LeaderRenewInterval)

	discoverer := orchestrator.NewDiscoverer(cfg, logger, batches, b, elector)
	scheduler := orchestrator.NewScheduler(cfg, logger, batches, elector)
	recovery := orchestrator.NewRecovery(cfg, logger, metrics, batches, b, eventLogger, elector)
	processor := orchestrator.NewProcessor(cfg, logger, batches, recipients, sendConfigs, b, hot, eventLogger)

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	for _, run := range []func(context.Context){
		elector.Run, discoverer.Run, scheduler.Run, recovery.Run,
	} {
		wg.Add(1)
		go func(fn func(context.Context)) {
			defer wg.Done()
			fn(runCtx)
		}(run)
	}

	if err := processor.Start(runCtx); err != nil {
		logger.Fatal("failed to start orchestration processor", zap.Error(err))
	}

	var stopMetrics func(context.Context)
	if cfg.MetricsEnabled {
		stopMetrics = observability.ServeMetrics(":"+cfg.MetricsPort, logger)
	}
	logger.Info("orchestrator running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	processor.Stop()
	cancel()
	wg.Wait()

	eventLogger.Stop()
	if stopMetrics != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		stopMetrics(shutdownCtx)
		cancelShutdown()
	}
	logger.Info("orchestrator stopped")
}
