package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"sendfabric/internal/api"
	"sendfabric/internal/auth"
	"sendfabric/internal/broker"
	"sendfabric/internal/config"
	"sendfabric/internal/db"
	"sendfabric/internal/domain"
	"sendfabric/internal/module"
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
	logger.Info("starting api")

	shutdownOtel, err := observability.SetupOpenTelemetry("sendfabric-api", logger)
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
	apiKeys := store.NewAPIKeyStore(pg, logger)
	users := store.NewUserStore(pg, logger)

	if cfg.BootstrapTenant {
		if err := bootstrapTenant(ctx, logger, users, apiKeys); err != nil {
			logger.Fatal("failed to bootstrap tenant", zap.Error(err))
		}
	}

	// The API only needs the registry for validation; modules run with no
	// provider credentials here.
	registry := module.NewRegistry(logger, metrics)
	emailMod, err := module.NewEmailModule(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to build email module", zap.Error(err))
	}
	registry.Register(emailMod)
	registry.Register(module.NewSMSModule(cfg, logger))
	registry.Register(module.NewWebhookModule(logger))
	registry.Register(module.NewPushModule())

	verifier, err := webhook.NewVerifier(cfg)
	if err != nil {
		logger.Fatal("failed to build webhook verifier", zap.Error(err))
	}
	ingestor := webhook.NewIngestor(logger, metrics, b, verifier)
	handlers := api.NewHandlers(logger, batches, recipients, sendConfigs, apiKeys, registry, b)

	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			logger.Error("unhandled request error", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
		},
	})
	api.SetupRoutes(app, logger, metrics, handlers, ingestor, apiKeys)

	var stopMetrics func(context.Context)
	if cfg.MetricsEnabled {
		stopMetrics = observability.ServeMetrics(":"+cfg.MetricsPort, logger)
	}

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()
	logger.Info("api listening", zap.String("port", cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("failed to shut down http server", zap.Error(err))
	}
	if stopMetrics != nil {
		stopMetrics(shutdownCtx)
	}
	logger.Info("api stopped")
}

// bootstrapTenant seeds a first tenant and API key on an empty install. The
// plaintext key is logged once; there is no other way to retrieve it.
func bootstrapTenant(ctx context.Context, logger *zap.Logger, users *store.UserStore, apiKeys *store.APIKeyStore) error {
	n, err := users.Count(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	user := &domain.User{ID: uuid.New(), Name: "default"}
	if err := users.Create(ctx, user); err != nil {
		return err
	}
	plaintext, key, err := auth.GenerateKey(user.ID, false, nil)
	if err != nil {
		return err
	}
	if err := apiKeys.Create(ctx, key); err != nil {
		return err
	}

	logger.Info("bootstrap tenant created",
		zap.String("user_id", user.ID.String()),
		zap.String("api_key", plaintext))
	return nil
}
