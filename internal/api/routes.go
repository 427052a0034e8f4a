package api

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"sendfabric/internal/auth"
	"sendfabric/internal/observability"
	"sendfabric/internal/store"
	"sendfabric/internal/webhook"
)

func SetupRoutes(
	app *fiber.App,
	logger *zap.Logger,
	metrics *observability.Metrics,
	handlers *Handlers,
	ingestor *webhook.Ingestor,
	apiKeys *store.APIKeyStore,
) {
	SetupMiddleware(app, logger, metrics)

	// No auth: health probes and provider callbacks (providers authenticate
	// through their signatures instead).
	app.Get("/healthz", handlers.HealthCheck)
	app.Get("/readyz", handlers.ReadyCheck)
	ingestor.Mount(app)

	v1 := app.Group("/v1", auth.Middleware(apiKeys, logger))

	v1.Post("/batches", handlers.CreateBatch)
	v1.Get("/batches/:id", handlers.GetBatch)
	v1.Post("/batches/:id/send", handlers.SendBatch)
	v1.Post("/batches/:id/schedule", handlers.ScheduleBatch)
	v1.Post("/batches/:id/pause", handlers.PauseBatch)
	v1.Post("/batches/:id/resume", handlers.ResumeBatch)
	v1.Post("/batches/:id/cancel", handlers.CancelBatch)

	v1.Post("/send-configs", handlers.CreateSendConfig)
	v1.Get("/send-configs", handlers.ListSendConfigs)

	v1.Post("/api-keys", handlers.CreateAPIKey)
}
