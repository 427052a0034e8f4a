package api

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"go.uber.org/zap"

	"sendfabric/internal/observability"
)

func SetupMiddleware(app *fiber.App, logger *zap.Logger, metrics *observability.Metrics) {
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	app.Use(requestid.New())

	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,HEAD,PUT,DELETE,PATCH,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization,X-API-Key",
	}))

	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		duration := time.Since(start)
		status := c.Response().StatusCode()

		logger.Info("http_request",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Duration("duration", duration),
			zap.String("request_id", c.Get("X-Request-ID")),
		)

		if metrics != nil {
			metrics.HTTPRequestsTotal.WithLabelValues(
				c.Method(), c.Route().Path, fmt.Sprintf("%d", status)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(
				c.Method(), c.Route().Path, fmt.Sprintf("%d", status)).Observe(duration.Seconds())
		}

		return err
	})
}
