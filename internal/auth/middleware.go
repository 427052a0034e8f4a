package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"sendfabric/internal/store"
)

const (
	localUserID  = "auth_user_id"
	localTestKey = "auth_test_key"
)

// Middleware authenticates requests by bearer API key: hash the presented
// token, look the hash up, reject expired or unknown keys.
func Middleware(keys *store.APIKeyStore, logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := bearerToken(c)
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing api key"})
		}

		key, err := keys.GetByHash(c.Context(), HashKey(token))
		if err == store.ErrNotFound {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid api key"})
		}
		if err != nil {
			logger.Error("api key lookup failed", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
		}

		c.Locals(localUserID, key.UserID)
		c.Locals(localTestKey, key.IsTestKey())
		return c.Next()
	}
}

func bearerToken(c *fiber.Ctx) string {
	header := c.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return c.Get("X-API-Key")
}

// UserID returns the authenticated tenant for the request.
func UserID(c *fiber.Ctx) (uuid.UUID, bool) {
	id, ok := c.Locals(localUserID).(uuid.UUID)
	return id, ok
}

// IsTestRequest reports whether the request authenticated with a test key.
func IsTestRequest(c *fiber.Ctx) bool {
	test, _ := c.Locals(localTestKey).(bool)
	return test
}
