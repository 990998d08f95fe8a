package middleware

import (
	"crypto/sha256"
	"strings"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/ManuelReschke/quotaledger/internal/pkg/usercontext"
)

// InternalAPIKeyMiddleware authenticates feature services by a shared key
// checked against its bcrypt hash. Keys that matched once are remembered by
// digest so bcrypt runs once per key, not once per request.
func InternalAPIKeyMiddleware(keyHash string) fiber.Handler {
	hash := []byte(strings.TrimSpace(keyHash))
	var verified sync.Map

	return func(c *fiber.Ctx) error {
		if len(hash) == 0 {
			log.Error("[Auth] Internal API called but INTERNAL_API_KEY_HASH is not configured")
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "unavailable", "message": "Internal API disabled"})
		}

		apiKey := extractAPIKeyFromHeader(c)
		if apiKey == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing API key"})
		}

		digest := sha256.Sum256([]byte(apiKey))
		if _, ok := verified.Load(digest); !ok {
			if err := bcrypt.CompareHashAndPassword(hash, []byte(apiKey)); err != nil {
				log.Warnf("[Auth] Invalid internal API key from %s", c.IP())
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid API key"})
			}
			verified.Store(digest, struct{}{})
		}

		c.Locals(usercontext.KeyServiceCall, true)
		return c.Next()
	}
}

func extractAPIKeyFromHeader(c *fiber.Ctx) string {
	apiKey := strings.TrimSpace(c.Get("X-API-Key"))
	if apiKey != "" {
		return apiKey
	}
	return bearerToken(c)
}
