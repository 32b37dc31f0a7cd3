// middleware/gateway.go
package middleware

import (
	"crypto/subtle"
	"strings"

	"challenge-engine/logging"

	"github.com/gofiber/fiber/v2"
)

const HeaderServiceToken = "X-Service-Token"

// GatewayAuthMiddleware requires the shared service token on operator routes.
// An empty expected token disables the check.
func GatewayAuthMiddleware(expectedToken string) fiber.Handler {
	log := logging.WithComponent("http")
	return func(c *fiber.Ctx) error {
		if expectedToken == "" {
			return c.Next()
		}

		token := strings.TrimSpace(c.Get(HeaderServiceToken))
		if token == "" {
			log.Warn().Str("path", c.Path()).Str("ip", c.IP()).Msg("service token missing on admin route")
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "service authentication token missing",
			})
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(expectedToken)) != 1 {
			log.Warn().Str("path", c.Path()).Str("ip", c.IP()).Msg("invalid service token on admin route")
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid service authentication token",
			})
		}
		return c.Next()
	}
}
