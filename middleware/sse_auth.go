// middleware/sse_auth.go
package middleware

import (
	"strings"

	"challenge-engine/logging"

	"github.com/gofiber/fiber/v2"
)

// SSEAuthMiddleware authenticates stream requests from the `token` query
// parameter, since EventSource cannot send an Authorization header.
//
// Usage:
//
//	app.Get("/events/stream", middleware.SSEAuthMiddleware(secret), streamHandler)
func SSEAuthMiddleware(secret []byte) fiber.Handler {
	log := logging.WithComponent("http")
	return func(c *fiber.Ctx) error {
		accessToken := strings.TrimSpace(c.Query("token"))
		if accessToken == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "missing token in query",
			})
		}

		cl, err := ParseUserToken(secret, accessToken)
		if err != nil {
			log.Info().Err(err).Str("path", c.Path()).Str("ip", c.IP()).Msg("stream authentication failed")
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Unauthorized",
			})
		}

		c.Locals(LocalUserID, cl.Subject)
		c.Locals(LocalUserRoles, cl.Roles)
		log.Debug().Str("user_id", cl.Subject).Str("path", c.Path()).Msg("stream authenticated")
		return c.Next()
	}
}
