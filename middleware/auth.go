// middleware/auth.go
package middleware

import (
	"errors"
	"strings"

	"challenge-engine/logging"
	"challenge-engine/services"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

const (
	LocalUserID    = "user_id"
	LocalUserRoles = "user_roles"
)

// UserClaims is the access token issued by the account service. The subject
// is the player id.
type UserClaims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// ParseUserToken verifies an HS256 access token and returns its claims.
func ParseUserToken(secret []byte, tokenStr string) (*UserClaims, error) {
	tok, err := jwt.ParseWithClaims(tokenStr, &UserClaims{}, func(token *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	cl, ok := tok.Claims.(*UserClaims)
	if !ok || !tok.Valid {
		return nil, errors.New("bad claims")
	}
	if cl.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return cl, nil
}

// UserContextMiddleware authenticates the bearer token on /s/ routes and
// attaches the caller's id and roles to the request.
func UserContextMiddleware(secret []byte) fiber.Handler {
	log := logging.WithComponent("http")
	return func(c *fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)
		tokenStr := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if header == "" || tokenStr == header {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "missing bearer token",
			})
		}

		cl, err := ParseUserToken(secret, tokenStr)
		if err != nil {
			log.Debug().Err(err).Str("path", c.Path()).Msg("rejected access token")
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid or expired token",
			})
		}

		c.Locals(LocalUserID, cl.Subject)
		c.Locals(LocalUserRoles, cl.Roles)
		return c.Next()
	}
}

// RequireAdmin allows only callers with the admin role.
func RequireAdmin() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !Actor(c).IsAdmin() {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "admin only"})
		}
		return c.Next()
	}
}

// Actor builds the service-level caller from the request.
func Actor(c *fiber.Ctx) services.Actor {
	userID, _ := c.Locals(LocalUserID).(string)
	roles, _ := c.Locals(LocalUserRoles).([]string)
	return services.Actor{
		UserID:    userID,
		Roles:     roles,
		IP:        c.IP(),
		UserAgent: c.Get(fiber.HeaderUserAgent),
	}
}
