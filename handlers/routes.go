// handlers/routes.go
package handlers

import (
	"context"
	"time"

	"challenge-engine/events"
	"challenge-engine/metrics"
	"challenge-engine/middleware"
	"challenge-engine/services"

	"github.com/gofiber/fiber/v2"
)

// Deps is everything the HTTP surface needs.
type Deps struct {
	Challenges   *services.ChallengeService
	CheckIns     *services.CheckInService
	Fees         *services.FeeService
	Policies     *services.PolicyService
	Scheduler    *services.FeeScheduler
	Broker       *events.Broker
	JWTSecret    []byte
	ServiceToken string
	// HealthCheck reports whether the database is reachable.
	HealthCheck func(ctx context.Context) error
}

// SetupRoutes mounts every route. Player routes live under /s/, operator
// routes under /s/admin/ behind the service token and the admin role.
func SetupRoutes(app *fiber.App, d Deps) {
	app.Get("/health", func(c *fiber.Ctx) error {
		if d.HealthCheck != nil {
			ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
			defer cancel()
			if err := d.HealthCheck(ctx); err != nil {
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unhealthy", "error": err.Error()})
			}
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", metrics.Handler())

	SetupEventRoutes(app, d.Broker, d.Challenges, d.JWTSecret)

	secured := app.Group("/s", middleware.UserContextMiddleware(d.JWTSecret))
	admin := secured.Group("/admin", middleware.GatewayAuthMiddleware(d.ServiceToken), middleware.RequireAdmin())

	SetupChallengeRoutes(secured, d.Challenges, d.CheckIns, d.Fees)
	SetupPolicyRoutes(secured, admin, d.Policies)
	SetupFeeAdminRoutes(admin, d.Fees)
	SetupSchedulerRoutes(admin, d.Scheduler)
}
