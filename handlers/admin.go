// handlers/admin.go
package handlers

import (
	"challenge-engine/middleware"
	"challenge-engine/models"
	"challenge-engine/services"

	"github.com/gofiber/fiber/v2"
)

func SetupPolicyRoutes(secured, admin fiber.Router, policies *services.PolicyService) {
	secured.Get("/venues/:id/policy", func(c *fiber.Ctx) error {
		p, err := policies.Effective(c.UserContext(), c.Params("id"))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(p)
	})

	admin.Put("/venues/:id/policy", func(c *fiber.Ctx) error {
		var p models.Policy
		if err := c.BodyParser(&p); err != nil {
			return badRequest(c, "invalid policy body")
		}
		saved, err := policies.Upsert(c.UserContext(), middleware.Actor(c), c.Params("id"), p)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(saved)
	})
}

func SetupFeeAdminRoutes(admin fiber.Router, fees *services.FeeService) {
	admin.Post("/fees/:id/waive", func(c *fiber.Ctx) error {
		var body struct {
			Reason string `json:"reason"`
		}
		if err := c.BodyParser(&body); err != nil {
			return badRequest(c, "invalid request body")
		}
		fee, err := fees.Waive(c.UserContext(), middleware.Actor(c), c.Params("id"), body.Reason)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fee)
	})
}

func SetupSchedulerRoutes(admin fiber.Router, scheduler *services.FeeScheduler) {
	sched := admin.Group("/scheduler")

	sched.Post("/run", func(c *fiber.Ctx) error {
		sum, err := scheduler.RunNow(c.UserContext())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error(), "summary": sum})
		}
		return c.JSON(sum)
	})

	sched.Post("/challenges/:id/evaluate", func(c *fiber.Ctx) error {
		res, err := scheduler.EvaluateChallenge(c.UserContext(), c.Params("id"))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(res)
	})

	sched.Post("/retry", func(c *fiber.Ctx) error {
		sum, err := scheduler.RetryNow(c.UserContext())
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(sum)
	})

	sched.Get("/status", func(c *fiber.Ctx) error {
		return c.JSON(scheduler.Status())
	})
}
