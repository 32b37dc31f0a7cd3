// handlers/challenge.go
package handlers

import (
	"time"

	"challenge-engine/middleware"
	"challenge-engine/services"

	"github.com/gofiber/fiber/v2"
)

func SetupChallengeRoutes(secured fiber.Router, challenges *services.ChallengeService, checkIns *services.CheckInService, fees *services.FeeService) {
	secured.Post("/challenges", func(c *fiber.Ctx) error {
		var req services.ScheduleRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
		ch, err := challenges.Schedule(c.UserContext(), middleware.Actor(c), req)
		if err != nil {
			return respondError(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(ch)
	})

	secured.Get("/challenges/:id", func(c *fiber.Ctx) error {
		ch, err := challenges.Get(c.UserContext(), c.Params("id"))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(ch)
	})

	secured.Post("/challenges/:id/checkin-token", func(c *fiber.Ctx) error {
		tok, err := checkIns.IssueToken(c.UserContext(), c.Params("id"), middleware.Actor(c), services.RequestOrigin{
			Protocol: c.Protocol(),
			Host:     c.Hostname(),
		})
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(tok)
	})

	secured.Post("/checkin", func(c *fiber.Ctx) error {
		var body struct {
			Token string `json:"token"`
		}
		if err := c.BodyParser(&body); err != nil || body.Token == "" {
			return badRequest(c, "token is required")
		}
		res, err := checkIns.SubmitToken(c.UserContext(), body.Token, middleware.Actor(c))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(checkInResponse(res))
	})

	secured.Post("/challenges/:id/checkin/manual", func(c *fiber.Ctx) error {
		var body struct {
			ParticipantID string `json:"participant_id"`
		}
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&body); err != nil {
				return badRequest(c, "invalid request body")
			}
		}
		res, err := checkIns.ManualCheckIn(c.UserContext(), c.Params("id"), body.ParticipantID, middleware.Actor(c))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(checkInResponse(res))
	})

	secured.Get("/challenges/:id/checkin-status", func(c *fiber.Ctx) error {
		st, err := challenges.CheckInStatus(c.UserContext(), c.Params("id"))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(st)
	})

	secured.Post("/challenges/:id/cancel", func(c *fiber.Ctx) error {
		var body struct {
			Reason string `json:"reason"`
		}
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&body); err != nil {
				return badRequest(c, "invalid request body")
			}
		}
		ch, err := challenges.Cancel(c.UserContext(), middleware.Actor(c), c.Params("id"), body.Reason)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(ch)
	})

	secured.Post("/challenges/:id/complete", func(c *fiber.Ctx) error {
		var body struct {
			WinnerID *string `json:"winner_id"`
		}
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&body); err != nil {
				return badRequest(c, "invalid request body")
			}
		}
		ch, err := challenges.Complete(c.UserContext(), middleware.Actor(c), c.Params("id"), body.WinnerID)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(ch)
	})

	secured.Get("/challenges/:id/fees", func(c *fiber.Ctx) error {
		list, err := fees.ListFees(c.UserContext(), middleware.Actor(c), c.Params("id"))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"fees": list})
	})
}

type checkInResponseBody struct {
	Success       bool      `json:"success"`
	ChallengeID   string    `json:"challenge_id"`
	ParticipantID string    `json:"participant_id"`
	CheckedInAt   time.Time `json:"checked_in_at"`
	Status        string    `json:"status"`
	BothCheckedIn bool      `json:"both_checked_in"`
	Message       string    `json:"message"`
}

func checkInResponse(res *services.CheckInResult) checkInResponseBody {
	msg := "Checked in. Waiting for your opponent."
	if res.BothCheckedIn {
		msg = "Both players are checked in. The challenge has started."
	}
	return checkInResponseBody{
		Success:       true,
		ChallengeID:   res.CheckIn.ChallengeID,
		ParticipantID: res.CheckIn.ParticipantID,
		CheckedInAt:   res.CheckIn.CheckedInAt,
		Status:        string(res.Challenge.Status),
		BothCheckedIn: res.BothCheckedIn,
		Message:       msg,
	}
}
