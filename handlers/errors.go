// handlers/errors.go
package handlers

import (
	"errors"

	"challenge-engine/logging"
	"challenge-engine/models"

	"github.com/gofiber/fiber/v2"
)

// errorStatus maps a domain error to its HTTP status. Unknown errors are 500.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, models.ErrChallengeNotFound),
		errors.Is(err, models.ErrFeeNotFound),
		errors.Is(err, models.ErrPlayerNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, models.ErrForbidden),
		errors.Is(err, models.ErrNotParticipant):
		return fiber.StatusForbidden
	case errors.Is(err, models.ErrTokenExpired):
		return fiber.StatusGone
	case errors.Is(err, models.ErrTokenAlreadyUsed),
		errors.Is(err, models.ErrAlreadyCheckedIn),
		errors.Is(err, models.ErrChallengeNotScheduled),
		errors.Is(err, models.ErrIllegalTransition),
		errors.Is(err, models.ErrFeeNotWaivable):
		return fiber.StatusConflict
	case errors.Is(err, models.ErrInvalidRequest),
		errors.Is(err, models.ErrTokenMalformed),
		errors.Is(err, models.ErrTokenUnknown),
		errors.Is(err, models.ErrTokenInvalid):
		return fiber.StatusBadRequest
	}
	return fiber.StatusInternalServerError
}

// userMessage is the text shown to the caller. Expired and reused tokens get
// distinct wording so the player knows whether to ask for a new code.
func userMessage(err error) string {
	switch {
	case errors.Is(err, models.ErrTokenExpired):
		return "This check-in code has expired. Ask for a new one."
	case errors.Is(err, models.ErrTokenAlreadyUsed):
		return "This check-in code has already been used."
	case errors.Is(err, models.ErrTokenUnknown), errors.Is(err, models.ErrTokenInvalid), errors.Is(err, models.ErrTokenMalformed):
		return "This check-in code is not valid."
	case errors.Is(err, models.ErrAlreadyCheckedIn):
		return "You are already checked in."
	}
	return err.Error()
}

func respondError(c *fiber.Ctx, err error) error {
	status := errorStatus(err)
	if status == fiber.StatusInternalServerError {
		log := logging.WithComponent("http")
		log.Error().Err(err).Str("path", c.Path()).Msg("request failed")
		return c.Status(status).JSON(fiber.Map{"error": "internal server error"})
	}
	return c.Status(status).JSON(fiber.Map{"error": userMessage(err)})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}
