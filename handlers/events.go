// handlers/events.go
package handlers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"challenge-engine/events"
	"challenge-engine/logging"
	"challenge-engine/middleware"
	"challenge-engine/services"

	"github.com/gofiber/fiber/v2"
)

const sseKeepAlive = 15 * time.Second

func SetupEventRoutes(app *fiber.App, broker *events.Broker, challenges *services.ChallengeService, jwtSecret []byte) {
	stream := app.Group("/events", middleware.SSEAuthMiddleware(jwtSecret))

	stream.Get("/stream", middleware.RequireAdmin(), func(c *fiber.Ctx) error {
		return streamTopic(c, broker, events.GlobalTopic)
	})

	stream.Get("/challenges/:id/stream", func(c *fiber.Ctx) error {
		ch, err := challenges.Get(c.UserContext(), c.Params("id"))
		if err != nil {
			return respondError(c, err)
		}
		actor := middleware.Actor(c)
		if !actor.IsAdmin() && !ch.HasParticipant(actor.UserID) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "not a participant of this challenge"})
		}
		return streamTopic(c, broker, events.ChallengeTopic(ch.ID))
	})
}

// streamTopic relays broker events for one topic as server-sent events until
// the client goes away or the broker stops.
func streamTopic(c *fiber.Ctx, broker *events.Broker, topic string) error {
	log := logging.WithComponent("http")
	userID, _ := c.Locals(middleware.LocalUserID).(string)

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no") // nginx

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		sub := broker.Subscribe(topic)
		defer broker.Unsubscribe(sub)
		log.Debug().Str("topic", topic).Str("user_id", userID).Msg("stream opened")

		ticker := time.NewTicker(sseKeepAlive)
		defer ticker.Stop()

		w.WriteString(": connected\n\n")
		if err := w.Flush(); err != nil {
			return
		}

		for {
			select {
			case event, ok := <-sub.C:
				if !ok {
					return
				}
				if err := writeEvent(w, event); err != nil {
					log.Warn().Err(err).Str("event_type", string(event.Type)).Msg("could not encode event")
					continue
				}
				if err := w.Flush(); err != nil {
					// client disconnected
					return
				}
			case <-ticker.C:
				w.WriteString(": keep-alive\n\n")
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	})

	return nil
}

func writeEvent(w *bufio.Writer, event *events.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.ID, event.Type, payload)
	return err
}
