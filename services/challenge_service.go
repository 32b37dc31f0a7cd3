package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"challenge-engine/clock"
	"challenge-engine/events"
	"challenge-engine/logging"
	"challenge-engine/metrics"
	"challenge-engine/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// FeeAssessor is the slice of the fee engine the lifecycle needs.
type FeeAssessor interface {
	AssessCancellation(ctx context.Context, ch *models.Challenge, participantID string, cancelledAt time.Time) (*models.Fee, error)
	AssessLateArrival(ctx context.Context, ch *models.Challenge, ci *models.CheckIn) (*models.Fee, error)
}

type ScheduleRequest struct {
	ChallengerID string    `json:"challenger_id"`
	OpponentID   string    `json:"opponent_id"`
	VenueID      string    `json:"venue_id"`
	ScheduledAt  time.Time `json:"scheduled_at"`
}

// CheckInMeta is the request context stored with a check-in.
type CheckInMeta struct {
	IP          string
	UserAgent   string
	PerformedBy string
}

type CheckInResult struct {
	CheckIn       *models.CheckIn   `json:"check_in"`
	Challenge     *models.Challenge `json:"challenge"`
	BothCheckedIn bool              `json:"both_checked_in"`
}

type CheckInStatus struct {
	ChallengeID           string                 `json:"challenge_id"`
	Status                models.ChallengeStatus `json:"status"`
	ParticipantACheckedIn bool                   `json:"participant_a_checked_in"`
	ParticipantBCheckedIn bool                   `json:"participant_b_checked_in"`
	BothCheckedIn         bool                   `json:"both_checked_in"`
	CheckIns              []models.CheckIn       `json:"check_ins"`
}

// ChallengeService owns the challenge lifecycle. Every status change goes
// through a compare-and-set on the stored status, so concurrent writers
// cannot both apply a transition.
type ChallengeService struct {
	challenges ChallengeStore
	checkins   CheckInStore
	fees       FeeAssessor
	publisher  Publisher
	clock      clock.Clock
	log        zerolog.Logger
}

func NewChallengeService(challenges ChallengeStore, checkins CheckInStore, fees FeeAssessor, publisher Publisher, clk clock.Clock) *ChallengeService {
	return &ChallengeService{
		challenges: challenges,
		checkins:   checkins,
		fees:       fees,
		publisher:  publisher,
		clock:      clk,
		log:        logging.WithComponent("challenges"),
	}
}

// Schedule creates a new challenge in status scheduled.
func (s *ChallengeService) Schedule(ctx context.Context, actor Actor, req ScheduleRequest) (*models.Challenge, error) {
	req.ChallengerID = strings.TrimSpace(req.ChallengerID)
	req.OpponentID = strings.TrimSpace(req.OpponentID)
	req.VenueID = strings.TrimSpace(req.VenueID)

	switch {
	case req.ChallengerID == "" || req.OpponentID == "" || req.VenueID == "":
		return nil, fmt.Errorf("%w: challenger_id, opponent_id and venue_id are required", models.ErrInvalidRequest)
	case req.ChallengerID == req.OpponentID:
		return nil, fmt.Errorf("%w: a player cannot challenge themselves", models.ErrInvalidRequest)
	case req.ScheduledAt.IsZero():
		return nil, fmt.Errorf("%w: scheduled_at is required", models.ErrInvalidRequest)
	case !req.ScheduledAt.After(s.clock.Now()):
		return nil, fmt.Errorf("%w: scheduled_at must be in the future", models.ErrInvalidRequest)
	}
	if !actor.IsAdmin() && actor.UserID != req.ChallengerID && actor.UserID != req.OpponentID {
		return nil, fmt.Errorf("%w: only a participant can schedule a challenge", models.ErrForbidden)
	}

	ch := &models.Challenge{
		ID:           uuid.NewString(),
		ChallengerID: req.ChallengerID,
		OpponentID:   req.OpponentID,
		VenueID:      req.VenueID,
		ScheduledAt:  req.ScheduledAt.UTC(),
		Status:       models.ChallengeStatusScheduled,
		CreatedBy:    actor.UserID,
	}
	if err := s.challenges.Create(ctx, ch); err != nil {
		return nil, err
	}

	s.log.Info().Str("challenge_id", ch.ID).Str("venue_id", ch.VenueID).
		Time("scheduled_at", ch.ScheduledAt).Msg("challenge scheduled")
	s.publish(events.ChallengeCreated, ch, nil)
	return ch, nil
}

func (s *ChallengeService) Get(ctx context.Context, id string) (*models.Challenge, error) {
	return s.challenges.Get(ctx, id)
}

// RecordCheckIn stores a participant's check-in and, once both participants
// are present, moves the challenge to in_progress. ch may be stale: the insert
// itself only succeeds while the stored challenge is scheduled. The check-in
// set is re-read after every insert so two simultaneous check-ins cannot both
// miss the other; the status write itself is conditional, so only one caller
// performs the transition. A check-in past the late cutoff is charged at once.
func (s *ChallengeService) RecordCheckIn(ctx context.Context, ch *models.Challenge, participantID string, method models.CheckInMethod, meta CheckInMeta) (*CheckInResult, error) {
	if !ch.HasParticipant(participantID) {
		return nil, models.ErrNotParticipant
	}
	if ch.Status != models.ChallengeStatusScheduled {
		return nil, fmt.Errorf("%w (status %s)", models.ErrChallengeNotScheduled, ch.Status)
	}

	now := s.clock.Now()
	ci := &models.CheckIn{
		ID:            uuid.NewString(),
		ChallengeID:   ch.ID,
		ParticipantID: participantID,
		CheckedInAt:   now,
		Method:        method,
		IPAddress:     meta.IP,
		UserAgent:     meta.UserAgent,
		PerformedBy:   meta.PerformedBy,
	}
	inserted, err := s.checkins.Insert(ctx, ci)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, models.ErrAlreadyCheckedIn
	}
	metrics.CheckInsTotal.WithLabelValues(string(method)).Inc()

	log := logging.WithChallengeID(ch.ID).With().Str("component", "challenges").
		Str("participant_id", participantID).Str("method", string(method)).Logger()
	log.Info().Msg("participant checked in")
	s.publishData(events.ChallengeCheckedIn, ch.ID, ci)

	if s.fees != nil {
		fee, err := s.fees.AssessLateArrival(ctx, ch, ci)
		switch {
		case err != nil:
			log.Error().Err(err).Msg("late fee assessment failed")
		case fee != nil:
			log.Info().Str("fee_id", fee.ID).Str("status", string(fee.Status)).Msg("late fee applied")
		}
	}

	all, err := s.checkins.ListByChallenge(ctx, ch.ID)
	if err != nil {
		return nil, err
	}
	result := &CheckInResult{CheckIn: ci, Challenge: ch, BothCheckedIn: bothPresent(ch, all)}
	if !result.BothCheckedIn {
		return result, nil
	}

	next := *ch
	next.Status = models.ChallengeStatusInProgress
	next.CheckedInAt = &now
	won, err := s.challenges.Transition(ctx, &next, models.ChallengeStatusScheduled)
	if err != nil {
		return nil, err
	}
	if won {
		metrics.TransitionsTotal.WithLabelValues(string(models.ChallengeStatusScheduled), string(next.Status)).Inc()
		log.Info().Msg("both participants present, challenge in progress")
		s.publish(events.ChallengeStatusChanged, &next, map[string]any{"from": models.ChallengeStatusScheduled})
		result.Challenge = &next
		return result, nil
	}

	// Someone else moved it; report what is stored.
	current, err := s.challenges.Get(ctx, ch.ID)
	if err != nil {
		return nil, err
	}
	result.Challenge = current
	return result, nil
}

func bothPresent(ch *models.Challenge, checkIns []models.CheckIn) bool {
	var a, b bool
	for _, ci := range checkIns {
		switch ci.ParticipantID {
		case ch.ChallengerID:
			a = true
		case ch.OpponentID:
			b = true
		}
	}
	return a && b
}

// CheckInStatus reports who has checked in to a challenge.
func (s *ChallengeService) CheckInStatus(ctx context.Context, id string) (*CheckInStatus, error) {
	ch, err := s.challenges.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	all, err := s.checkins.ListByChallenge(ctx, id)
	if err != nil {
		return nil, err
	}
	st := &CheckInStatus{ChallengeID: ch.ID, Status: ch.Status, CheckIns: all}
	for _, ci := range all {
		switch ci.ParticipantID {
		case ch.ChallengerID:
			st.ParticipantACheckedIn = true
		case ch.OpponentID:
			st.ParticipantBCheckedIn = true
		}
	}
	st.BothCheckedIn = st.ParticipantACheckedIn && st.ParticipantBCheckedIn
	if st.CheckIns == nil {
		st.CheckIns = []models.CheckIn{}
	}
	return st, nil
}

// Cancel moves a scheduled challenge to cancelled. A participant cancelling
// inside the venue's notice window is charged a cancellation fee; fee
// problems are logged and never undo the cancellation.
func (s *ChallengeService) Cancel(ctx context.Context, actor Actor, id, reason string) (*models.Challenge, error) {
	ch, err := s.challenges.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && !ch.HasParticipant(actor.UserID) {
		return nil, fmt.Errorf("%w: only a participant or an operator can cancel", models.ErrForbidden)
	}
	if err := models.CheckTransition(ch.Status, models.ChallengeStatusCancelled); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	by := actor.UserID
	next := *ch
	next.Status = models.ChallengeStatusCancelled
	next.CancelledAt = &now
	next.CancelledBy = &by
	next.CancelReason = strings.TrimSpace(reason)

	won, err := s.challenges.Transition(ctx, &next, ch.Status)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, s.lostTransition(ctx, id, models.ChallengeStatusCancelled)
	}

	metrics.TransitionsTotal.WithLabelValues(string(ch.Status), string(next.Status)).Inc()
	s.log.Info().Str("challenge_id", id).Str("cancelled_by", by).Str("reason", next.CancelReason).Msg("challenge cancelled")
	s.publish(events.ChallengeCancelled, &next, nil)

	if ch.HasParticipant(by) && s.fees != nil {
		fee, err := s.fees.AssessCancellation(ctx, &next, by, now)
		switch {
		case err != nil:
			s.log.Error().Err(err).Str("challenge_id", id).Str("participant_id", by).Msg("cancellation fee assessment failed")
		case fee != nil:
			s.log.Info().Str("challenge_id", id).Str("fee_id", fee.ID).Str("status", string(fee.Status)).Msg("cancellation fee applied")
		}
	}
	return &next, nil
}

// Complete records the result of an in-progress challenge.
func (s *ChallengeService) Complete(ctx context.Context, actor Actor, id string, winnerID *string) (*models.Challenge, error) {
	ch, err := s.challenges.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && !ch.HasParticipant(actor.UserID) {
		return nil, fmt.Errorf("%w: only a participant or an operator can complete", models.ErrForbidden)
	}
	if winnerID != nil && *winnerID != "" && !ch.HasParticipant(*winnerID) {
		return nil, fmt.Errorf("%w: winner must be a participant", models.ErrInvalidRequest)
	}
	if err := models.CheckTransition(ch.Status, models.ChallengeStatusCompleted); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	next := *ch
	next.Status = models.ChallengeStatusCompleted
	next.CompletedAt = &now
	if winnerID != nil && *winnerID != "" {
		w := *winnerID
		next.WinnerID = &w
	}

	won, err := s.challenges.Transition(ctx, &next, ch.Status)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, s.lostTransition(ctx, id, models.ChallengeStatusCompleted)
	}

	metrics.TransitionsTotal.WithLabelValues(string(ch.Status), string(next.Status)).Inc()
	s.log.Info().Str("challenge_id", id).Msg("challenge completed")
	s.publish(events.ChallengeCompleted, &next, nil)
	return &next, nil
}

// lostTransition explains why a conditional status write matched no row.
func (s *ChallengeService) lostTransition(ctx context.Context, id string, to models.ChallengeStatus) error {
	current, err := s.challenges.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := models.CheckTransition(current.Status, to); err != nil {
		return err
	}
	return errors.New("challenge changed concurrently, retry")
}

func (s *ChallengeService) publish(t events.Type, ch *models.Challenge, extra map[string]any) {
	data := map[string]any{"challenge": *ch}
	for k, v := range extra {
		data[k] = v
	}
	s.publishData(t, ch.ID, data)
}

func (s *ChallengeService) publishData(t events.Type, challengeID string, data any) {
	s.publisher.Publish(&events.Event{
		Type:        t,
		ChallengeID: challengeID,
		Timestamp:   s.clock.Now(),
		Data:        data,
	})
}
