package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"challenge-engine/clock"
	"challenge-engine/logging"
	"challenge-engine/metrics"
	"challenge-engine/models"
	"challenge-engine/repository"

	"github.com/rs/zerolog"
)

const (
	TokenTTL        = 15 * time.Minute
	tokenClockSkew  = time.Minute
	checkInPagePath = "/checkin"
)

// IssuedToken is what a client receives to render as a scannable code.
type IssuedToken struct {
	Token            string    `json:"token"`
	CheckInURL       string    `json:"check_in_url"`
	ExpiresAt        time.Time `json:"expires_at"`
	ExpiresInSeconds int       `json:"expires_in_seconds"`
}

// RequestOrigin describes where an issue request came from. Protocol and
// Host build the check-in URL when no base URL is configured.
type RequestOrigin struct {
	Protocol string
	Host     string
}

// CheckInService mints check-in tokens and turns presented tokens into
// check-ins. Every nonce is persisted, so a token is single use across
// instances and restarts.
type CheckInService struct {
	challenges *ChallengeService
	nonces     NonceStore
	signer     *TokenSigner
	clock      clock.Clock
	baseURL    string
	log        zerolog.Logger
}

func NewCheckInService(challenges *ChallengeService, nonces NonceStore, signer *TokenSigner, clk clock.Clock, baseURL string) *CheckInService {
	return &CheckInService{
		challenges: challenges,
		nonces:     nonces,
		signer:     signer,
		clock:      clk,
		baseURL:    strings.TrimRight(baseURL, "/"),
		log:        logging.WithComponent("checkin"),
	}
}

// IssueToken mints a token for a scheduled challenge.
func (s *CheckInService) IssueToken(ctx context.Context, challengeID string, actor Actor, origin RequestOrigin) (*IssuedToken, error) {
	ch, err := s.challenges.Get(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && !ch.HasParticipant(actor.UserID) {
		return nil, models.ErrNotParticipant
	}
	if ch.Status != models.ChallengeStatusScheduled {
		return nil, fmt.Errorf("%w (status %s)", models.ErrChallengeNotScheduled, ch.Status)
	}

	now := s.clock.Now()
	tok, err := s.signer.Mint(ch.ID, now)
	if err != nil {
		return nil, err
	}
	expiresAt := tok.IssuedTime().Add(TokenTTL)
	if err := s.nonces.Create(ctx, &models.CheckInNonce{
		Nonce:           tok.Nonce,
		ChallengeID:     ch.ID,
		IssuedAt:        tok.IssuedTime(),
		ExpiresAt:       expiresAt,
		IssuedIP:        actor.IP,
		IssuedUserAgent: actor.UserAgent,
	}); err != nil {
		return nil, err
	}

	encoded := tok.Encode()
	s.log.Debug().Str("challenge_id", ch.ID).Str("issued_to", actor.UserID).Msg("check-in token issued")
	return &IssuedToken{
		Token:            encoded,
		CheckInURL:       s.checkInURL(origin, encoded),
		ExpiresAt:        expiresAt,
		ExpiresInSeconds: int(TokenTTL / time.Second),
	}, nil
}

func (s *CheckInService) checkInURL(origin RequestOrigin, token string) string {
	base := s.baseURL
	if base == "" {
		proto := origin.Protocol
		if proto == "" {
			proto = "https"
		}
		base = proto + "://" + origin.Host
	}
	return base + checkInPagePath + "?token=" + url.QueryEscape(token)
}

// SubmitToken validates a presented token and checks the caller in. The
// nonce is only claimed once everything else checks out, so a rejected
// presentation never burns a participant's token.
func (s *CheckInService) SubmitToken(ctx context.Context, encoded string, actor Actor) (*CheckInResult, error) {
	res, err := s.submitToken(ctx, encoded, actor)
	if err != nil {
		metrics.TokenRejectionsTotal.WithLabelValues(rejectionReason(err)).Inc()
		s.log.Info().Err(err).Str("user_id", actor.UserID).Str("ip", actor.IP).Msg("check-in token rejected")
	}
	return res, err
}

func (s *CheckInService) submitToken(ctx context.Context, encoded string, actor Actor) (*CheckInResult, error) {
	tok, err := ParseToken(encoded)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	issued := tok.IssuedTime()
	if now.Sub(issued) > TokenTTL || issued.Sub(now) > tokenClockSkew {
		return nil, models.ErrTokenExpired
	}

	stored, err := s.nonces.Get(ctx, tok.Nonce)
	if err != nil {
		return nil, err
	}
	switch {
	case stored.UsedAt != nil:
		return nil, models.ErrTokenAlreadyUsed
	case !now.Before(stored.ExpiresAt):
		return nil, models.ErrTokenExpired
	case stored.ChallengeID != tok.ChallengeID:
		return nil, models.ErrTokenInvalid
	}

	if !s.signer.Verify(tok) {
		return nil, models.ErrTokenInvalid
	}

	ch, err := s.challenges.Get(ctx, tok.ChallengeID)
	if err != nil {
		return nil, err
	}
	if !ch.HasParticipant(actor.UserID) {
		return nil, models.ErrNotParticipant
	}
	if ch.Status != models.ChallengeStatusScheduled {
		return nil, fmt.Errorf("%w (status %s)", models.ErrChallengeNotScheduled, ch.Status)
	}

	claimed, err := s.nonces.Claim(ctx, tok.Nonce, tok.ChallengeID, repository.NonceUse{
		IP:        actor.IP,
		UserAgent: actor.UserAgent,
		UserID:    actor.UserID,
	}, now)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, models.ErrTokenAlreadyUsed
	}

	return s.challenges.RecordCheckIn(ctx, ch, actor.UserID, models.CheckInMethodToken, CheckInMeta{
		IP:        actor.IP,
		UserAgent: actor.UserAgent,
	})
}

// ManualCheckIn checks a participant in without a token. Operators may check
// in either participant; anyone else only themselves.
func (s *CheckInService) ManualCheckIn(ctx context.Context, challengeID, participantID string, actor Actor) (*CheckInResult, error) {
	if participantID == "" {
		participantID = actor.UserID
	}
	if participantID != actor.UserID && !actor.IsAdmin() {
		return nil, fmt.Errorf("%w: only an operator can check in another player", models.ErrForbidden)
	}

	ch, err := s.challenges.Get(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	res, err := s.challenges.RecordCheckIn(ctx, ch, participantID, models.CheckInMethodManual, CheckInMeta{
		IP:          actor.IP,
		UserAgent:   actor.UserAgent,
		PerformedBy: actor.UserID,
	})
	if err != nil {
		return nil, err
	}

	s.log.Warn().
		Str("challenge_id", challengeID).
		Str("participant_id", participantID).
		Str("performed_by", actor.UserID).
		Str("ip", actor.IP).
		Msg("manual check-in recorded without token")
	return res, nil
}

// SweepNonces deletes nonces that expired more than retention ago.
func (s *CheckInService) SweepNonces(ctx context.Context, retention time.Duration) (int64, error) {
	return s.nonces.DeleteExpired(ctx, s.clock.Now().Add(-retention))
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, models.ErrTokenMalformed):
		return "malformed"
	case errors.Is(err, models.ErrTokenExpired):
		return "expired"
	case errors.Is(err, models.ErrTokenUnknown):
		return "unknown"
	case errors.Is(err, models.ErrTokenAlreadyUsed):
		return "already_used"
	case errors.Is(err, models.ErrTokenInvalid):
		return "invalid_signature"
	case errors.Is(err, models.ErrNotParticipant):
		return "not_participant"
	case errors.Is(err, models.ErrChallengeNotScheduled):
		return "not_scheduled"
	case errors.Is(err, models.ErrAlreadyCheckedIn):
		return "already_checked_in"
	}
	return "error"
}
