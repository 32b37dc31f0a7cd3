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
	"challenge-engine/payments"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EvaluationResult summarises one or more challenge evaluations.
type EvaluationResult struct {
	Evaluated int `json:"evaluated"`
	Assessed  int `json:"assessed"`
	Charged   int `json:"charged"`
	Pending   int `json:"pending"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

func (r *EvaluationResult) add(o EvaluationResult) {
	r.Evaluated += o.Evaluated
	r.Assessed += o.Assessed
	r.Charged += o.Charged
	r.Pending += o.Pending
	r.Failed += o.Failed
	r.Skipped += o.Skipped
	r.Errors += o.Errors
}

func (r *EvaluationResult) count(f *models.Fee) {
	switch f.Status {
	case models.FeeStatusCharged:
		r.Charged++
	case models.FeeStatusFailed:
		r.Failed++
	case models.FeeStatusPending:
		r.Pending++
	}
}

// RetrySummary summarises a retry pass.
type RetrySummary struct {
	Considered int `json:"considered"`
	Charged    int `json:"charged"`
	Pending    int `json:"pending"`
	Failed     int `json:"failed"`
	Errors     int `json:"errors"`
}

// FeeService decides which penalties are owed and collects them exactly once.
type FeeService struct {
	challenges ChallengeStore
	checkins   CheckInStore
	fees       FeeStore
	policies   PolicyStore
	players    PlayerDirectory
	processor  payments.Processor
	publisher  Publisher
	clock      clock.Clock

	defaultPolicy models.Policy
	retryLookback time.Duration
	evalLookback  time.Duration
	log           zerolog.Logger
}

// FeeServiceConfig holds the tunables of the fee engine.
type FeeServiceConfig struct {
	DefaultPolicy models.Policy
	// RetryLookback bounds how old a pending or failed fee may be and still be retried.
	RetryLookback time.Duration
	// EvaluationLookback bounds how far back in-flight challenges are evaluated.
	EvaluationLookback time.Duration
}

func NewFeeService(
	challenges ChallengeStore,
	checkins CheckInStore,
	fees FeeStore,
	policies PolicyStore,
	players PlayerDirectory,
	processor payments.Processor,
	publisher Publisher,
	clk clock.Clock,
	cfg FeeServiceConfig,
) *FeeService {
	if cfg.RetryLookback <= 0 {
		cfg.RetryLookback = 7 * 24 * time.Hour
	}
	if cfg.EvaluationLookback <= 0 {
		cfg.EvaluationLookback = cfg.RetryLookback
	}
	if cfg.DefaultPolicy.Currency == "" {
		cfg.DefaultPolicy = models.DefaultPolicy()
	}
	return &FeeService{
		challenges:    challenges,
		checkins:      checkins,
		fees:          fees,
		policies:      policies,
		players:       players,
		processor:     processor,
		publisher:     publisher,
		clock:         clk,
		defaultPolicy: cfg.DefaultPolicy,
		retryLookback: cfg.RetryLookback,
		evalLookback:  cfg.EvaluationLookback,
		log:           logging.WithComponent("fees"),
	}
}

// PolicyFor resolves a venue's policy, falling back to the system default.
func (s *FeeService) PolicyFor(ctx context.Context, venueID string) (models.Policy, error) {
	p, err := s.policies.GetPolicy(ctx, venueID)
	if err != nil {
		return models.Policy{}, err
	}
	if p == nil {
		def := s.defaultPolicy
		def.VenueID = venueID
		return def, nil
	}
	return *p, nil
}

// EvaluateAll evaluates every in-flight challenge. A failing challenge is
// logged and counted; it never stops the batch.
func (s *FeeService) EvaluateAll(ctx context.Context) (EvaluationResult, error) {
	now := s.clock.Now()
	var total EvaluationResult

	challenges, err := s.challenges.ListInFlight(ctx, now.Add(-s.evalLookback), now)
	if err != nil {
		return total, err
	}

	for i := range challenges {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		res, err := s.evaluate(ctx, &challenges[i], now)
		total.add(res)
		if err != nil {
			total.Errors++
			s.log.Error().Err(err).Str("challenge_id", challenges[i].ID).Msg("fee evaluation failed")
		}
	}

	s.log.Info().
		Int("evaluated", total.Evaluated).
		Int("assessed", total.Assessed).
		Int("charged", total.Charged).
		Int("errors", total.Errors).
		Msg("fee evaluation pass finished")
	return total, nil
}

// EvaluateChallenge evaluates one challenge on demand.
func (s *FeeService) EvaluateChallenge(ctx context.Context, challengeID string) (EvaluationResult, error) {
	ch, err := s.challenges.Get(ctx, challengeID)
	if err != nil {
		return EvaluationResult{}, err
	}
	if ch.Status != models.ChallengeStatusScheduled && ch.Status != models.ChallengeStatusInProgress {
		return EvaluationResult{Skipped: 1}, nil
	}
	return s.evaluate(ctx, ch, s.clock.Now())
}

func (s *FeeService) evaluate(ctx context.Context, ch *models.Challenge, now time.Time) (EvaluationResult, error) {
	res := EvaluationResult{Evaluated: 1}
	if !now.After(ch.ScheduledAt) {
		return res, nil
	}

	policy, err := s.PolicyFor(ctx, ch.VenueID)
	if err != nil {
		return res, err
	}
	checkIns, err := s.checkins.ListByChallenge(ctx, ch.ID)
	if err != nil {
		return res, err
	}
	prior, err := s.fees.ListByChallenge(ctx, ch.ID)
	if err != nil {
		return res, err
	}

	arrived := make(map[string]models.CheckIn, len(checkIns))
	for _, ci := range checkIns {
		arrived[ci.ParticipantID] = ci
	}
	settled := make(map[string]bool, len(prior))
	for _, f := range prior {
		if f.Status.Settled() {
			settled[f.ParticipantID+"/"+string(f.Kind)] = true
		}
	}

	var errs []error
	for _, participant := range ch.Participants() {
		kind, owed := owedFee(policy, ch.ScheduledAt, now, arrived, participant)
		if !owed {
			continue
		}
		if settled[participant+"/"+string(kind)] {
			res.Skipped++
			continue
		}
		amount, _ := policy.AmountFor(kind)
		fee, created, err := s.assess(ctx, ch, participant, kind, amount, policy.Currency)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if created {
			res.Assessed++
		}
		if fee.Status.Settled() {
			res.Skipped++
			continue
		}
		// Fees that already reached the processor belong to the retry pass.
		if fee.Status != models.FeeStatusPending || fee.ChargeRef != "" || fee.IdempotencyKey != "" {
			res.count(fee)
			continue
		}
		fee, err = s.collect(ctx, fee, func(string) string {
			return models.FeeIdempotencyKey(fee.ChallengeID, fee.ParticipantID, fee.Kind)
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		res.count(fee)
	}
	return res, errors.Join(errs...)
}

// owedFee applies the no-show and late rules for one participant.
func owedFee(p models.Policy, scheduledAt, now time.Time, arrived map[string]models.CheckIn, participant string) (models.FeeKind, bool) {
	ci, ok := arrived[participant]
	if !ok {
		if p.NoShowFeeEnabled && now.Sub(scheduledAt) > p.NoShowCutoff() {
			return models.FeeKindNoShow, true
		}
		return "", false
	}
	if p.LateFeeEnabled && ci.CheckedInAt.Sub(scheduledAt) > p.LateCutoff() {
		return models.FeeKindLate, true
	}
	return "", false
}

// assess finds or creates the fee row for the triple.
func (s *FeeService) assess(ctx context.Context, ch *models.Challenge, participantID string, kind models.FeeKind, amount int64, currency string) (*models.Fee, bool, error) {
	fee, created, err := s.fees.FindOrCreate(ctx, &models.Fee{
		ID:            uuid.NewString(),
		ChallengeID:   ch.ID,
		ParticipantID: participantID,
		Kind:          kind,
		AmountCents:   amount,
		Currency:      currency,
		Status:        models.FeeStatusPending,
		AssessedAt:    s.clock.Now(),
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		s.log.Info().Str("challenge_id", ch.ID).Str("participant_id", participantID).
			Str("kind", string(kind)).Int64("amount_cents", amount).Msg("fee assessed")
		s.publish(events.FeeAssessed, fee)
	}
	return fee, created, nil
}

// AssessCancellation charges the cancelling participant when the policy
// enables cancellation fees and the cancellation falls inside the notice
// window. It returns nil when no fee is owed.
func (s *FeeService) AssessCancellation(ctx context.Context, ch *models.Challenge, participantID string, cancelledAt time.Time) (*models.Fee, error) {
	if !ch.HasParticipant(participantID) {
		return nil, nil
	}
	policy, err := s.PolicyFor(ctx, ch.VenueID)
	if err != nil {
		return nil, err
	}
	if _, enabled := policy.AmountFor(models.FeeKindCancellation); !enabled ||
		ch.ScheduledAt.Sub(cancelledAt) >= policy.CancellationWindow() {
		return nil, nil
	}
	return s.assessAndCollect(ctx, ch, participantID, models.FeeKindCancellation, policy)
}

// AssessLateArrival charges a late fee as soon as a check-in lands past the
// venue's late cutoff, so a challenge completed before the next evaluation
// pass still carries it. It returns nil when no fee is owed.
func (s *FeeService) AssessLateArrival(ctx context.Context, ch *models.Challenge, ci *models.CheckIn) (*models.Fee, error) {
	if !ch.HasParticipant(ci.ParticipantID) {
		return nil, nil
	}
	policy, err := s.PolicyFor(ctx, ch.VenueID)
	if err != nil {
		return nil, err
	}
	arrived := map[string]models.CheckIn{ci.ParticipantID: *ci}
	if kind, owed := owedFee(policy, ch.ScheduledAt, ci.CheckedInAt, arrived, ci.ParticipantID); !owed || kind != models.FeeKindLate {
		return nil, nil
	}
	return s.assessAndCollect(ctx, ch, ci.ParticipantID, models.FeeKindLate, policy)
}

// assessAndCollect assesses one fee and makes its first charge attempt unless
// an attempt was already made.
func (s *FeeService) assessAndCollect(ctx context.Context, ch *models.Challenge, participantID string, kind models.FeeKind, policy models.Policy) (*models.Fee, error) {
	amount, _ := policy.AmountFor(kind)
	fee, _, err := s.assess(ctx, ch, participantID, kind, amount, policy.Currency)
	if err != nil {
		return nil, err
	}
	if fee.Status != models.FeeStatusPending || fee.ChargeRef != "" || fee.IdempotencyKey != "" {
		return fee, nil
	}
	return s.collect(ctx, fee, func(string) string {
		return models.FeeIdempotencyKey(fee.ChallengeID, fee.ParticipantID, fee.Kind)
	})
}

// collect attempts to charge a pending fee. Missing payment details and
// processor failures are recorded on the fee, not returned; only storage
// errors are returned.
func (s *FeeService) collect(ctx context.Context, fee *models.Fee, keyFor func(paymentMethodID string) string) (*models.Fee, error) {
	s.beginAttempt(fee)

	method, reason := s.paymentMethod(ctx, fee.ParticipantID)
	if method == "" {
		fee.LastError = reason
		return s.record(ctx, fee, payments.ChargeRequest{}, nil, nil)
	}
	return s.charge(ctx, fee, method, keyFor(method))
}

func (s *FeeService) beginAttempt(fee *models.Fee) {
	now := s.clock.Now()
	fee.Attempts++
	fee.LastAttemptAt = &now
}

// charge sends one create-charge request for the fee under key.
func (s *FeeService) charge(ctx context.Context, fee *models.Fee, method, key string) (*models.Fee, error) {
	fee.PaymentMethodRef = method
	fee.IdempotencyKey = key
	req := payments.ChargeRequest{
		AmountCents:     fee.AmountCents,
		Currency:        fee.Currency,
		PaymentMethodID: method,
		IdempotencyKey:  fee.IdempotencyKey,
		Description:     fmt.Sprintf("%s fee for challenge %s", strings.ReplaceAll(string(fee.Kind), "_", "-"), fee.ChallengeID),
		Metadata: map[string]string{
			"fee_id":         fee.ID,
			"challenge_id":   fee.ChallengeID,
			"participant_id": fee.ParticipantID,
			"fee_kind":       string(fee.Kind),
		},
	}
	req.CustomerRef, _ = s.customerRef(ctx, fee.ParticipantID)

	charge, err := s.processor.CreateCharge(ctx, req)
	return s.record(ctx, fee, req, charge, err)
}

// record applies a processor outcome to the fee and persists it.
func (s *FeeService) record(ctx context.Context, fee *models.Fee, req payments.ChargeRequest, charge *payments.Charge, chargeErr error) (*models.Fee, error) {
	now := s.clock.Now()
	if charge != nil && charge.ID != "" {
		fee.ChargeRef = charge.ID
	}

	switch {
	case req.IdempotencyKey == "":
		// no attempt was made; LastError already says why
		fee.Status = models.FeeStatusPending
	case errors.Is(chargeErr, payments.ErrActionRequired):
		fee.Status = models.FeeStatusPending
		fee.LastError = chargeErr.Error()
	case chargeErr != nil:
		fee.Status = models.FeeStatusFailed
		fee.LastError = chargeErr.Error()
		if charge == nil && errors.Is(chargeErr, payments.ErrRejected) {
			// nothing exists at the processor under this key
			fee.IdempotencyKey = ""
		}
	case charge == nil:
		fee.Status = models.FeeStatusFailed
		fee.LastError = "processor returned no charge"
	case charge.Status == payments.ChargeSucceeded:
		fee.Status = models.FeeStatusCharged
		fee.ChargedAt = &now
		fee.LastError = ""
	case charge.Status == payments.ChargeProcessing, charge.Status == payments.ChargeRequiresAction, charge.Status == payments.ChargeRequiresConfirmation:
		fee.Status = models.FeeStatusPending
		fee.LastError = "charge " + string(charge.Status)
	default:
		fee.Status = models.FeeStatusFailed
		fee.LastError = "charge " + string(charge.Status)
	}

	saved, err := s.fees.Save(ctx, fee, models.FeeStatusPending)
	if err != nil {
		return fee, err
	}
	if !saved {
		// another worker settled or waived it first; report the stored state
		return s.fees.Get(ctx, fee.ID)
	}

	if req.IdempotencyKey == "" {
		return fee, nil
	}
	metrics.FeeOutcomesTotal.WithLabelValues(string(fee.Kind), string(fee.Status)).Inc()
	logEvt := s.log.Info()
	if fee.Status == models.FeeStatusFailed {
		logEvt = s.log.Warn()
	}
	logEvt.Str("fee_id", fee.ID).Str("challenge_id", fee.ChallengeID).Str("kind", string(fee.Kind)).
		Str("status", string(fee.Status)).Str("charge_ref", fee.ChargeRef).Str("last_error", fee.LastError).
		Msg("fee charge attempt recorded")

	switch fee.Status {
	case models.FeeStatusCharged:
		s.publish(events.FeeCharged, fee)
	case models.FeeStatusFailed:
		s.publish(events.FeeFailed, fee)
	}
	return fee, nil
}

// paymentMethod returns the participant's default payment method, or "" and
// the reason none could be used.
func (s *FeeService) paymentMethod(ctx context.Context, participantID string) (string, string) {
	customer, err := s.customerRef(ctx, participantID)
	if err != nil {
		return "", err.Error()
	}
	method, err := s.processor.DefaultPaymentMethod(ctx, customer)
	if err != nil {
		s.log.Warn().Err(err).Str("participant_id", participantID).Msg("payment method lookup failed")
		return "", "payment method lookup failed: " + err.Error()
	}
	if method == "" {
		return "", "no default payment method on file"
	}
	return method, ""
}

func (s *FeeService) customerRef(ctx context.Context, participantID string) (string, error) {
	player, err := s.players.GetParticipant(ctx, participantID)
	if err != nil {
		return "", fmt.Errorf("resolve participant %s: %w", participantID, err)
	}
	if player.PaymentCustomerRef == "" {
		return "", errors.New("participant has no payment customer")
	}
	return player.PaymentCustomerRef, nil
}

// RetryPending re-attempts pending and failed fees inside the lookback window.
func (s *FeeService) RetryPending(ctx context.Context) (RetrySummary, error) {
	var sum RetrySummary
	fees, err := s.fees.ListRetryable(ctx, s.clock.Now().Add(-s.retryLookback))
	if err != nil {
		return sum, err
	}

	for i := range fees {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		sum.Considered++
		fee, err := s.RetryFee(ctx, &fees[i])
		if err != nil {
			sum.Errors++
			s.log.Error().Err(err).Str("fee_id", fees[i].ID).Msg("fee retry failed")
			continue
		}
		switch fee.Status {
		case models.FeeStatusCharged:
			sum.Charged++
		case models.FeeStatusPending:
			sum.Pending++
		case models.FeeStatusFailed:
			sum.Failed++
		}
	}

	s.log.Info().Int("considered", sum.Considered).Int("charged", sum.Charged).
		Int("errors", sum.Errors).Msg("fee retry pass finished")
	return sum, nil
}

// RetryFee makes one more collection attempt for a pending or failed fee,
// reusing its existing charge when the processor still considers it actionable.
func (s *FeeService) RetryFee(ctx context.Context, fee *models.Fee) (*models.Fee, error) {
	if fee.Status == models.FeeStatusFailed {
		fee.Status = models.FeeStatusPending
		ok, err := s.fees.Save(ctx, fee, models.FeeStatusFailed)
		if err != nil {
			return fee, err
		}
		if !ok {
			return s.fees.Get(ctx, fee.ID)
		}
	}
	if fee.Status != models.FeeStatusPending {
		return fee, nil
	}

	if fee.ChargeRef != "" {
		charge, err := s.processor.RetrieveCharge(ctx, fee.ChargeRef)
		if err != nil {
			s.log.Warn().Err(err).Str("fee_id", fee.ID).Str("charge_ref", fee.ChargeRef).Msg("could not retrieve previous charge")
			fee.LastError = err.Error()
			return s.record(ctx, fee, payments.ChargeRequest{}, nil, nil)
		}
		switch {
		case charge.Status == payments.ChargeSucceeded, charge.Status == payments.ChargeProcessing:
			return s.record(ctx, fee, payments.ChargeRequest{IdempotencyKey: fee.IdempotencyKey}, charge, nil)
		case charge.Status.Actionable():
			s.beginAttempt(fee)
			method, reason := s.paymentMethod(ctx, fee.ParticipantID)
			if method == "" {
				fee.LastError = reason
				return s.record(ctx, fee, payments.ChargeRequest{}, nil, nil)
			}
			fee.PaymentMethodRef = method
			fee.IdempotencyKey = models.FeeRetryIdempotencyKey(fee.ID, method, fee.Attempts) + ":confirm"
			confirmed, err := s.processor.ConfirmCharge(ctx, fee.ChargeRef, method, fee.IdempotencyKey)
			return s.record(ctx, fee, payments.ChargeRequest{IdempotencyKey: fee.IdempotencyKey}, confirmed, err)
		}
		// canceled or failed charges cannot be revived; start a new one
		fee.ChargeRef = ""
		fee.IdempotencyKey = ""
	}

	if fee.IdempotencyKey != "" && fee.PaymentMethodRef != "" {
		// The last request got no answer, so the processor may already hold a
		// charge under its key. Replaying the same request collapses onto it.
		s.beginAttempt(fee)
		return s.charge(ctx, fee, fee.PaymentMethodRef, fee.IdempotencyKey)
	}

	return s.collect(ctx, fee, func(method string) string {
		return models.FeeRetryIdempotencyKey(fee.ID, method, fee.Attempts)
	})
}

// ListFees returns every fee recorded for a challenge. Only its participants
// and administrators may see them.
func (s *FeeService) ListFees(ctx context.Context, actor Actor, challengeID string) ([]models.Fee, error) {
	ch, err := s.challenges.Get(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && !ch.HasParticipant(actor.UserID) {
		return nil, fmt.Errorf("%w: only a participant or an operator can list fees", models.ErrForbidden)
	}
	return s.fees.ListByChallenge(ctx, challengeID)
}

// Waive irreversibly waives a pending fee.
func (s *FeeService) Waive(ctx context.Context, actor Actor, feeID, reason string) (*models.Fee, error) {
	if !actor.IsAdmin() {
		return nil, fmt.Errorf("%w: only administrators can waive fees", models.ErrForbidden)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: a reason is required to waive a fee", models.ErrInvalidRequest)
	}

	fee, err := s.fees.Get(ctx, feeID)
	if err != nil {
		return nil, err
	}
	if fee.Status != models.FeeStatusPending {
		return nil, fmt.Errorf("%w (fee is %s)", models.ErrFeeNotWaivable, fee.Status)
	}

	now := s.clock.Now()
	fee.Status = models.FeeStatusWaived
	fee.WaivedAt = &now
	fee.WaivedBy = actor.UserID
	fee.WaiveReason = reason

	ok, err := s.fees.Save(ctx, fee, models.FeeStatusPending)
	if err != nil {
		return nil, err
	}
	if !ok {
		current, err := s.fees.Get(ctx, feeID)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w (fee is %s)", models.ErrFeeNotWaivable, current.Status)
	}

	s.log.Info().Str("fee_id", fee.ID).Str("waived_by", actor.UserID).Str("reason", reason).Msg("fee waived")
	s.publish(events.FeeWaived, fee)
	return fee, nil
}

func (s *FeeService) publish(t events.Type, fee *models.Fee) {
	s.publisher.Publish(&events.Event{
		Type:        t,
		ChallengeID: fee.ChallengeID,
		Timestamp:   s.clock.Now(),
		Data:        *fee,
	})
}
