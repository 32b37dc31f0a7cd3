package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"challenge-engine/events"
	"challenge-engine/models"
	"challenge-engine/payments"
	"challenge-engine/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noShowFor schedules a challenge where only A turns up (at T+2) and moves the
// clock to T+31.
func noShowFor(t *testing.T, h *harness) *models.Challenge {
	t.Helper()
	ch := h.schedule(t)
	h.clock.Set(startAt.Add(2 * time.Minute))
	h.checkIn(t, ch, actorA)
	h.clock.Set(startAt.Add(31 * time.Minute))
	return ch
}

func TestFeeService_NoShow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ch := noShowFor(t, h)

	res, err := h.fees.EvaluateAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Evaluated)
	assert.Equal(t, 1, res.Assessed)
	assert.Equal(t, 1, res.Charged)

	fees := h.feesFor(t, ch.ID)
	require.Len(t, fees, 1)
	fee := fees[0]
	assert.Equal(t, playerB, fee.ParticipantID)
	assert.Equal(t, models.FeeKindNoShow, fee.Kind)
	assert.Equal(t, int64(1000), fee.AmountCents)
	assert.Equal(t, models.FeeStatusCharged, fee.Status)
	assert.Equal(t, "pi_1", fee.ChargeRef)
	assert.Equal(t, models.ChallengeStatusScheduled, h.challenge(t, ch.ID).Status)

	reqs := h.proc.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, models.FeeIdempotencyKey(ch.ID, playerB, models.FeeKindNoShow), reqs[0].IdempotencyKey)
	assert.Equal(t, "cus_b", reqs[0].CustomerRef)
	assert.Equal(t, "pm_b", reqs[0].PaymentMethodID)
	assert.Equal(t, fee.ID, reqs[0].Metadata["fee_id"])

	assert.Len(t, h.pub.OfType(events.FeeAssessed), 1)
	assert.Len(t, h.pub.OfType(events.FeeCharged), 1)
}

func TestFeeService_NoShowNotYetDue(t *testing.T) {
	h := newHarness(t)
	ch := h.schedule(t)
	h.clock.Set(startAt.Add(30 * time.Minute))

	_, err := h.fees.EvaluateChallenge(context.Background(), ch.ID)
	require.NoError(t, err)
	assert.Empty(t, h.feesFor(t, ch.ID))
}

func TestFeeService_EvaluationIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ch := noShowFor(t, h)

	_, err := h.fees.EvaluateAll(ctx)
	require.NoError(t, err)
	h.clock.Advance(30 * time.Minute)
	res, err := h.fees.EvaluateAll(ctx)
	require.NoError(t, err)

	assert.Zero(t, res.Assessed)
	assert.Zero(t, res.Charged)
	assert.Equal(t, 1, res.Skipped)
	assert.Len(t, h.feesFor(t, ch.ID), 1)
	assert.Equal(t, 1, h.proc.Charges())
	assert.Equal(t, 1, h.proc.CreateCalls())
}

func TestFeeService_ConcurrentEvaluationsChargeOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ch := noShowFor(t, h)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.fees.EvaluateChallenge(ctx, ch.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	fees := h.feesFor(t, ch.ID)
	require.Len(t, fees, 1)
	assert.Equal(t, models.FeeStatusCharged, fees[0].Status)
	assert.Equal(t, 1, h.proc.Charges())
	assert.Len(t, h.pub.OfType(events.FeeAssessed), 1)
}

func TestFeeService_LateArrival(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name    string
		arrival time.Duration
		late    bool
	}{
		{"on time", 5 * time.Minute, false},
		{"inside grace", 20 * time.Minute, false},
		{"late", 25 * time.Minute, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			ch := h.schedule(t)
			h.clock.Set(startAt.Add(time.Minute))
			h.checkIn(t, ch, actorB)
			h.clock.Set(startAt.Add(tc.arrival))
			h.checkIn(t, ch, actorA)
			h.clock.Set(startAt.Add(40 * time.Minute))

			_, err := h.fees.EvaluateChallenge(ctx, ch.ID)
			require.NoError(t, err)

			fees := h.feesFor(t, ch.ID)
			if !tc.late {
				assert.Empty(t, fees)
				return
			}
			require.Len(t, fees, 1)
			assert.Equal(t, models.FeeKindLate, fees[0].Kind)
			assert.Equal(t, playerA, fees[0].ParticipantID)
			assert.Equal(t, int64(500), fees[0].AmountCents)
			assert.Equal(t, models.FeeStatusCharged, fees[0].Status)
		})
	}
}

func TestFeeService_PolicyToggles(t *testing.T) {
	h := newHarness(t)
	p := models.DefaultPolicy()
	p.NoShowFeeEnabled = false
	h.setPolicy(t, p)
	ch := noShowFor(t, h)

	_, err := h.fees.EvaluateChallenge(context.Background(), ch.ID)
	require.NoError(t, err)
	assert.Empty(t, h.feesFor(t, ch.ID))
}

func TestFeeService_TerminalChallengesAreNotEvaluated(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ch := h.schedule(t)
	_, err := h.challenges.Cancel(ctx, admin, ch.ID, "")
	require.NoError(t, err)
	h.clock.Set(startAt.Add(time.Hour))

	res, err := h.fees.EvaluateChallenge(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)

	all, err := h.fees.EvaluateAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, all.Evaluated)
	assert.Empty(t, h.feesFor(t, ch.ID))
}

func TestFeeService_MissingPaymentMethod(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.proc.SetDefaultMethod("cus_b", "")
	ch := noShowFor(t, h)

	res, err := h.fees.EvaluateAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pending)
	assert.Zero(t, h.proc.Charges())

	fee := h.feesFor(t, ch.ID)[0]
	assert.Equal(t, models.FeeStatusPending, fee.Status)
	assert.Contains(t, fee.LastError, "no default payment method")

	h.proc.SetDefaultMethod("cus_b", "pm_new")
	sum, err := h.fees.RetryPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Considered)
	assert.Equal(t, 1, sum.Charged)

	fee = h.feesFor(t, ch.ID)[0]
	assert.Equal(t, models.FeeStatusCharged, fee.Status)
	reqs := h.proc.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, models.FeeRetryIdempotencyKey(fee.ID, "pm_new", 2), reqs[0].IdempotencyKey)
}

func TestFeeService_DeclinedThenConfirmed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.proc.SetOutcome(payments.ChargeRequiresPaymentMethod, errors.New("card_declined"))
	ch := noShowFor(t, h)

	_, err := h.fees.EvaluateAll(ctx)
	require.NoError(t, err)
	fee := h.feesFor(t, ch.ID)[0]
	assert.Equal(t, models.FeeStatusFailed, fee.Status)
	assert.Equal(t, "pi_1", fee.ChargeRef)
	assert.Len(t, h.pub.OfType(events.FeeFailed), 1)

	sum, err := h.fees.RetryPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Charged)
	assert.Equal(t, 1, h.proc.Confirms())
	assert.Equal(t, 1, h.proc.Charges())

	fee = h.feesFor(t, ch.ID)[0]
	assert.Equal(t, models.FeeStatusCharged, fee.Status)
	assert.Equal(t, 2, fee.Attempts)
}

func TestFeeService_CanceledChargeIsReplaced(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.proc.SetOutcome(payments.ChargeCanceled, nil)
	ch := noShowFor(t, h)

	_, err := h.fees.EvaluateAll(ctx)
	require.NoError(t, err)
	fee := h.feesFor(t, ch.ID)[0]
	assert.Equal(t, models.FeeStatusFailed, fee.Status)

	h.proc.SetOutcome(payments.ChargeSucceeded, nil)
	_, err = h.fees.RetryPending(ctx)
	require.NoError(t, err)

	fee = h.feesFor(t, ch.ID)[0]
	assert.Equal(t, models.FeeStatusCharged, fee.Status)
	assert.Equal(t, "pi_2", fee.ChargeRef)
	assert.Equal(t, 2, h.proc.Charges())
}

// flakyProcessor makes the next CreateCharge fail after the fact. With lose
// set the charge is still made at the processor and only the answer is lost;
// otherwise the processor refuses without creating anything.
type flakyProcessor struct {
	*testutil.FakeProcessor

	mu   sync.Mutex
	next error
	lose bool
}

func (p *flakyProcessor) failNext(err error, lose bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next, p.lose = err, lose
}

func (p *flakyProcessor) CreateCharge(ctx context.Context, req payments.ChargeRequest) (*payments.Charge, error) {
	p.mu.Lock()
	err, lose := p.next, p.lose
	p.next = nil
	p.mu.Unlock()

	if err == nil {
		return p.FakeProcessor.CreateCharge(ctx, req)
	}
	if lose {
		_, _ = p.FakeProcessor.CreateCharge(ctx, req)
	}
	return nil, err
}

func TestFeeService_LostResponseIsReplayedNotRecharged(t *testing.T) {
	ctx := context.Background()
	var flaky *flakyProcessor
	h := newHarnessWith(t, func(fp *testutil.FakeProcessor) payments.Processor {
		flaky = &flakyProcessor{FakeProcessor: fp}
		return flaky
	})
	ch := noShowFor(t, h)
	flaky.failNext(errors.New("context deadline exceeded"), true)

	_, err := h.fees.EvaluateAll(ctx)
	require.NoError(t, err)
	fee := h.feesFor(t, ch.ID)[0]
	require.Equal(t, models.FeeStatusFailed, fee.Status)
	assert.Empty(t, fee.ChargeRef)
	assert.Equal(t, 1, h.proc.Charges())

	// a second evaluation must not start a fresh charge either
	_, err = h.fees.EvaluateAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h.proc.CreateCalls())

	sum, err := h.fees.RetryPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Charged)

	fee = h.feesFor(t, ch.ID)[0]
	assert.Equal(t, models.FeeStatusCharged, fee.Status)
	assert.Equal(t, "pi_1", fee.ChargeRef)
	assert.Equal(t, 1, h.proc.Charges())
	assert.Equal(t, 2, h.proc.CreateCalls())
	reqs := h.proc.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, models.FeeIdempotencyKey(ch.ID, playerB, models.FeeKindNoShow), reqs[0].IdempotencyKey)
}

func TestFeeService_RejectedRequestGetsFreshKey(t *testing.T) {
	ctx := context.Background()
	var flaky *flakyProcessor
	h := newHarnessWith(t, func(fp *testutil.FakeProcessor) payments.Processor {
		flaky = &flakyProcessor{FakeProcessor: fp}
		return flaky
	})
	ch := noShowFor(t, h)
	flaky.failNext(fmt.Errorf("%w: invalid customer", payments.ErrRejected), false)

	_, err := h.fees.EvaluateAll(ctx)
	require.NoError(t, err)
	fee := h.feesFor(t, ch.ID)[0]
	require.Equal(t, models.FeeStatusFailed, fee.Status)
	assert.Zero(t, h.proc.Charges())

	_, err = h.fees.RetryPending(ctx)
	require.NoError(t, err)

	fee = h.feesFor(t, ch.ID)[0]
	assert.Equal(t, models.FeeStatusCharged, fee.Status)
	reqs := h.proc.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, models.FeeRetryIdempotencyKey(fee.ID, "pm_b", 2), reqs[0].IdempotencyKey)
}

func TestFeeService_ActionRequired(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.proc.SetOutcome(payments.ChargeRequiresAction, fmt.Errorf("%w: authenticate card", payments.ErrActionRequired))
	ch := noShowFor(t, h)

	_, err := h.fees.EvaluateAll(ctx)
	require.NoError(t, err)
	fee := h.feesFor(t, ch.ID)[0]
	assert.Equal(t, models.FeeStatusPending, fee.Status)
	assert.Equal(t, "pi_1", fee.ChargeRef)

	// a second evaluation leaves it to the retry pass
	_, err = h.fees.EvaluateAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h.proc.CreateCalls())

	_, err = h.fees.RetryPending(ctx)
	require.NoError(t, err)
	fee = h.feesFor(t, ch.ID)[0]
	assert.Equal(t, models.FeeStatusCharged, fee.Status)
	assert.Equal(t, 1, h.proc.Confirms())
}

func TestFeeService_ProcessingSettlesOnRetry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.proc.SetOutcome(payments.ChargeProcessing, nil)
	ch := noShowFor(t, h)

	_, err := h.fees.EvaluateAll(ctx)
	require.NoError(t, err)
	fee := h.feesFor(t, ch.ID)[0]
	require.Equal(t, models.FeeStatusPending, fee.Status)

	_, err = h.fees.RetryPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.FeeStatusPending, h.feesFor(t, ch.ID)[0].Status)

	h.proc.SetChargeStatus(fee.ChargeRef, payments.ChargeSucceeded)
	_, err = h.fees.RetryPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.FeeStatusCharged, h.feesFor(t, ch.ID)[0].Status)
	assert.Equal(t, 1, h.proc.Charges())
}

func TestFeeService_RetryLookback(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.proc.SetDefaultMethod("cus_b", "")
	ch := noShowFor(t, h)
	_, err := h.fees.EvaluateAll(ctx)
	require.NoError(t, err)

	h.clock.Advance(8 * 24 * time.Hour)
	h.proc.SetDefaultMethod("cus_b", "pm_b")
	sum, err := h.fees.RetryPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Considered)
	assert.Equal(t, models.FeeStatusPending, h.feesFor(t, ch.ID)[0].Status)
}

func TestFeeService_Waive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.proc.SetDefaultMethod("cus_b", "")
	ch := noShowFor(t, h)
	_, err := h.fees.EvaluateAll(ctx)
	require.NoError(t, err)
	fee := h.feesFor(t, ch.ID)[0]

	_, err = h.fees.Waive(ctx, actorA, fee.ID, "goodwill")
	assert.ErrorIs(t, err, models.ErrForbidden)

	_, err = h.fees.Waive(ctx, admin, fee.ID, "  ")
	assert.ErrorIs(t, err, models.ErrInvalidRequest)

	_, err = h.fees.Waive(ctx, admin, "missing", "goodwill")
	assert.ErrorIs(t, err, models.ErrFeeNotFound)

	waived, err := h.fees.Waive(ctx, admin, fee.ID, "flat tyre, verified")
	require.NoError(t, err)
	assert.Equal(t, models.FeeStatusWaived, waived.Status)
	assert.Equal(t, admin.UserID, waived.WaivedBy)
	assert.Len(t, h.pub.OfType(events.FeeWaived), 1)

	_, err = h.fees.Waive(ctx, admin, fee.ID, "again")
	assert.ErrorIs(t, err, models.ErrFeeNotWaivable)

	// waived fees are never charged afterwards
	h.proc.SetDefaultMethod("cus_b", "pm_b")
	_, err = h.fees.EvaluateAll(ctx)
	require.NoError(t, err)
	_, err = h.fees.RetryPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, h.proc.Charges())
	assert.Equal(t, models.FeeStatusWaived, h.feesFor(t, ch.ID)[0].Status)
}

func TestFeeService_ChargedFeeCannotBeWaived(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ch := noShowFor(t, h)
	_, err := h.fees.EvaluateAll(ctx)
	require.NoError(t, err)

	_, err = h.fees.Waive(ctx, admin, h.feesFor(t, ch.ID)[0].ID, "refund request")
	assert.ErrorIs(t, err, models.ErrFeeNotWaivable)
}

func TestFeeService_PolicyFallsBackToDefault(t *testing.T) {
	h := newHarness(t)
	p, err := h.fees.PolicyFor(context.Background(), "unknown-venue")
	require.NoError(t, err)
	assert.Equal(t, "unknown-venue", p.VenueID)
	assert.Equal(t, 30, p.NoShowThresholdMinutes)
}

func TestFeeService_ListFeesIsLimitedToParticipants(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ch := noShowFor(t, h)
	_, err := h.fees.EvaluateAll(ctx)
	require.NoError(t, err)

	for _, actor := range []Actor{actorA, actorB, admin} {
		list, err := h.fees.ListFees(ctx, actor, ch.ID)
		require.NoError(t, err, actor.UserID)
		assert.Len(t, list, 1)
	}

	_, err = h.fees.ListFees(ctx, Actor{UserID: "stranger"}, ch.ID)
	assert.ErrorIs(t, err, models.ErrForbidden)

	_, err = h.fees.ListFees(ctx, admin, "missing")
	assert.ErrorIs(t, err, models.ErrChallengeNotFound)
}
