package services

import (
	"context"
	"testing"
	"time"

	"challenge-engine/clock"
	"challenge-engine/models"
	"challenge-engine/payments"
	"challenge-engine/repository"
	"challenge-engine/testutil"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	playerA = "player-a"
	playerB = "player-b"
	venue   = "venue-1"
)

var (
	testSecret = []byte("0123456789abcdef0123456789abcdef")
	startAt    = time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)
	admin      = Actor{UserID: "op-1", Roles: []string{RoleAdmin}}
	actorA     = Actor{UserID: playerA, IP: "10.0.0.1", UserAgent: "test"}
	actorB     = Actor{UserID: playerB, IP: "10.0.0.2", UserAgent: "test"}
)

type harness struct {
	db         *gorm.DB
	clock      *clock.Manual
	proc       *testutil.FakeProcessor
	pub        *testutil.RecordingPublisher
	feeRepo    *repository.FeeRepository
	checkInRep *repository.CheckInRepository
	nonces     *repository.NonceStore
	policies   *repository.PolicyStore
	signer     *TokenSigner
	challenges *ChallengeService
	checkIns   *CheckInService
	fees       *FeeService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, nil)
}

// newHarnessWith lets a test put a wrapper between the fee engine and the
// fake processor.
func newHarnessWith(t *testing.T, wrap func(*testutil.FakeProcessor) payments.Processor) *harness {
	t.Helper()
	db := testutil.NewTestDB(t)
	h := &harness{
		db:         db,
		clock:      clock.NewManual(startAt.Add(-time.Hour)),
		proc:       testutil.NewFakeProcessor(),
		pub:        &testutil.RecordingPublisher{},
		feeRepo:    repository.NewFeeRepository(db),
		checkInRep: repository.NewCheckInRepository(db),
		nonces:     repository.NewNonceStore(db),
		policies:   repository.NewPolicyStore(db),
		signer:     NewTokenSigner(testSecret),
	}
	var proc payments.Processor = h.proc
	if wrap != nil {
		proc = wrap(h.proc)
	}
	challengeRepo := repository.NewChallengeRepository(db)
	h.fees = NewFeeService(challengeRepo, h.checkInRep, h.feeRepo, h.policies, repository.NewPlayerDirectory(db),
		proc, h.pub, h.clock, FeeServiceConfig{DefaultPolicy: models.DefaultPolicy()})
	h.challenges = NewChallengeService(challengeRepo, h.checkInRep, h.fees, h.pub, h.clock)
	h.checkIns = NewCheckInService(h.challenges, h.nonces, h.signer, h.clock, "https://play.example.com")

	testutil.SeedPlayer(t, db, playerA, "cus_a")
	testutil.SeedPlayer(t, db, playerB, "cus_b")
	h.proc.SetDefaultMethod("cus_a", "pm_a")
	h.proc.SetDefaultMethod("cus_b", "pm_b")
	return h
}

// schedule creates a challenge between A and B at startAt.
func (h *harness) schedule(t *testing.T) *models.Challenge {
	t.Helper()
	ch, err := h.challenges.Schedule(context.Background(), actorA, ScheduleRequest{
		ChallengerID: playerA,
		OpponentID:   playerB,
		VenueID:      venue,
		ScheduledAt:  startAt,
	})
	require.NoError(t, err)
	return ch
}

func (h *harness) challenge(t *testing.T, id string) *models.Challenge {
	t.Helper()
	ch, err := h.challenges.Get(context.Background(), id)
	require.NoError(t, err)
	return ch
}

func (h *harness) feesFor(t *testing.T, challengeID string) []models.Fee {
	t.Helper()
	list, err := h.feeRepo.ListByChallenge(context.Background(), challengeID)
	require.NoError(t, err)
	return list
}

func (h *harness) checkIn(t *testing.T, ch *models.Challenge, actor Actor) *CheckInResult {
	t.Helper()
	res, err := h.checkIns.ManualCheckIn(context.Background(), ch.ID, "", actor)
	require.NoError(t, err)
	return res
}

func (h *harness) setPolicy(t *testing.T, p models.Policy) {
	t.Helper()
	p.VenueID = venue
	require.NoError(t, h.policies.Upsert(context.Background(), &p))
}
