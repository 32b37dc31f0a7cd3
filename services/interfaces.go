package services

import (
	"context"
	"time"

	"challenge-engine/events"
	"challenge-engine/models"
	"challenge-engine/repository"
)

// ChallengeStore is the challenge half of the repository.
type ChallengeStore interface {
	Create(ctx context.Context, c *models.Challenge) error
	Get(ctx context.Context, id string) (*models.Challenge, error)
	ListInFlight(ctx context.Context, since, until time.Time) ([]models.Challenge, error)
	Transition(ctx context.Context, c *models.Challenge, from models.ChallengeStatus) (bool, error)
}

// CheckInStore records check-ins with idempotent insert.
type CheckInStore interface {
	Insert(ctx context.Context, ci *models.CheckIn) (bool, error)
	ListByChallenge(ctx context.Context, challengeID string) ([]models.CheckIn, error)
}

// FeeStore persists fees. Save is conditional on the stored status.
type FeeStore interface {
	FindOrCreate(ctx context.Context, f *models.Fee) (*models.Fee, bool, error)
	Get(ctx context.Context, id string) (*models.Fee, error)
	ListByChallenge(ctx context.Context, challengeID string) ([]models.Fee, error)
	ListRetryable(ctx context.Context, since time.Time) ([]models.Fee, error)
	Save(ctx context.Context, f *models.Fee, from ...models.FeeStatus) (bool, error)
}

// NonceStore tracks minted check-in nonces.
type NonceStore interface {
	Create(ctx context.Context, n *models.CheckInNonce) error
	Get(ctx context.Context, nonce string) (*models.CheckInNonce, error)
	Claim(ctx context.Context, nonce, challengeID string, use repository.NonceUse, now time.Time) (bool, error)
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// PolicyStore returns nil when a venue has no policy of its own.
type PolicyStore interface {
	GetPolicy(ctx context.Context, venueID string) (*models.Policy, error)
}

// PlayerDirectory resolves a participant to their payment customer.
type PlayerDirectory interface {
	GetParticipant(ctx context.Context, id string) (*models.Player, error)
}

// Publisher hands events to the broadcaster. It must not block.
type Publisher interface {
	Publish(event *events.Event)
}

// Actor is the authenticated caller of an operation.
type Actor struct {
	UserID    string
	Roles     []string
	IP        string
	UserAgent string
}

const RoleAdmin = "admin"

func (a Actor) IsAdmin() bool {
	for _, r := range a.Roles {
		if r == RoleAdmin {
			return true
		}
	}
	return false
}
