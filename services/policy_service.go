package services

import (
	"context"
	"fmt"
	"strings"

	"challenge-engine/logging"
	"challenge-engine/models"

	"github.com/rs/zerolog"
)

// PolicyWriter is the admin side of the policy store.
type PolicyWriter interface {
	PolicyStore
	Upsert(ctx context.Context, p *models.Policy) error
}

// PolicyService serves venue policies to administrators.
type PolicyService struct {
	store PolicyWriter
	fees  *FeeService
	log   zerolog.Logger
}

func NewPolicyService(store PolicyWriter, fees *FeeService) *PolicyService {
	return &PolicyService{store: store, fees: fees, log: logging.WithComponent("policy")}
}

// Effective returns the venue's policy, or the system default if it has none.
func (s *PolicyService) Effective(ctx context.Context, venueID string) (models.Policy, error) {
	return s.fees.PolicyFor(ctx, venueID)
}

// Upsert replaces a venue's policy.
func (s *PolicyService) Upsert(ctx context.Context, actor Actor, venueID string, p models.Policy) (*models.Policy, error) {
	if !actor.IsAdmin() {
		return nil, fmt.Errorf("%w: only administrators can change venue policy", models.ErrForbidden)
	}
	venueID = strings.TrimSpace(venueID)
	if venueID == "" {
		return nil, fmt.Errorf("%w: venue id is required", models.ErrInvalidRequest)
	}
	p.VenueID = venueID
	p.Currency = strings.ToLower(strings.TrimSpace(p.Currency))
	p.UpdatedBy = actor.UserID
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.Upsert(ctx, &p); err != nil {
		return nil, err
	}
	s.log.Info().Str("venue_id", venueID).Str("updated_by", actor.UserID).Msg("venue policy updated")
	return &p, nil
}
