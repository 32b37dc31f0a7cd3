package repository

import (
	"context"
	"errors"
	"fmt"

	"challenge-engine/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PolicyStore struct {
	DB *gorm.DB
}

func NewPolicyStore(db *gorm.DB) *PolicyStore {
	return &PolicyStore{DB: db}
}

// GetPolicy returns nil, nil when the venue has no policy of its own.
func (s *PolicyStore) GetPolicy(ctx context.Context, venueID string) (*models.Policy, error) {
	var p models.Policy
	if err := s.DB.WithContext(ctx).First(&p, "venue_id = ?", venueID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get policy for venue %s: %w", venueID, err)
	}
	return &p, nil
}

func (s *PolicyStore) Upsert(ctx context.Context, p *models.Policy) error {
	err := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "venue_id"}},
		UpdateAll: true,
	}).Create(p).Error
	if err != nil {
		return fmt.Errorf("upsert policy for venue %s: %w", p.VenueID, err)
	}
	return nil
}
