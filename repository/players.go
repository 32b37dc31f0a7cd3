package repository

import (
	"context"
	"errors"
	"fmt"

	"challenge-engine/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PlayerDirectory reads the local mirror of the account directory.
type PlayerDirectory struct {
	DB *gorm.DB
}

func NewPlayerDirectory(db *gorm.DB) *PlayerDirectory {
	return &PlayerDirectory{DB: db}
}

func (d *PlayerDirectory) GetParticipant(ctx context.Context, externalUserID string) (*models.Player, error) {
	var p models.Player
	if err := d.DB.WithContext(ctx).First(&p, "external_user_id = ?", externalUserID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrPlayerNotFound
		}
		return nil, fmt.Errorf("get player %s: %w", externalUserID, err)
	}
	return &p, nil
}

// Upsert inserts or refreshes players keyed by external user id.
func (d *PlayerDirectory) Upsert(ctx context.Context, players []models.Player) error {
	if len(players) == 0 {
		return nil
	}
	err := d.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "external_user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"display_name", "email", "payment_customer_ref", "updated_at",
		}),
	}).Create(&players).Error
	if err != nil {
		return fmt.Errorf("upsert %d player(s): %w", len(players), err)
	}
	return nil
}

// Latest returns the most recently updated player, or nil for an empty mirror.
func (d *PlayerDirectory) Latest(ctx context.Context) (*models.Player, error) {
	var p models.Player
	err := d.DB.WithContext(ctx).Order("updated_at DESC").First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest player: %w", err)
	}
	return &p, nil
}
