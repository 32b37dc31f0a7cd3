package repository

import (
	"context"
	"errors"
	"fmt"

	"challenge-engine/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type CheckInRepository struct {
	DB *gorm.DB
}

func NewCheckInRepository(db *gorm.DB) *CheckInRepository {
	return &CheckInRepository{DB: db}
}

// Insert records a check-in while the stored challenge is still scheduled.
// The challenge row is share-locked for the insert, so a concurrent status
// change waits for it and re-checks. It reports false, without error, when the
// participant already has a check-in for the challenge.
func (r *CheckInRepository) Insert(ctx context.Context, ci *models.CheckIn) (bool, error) {
	inserted := false
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ch models.Challenge
		err := tx.Clauses(clause.Locking{Strength: "SHARE"}).
			Select("id", "status").
			First(&ch, "id = ?", ci.ChallengeID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.ErrChallengeNotFound
		}
		if err != nil {
			return fmt.Errorf("lock challenge %s: %w", ci.ChallengeID, err)
		}
		if ch.Status != models.ChallengeStatusScheduled {
			return fmt.Errorf("%w (status %s)", models.ErrChallengeNotScheduled, ch.Status)
		}

		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "challenge_id"}, {Name: "participant_id"}},
			DoNothing: true,
		}).Create(ci)
		if res.Error != nil {
			return fmt.Errorf("insert check-in: %w", res.Error)
		}
		inserted = res.RowsAffected == 1
		return nil
	})
	return inserted, err
}

func (r *CheckInRepository) ListByChallenge(ctx context.Context, challengeID string) ([]models.CheckIn, error) {
	var out []models.CheckIn
	err := r.DB.WithContext(ctx).
		Where("challenge_id = ?", challengeID).
		Order("checked_in_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list check-ins for %s: %w", challengeID, err)
	}
	return out, nil
}
