package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"challenge-engine/models"

	"gorm.io/gorm"
)

type ChallengeRepository struct {
	DB *gorm.DB
}

func NewChallengeRepository(db *gorm.DB) *ChallengeRepository {
	return &ChallengeRepository{DB: db}
}

func (r *ChallengeRepository) Create(ctx context.Context, c *models.Challenge) error {
	if err := r.DB.WithContext(ctx).Create(c).Error; err != nil {
		return fmt.Errorf("create challenge: %w", err)
	}
	return nil
}

func (r *ChallengeRepository) Get(ctx context.Context, id string) (*models.Challenge, error) {
	var c models.Challenge
	if err := r.DB.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrChallengeNotFound
		}
		return nil, fmt.Errorf("get challenge %s: %w", id, err)
	}
	return &c, nil
}

// ListInFlight returns scheduled or in-progress challenges whose scheduled
// time falls in [since, until].
func (r *ChallengeRepository) ListInFlight(ctx context.Context, since, until time.Time) ([]models.Challenge, error) {
	var out []models.Challenge
	err := r.DB.WithContext(ctx).
		Where("status IN ?", []models.ChallengeStatus{models.ChallengeStatusScheduled, models.ChallengeStatusInProgress}).
		Where("scheduled_at >= ? AND scheduled_at <= ?", since, until).
		Order("scheduled_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list in-flight challenges: %w", err)
	}
	return out, nil
}

// Transition writes the whole mutable state of c, but only if the stored row
// is still in status from. It reports whether this caller won the write.
func (r *ChallengeRepository) Transition(ctx context.Context, c *models.Challenge, from models.ChallengeStatus) (bool, error) {
	if err := models.CheckTransition(from, c.Status); err != nil {
		return false, err
	}
	res := r.DB.WithContext(ctx).
		Model(&models.Challenge{}).
		Where("id = ? AND status = ?", c.ID, from).
		Updates(map[string]any{
			"status":        c.Status,
			"checked_in_at": c.CheckedInAt,
			"completed_at":  c.CompletedAt,
			"winner_id":     c.WinnerID,
			"cancelled_at":  c.CancelledAt,
			"cancelled_by":  c.CancelledBy,
			"cancel_reason": c.CancelReason,
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("transition challenge %s: %w", c.ID, res.Error)
	}
	return res.RowsAffected == 1, nil
}
