package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"challenge-engine/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type FeeRepository struct {
	DB *gorm.DB
}

func NewFeeRepository(db *gorm.DB) *FeeRepository {
	return &FeeRepository{DB: db}
}

// FindOrCreate returns the fee row for f's (challenge, participant, kind),
// inserting f as a new pending fee if none exists yet. Concurrent callers all
// end up with the same row.
func (r *FeeRepository) FindOrCreate(ctx context.Context, f *models.Fee) (*models.Fee, bool, error) {
	res := r.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "challenge_id"}, {Name: "participant_id"}, {Name: "kind"}},
		DoNothing: true,
	}).Create(f)
	if res.Error != nil {
		return nil, false, fmt.Errorf("insert fee: %w", res.Error)
	}
	created := res.RowsAffected == 1

	var stored models.Fee
	err := r.DB.WithContext(ctx).
		Where("challenge_id = ? AND participant_id = ? AND kind = ?", f.ChallengeID, f.ParticipantID, f.Kind).
		First(&stored).Error
	if err != nil {
		return nil, false, fmt.Errorf("load fee %s/%s/%s: %w", f.ChallengeID, f.ParticipantID, f.Kind, err)
	}
	return &stored, created, nil
}

func (r *FeeRepository) Get(ctx context.Context, id string) (*models.Fee, error) {
	var f models.Fee
	if err := r.DB.WithContext(ctx).First(&f, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrFeeNotFound
		}
		return nil, fmt.Errorf("get fee %s: %w", id, err)
	}
	return &f, nil
}

func (r *FeeRepository) ListByChallenge(ctx context.Context, challengeID string) ([]models.Fee, error) {
	var out []models.Fee
	err := r.DB.WithContext(ctx).
		Where("challenge_id = ?", challengeID).
		Order("assessed_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list fees for %s: %w", challengeID, err)
	}
	return out, nil
}

// ListRetryable returns pending or failed fees assessed at or after since.
func (r *FeeRepository) ListRetryable(ctx context.Context, since time.Time) ([]models.Fee, error) {
	var out []models.Fee
	err := r.DB.WithContext(ctx).
		Where("status IN ?", []models.FeeStatus{models.FeeStatusPending, models.FeeStatusFailed}).
		Where("assessed_at >= ?", since).
		Order("assessed_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list retryable fees: %w", err)
	}
	return out, nil
}

// Save writes the mutable state of f if its stored status is one of from.
// It reports whether the write happened.
func (r *FeeRepository) Save(ctx context.Context, f *models.Fee, from ...models.FeeStatus) (bool, error) {
	res := r.DB.WithContext(ctx).
		Model(&models.Fee{}).
		Where("id = ? AND status IN ?", f.ID, from).
		Updates(map[string]any{
			"status":             f.Status,
			"amount_cents":       f.AmountCents,
			"currency":           f.Currency,
			"charge_ref":         f.ChargeRef,
			"idempotency_key":    f.IdempotencyKey,
			"payment_method_ref": f.PaymentMethodRef,
			"last_error":         f.LastError,
			"attempts":           f.Attempts,
			"last_attempt_at":    f.LastAttemptAt,
			"charged_at":         f.ChargedAt,
			"waived_at":          f.WaivedAt,
			"waived_by":          f.WaivedBy,
			"waive_reason":       f.WaiveReason,
			"updated_at":         time.Now().UTC(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("save fee %s: %w", f.ID, res.Error)
	}
	return res.RowsAffected == 1, nil
}
