package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"challenge-engine/models"

	"gorm.io/gorm"
)

// NonceUse is the request context recorded when a nonce is claimed.
type NonceUse struct {
	IP        string
	UserAgent string
	UserID    string
}

// NonceStore persists check-in nonces so single use holds across instances.
type NonceStore struct {
	DB *gorm.DB
}

func NewNonceStore(db *gorm.DB) *NonceStore {
	return &NonceStore{DB: db}
}

func (s *NonceStore) Create(ctx context.Context, n *models.CheckInNonce) error {
	if err := s.DB.WithContext(ctx).Create(n).Error; err != nil {
		return fmt.Errorf("store nonce: %w", err)
	}
	return nil
}

// Get returns models.ErrTokenUnknown if the nonce was never issued or has
// already been swept.
func (s *NonceStore) Get(ctx context.Context, nonce string) (*models.CheckInNonce, error) {
	var n models.CheckInNonce
	if err := s.DB.WithContext(ctx).First(&n, "nonce = ?", nonce).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrTokenUnknown
		}
		return nil, fmt.Errorf("get nonce: %w", err)
	}
	return &n, nil
}

// Claim marks the nonce used in a single conditional update. Exactly one
// concurrent caller gets true.
func (s *NonceStore) Claim(ctx context.Context, nonce, challengeID string, use NonceUse, now time.Time) (bool, error) {
	res := s.DB.WithContext(ctx).
		Model(&models.CheckInNonce{}).
		Where("nonce = ? AND challenge_id = ? AND used_at IS NULL AND expires_at > ?", nonce, challengeID, now).
		Updates(map[string]any{
			"used_at":         now,
			"used_ip":         use.IP,
			"used_user_agent": use.UserAgent,
			"used_by":         use.UserID,
		})
	if res.Error != nil {
		return false, fmt.Errorf("claim nonce: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// DeleteExpired removes nonces that expired before cutoff.
func (s *NonceStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.DB.WithContext(ctx).Where("expires_at < ?", cutoff).Delete(&models.CheckInNonce{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete expired nonces: %w", res.Error)
	}
	return res.RowsAffected, nil
}
