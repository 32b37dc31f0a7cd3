package models

import (
	"fmt"
	"time"
)

// Policy is a venue's fee configuration. A venue without a row uses the
// system-wide default.
type Policy struct {
	VenueID string `gorm:"primaryKey;size:64" json:"venue_id" yaml:"-"`

	LateThresholdMinutes    int `gorm:"not null" json:"late_threshold_minutes" yaml:"late_threshold_minutes"`
	NoShowThresholdMinutes  int `gorm:"not null" json:"no_show_threshold_minutes" yaml:"no_show_threshold_minutes"`
	CancellationNoticeHours int `gorm:"not null" json:"cancellation_notice_hours" yaml:"cancellation_notice_hours"`
	GracePeriodMinutes      int `gorm:"not null" json:"grace_period_minutes" yaml:"grace_period_minutes"`

	LateFeeCents         int64  `gorm:"not null" json:"late_fee_cents" yaml:"late_fee_cents"`
	NoShowFeeCents       int64  `gorm:"not null" json:"no_show_fee_cents" yaml:"no_show_fee_cents"`
	CancellationFeeCents int64  `gorm:"not null" json:"cancellation_fee_cents" yaml:"cancellation_fee_cents"`
	Currency             string `gorm:"size:3;not null" json:"currency" yaml:"currency"`

	LateFeeEnabled         bool `gorm:"not null" json:"late_fee_enabled" yaml:"late_fee_enabled"`
	NoShowFeeEnabled       bool `gorm:"not null" json:"no_show_fee_enabled" yaml:"no_show_fee_enabled"`
	CancellationFeeEnabled bool `gorm:"not null" json:"cancellation_fee_enabled" yaml:"cancellation_fee_enabled"`

	UpdatedBy string    `gorm:"size:64" json:"updated_by,omitempty" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime" yaml:"-"`
}

// DefaultPolicy is the built-in system-wide policy.
func DefaultPolicy() Policy {
	return Policy{
		LateThresholdMinutes:    15,
		NoShowThresholdMinutes:  30,
		CancellationNoticeHours: 24,
		GracePeriodMinutes:      5,
		LateFeeCents:            500,
		NoShowFeeCents:          1000,
		CancellationFeeCents:    1000,
		Currency:                "usd",
		LateFeeEnabled:          true,
		NoShowFeeEnabled:        true,
		CancellationFeeEnabled:  true,
	}
}

func (p Policy) LateCutoff() time.Duration {
	return time.Duration(p.LateThresholdMinutes+p.GracePeriodMinutes) * time.Minute
}

func (p Policy) NoShowCutoff() time.Duration {
	return time.Duration(p.NoShowThresholdMinutes) * time.Minute
}

func (p Policy) CancellationWindow() time.Duration {
	return time.Duration(p.CancellationNoticeHours) * time.Hour
}

// AmountFor returns the configured amount and whether the kind is enabled.
func (p Policy) AmountFor(kind FeeKind) (int64, bool) {
	switch kind {
	case FeeKindLate:
		return p.LateFeeCents, p.LateFeeEnabled
	case FeeKindNoShow:
		return p.NoShowFeeCents, p.NoShowFeeEnabled
	case FeeKindCancellation:
		return p.CancellationFeeCents, p.CancellationFeeEnabled
	}
	return 0, false
}

// Validate rejects negative thresholds or amounts and malformed currencies.
func (p Policy) Validate() error {
	if p.LateThresholdMinutes < 0 || p.NoShowThresholdMinutes < 0 || p.CancellationNoticeHours < 0 || p.GracePeriodMinutes < 0 {
		return fmt.Errorf("%w: policy thresholds must not be negative", ErrInvalidRequest)
	}
	if p.LateFeeCents < 0 || p.NoShowFeeCents < 0 || p.CancellationFeeCents < 0 {
		return fmt.Errorf("%w: policy amounts must not be negative", ErrInvalidRequest)
	}
	if len(p.Currency) != 3 {
		return fmt.Errorf("%w: currency must be a 3-letter ISO code", ErrInvalidRequest)
	}
	return nil
}
