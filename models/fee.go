package models

import (
	"fmt"
	"time"
)

type FeeKind string

const (
	FeeKindLate         FeeKind = "late"
	FeeKindNoShow       FeeKind = "no_show"
	FeeKindCancellation FeeKind = "cancellation"
)

type FeeStatus string

const (
	FeeStatusPending FeeStatus = "pending"
	FeeStatusCharged FeeStatus = "charged"
	FeeStatusFailed  FeeStatus = "failed"
	FeeStatusWaived  FeeStatus = "waived"
)

// Settled reports whether no further charge attempts may be made.
func (s FeeStatus) Settled() bool {
	return s == FeeStatusCharged || s == FeeStatusWaived
}

// Fee is a monetary penalty assessed against a participant for a challenge.
// There is exactly one row per (challenge, participant, kind); evaluations and
// retries reuse it, so at most one can ever reach charged.
type Fee struct {
	ID            string    `gorm:"primaryKey;size:36" json:"id"`
	ChallengeID   string    `gorm:"size:36;not null;uniqueIndex:ux_fee_triple,priority:1" json:"challenge_id"`
	ParticipantID string    `gorm:"size:64;not null;uniqueIndex:ux_fee_triple,priority:2" json:"participant_id"`
	Kind          FeeKind   `gorm:"size:16;not null;uniqueIndex:ux_fee_triple,priority:3" json:"kind"`
	AmountCents   int64     `gorm:"not null" json:"amount_cents"`
	Currency      string    `gorm:"size:3;not null" json:"currency"`
	Status        FeeStatus `gorm:"size:16;index;not null" json:"status"`
	AssessedAt    time.Time `gorm:"index;not null" json:"assessed_at"`

	ChargeRef        string     `gorm:"size:128" json:"charge_ref,omitempty"`
	IdempotencyKey   string     `gorm:"size:255" json:"-"`
	PaymentMethodRef string     `gorm:"size:128" json:"-"`
	LastError        string     `gorm:"type:text" json:"last_error,omitempty"`
	Attempts         int        `gorm:"not null;default:0" json:"attempts"`
	LastAttemptAt    *time.Time `json:"last_attempt_at,omitempty"`
	ChargedAt        *time.Time `json:"charged_at,omitempty"`

	WaivedAt    *time.Time `json:"waived_at,omitempty"`
	WaivedBy    string     `gorm:"size:64" json:"waived_by,omitempty"`
	WaiveReason string     `gorm:"type:text" json:"waive_reason,omitempty"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// FeeIdempotencyKey is the processor key for the first charge of a logical fee.
// It depends only on the fee's identity so repeated evaluations collapse.
func FeeIdempotencyKey(challengeID, participantID string, kind FeeKind) string {
	return fmt.Sprintf("fee:%s:%s:%s", challengeID, participantID, kind)
}

// FeeRetryIdempotencyKey scopes a retry charge to the fee row, the payment
// method being tried and the attempt number. Workers retrying the same stored
// attempt derive the same key.
func FeeRetryIdempotencyKey(feeID, paymentMethodID string, attempt int) string {
	return fmt.Sprintf("fee-retry:%s:%s:%d", feeID, paymentMethodID, attempt)
}
