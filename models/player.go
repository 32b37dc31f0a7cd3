package models

import "time"

// Player is a local snapshot of the account directory entry for a participant.
// Owned by the engine and populated by the player sync worker.
type Player struct {
	ID                 string    `gorm:"primaryKey;size:36" json:"id"`
	ExternalUserID     string    `gorm:"uniqueIndex;size:64;not null" json:"external_user_id"` // the account service's user id
	DisplayName        string    `gorm:"size:128" json:"display_name"`
	Email              string    `gorm:"size:255" json:"email,omitempty"`
	PaymentCustomerRef string    `gorm:"size:128" json:"payment_customer_ref,omitempty"` // e.g. Stripe customer id
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}
