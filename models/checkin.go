package models

import "time"

type CheckInMethod string

const (
	CheckInMethodToken CheckInMethod = "token"
	// CheckInMethodManual is the lower-trust path: operator or in-app check-in
	// without a scanned token.
	CheckInMethodManual CheckInMethod = "manual"
)

// CheckIn records one participant's confirmed presence for one challenge.
// At most one row exists per (challenge, participant).
type CheckIn struct {
	ID            string        `gorm:"primaryKey;size:36" json:"id"`
	ChallengeID   string        `gorm:"size:36;not null;uniqueIndex:ux_checkin_challenge_participant,priority:1" json:"challenge_id"`
	ParticipantID string        `gorm:"size:64;not null;uniqueIndex:ux_checkin_challenge_participant,priority:2" json:"participant_id"`
	CheckedInAt   time.Time     `gorm:"not null" json:"checked_in_at"`
	Method        CheckInMethod `gorm:"size:16;not null" json:"method"`
	IPAddress     string        `gorm:"size:64" json:"-"`
	UserAgent     string        `gorm:"type:text" json:"-"`
	PerformedBy   string        `gorm:"size:64" json:"performed_by,omitempty"`
}

// CheckInNonce tracks a minted check-in token so it can be claimed once,
// from any instance, until it expires.
type CheckInNonce struct {
	Nonce           string     `gorm:"primaryKey;size:64"`
	ChallengeID     string     `gorm:"size:36;index;not null"`
	IssuedAt        time.Time  `gorm:"not null"`
	ExpiresAt       time.Time  `gorm:"index;not null"`
	IssuedIP        string     `gorm:"size:64"`
	IssuedUserAgent string     `gorm:"type:text"`
	UsedAt          *time.Time `gorm:"index"`
	UsedIP          string     `gorm:"size:64"`
	UsedUserAgent   string     `gorm:"type:text"`
	UsedBy          string     `gorm:"size:64"`
}
