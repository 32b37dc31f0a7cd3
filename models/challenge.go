package models

import (
	"fmt"
	"time"
)

type ChallengeStatus string

const (
	ChallengeStatusScheduled  ChallengeStatus = "scheduled"
	ChallengeStatusInProgress ChallengeStatus = "in_progress"
	ChallengeStatusCompleted  ChallengeStatus = "completed"
	ChallengeStatusCancelled  ChallengeStatus = "cancelled"
)

// legalTransitions is the complete challenge lifecycle graph.
var legalTransitions = map[ChallengeStatus][]ChallengeStatus{
	ChallengeStatusScheduled:  {ChallengeStatusInProgress, ChallengeStatusCancelled},
	ChallengeStatusInProgress: {ChallengeStatusCompleted},
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to ChallengeStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrIllegalTransition wrapped with the attempted edge.
func CheckTransition(from, to ChallengeStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// IsTerminal reports whether no further transitions leave s.
func (s ChallengeStatus) IsTerminal() bool {
	return s == ChallengeStatusCompleted || s == ChallengeStatusCancelled
}

// Challenge is a scheduled 1v1 match between two participants at a venue.
// Rows are never deleted; cancellation is a terminal status.
type Challenge struct {
	ID           string          `gorm:"primaryKey;size:36" json:"id"`
	ChallengerID string          `gorm:"size:64;index;not null" json:"challenger_id"`
	OpponentID   string          `gorm:"size:64;index;not null" json:"opponent_id"`
	VenueID      string          `gorm:"size:64;index;not null" json:"venue_id"`
	ScheduledAt  time.Time       `gorm:"index;not null" json:"scheduled_at"`
	Status       ChallengeStatus `gorm:"size:16;index;not null;default:'scheduled'" json:"status"`

	CheckedInAt *time.Time `json:"checked_in_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	WinnerID    *string    `gorm:"size:64" json:"winner_id,omitempty"`

	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
	CancelledBy  *string    `gorm:"size:64" json:"cancelled_by,omitempty"`
	CancelReason string     `gorm:"type:text" json:"cancel_reason,omitempty"`

	CreatedBy string    `gorm:"size:64" json:"created_by"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// HasParticipant reports whether playerID is one of the two participants.
func (c *Challenge) HasParticipant(playerID string) bool {
	return playerID != "" && (playerID == c.ChallengerID || playerID == c.OpponentID)
}

// Participants returns both participant ids, challenger first.
func (c *Challenge) Participants() []string {
	return []string{c.ChallengerID, c.OpponentID}
}
