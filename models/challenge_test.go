package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	all := []ChallengeStatus{
		ChallengeStatusScheduled,
		ChallengeStatusInProgress,
		ChallengeStatusCompleted,
		ChallengeStatusCancelled,
	}
	legal := map[[2]ChallengeStatus]bool{
		{ChallengeStatusScheduled, ChallengeStatusInProgress}: true,
		{ChallengeStatusScheduled, ChallengeStatusCancelled}:  true,
		{ChallengeStatusInProgress, ChallengeStatusCompleted}: true,
	}

	for _, from := range all {
		for _, to := range all {
			want := legal[[2]ChallengeStatus{from, to}]
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
			if want {
				assert.NoError(t, CheckTransition(from, to))
			} else {
				assert.ErrorIs(t, CheckTransition(from, to), ErrIllegalTransition)
			}
		}
	}
}

func TestChallengeStatus_IsTerminal(t *testing.T) {
	assert.False(t, ChallengeStatusScheduled.IsTerminal())
	assert.False(t, ChallengeStatusInProgress.IsTerminal())
	assert.True(t, ChallengeStatusCompleted.IsTerminal())
	assert.True(t, ChallengeStatusCancelled.IsTerminal())
}

func TestChallenge_HasParticipant(t *testing.T) {
	ch := &Challenge{ChallengerID: "a", OpponentID: "b"}
	assert.True(t, ch.HasParticipant("a"))
	assert.True(t, ch.HasParticipant("b"))
	assert.False(t, ch.HasParticipant("c"))
	assert.False(t, ch.HasParticipant(""))
	assert.Equal(t, []string{"a", "b"}, ch.Participants())
}
