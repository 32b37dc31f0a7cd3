package models

import "errors"

// Validation errors.
var (
	ErrInvalidRequest        = errors.New("invalid request")
	ErrTokenMalformed        = errors.New("check-in token is malformed")
	ErrTokenExpired          = errors.New("check-in token has expired")
	ErrTokenUnknown          = errors.New("check-in token is not recognised")
	ErrTokenAlreadyUsed      = errors.New("check-in token has already been used")
	ErrTokenInvalid          = errors.New("check-in token signature is invalid")
	ErrNotParticipant        = errors.New("caller is not a participant of this challenge")
	ErrChallengeNotScheduled = errors.New("challenge is not open for check-in")
	ErrAlreadyCheckedIn      = errors.New("participant has already checked in")
	ErrFeeNotWaivable        = errors.New("only pending fees can be waived")
)

// Not-found errors.
var (
	ErrChallengeNotFound = errors.New("challenge not found")
	ErrFeeNotFound       = errors.New("fee not found")
	ErrPlayerNotFound    = errors.New("player not found")
)

// Conflict and authorization errors.
var (
	ErrIllegalTransition = errors.New("illegal challenge status transition")
	ErrForbidden         = errors.New("forbidden")
)
