package domain

import "errors"

var (
	// Validation errors: rejected before any state mutation.
	ErrInvalidStakeAmount = errors.New("stake amount must be positive")
	ErrInvalidDuration    = errors.New("duration must be positive")
	ErrInvalidFeeBps      = errors.New("fee bps out of range")

	// Authorization errors.
	ErrUnauthorized   = errors.New("unauthorized")
	ErrNotParticipant = errors.New("not a participant in this duel")

	// State errors: expected, recoverable-by-caller conditions.
	ErrAlreadyInitialized = errors.New("protocol already initialized")
	ErrNotInitialized     = errors.New("protocol not initialized")
	ErrInvalidStatus      = errors.New("invalid duel status for this operation")
	ErrAlreadyAccepted    = errors.New("duel has already been accepted")
	ErrAlreadyDeposited   = errors.New("stake already deposited")
	ErrDuelNotExpired     = errors.New("duel has not expired yet")
	ErrCannotCancel       = errors.New("cannot cancel duel in current status")

	// Arithmetic errors: checked explicitly, never wrapped around.
	ErrValueOverflow = errors.New("value overflow")
	ErrZeroBaseline  = errors.New("zero baseline portfolio value")

	// Fund ledger errors.
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnknownAccount    = errors.New("unknown account")

	// Infrastructure errors.
	ErrNotFound     = errors.New("not found")
	ErrLockHeld     = errors.New("lock already held")
	ErrRateLimited  = errors.New("rate limited")
	ErrBadSignature = errors.New("invalid oracle signature")
)
