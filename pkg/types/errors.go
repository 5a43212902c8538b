package types

import "errors"

// Validation errors. These are returned before any external call is made and
// leave the mirror untouched.
var (
	ErrPoolNotFound         = errors.New("pool not found")
	ErrPoolNotExpired       = errors.New("pool has not reached its end time")
	ErrAlreadyFinalized     = errors.New("pool already finalized")
	ErrResolutionInProgress = errors.New("resolution already in progress")
	ErrPoolNotFinalized     = errors.New("pool weights not finalized")
)

// Mirror store errors.
var (
	ErrBetNotFound        = errors.New("bet not found")
	ErrResolutionNotFound = errors.New("resolution record not found")
	ErrStatusRegression   = errors.New("status transition would move backwards")
	ErrRunSuperseded      = errors.New("resolution record owned by another run")
)

// Claim errors.
var (
	ErrAlreadyClaimed = errors.New("bet already claimed")
	ErrNotClaimable   = errors.New("bet is not in a claimable state")
)

// Ledger-side refusals detected locally before a submit.
var (
	ErrProtocolPaused = errors.New("protocol is paused")
	ErrUnknownPool    = errors.New("pool id not allocated by protocol")
	ErrWeightMismatch = errors.New("bet weights do not sum to pool total weight")
)
