// Package errdefs defines the engine's failure classes.
//
// Every rejected operation wraps exactly one of these sentinels so callers
// can distinguish the four kinds with errors.Is without parsing messages.
// All four are detected before any state mutation.
package errdefs

import "errors"

var (
	// ErrOutOfRange indicates a value or derived product falls outside its
	// declared bound (price, amount, combined notional, bitmask vs count).
	ErrOutOfRange = errors.New("value out of range")

	// ErrArithmetic indicates a division by a zero denominator, e.g. an
	// empty liquidity pool.
	ErrArithmetic = errors.New("arithmetic error")

	// ErrPermission indicates the caller is not the authorized owner of a
	// guarded entry point.
	ErrPermission = errors.New("caller is not the owner")

	// ErrInvalidState indicates a structural precondition was violated:
	// array length vs population count, re-initializing the owner, a null
	// owner, or insufficient redeemable balance.
	ErrInvalidState = errors.New("invalid state")
)
