// Package service implements the QR coin engines: the coin ledger, the
// business wallet, the store purchase workflows, and the discount code
// lifecycle.
package service

import "errors"

// Failure kinds for expected business conditions. Operations return these
// wrapped in their result errors; anything else is a persistence failure
// and the enclosing transaction has been rolled back.
var (
	// ErrInsufficientFunds means the balance is too low for a hard spend.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrLimitReached means a per-user purchase cap or the smart-spend
	// overdraft floor was hit.
	ErrLimitReached = errors.New("limit reached")

	// ErrOutOfStock means the conditional stock decrement affected no rows.
	ErrOutOfStock = errors.New("out of stock")

	// ErrItemUnavailable means the item is inactive or outside its validity
	// window.
	ErrItemUnavailable = errors.New("item unavailable")

	// ErrInvalidOrUsedCode covers both unknown codes and codes in the wrong
	// state. Deliberately coarse: lookups must not reveal whether a guessed
	// code exists.
	ErrInvalidOrUsedCode = errors.New("invalid or already used code")

	// ErrCodeExpired means the code is past its expiry. Safe to disclose to
	// a holder of the code.
	ErrCodeExpired = errors.New("code expired")

	// ErrUsageExceeded means the code has no uses left.
	ErrUsageExceeded = errors.New("code usage exceeded")

	// ErrWrongMachine means the code is bound to a different machine.
	ErrWrongMachine = errors.New("code not valid for this machine")

	// ErrCodeGeneration means a unique code could not be generated within
	// the bounded attempts.
	ErrCodeGeneration = errors.New("failed to generate unique code")
)
