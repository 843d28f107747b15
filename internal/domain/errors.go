package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure — no infrastructure dependency. Expected conditions
// (insufficient funds, closed reservation seen again by an unknowing caller)
// are returned as typed errors, never thrown as panics. Only invariant
// violations — money appearing or vanishing — abort the process.

var (
	// Account errors
	ErrAccountNotFound        = errors.New("account not found")
	ErrAccountVersionConflict = errors.New("account version conflict")

	// Ledger errors
	ErrInsufficientFunds   = errors.New("insufficient available credit")
	ErrBudgetExceeded      = errors.New("daily budget exceeded")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrLotNotFound         = errors.New("credit lot not found")
	ErrInvalidAmount       = errors.New("amount must be positive")

	// Settlement / clawback errors
	ErrEarningNotFound   = errors.New("earning not found")
	ErrAlreadySettled    = errors.New("earning already settled")
	ErrAlreadyClawedBack = errors.New("earning already clawed back")

	// Payout errors
	ErrPayoutNotFound           = errors.New("payout request not found")
	ErrPayoutInvalidTransition  = errors.New("invalid payout state transition")
	ErrInsufficientWithdrawable = errors.New("insufficient withdrawable balance")

	// Rule errors
	ErrNoActiveRule  = errors.New("no active distribution rule")
	ErrInvalidShares = errors.New("distribution shares exceed 10000 bps")

	// Recovery errors
	ErrChecksumMismatch = errors.New("checksum mismatch — refusing recovery")

	// Storage errors
	ErrBusy = errors.New("database busy after retries")
)
