// Package payment implements the HTLC payment engine (C4): preimage
// and payment-hash derivation, escrow lock/claim against a Cashu-style
// mint, BOLT11 deposit-invoice handling, and the cross-mint Lightning
// bridge, all driven through a MintClient collaborator interface since
// the concrete wallet/mint implementation is an external collaborator
// per spec.md §1.
package payment

import "fmt"

// LockOutcomeKind discriminates the result of lock_for_ride.
type LockOutcomeKind int

const (
	LockSuccess LockOutcomeKind = iota
	LockInsufficientBalance
	LockProofsSpent
	LockFailure
)

// LockOutcome mirrors spec.md §4.4's LockOutcome union.
type LockOutcome struct {
	Kind LockOutcomeKind

	EscrowToken string // LockSuccess

	Required  int64 // LockInsufficientBalance
	Available int64 // LockInsufficientBalance

	SpentCount int // LockProofsSpent
	TotalCount int // LockProofsSpent

	Msg string // LockFailure
}

func (o LockOutcome) String() string {
	switch o.Kind {
	case LockSuccess:
		return "Success"
	case LockInsufficientBalance:
		return fmt.Sprintf("InsufficientBalance{required=%d,available=%d}", o.Required, o.Available)
	case LockProofsSpent:
		return fmt.Sprintf("ProofsSpent{spent=%d,total=%d}", o.SpentCount, o.TotalCount)
	case LockFailure:
		return fmt.Sprintf("Failure{%s}", o.Msg)
	default:
		return "Unknown"
	}
}

// ClaimOutcomeKind discriminates the result of claim_htlc and
// claim_deposit_by_quote_id. It mirrors LockOutcomeKind's shape per
// spec.md §4.4 ("ClaimOutcome mirrors that shape") plus the
// preimage-mismatch short-circuit and an already-claimed idempotent
// case.
type ClaimOutcomeKind int

const (
	ClaimSuccess ClaimOutcomeKind = iota
	ClaimAlreadyClaimed
	ClaimPreimageMismatch
	ClaimNotFound
	ClaimFailure
)

// ClaimOutcome is the result of a claim attempt.
type ClaimOutcome struct {
	Kind       ClaimOutcomeKind
	AmountSats int64
	Msg        string
}

// Quote is a deposit invoice requested from the local mint.
type Quote struct {
	ID     string
	Bolt11 string
	Expiry int64 // unix seconds
}

// BridgeOutcomeKind discriminates bridge_payment's result.
type BridgeOutcomeKind int

const (
	BridgeSuccess BridgeOutcomeKind = iota
	BridgePending
	BridgeFailure
)

// BridgeOutcome is the result of melting ecash to settle a BOLT11
// invoice on behalf of a cross-mint ride.
type BridgeOutcome struct {
	Kind       BridgeOutcomeKind
	Preimage   string // BridgeSuccess
	AmountSats int64  // BridgeSuccess
	FeesSats   int64  // BridgeSuccess
	Msg        string // BridgeFailure
}

// MintClaimOutcome is the result of claim_deposit_by_quote_id.
type MintClaimOutcome struct {
	Kind       ClaimOutcomeKind
	AmountSats int64
	Msg        string
}

// PaymentErrorKind enumerates the Payment error subcategories from
// spec.md §7.
type PaymentErrorKind int

const (
	ErrInsufficientBalance PaymentErrorKind = iota
	ErrProofsSpent
	ErrPreimageMismatch
	ErrNotConnected
	ErrMintError
)

// Error is the typed Payment error surfaced to coordinators.
type Error struct {
	Kind PaymentErrorKind
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("payment: %s", e.Msg)
}
