package payment

import "time"

// MintClient is the external wallet/mint collaborator (out of scope
// per spec.md §1: "the concrete Cashu wallet implementation"). The
// Engine drives it but never embeds it; every method here corresponds
// to one spec.md §4.4 operation that actually touches the network or a
// local proof store.
type MintClient interface {
	// Balance returns the wallet's current spendable balance in sats.
	Balance() (int64, error)

	// LockEscrow mints/locks proofs worth amountSats under a spending
	// condition equivalent to P2PK(driverWalletPubKey) ∧
	// HTLC(paymentHash), expiring at expiry, returning an opaque
	// escrow token. ErrInsufficientBalance / ErrProofsSpent map to the
	// LockOutcome variants above this call.
	LockEscrow(amountSats int64, paymentHash Hash, driverWalletPubKey string, expiry time.Time) (escrowToken string, err error)

	// RedeemEscrow spends escrowToken's proofs using preimage as the
	// HTLC witness, crediting the caller's own wallet. Mints treat a
	// repeat redemption of an already-spent token as success with
	// amountSats=0 ("already issued"), which callers must surface as
	// ClaimAlreadyClaimed, not an error.
	RedeemEscrow(escrowToken string, preimage Preimage) (amountSats int64, err error)

	// ReclaimExpired redeems an expired, never-claimed escrow token
	// back to the locking party's own wallet key (the alternate branch
	// of the P2PK ∧ HTLC condition).
	ReclaimExpired(escrowToken string) (amountSats int64, err error)

	// RequestDepositInvoice asks this mint for a BOLT11 invoice of
	// amountSats, to be shared with a counterparty on a different mint.
	RequestDepositInvoice(amountSats int64) (Quote, error)

	// MeltToInvoice pays bolt11 by melting local proofs. pending=true
	// means Lightning has not yet settled; callers must poll rather
	// than treat this as failure.
	MeltToInvoice(bolt11 string) (preimage string, amountSats, feesSats int64, pending bool, err error)

	// QuoteStatus reports whether the deposit invoice behind quoteID
	// has been paid, and for how much.
	QuoteStatus(quoteID string) (paid bool, amountSats int64, err error)
}
