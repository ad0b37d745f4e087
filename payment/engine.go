package payment

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultEscrowExpiry is the 900s default from spec.md §4.4.
const DefaultEscrowExpiry = 900 * time.Second

// bridgeState tracks one ride's in-progress or completed cross-mint
// bridge, so bridge_payment is idempotent per ride id (spec.md §4.4,
// testable property §8: "triggers only one melt").
type bridgeState struct {
	outcome BridgeOutcome
	done    bool
}

// Engine is the Payment Engine (C4). One Engine instance backs a
// single peer's wallet. LockForRide holds the embedded mutex across
// its mint call; ClaimHTLC and BridgePayment take it only around their
// own bookkeeping, so their mint calls are not serialized against each
// other or against a lock.
type Engine struct {
	mint MintClient

	mu              sync.Mutex
	claimedHashes   map[Hash]bool // idempotence for claim_htlc
	bridgesByRideID map[string]*bridgeState
	resolvers       map[Hash]*EscrowResolver

	bridgeGroup singleflight.Group
}

// NewEngine constructs an Engine over mint.
func NewEngine(mint MintClient) *Engine {
	return &Engine{
		mint:            mint,
		claimedHashes:   make(map[Hash]bool),
		bridgesByRideID: make(map[string]*bridgeState),
		resolvers:       make(map[Hash]*EscrowResolver),
	}
}

// GetBalance returns the wallet's current balance.
func (e *Engine) GetBalance() (int64, error) {
	return e.mint.Balance()
}

// RefreshBalance is a no-op hook point for wallets whose Balance()
// reads a cache; kept as a distinct operation per spec.md §4.4 so
// callers can force a resync before a balance-sensitive decision.
func (e *Engine) RefreshBalance() error {
	_, err := e.mint.Balance()
	return err
}

// LockForRide locks amountSats under P2PK(driverPubKey) ∧
// HTLC(paymentHash), expiring after expirySeconds (0 selects
// DefaultEscrowExpiry), and starts an EscrowResolver goroutine that
// reclaims the token if it is never claimed.
func (e *Engine) LockForRide(amountSats int64, paymentHash Hash, driverPubKey string, expirySeconds int) LockOutcome {
	e.mu.Lock()
	defer e.mu.Unlock()

	expiryDur := DefaultEscrowExpiry
	if expirySeconds > 0 {
		expiryDur = time.Duration(expirySeconds) * time.Second
	}
	expiry := time.Now().Add(expiryDur)

	token, err := e.mint.LockEscrow(amountSats, paymentHash, driverPubKey, expiry)
	if err != nil {
		return classifyLockError(err, amountSats)
	}

	resolver := NewEscrowResolver(e.mint, token, paymentHash, expiry)
	e.resolvers[paymentHash] = resolver
	go resolver.Resolve()

	return LockOutcome{Kind: LockSuccess, EscrowToken: token}
}

func classifyLockError(err error, amountSats int64) LockOutcome {
	if pe, ok := err.(*Error); ok {
		switch pe.Kind {
		case ErrInsufficientBalance:
			return LockOutcome{Kind: LockInsufficientBalance, Required: amountSats}
		case ErrProofsSpent:
			return LockOutcome{Kind: LockProofsSpent}
		}
	}
	return LockOutcome{Kind: LockFailure, Msg: err.Error()}
}

// ClaimHTLC verifies preimage locally before any mint call (testable
// property §8.6): a mismatch short-circuits with ClaimPreimageMismatch
// and performs no network I/O. Safe to call repeatedly with the same
// inputs — a second call after a successful claim returns
// ClaimAlreadyClaimed without re-contacting the mint.
func (e *Engine) ClaimHTLC(escrowToken string, preimage Preimage, paymentHash Hash) ClaimOutcome {
	if !VerifyPreimage(preimage, paymentHash) {
		return ClaimOutcome{Kind: ClaimPreimageMismatch}
	}

	e.mu.Lock()
	alreadyClaimed := e.claimedHashes[paymentHash]
	e.mu.Unlock()
	if alreadyClaimed {
		return ClaimOutcome{Kind: ClaimAlreadyClaimed, AmountSats: 0}
	}

	amount, err := e.mint.RedeemEscrow(escrowToken, preimage)
	if err != nil {
		return ClaimOutcome{Kind: ClaimFailure, Msg: err.Error()}
	}

	e.mu.Lock()
	e.claimedHashes[paymentHash] = true
	if resolver, ok := e.resolvers[paymentHash]; ok {
		resolver.MarkClaimed()
		resolver.Stop()
		delete(e.resolvers, paymentHash)
	}
	e.mu.Unlock()

	if amount == 0 {
		return ClaimOutcome{Kind: ClaimAlreadyClaimed, AmountSats: 0}
	}
	return ClaimOutcome{Kind: ClaimSuccess, AmountSats: amount}
}

// GetDepositInvoice requests a BOLT11 deposit invoice for amountSats
// from the local mint, used to settle a cross-mint ride via the
// Lightning bridge.
func (e *Engine) GetDepositInvoice(amountSats int64) (Quote, error) {
	return e.mint.RequestDepositInvoice(amountSats)
}

// BridgePayment melts the rider's ecash to pay bolt11 on behalf of
// rideID. Calls for the same rideID are collapsed onto a single melt
// via singleflight (spec.md §4.4's idempotence requirement), and a
// completed outcome is cached and replayed on subsequent calls without
// contacting the mint again.
func (e *Engine) BridgePayment(bolt11, rideID string) BridgeOutcome {
	e.mu.Lock()
	if state, ok := e.bridgesByRideID[rideID]; ok && state.done {
		outcome := state.outcome
		e.mu.Unlock()
		return outcome
	}
	e.mu.Unlock()

	key := rideID
	v, _, _ := e.bridgeGroup.Do(key, func() (interface{}, error) {
		preimage, amount, fees, pending, err := e.mint.MeltToInvoice(bolt11)

		var outcome BridgeOutcome
		switch {
		case err != nil:
			outcome = BridgeOutcome{Kind: BridgeFailure, Msg: err.Error()}
		case pending:
			outcome = BridgeOutcome{Kind: BridgePending}
		default:
			outcome = BridgeOutcome{
				Kind:       BridgeSuccess,
				Preimage:   preimage,
				AmountSats: amount,
				FeesSats:   fees,
			}
		}

		e.mu.Lock()
		e.bridgesByRideID[rideID] = &bridgeState{
			outcome: outcome,
			done:    outcome.Kind != BridgePending,
		}
		e.mu.Unlock()

		return outcome, nil
	})

	return v.(BridgeOutcome)
}

// ClaimDepositByQuoteID polls the mint for settlement of a
// previously-requested deposit invoice, retrying with a 0/2/4/8s
// back-off (spec.md §4.7) and stopping on "not found" or
// "already issued".
func (e *Engine) ClaimDepositByQuoteID(quoteID string) MintClaimOutcome {
	backoffs := []time.Duration{0, 2 * time.Second, 4 * time.Second, 8 * time.Second}

	var lastErr error
	for _, d := range backoffs {
		if d > 0 {
			time.Sleep(d)
		}
		paid, amount, err := e.mint.QuoteStatus(quoteID)
		if err != nil {
			msg := err.Error()
			if strings.Contains(msg, "already issued") {
				return MintClaimOutcome{Kind: ClaimAlreadyClaimed, Msg: msg}
			}
			if strings.Contains(msg, "not found") {
				return MintClaimOutcome{Kind: ClaimNotFound, Msg: msg}
			}
			lastErr = err
			continue
		}
		if !paid {
			continue
		}
		return MintClaimOutcome{Kind: ClaimSuccess, AmountSats: amount}
	}

	if lastErr != nil {
		return MintClaimOutcome{Kind: ClaimFailure, Msg: lastErr.Error()}
	}
	return MintClaimOutcome{Kind: ClaimNotFound, Msg: fmt.Sprintf("quote %s not settled after retries", quoteID)}
}

// MarkHTLCClaimedByPaymentHash records an externally-observed claim
// (e.g. reconciled from a session restore) without performing the
// redemption call itself.
func (e *Engine) MarkHTLCClaimedByPaymentHash(h Hash) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.claimedHashes[h] = true
	if resolver, ok := e.resolvers[h]; ok {
		resolver.MarkClaimed()
		resolver.Stop()
		delete(e.resolvers, h)
	}
}
