package payment

import (
	"sync"
	"time"
)

// EscrowResolver watches one locked escrow token toward its expiry and
// reclaims it if the counterparty never claims it first. Its
// Resolve/Stop/IsResolved life-cycle is modeled directly on
// contractcourt.htlcTimeoutResolver: resolution is driven by a timer
// rather than chain confirmations, since this protocol's "timeout" is
// a mint-enforced ecash expiry rather than an on-chain CLTV.
type EscrowResolver struct {
	mint MintClient

	escrowToken string
	paymentHash Hash
	expiry      time.Time

	mu        sync.Mutex
	resolved  bool
	claimed   bool
	stopCh    chan struct{}
	stopOnce  sync.Once
	doneCh    chan struct{}
}

// NewEscrowResolver constructs a resolver for a just-locked escrow.
func NewEscrowResolver(mint MintClient, escrowToken string, paymentHash Hash, expiry time.Time) *EscrowResolver {
	return &EscrowResolver{
		mint:        mint,
		escrowToken: escrowToken,
		paymentHash: paymentHash,
		expiry:      expiry,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// MarkClaimed records that the counterparty successfully redeemed the
// escrow before expiry, so Resolve's timer fires into a no-op instead
// of attempting a reclaim.
func (r *EscrowResolver) MarkClaimed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.claimed = true
}

// IsResolved reports whether the escrow has reached a terminal state
// (claimed by the counterparty, or reclaimed by us after expiry).
func (r *EscrowResolver) IsResolved() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolved
}

// Resolve blocks until Stop is called or expiry passes. At expiry it
// attempts ReclaimExpired unless MarkClaimed was called first. It is
// meant to run in its own goroutine, one per ride, the way lnd runs
// one resolver goroutine per pending HTLC.
func (r *EscrowResolver) Resolve() {
	defer close(r.doneCh)

	wait := time.Until(r.expiry)
	if wait < 0 {
		wait = 0
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-r.stopCh:
		r.mu.Lock()
		r.resolved = r.claimed
		r.mu.Unlock()
		return
	case <-timer.C:
	}

	r.mu.Lock()
	claimed := r.claimed
	r.mu.Unlock()
	if claimed {
		r.mu.Lock()
		r.resolved = true
		r.mu.Unlock()
		return
	}

	log.Debugf("payment: escrow for hash %s expired unclaimed, reclaiming", r.paymentHash.Hex())
	if _, err := r.mint.ReclaimExpired(r.escrowToken); err != nil {
		log.Errorf("payment: reclaim failed for hash %s: %v", r.paymentHash.Hex(), err)
	}

	r.mu.Lock()
	r.resolved = true
	r.mu.Unlock()
}

// Stop aborts the resolver before expiry, e.g. because the ride
// completed normally and the token was already redeemed through the
// ordinary claim path.
func (r *EscrowResolver) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	<-r.doneCh
}
