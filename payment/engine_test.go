package payment_test

import (
	"testing"
	"time"

	"github.com/rideflare/ridecore/payment"
	"github.com/stretchr/testify/require"
)

type fakeMint struct {
	balance int64

	lockedTokens  map[string]bool
	redeemed      map[string]int64
	reclaimed     map[string]bool
	meltPending   bool
	meltResult    string
	meltAmount    int64
	meltFees      int64
	quotePaid     map[string]bool
	quoteAmount   map[string]int64
	lockErr       error
}

func newFakeMint() *fakeMint {
	return &fakeMint{
		balance:     1_000_000,
		lockedTokens: make(map[string]bool),
		redeemed:    make(map[string]int64),
		reclaimed:   make(map[string]bool),
		quotePaid:   make(map[string]bool),
		quoteAmount: make(map[string]int64),
	}
}

func (m *fakeMint) Balance() (int64, error) { return m.balance, nil }

func (m *fakeMint) LockEscrow(amountSats int64, hash payment.Hash, driverPubKey string, expiry time.Time) (string, error) {
	if m.lockErr != nil {
		return "", m.lockErr
	}
	token := "escrow-" + hash.Hex()
	m.lockedTokens[token] = true
	return token, nil
}

func (m *fakeMint) RedeemEscrow(token string, preimage payment.Preimage) (int64, error) {
	if amt, ok := m.redeemed[token]; ok {
		_ = amt
		return 0, nil // already redeemed
	}
	m.redeemed[token] = 5000
	return 5000, nil
}

func (m *fakeMint) ReclaimExpired(token string) (int64, error) {
	m.reclaimed[token] = true
	return 5000, nil
}

func (m *fakeMint) RequestDepositInvoice(amountSats int64) (payment.Quote, error) {
	return payment.Quote{ID: "quote-1", Bolt11: "lnbc50n1...", Expiry: time.Now().Add(time.Hour).Unix()}, nil
}

func (m *fakeMint) MeltToInvoice(bolt11 string) (string, int64, int64, bool, error) {
	if m.meltPending {
		return "", 0, 0, true, nil
	}
	return m.meltResult, m.meltAmount, m.meltFees, false, nil
}

func (m *fakeMint) QuoteStatus(quoteID string) (bool, int64, error) {
	return m.quotePaid[quoteID], m.quoteAmount[quoteID], nil
}

func TestLockAndClaimHappyPath(t *testing.T) {
	mint := newFakeMint()
	engine := payment.NewEngine(mint)

	preimage, err := payment.GeneratePreimage()
	require.NoError(t, err)
	hash := payment.PaymentHash(preimage)

	outcome := engine.LockForRide(5000, hash, "driver-wallet-pub", 1)
	require.Equal(t, payment.LockSuccess, outcome.Kind)
	require.NotEmpty(t, outcome.EscrowToken)

	claim := engine.ClaimHTLC(outcome.EscrowToken, preimage, hash)
	require.Equal(t, payment.ClaimSuccess, claim.Kind)
	require.Equal(t, int64(5000), claim.AmountSats)

	// Idempotent replay.
	claim2 := engine.ClaimHTLC(outcome.EscrowToken, preimage, hash)
	require.Equal(t, payment.ClaimAlreadyClaimed, claim2.Kind)
	require.Equal(t, int64(0), claim2.AmountSats)
}

func TestClaimHTLCPreimageMismatchShortCircuits(t *testing.T) {
	mint := newFakeMint()
	engine := payment.NewEngine(mint)

	preimage, err := payment.GeneratePreimage()
	require.NoError(t, err)
	wrongPreimage, err := payment.GeneratePreimage()
	require.NoError(t, err)
	hash := payment.PaymentHash(preimage)

	claim := engine.ClaimHTLC("some-token", wrongPreimage, hash)
	require.Equal(t, payment.ClaimPreimageMismatch, claim.Kind)
	require.Empty(t, mint.redeemed, "no mint call should occur on a preimage mismatch")
}

func TestBridgePaymentDedupsByRideID(t *testing.T) {
	mint := newFakeMint()
	mint.meltResult = "preimage-hex"
	mint.meltAmount = 5000
	mint.meltFees = 12
	engine := payment.NewEngine(mint)

	first := engine.BridgePayment("lnbc...", "ride-1")
	require.Equal(t, payment.BridgeSuccess, first.Kind)

	second := engine.BridgePayment("lnbc...", "ride-1")
	require.Equal(t, first, second)
}

func TestBridgePaymentReportsPending(t *testing.T) {
	mint := newFakeMint()
	mint.meltPending = true
	engine := payment.NewEngine(mint)

	outcome := engine.BridgePayment("lnbc...", "ride-2")
	require.Equal(t, payment.BridgePending, outcome.Kind)
}

func TestZeroPreimageKnownHash(t *testing.T) {
	var zero payment.Preimage
	hash := payment.PaymentHash(zero)
	// The well-known SHA-256 of 32 zero bytes.
	require.Equal(t, "66687aadf862bd776c8fc18b8e9f8e20089714856ee233b3902a591d0d5f2925", hash.Hex())

	// An ill-formed (odd-length) hex hash must fail to parse.
	_, err := payment.ParseHash("0")
	require.Error(t, err)
}
