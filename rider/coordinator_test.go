package rider

import (
	"crypto/rand"
	"encoding/json"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/require"

	"github.com/rideflare/ridecore/nostr"
	"github.com/rideflare/ridecore/payment"
	"github.com/rideflare/ridecore/ridefsm"
	"github.com/rideflare/ridecore/relay"
	"github.com/rideflare/ridecore/runtime"
)

type fakeMint struct {
	balance int64
}

func (f *fakeMint) Balance() (int64, error) { return f.balance, nil }
func (f *fakeMint) LockEscrow(amountSats int64, hash payment.Hash, driverPubKey string, expiry time.Time) (string, error) {
	return "escrow-token-1", nil
}
func (f *fakeMint) RedeemEscrow(token string, preimage payment.Preimage) (int64, error) {
	return 5000, nil
}
func (f *fakeMint) ReclaimExpired(token string) (int64, error) { return 0, nil }
func (f *fakeMint) RequestDepositInvoice(amountSats int64) (payment.Quote, error) {
	return payment.Quote{ID: "q1"}, nil
}
func (f *fakeMint) MeltToInvoice(bolt11 string) (string, int64, int64, bool, error) {
	return "preimage", 5000, 10, false, nil
}
func (f *fakeMint) QuoteStatus(quoteID string) (bool, int64, error) { return true, 5000, nil }

func newTestKey(t *testing.T) (*btcec.PrivateKey, nostr.Signer) {
	t.Helper()
	var raw [32]byte
	_, err := rand.Read(raw[:])
	require.NoError(t, err)
	priv, _ := btcec.PrivKeyFromBytes(raw[:])
	return priv, nostr.NewPrivKeySigner(raw)
}

func newTestCoordinator(t *testing.T) (*Coordinator, nostr.Signer) {
	t.Helper()
	priv, signer := newTestKey(t)
	rt := runtime.New(priv, signer, relay.New(), &fakeMint{balance: 1_000_000}, "admin-pub", t.TempDir())
	t.Cleanup(rt.Close)
	c := New(rt)
	c.Start()
	t.Cleanup(c.Stop)
	return c, signer
}

func signedAcceptance(t *testing.T, driverSigner nostr.Signer, offerID, mintURL string) *nostr.Event {
	t.Helper()
	content, err := json.Marshal(map[string]string{
		"walletPubKey":  driverSigner.PubKeyHex(),
		"mintUrl":       mintURL,
		"paymentMethod": "cashu",
	})
	require.NoError(t, err)
	draft := nostr.Draft{
		Kind:    nostr.KindAcceptance,
		Tags:    nostr.Tags{{"e", offerID}},
		Content: string(content),
	}
	ev, err := nostr.Encode(draft, driverSigner)
	require.NoError(t, err)
	return ev
}

func signedDriverState(t *testing.T, driverSigner nostr.Signer, confirmationID string, history []map[string]interface{}) *nostr.Event {
	t.Helper()
	content, err := json.Marshal(map[string]interface{}{
		"currentStatus": "",
		"history":       history,
	})
	require.NoError(t, err)
	draft := nostr.Draft{
		Kind:    nostr.KindDriverState,
		Tags:    nostr.Tags{{"e", confirmationID}, {"d", confirmationID}},
		Content: string(content),
	}
	ev, err := nostr.Encode(draft, driverSigner)
	require.NoError(t, err)
	return ev
}

func statusAction(phase string) map[string]interface{} {
	return map[string]interface{}{"type": actionStatus, "phase": phase}
}

func pinSubmitAction(t *testing.T, riderPub string, driverPriv *btcec.PrivateKey, pin string) map[string]interface{} {
	t.Helper()
	enc, err := nostr.Encrypt(pin, riderPub, driverPriv)
	require.NoError(t, err)
	return map[string]interface{}{"type": actionPinSubmit, "pinEncrypted": enc}
}

// driverHistory accumulates actions the way a real DRIVER_STATE
// replaceable event does: every publish carries the full history so
// far, not just the new delta.
type driverHistory struct {
	actions []map[string]interface{}
}

func (h *driverHistory) push(t *testing.T, c *Coordinator, driverSigner nostr.Signer, confirmationID string, action map[string]interface{}) {
	t.Helper()
	h.actions = append(h.actions, action)
	c.events <- signedDriverState(t, driverSigner, confirmationID, h.actions)
}

// TestHappyPathSameMint walks offer -> accept -> confirm -> en_route ->
// arrived -> pin verify -> in_progress -> completed, all on a same-mint
// ride, and asserts the stage reached after each step.
func TestHappyPathSameMint(t *testing.T) {
	c, _ := newTestCoordinator(t)
	driverPriv, driverSigner := newTestKey(t)

	offerID, pin, err := c.SendOffer(OfferRequest{
		Mode:             OfferModeDirect,
		DirectDriverPub:  driverSigner.PubKeyHex(),
		ApproxPickup:     "38.43,-108.83~approx",
		PrecisePickup:    "38.429719,-108.827425",
		FareEstimateSats: 5000,
		MintURL:          "https://mint.example",
	})
	require.NoError(t, err)
	require.NotEmpty(t, pin)

	c.events <- signedAcceptance(t, driverSigner, offerID, "https://mint.example")
	requireEventually(t, func() bool { return c.Status().Stage == ridefsm.StateConfirmed })

	confirmationID := c.Status().Context.LastChainedEventID
	require.NotEmpty(t, confirmationID)
	require.Equal(t, ridefsm.PaymentPathSameMint, c.Status().Context.PaymentPath)

	hist := &driverHistory{}
	hist.push(t, c, driverSigner, confirmationID, statusAction("EN_ROUTE_PICKUP"))
	requireEventually(t, func() bool { return c.Status().Stage == ridefsm.StateEnRoute })

	hist.push(t, c, driverSigner, confirmationID, statusAction("ARRIVED"))
	requireEventually(t, func() bool { return c.Status().Stage == ridefsm.StateArrived })

	riderPub := c.Status().Context.RiderPubKey
	hist.push(t, c, driverSigner, confirmationID, pinSubmitAction(t, riderPub, driverPriv, pin))

	// The run loop drains events strictly in FIFO order, so by the time
	// the IN_PROGRESS update below is processed the PIN submission
	// above is guaranteed to have already been applied.
	hist.push(t, c, driverSigner, confirmationID, statusAction("IN_PROGRESS"))
	requireEventually(t, func() bool { return c.Status().Stage == ridefsm.StateInProgress })
	require.Equal(t, 0, c.Status().Context.PinAttempt)

	hist.push(t, c, driverSigner, confirmationID, statusAction("COMPLETED"))
	requireEventually(t, func() bool { return c.Status().Stage == ridefsm.StateCompleted },
		func() interface{} { return c.Status() })
}

// TestPinBruteForceCancelsRide submits three wrong PINs and asserts the
// ride ends CANCELLED on the third.
func TestPinBruteForceCancelsRide(t *testing.T) {
	c, _ := newTestCoordinator(t)
	driverPriv, driverSigner := newTestKey(t)

	offerID, _, err := c.SendOffer(OfferRequest{
		Mode:             OfferModeDirect,
		DirectDriverPub:  driverSigner.PubKeyHex(),
		ApproxPickup:     "approx-pickup",
		FareEstimateSats: 5000,
		MintURL:          "https://mint.example",
	})
	require.NoError(t, err)

	c.events <- signedAcceptance(t, driverSigner, offerID, "https://mint.example")
	requireEventually(t, func() bool { return c.Status().Stage == ridefsm.StateConfirmed })
	confirmationID := c.Status().Context.LastChainedEventID
	riderPub := c.Status().Context.RiderPubKey

	hist := &driverHistory{}
	hist.push(t, c, driverSigner, confirmationID, statusAction("EN_ROUTE_PICKUP"))
	requireEventually(t, func() bool { return c.Status().Stage == ridefsm.StateEnRoute })
	hist.push(t, c, driverSigner, confirmationID, statusAction("ARRIVED"))
	requireEventually(t, func() bool { return c.Status().Stage == ridefsm.StateArrived })

	for i := 0; i < 2; i++ {
		hist.push(t, c, driverSigner, confirmationID, pinSubmitAction(t, riderPub, driverPriv, "0000"))
	}
	requireEventually(t, func() bool { return c.Status().Context.PinAttempt == 2 })
	require.Equal(t, ridefsm.StateArrived, c.Status().Stage)

	hist.push(t, c, driverSigner, confirmationID, pinSubmitAction(t, riderPub, driverPriv, "0000"))
	requireEventually(t, func() bool { return c.Status().Stage == ridefsm.StateCancelled })
}

// TestOnAcceptanceFirstWins drops every acceptance after the first for
// the same offer.
func TestOnAcceptanceFirstWins(t *testing.T) {
	c, _ := newTestCoordinator(t)
	_, firstSigner := newTestKey(t)
	_, secondSigner := newTestKey(t)

	offerID, _, err := c.SendOffer(OfferRequest{
		Mode:             OfferModeBroadcast,
		ApproxPickup:     "approx-pickup",
		FareEstimateSats: 5000,
	})
	require.NoError(t, err)

	c.events <- signedAcceptance(t, firstSigner, offerID, "")
	requireEventually(t, func() bool { return c.Status().Stage == ridefsm.StateConfirmed })
	require.Equal(t, firstSigner.PubKeyHex(), c.Status().Context.DriverPubKey)

	c.events <- signedAcceptance(t, secondSigner, offerID, "")
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, firstSigner.PubKeyHex(), c.Status().Context.DriverPubKey)
}

// TestCancellationFromDriverEndsRide exercises the counterparty
// cancellation path.
func TestCancellationFromDriverEndsRide(t *testing.T) {
	c, _ := newTestCoordinator(t)
	_, driverSigner := newTestKey(t)

	offerID, _, err := c.SendOffer(OfferRequest{
		Mode:             OfferModeDirect,
		DirectDriverPub:  driverSigner.PubKeyHex(),
		ApproxPickup:     "approx-pickup",
		FareEstimateSats: 5000,
	})
	require.NoError(t, err)

	c.events <- signedAcceptance(t, driverSigner, offerID, "")
	requireEventually(t, func() bool { return c.Status().Stage == ridefsm.StateConfirmed })
	confirmationID := c.Status().Context.LastChainedEventID

	draft := nostr.Draft{Kind: nostr.KindCancellation, Tags: nostr.Tags{{"e", confirmationID}}, Content: "{}"}
	ev, err := nostr.Encode(draft, driverSigner)
	require.NoError(t, err)

	c.events <- ev
	requireEventually(t, func() bool { return c.Status().Stage == ridefsm.StateCancelled })
}

// requireEventually polls cond until it is true or the deadline
// passes. dumpState is optional; when given, its return value is
// spew-dumped into the failure message, the way lnd's itest harness
// dumps final channel state on a timed-out assertion.
func requireEventually(t *testing.T, cond func() bool, dumpState ...func() interface{}) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(dumpState) > 0 {
		require.True(t, cond(), "condition was never satisfied:\n%s", spew.Sdump(dumpState[0]()))
		return
	}
	require.True(t, cond(), "condition was never satisfied")
}
