package nostr_test

import (
	"crypto/rand"
	"encoding/json"
	"testing"

	"github.com/bradleyjkemp/cupaloy"
	"github.com/rideflare/ridecore/nostr"
	"github.com/stretchr/testify/require"
)

func newTestSigner(t *testing.T) *nostr.PrivKeySigner {
	var raw [32]byte
	_, err := rand.Read(raw[:])
	require.NoError(t, err)
	return nostr.NewPrivKeySigner(raw)
}

func TestEncodeVerifyRoundTrip(t *testing.T) {
	signer := newTestSigner(t)

	draft := nostr.Draft{
		CreatedAt: 1700000000,
		Kind:      nostr.KindOffer,
		Tags: nostr.Tags{
			{"g", "9q8yyk"},
			{"p", "abc123"},
		},
		Content: `{"pickup":"approx","fareEstimate":5000}`,
	}

	ev, err := nostr.Encode(draft, signer)
	require.NoError(t, err)
	require.Equal(t, signer.PubKeyHex(), ev.PubKey)
	require.True(t, nostr.Verify(ev))

	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded nostr.Event
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.True(t, nostr.Verify(&decoded))
	require.Equal(t, ev.ID, decoded.ID)
}

func TestVerifyRejectsTamperedContent(t *testing.T) {
	signer := newTestSigner(t)

	ev, err := nostr.Encode(nostr.Draft{
		CreatedAt: 1700000001,
		Kind:      nostr.KindAvailability,
		Content:   "original",
	}, signer)
	require.NoError(t, err)

	tampered := *ev
	tampered.Content = "tampered"
	require.False(t, nostr.Verify(&tampered))
}

func TestCanonicalEncodingSnapshot(t *testing.T) {
	var raw [32]byte
	for i := range raw {
		raw[i] = byte(i)
	}
	signer := nostr.NewPrivKeySigner(raw)

	ev, err := nostr.Encode(nostr.Draft{
		PubKey:    signer.PubKeyHex(),
		CreatedAt: 1700000002,
		Kind:      nostr.KindConfirmation,
		Tags: nostr.Tags{
			{"e", "acceptance-id"},
			{"p", "driver-pub"},
		},
		Content: `{"precisePickup":"38.4297,-108.8274","paymentHash":"deadbeef"}`,
	}, signer)
	require.NoError(t, err)

	// The id/sig are deterministic given a fixed key and created_at, so
	// this snapshot catches any accidental change to the canonicalization
	// rules (field order, escaping, tag nesting).
	cupaloy.SnapshotT(t, ev.ID, ev.PubKey)
}

func TestKindReplaceability(t *testing.T) {
	require.True(t, nostr.IsReplaceable(nostr.KindDriverState))
	require.True(t, nostr.IsReplaceable(nostr.KindRiderState))
	require.True(t, nostr.IsReplaceable(nostr.KindAvailability))
	require.False(t, nostr.IsReplaceable(nostr.KindOffer))
	require.False(t, nostr.IsReplaceable(nostr.KindAcceptance))
}
