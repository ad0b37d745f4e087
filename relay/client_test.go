package relay

import (
	"crypto/rand"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rideflare/ridecore/nostr"
)

func signedTestEvent(t *testing.T, kind nostr.Kind, content string) *nostr.Event {
	var raw [32]byte
	_, err := rand.Read(raw[:])
	require.NoError(t, err)
	signer := nostr.NewPrivKeySigner(raw)

	ev, err := nostr.Encode(nostr.Draft{
		CreatedAt: 1700000000,
		Kind:      kind,
		Content:   content,
	}, signer)
	require.NoError(t, err)
	return ev
}

func eventEnvelope(t *testing.T, subID string, ev *nostr.Event) []byte {
	raw, err := json.Marshal([]interface{}{"EVENT", subID, ev})
	require.NoError(t, err)
	return raw
}

func TestPublishOutcomeSuccess(t *testing.T) {
	require.True(t, PublishOutcome{Acked: 1, Total: 2}.Success())
	require.False(t, PublishOutcome{Acked: 0, Total: 2}.Success())
}

func TestDispatchDedupesAndRoutesToHandler(t *testing.T) {
	c := New()
	ev := signedTestEvent(t, nostr.KindAvailability, "hello")

	var invocations int
	sub := c.Subscribe([]nostr.Filter{{Kinds: []nostr.Kind{nostr.KindAvailability}}}, func(got *nostr.Event) {
		invocations++
		require.Equal(t, ev.ID, got.ID)
	})

	// Subscribe already registers the subscription in the client-level
	// map under the next sequential id; pin it under "sub-1" explicitly
	// so the envelope below targets it without a real socket.
	c.mu.Lock()
	c.subs["sub-1"] = sub.sub
	c.mu.Unlock()

	msg := eventEnvelope(t, "sub-1", ev)

	c.dispatch(msg)
	c.dispatch(msg) // duplicate delivery must be collapsed

	require.Equal(t, 1, invocations)
}

func TestDispatchDropsUnknownSubscription(t *testing.T) {
	c := New()
	ev := signedTestEvent(t, nostr.KindOffer, "offer")
	msg := eventEnvelope(t, "no-such-sub", ev)

	// Should not panic even with no registered subscription.
	c.dispatch(msg)
}

func TestDispatchRejectsInvalidSignature(t *testing.T) {
	c := New()
	ev := signedTestEvent(t, nostr.KindOffer, "offer")
	ev.Content = "tampered after signing"

	var invocations int
	sub := c.Subscribe([]nostr.Filter{{Kinds: []nostr.Kind{nostr.KindOffer}}}, func(*nostr.Event) {
		invocations++
	})
	c.mu.Lock()
	c.subs["sub-1"] = sub.sub
	c.mu.Unlock()

	msg := eventEnvelope(t, "sub-1", ev)
	c.dispatch(msg)

	require.Equal(t, 0, invocations)
}
