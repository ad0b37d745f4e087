package fareconfig_test

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rideflare/ridecore/fareconfig"
	"github.com/rideflare/ridecore/nostr"
)

func newSigner(t *testing.T) *nostr.PrivKeySigner {
	var raw [32]byte
	_, err := rand.Read(raw[:])
	require.NoError(t, err)
	return nostr.NewPrivKeySigner(raw)
}

func TestResolveValidConfig(t *testing.T) {
	admin := newSigner(t)
	resolver := fareconfig.New(admin.PubKeyHex())

	ev, err := nostr.Encode(nostr.Draft{
		Kind:    nostr.KindConfig,
		Content: `{"fareRateUsdPerMile":2.25,"minimumFareUsd":6,"recommendedMints":["https://mint.example"],"roadflareFareRateUsdPerMile":2.0,"roadflareMinimumFareUsd":5.5}`,
	}, admin)
	require.NoError(t, err)

	cfg := resolver.Resolve(ev)
	require.Equal(t, 2.25, cfg.FareRateUSDPerMile)
	require.Equal(t, []string{"https://mint.example"}, cfg.RecommendedMints)
}

func TestResolveFallsBackOnUntrustedAuthor(t *testing.T) {
	admin := newSigner(t)
	imposter := newSigner(t)
	resolver := fareconfig.New(admin.PubKeyHex())

	ev, err := nostr.Encode(nostr.Draft{
		Kind:    nostr.KindConfig,
		Content: `{"fareRateUsdPerMile":99}`,
	}, imposter)
	require.NoError(t, err)

	cfg := resolver.Resolve(ev)
	require.Equal(t, fareconfig.Defaults, cfg)
}

func TestResolveFallsBackOnNilEvent(t *testing.T) {
	resolver := fareconfig.New("admin-pub")
	cfg := resolver.Resolve(nil)
	require.Equal(t, fareconfig.Defaults, cfg)
}

func TestResolveFallsBackToLastGoodOnSubsequentBadEvent(t *testing.T) {
	admin := newSigner(t)
	resolver := fareconfig.New(admin.PubKeyHex())

	good, err := nostr.Encode(nostr.Draft{
		Kind:    nostr.KindConfig,
		Content: `{"fareRateUsdPerMile":3.0,"minimumFareUsd":7}`,
	}, admin)
	require.NoError(t, err)
	cfg := resolver.Resolve(good)
	require.Equal(t, 3.0, cfg.FareRateUSDPerMile)

	bad, err := nostr.Encode(nostr.Draft{
		Kind:    nostr.KindConfig,
		Content: `not json`,
	}, admin)
	require.NoError(t, err)
	cfg = resolver.Resolve(bad)
	require.Equal(t, 3.0, cfg.FareRateUSDPerMile, "a malformed update should keep the last good config, not reset to built-in defaults")
}
