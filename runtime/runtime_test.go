package runtime_test

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/rideflare/ridecore/nostr"
	"github.com/rideflare/ridecore/payment"
	"github.com/rideflare/ridecore/relay"
	"github.com/rideflare/ridecore/runtime"
)

type fakeMint struct{}

func (fakeMint) Balance() (int64, error) { return 100000, nil }
func (fakeMint) LockEscrow(amountSats int64, hash payment.Hash, driverPubKey string, expiry time.Time) (string, error) {
	return "", nil
}
func (fakeMint) RedeemEscrow(token string, preimage payment.Preimage) (int64, error) { return 0, nil }
func (fakeMint) ReclaimExpired(token string) (int64, error)                          { return 0, nil }
func (fakeMint) RequestDepositInvoice(amountSats int64) (payment.Quote, error) {
	return payment.Quote{}, nil
}
func (fakeMint) MeltToInvoice(bolt11 string) (string, int64, int64, bool, error) {
	return "", 0, 0, false, nil
}
func (fakeMint) QuoteStatus(quoteID string) (bool, int64, error) { return false, 0, nil }

func TestProfileCacheRoundTrip(t *testing.T) {
	var raw [32]byte
	_, err := rand.Read(raw[:])
	require.NoError(t, err)
	priv, _ := btcec.PrivKeyFromBytes(raw[:])
	signer := nostr.NewPrivKeySigner(raw)

	rt := runtime.New(priv, signer, relay.New(), fakeMint{}, "admin-pub", t.TempDir())
	defer rt.Close()

	rt.CacheProfile("rider-pub-1", runtime.Profile{DisplayName: "Alex"})
	p, ok := rt.LookupProfile("rider-pub-1")
	require.True(t, ok)
	require.Equal(t, "Alex", p.DisplayName)

	_, ok = rt.LookupProfile("unknown")
	require.False(t, ok)

	require.Equal(t, priv, rt.PrivateKey())
}
