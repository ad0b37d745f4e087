package history_test

import (
	"crypto/rand"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/rideflare/ridecore/history"
	"github.com/rideflare/ridecore/nostr"
)

func TestAppendAndAllPreservesOrder(t *testing.T) {
	l, err := history.Open(t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Append(history.Entry{
			ConfirmationID: "conf", Role: history.RoleRider,
			FareSats: int64(1000 * (i + 1)), Status: history.StatusCompleted,
		}))
	}

	entries, err := l.All()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, int64(1000), entries[0].FareSats)
	require.Equal(t, int64(3000), entries[2].FareSats)
}

func TestBackupRoundTrip(t *testing.T) {
	var raw [32]byte
	_, err := rand.Read(raw[:])
	require.NoError(t, err)
	priv, _ := btcec.PrivKeyFromBytes(raw[:])
	signer := nostr.NewPrivKeySigner(raw)

	entries := []history.Entry{
		{ConfirmationID: "c1", Role: history.RoleDriver, FareSats: 5000, Status: history.StatusCompleted},
	}

	draft, err := history.BuildBackupDraft(entries, priv, signer.PubKeyHex())
	require.NoError(t, err)
	require.Equal(t, nostr.KindHistoryBackup, draft.Kind)

	ev, err := nostr.Encode(draft, signer)
	require.NoError(t, err)
	require.True(t, nostr.Verify(ev))

	decoded, err := history.DecodeBackup(ev, priv)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	require.Equal(t, "c1", decoded[0].ConfirmationID)
	require.Equal(t, int64(5000), decoded[0].FareSats)
}
