package nostr_test

import (
	"crypto/rand"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/rideflare/ridecore/nostr"
	"github.com/stretchr/testify/require"
)

func genKey(t *testing.T) *btcec.PrivateKey {
	var raw [32]byte
	_, err := rand.Read(raw[:])
	require.NoError(t, err)
	priv, _ := btcec.PrivKeyFromBytes(raw[:])
	return priv
}

func xOnlyHex(priv *btcec.PrivateKey) string {
	signer := nostr.NewPrivKeySigner(func() [32]byte {
		var raw [32]byte
		copy(raw[:], priv.Serialize())
		return raw
	}())
	return signer.PubKeyHex()
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	alicePriv := genKey(t)
	bobPriv := genKey(t)
	bobPub := xOnlyHex(bobPriv)
	alicePub := xOnlyHex(alicePriv)

	plaintext := `{"pin":"4471"}`

	blob, err := nostr.Encrypt(plaintext, bobPub, alicePriv)
	require.NoError(t, err)
	require.NotEmpty(t, blob)

	got, ok := nostr.Decrypt(blob, alicePub, bobPriv)
	require.True(t, ok)
	require.Equal(t, plaintext, got)
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	alicePriv := genKey(t)
	bobPriv := genKey(t)
	bobPub := xOnlyHex(bobPriv)
	alicePub := xOnlyHex(alicePriv)

	blob, err := nostr.Encrypt("precise pickup: 38.4297,-108.8274", bobPub, alicePriv)
	require.NoError(t, err)

	tampered := []byte(blob)
	tampered[len(tampered)-1] ^= 0x01

	_, ok := nostr.Decrypt(string(tampered), alicePub, bobPriv)
	require.False(t, ok)
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	alicePriv := genKey(t)
	bobPriv := genKey(t)
	bobPub := xOnlyHex(bobPriv)
	eve := genKey(t)

	blob, err := nostr.Encrypt("secret", bobPub, alicePriv)
	require.NoError(t, err)

	_, ok := nostr.Decrypt(blob, xOnlyHex(alicePriv), eve)
	require.False(t, ok)
}

func TestDecryptRejectsMalformedBlob(t *testing.T) {
	alicePriv := genKey(t)
	bobPriv := genKey(t)
	bobPub := xOnlyHex(bobPriv)

	_, ok := nostr.Decrypt("not-base64!!", bobPub, alicePriv)
	require.False(t, ok)

	_, ok = nostr.Decrypt("", bobPub, alicePriv)
	require.False(t, ok)
}
