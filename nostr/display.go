package nostr

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

// npubHRP is the bech32 human-readable prefix used to display a pubkey
// in logs and CLI output, following the same bech32-tagged-display
// convention zpay32 uses for invoices ("lnbc...").
const npubHRP = "npub"

// DisplayPubKey bech32-encodes a hex pubkey for log-friendly display.
// It is decorative only: all wire and signature operations use the raw
// hex form, never this encoding.
func DisplayPubKey(pubKeyHex string) string {
	raw, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return pubKeyHex
	}
	converted, err := bech32.ConvertBits(raw, 8, 5, true)
	if err != nil {
		return pubKeyHex
	}
	encoded, err := bech32.Encode(npubHRP, converted)
	if err != nil {
		return pubKeyHex
	}
	return encoded
}
