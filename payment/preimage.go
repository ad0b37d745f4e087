package payment

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
)

// Preimage is a 32-byte secret whose SHA-256 is the payment hash that
// locks a ride's escrow.
type Preimage [32]byte

// Hash is a 32-byte SHA-256 payment hash.
type Hash [32]byte

func (p Preimage) Hex() string { return hex.EncodeToString(p[:]) }
func (h Hash) Hex() string     { return hex.EncodeToString(h[:]) }

// GeneratePreimage returns a fresh random preimage.
func GeneratePreimage() (Preimage, error) {
	var p Preimage
	if _, err := rand.Read(p[:]); err != nil {
		return p, err
	}
	return p, nil
}

// PaymentHash derives the payment hash for p.
func PaymentHash(p Preimage) Hash {
	return sha256.Sum256(p[:])
}

// VerifyPreimage reports whether p hashes to want, entirely locally —
// callers rely on this to short-circuit claim_htlc before any network
// I/O when the hashes don't match (spec.md §4.4, testable property §8.6).
func VerifyPreimage(p Preimage, want Hash) bool {
	got := PaymentHash(p)
	return got == want
}

// ParseHash decodes a hex payment hash.
func ParseHash(hexStr string) (Hash, error) {
	var h Hash
	raw, err := hex.DecodeString(hexStr)
	if err != nil || len(raw) != 32 {
		return h, errInvalidHash
	}
	copy(h[:], raw)
	return h, nil
}

// ParsePreimage decodes a hex preimage.
func ParsePreimage(hexStr string) (Preimage, error) {
	var p Preimage
	raw, err := hex.DecodeString(hexStr)
	if err != nil || len(raw) != 32 {
		return p, errInvalidHash
	}
	copy(p[:], raw)
	return p, nil
}

var errInvalidHash = &Error{Kind: ErrMintError, Msg: "expected 32 raw bytes, hex-encoded"}
