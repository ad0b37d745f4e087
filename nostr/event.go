// Package nostr implements the signed, kind-tagged append-only event
// schema that every ridecore subsystem publishes and consumes: canonical
// encoding, id derivation, Schnorr signing/verification, and NIP-44
// conversation-key encryption.
package nostr

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/go-errors/errors"
)

// Kind identifies the semantic type of an Event. Numeric values are not
// meaningful beyond disjointness; see spec.md §3.
type Kind int

const (
	KindOffer        Kind = 30401
	KindAcceptance   Kind = 30402
	KindConfirmation Kind = 30403
	KindDriverState  Kind = 30404
	KindRiderState   Kind = 30405
	KindChat         Kind = 30406
	KindCancellation Kind = 30407
	KindDeletion     Kind = 5
	KindAvailability Kind = 30408
	KindConfig       Kind = 30409
	KindProfile      Kind = 0
	KindHistoryBackup Kind = 30410
)

// replaceableKinds carries the NIP-33 "parameterized replaceable" set:
// only the newest event per (pubkey, kind, #d tag) is authoritative.
var replaceableKinds = map[Kind]bool{
	KindDriverState:   true,
	KindRiderState:    true,
	KindAvailability:  true,
	KindConfig:        true,
	KindHistoryBackup: true,
}

// IsReplaceable reports whether k follows NIP-33 replaceable semantics.
func IsReplaceable(k Kind) bool { return replaceableKinds[k] }

// Tag is a single Nostr tag: a variable-length array of strings, e.g.
// ["e", "<event-id>"] or ["g", "9q8yy"].
type Tag []string

// Key returns the tag's identifying letter (tags[0]), or "" if empty.
func (t Tag) Key() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Value returns the tag's primary value (tags[1]), or "" if absent.
func (t Tag) Value() string {
	if len(t) < 2 {
		return ""
	}
	return t[1]
}

// Tags is an ordered list of Tag. Order is preserved on the wire because
// canonicalization hashes tags in the order given, not sorted.
type Tags []Tag

// Find returns the first tag whose key matches, and whether one was found.
func (t Tags) Find(key string) (Tag, bool) {
	for _, tag := range t {
		if tag.Key() == key {
			return tag, true
		}
	}
	return nil, false
}

// FindAll returns every tag matching key, in encounter order.
func (t Tags) FindAll(key string) []Tag {
	var out []Tag
	for _, tag := range t {
		if tag.Key() == key {
			out = append(out, tag)
		}
	}
	return out
}

// Event is the immutable, signed unit of exchange across the relay
// network. Once Sig is populated the struct must not be mutated; id and
// sig are only valid for the exact (pubkey, created_at, kind, tags,
// content) tuple they were derived from.
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      Kind   `json:"kind"`
	Tags      Tags   `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// MalformedEvent is the error value for an event that fails
// canonicalization or signature verification; see spec.md §4.1. No
// function in this package returns it: Encode wraps the underlying
// error and Verify reports failure as false.
var MalformedEvent = errors.New("nostr: malformed event")

// Draft is the mutable, unsigned precursor to an Event.
type Draft struct {
	PubKey    string
	CreatedAt int64
	Kind      Kind
	Tags      Tags
	Content   string
}

// Signer abstracts the process-global identity key (see SPEC_FULL.md §9:
// the signer is the one legitimate process-global singleton).
type Signer interface {
	PubKeyHex() string
	Sign(digest [32]byte) (sig [64]byte, err error)
}

// PrivKeySigner is a Signer backed by an in-memory secp256k1 private key.
type PrivKeySigner struct {
	priv *btcec.PrivateKey
	pub  string
}

// NewPrivKeySigner wraps a raw 32-byte private key as a Signer.
func NewPrivKeySigner(raw [32]byte) *PrivKeySigner {
	priv, pubKey := btcec.PrivKeyFromBytes(raw[:])
	return &PrivKeySigner{
		priv: priv,
		pub:  hex.EncodeToString(schnorr.SerializePubKey(pubKey)),
	}
}

// PubKeyHex returns the 32-byte x-only public key, hex-encoded.
func (s *PrivKeySigner) PubKeyHex() string { return s.pub }

// Sign produces a BIP-340 Schnorr signature over digest.
func (s *PrivKeySigner) Sign(digest [32]byte) ([64]byte, error) {
	var out [64]byte
	sig, err := schnorr.Sign(s.priv, digest[:])
	if err != nil {
		return out, err
	}
	copy(out[:], sig.Serialize())
	return out, nil
}

// Encode finalizes a Draft into a signed Event: it derives the canonical
// id (lowercase hex SHA-256 of the [0,pubkey,created_at,kind,tags,content]
// tuple) and a Schnorr signature over that id, per spec.md §4.1.
func Encode(d Draft, signer Signer) (*Event, error) {
	if d.PubKey == "" {
		d.PubKey = signer.PubKeyHex()
	}
	if d.Tags == nil {
		d.Tags = Tags{}
	}
	if d.CreatedAt == 0 {
		d.CreatedAt = time.Now().Unix()
	}

	canon, err := canonicalize(d.PubKey, d.CreatedAt, d.Kind, d.Tags, d.Content)
	if err != nil {
		return nil, errors.WrapPrefix(err, "nostr: canonicalize", 0)
	}
	digest := sha256.Sum256(canon)
	id := hex.EncodeToString(digest[:])

	sig, err := signer.Sign(digest)
	if err != nil {
		return nil, errors.WrapPrefix(err, "nostr: sign", 0)
	}

	return &Event{
		ID:        id,
		PubKey:    d.PubKey,
		CreatedAt: d.CreatedAt,
		Kind:      d.Kind,
		Tags:      d.Tags,
		Content:   d.Content,
		Sig:       hex.EncodeToString(sig[:]),
	}, nil
}

// Verify recomputes e's canonical id and checks the Schnorr signature
// against e.PubKey. It never mutates e.
func Verify(e *Event) bool {
	canon, err := canonicalize(e.PubKey, e.CreatedAt, e.Kind, e.Tags, e.Content)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(canon)
	wantID := hex.EncodeToString(digest[:])
	if wantID != e.ID {
		return false
	}

	pubBytes, err := hex.DecodeString(e.PubKey)
	if err != nil || len(pubBytes) != 32 {
		return false
	}
	pubKey, err := schnorr.ParsePubKey(pubBytes)
	if err != nil {
		return false
	}

	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil {
		return false
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}

	return sig.Verify(digest[:], pubKey)
}

// canonicalize produces the exact byte form NIP-01 hashes: minimal
// whitespace JSON array [0,pubkey,created_at,kind,tags,content] with
// UTF-8 content and no escaping beyond what JSON requires. encoding/json
// is not used for the outer array because Go's Marshal does not
// guarantee the field order or the minimal-escaping rules this form
// requires; the array is instead built by hand from pre-escaped parts.
func canonicalize(pubkey string, createdAt int64, kind Kind, tags Tags, content string) ([]byte, error) {
	var buf []byte
	buf = append(buf, '[', '0', ',')
	buf = appendJSONString(buf, pubkey)
	buf = append(buf, ',')
	buf = append(buf, []byte(fmt.Sprintf("%d", createdAt))...)
	buf = append(buf, ',')
	buf = append(buf, []byte(fmt.Sprintf("%d", int(kind)))...)
	buf = append(buf, ',')
	buf = appendTagsJSON(buf, tags)
	buf = append(buf, ',')
	buf = appendJSONString(buf, content)
	buf = append(buf, ']')
	return buf, nil
}

func appendTagsJSON(buf []byte, tags Tags) []byte {
	buf = append(buf, '[')
	for i, tag := range tags {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '[')
		for j, s := range tag {
			if j > 0 {
				buf = append(buf, ',')
			}
			buf = appendJSONString(buf, s)
		}
		buf = append(buf, ']')
	}
	buf = append(buf, ']')
	return buf
}

// appendJSONString appends s as a minimally-escaped JSON string: only
// the characters the JSON grammar requires (", \, and control chars)
// are escaped; everything else, including non-ASCII UTF-8, passes
// through untouched as NIP-01 requires.
func appendJSONString(buf []byte, s string) []byte {
	buf = append(buf, '"')
	for _, r := range s {
		switch r {
		case '"':
			buf = append(buf, '\\', '"')
		case '\\':
			buf = append(buf, '\\', '\\')
		case '\n':
			buf = append(buf, '\\', 'n')
		case '\r':
			buf = append(buf, '\\', 'r')
		case '\t':
			buf = append(buf, '\\', 't')
		default:
			if r < 0x20 {
				buf = append(buf, []byte(fmt.Sprintf("\\u%04x", r))...)
			} else {
				buf = append(buf, []byte(string(r))...)
			}
		}
	}
	buf = append(buf, '"')
	return buf
}

// SortTagsStable is a helper for callers that build tags from maps and
// need deterministic ordering before signing; it is never applied to
// tags already received over the wire.
func SortTagsStable(tags Tags) Tags {
	out := make(Tags, len(tags))
	copy(out, tags)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Key() < out[j].Key()
	})
	return out
}
