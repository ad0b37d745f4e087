package history

import (
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/rideflare/ridecore/nostr"
)

// backupDTag is the #d tag that makes the backup a NIP-33 replaceable
// event: one backup per author, always superseding the last.
const backupDTag = "ride-history-backup"

// BuildBackupDraft encrypts the full history to the signer's own
// pubkey (self-encryption, the same conversation-key derivation C1
// uses for peer-to-peer messages) and returns a Draft ready to sign
// and publish as a single replaceable KindHistoryBackup event. Each
// entry's PreciseAddresses is cleared before encryption, so precise
// addresses stay local.
// RIDE_HISTORY_BACKUP is excluded from ride-scoped cleanup deletions
// (spec.md §6).
func BuildBackupDraft(entries []Entry, myPriv *btcec.PrivateKey, myPubHex string) (nostr.Draft, error) {
	public := make([]Entry, len(entries))
	for i, e := range entries {
		e.PreciseAddresses = ""
		public[i] = e
	}
	raw, err := json.Marshal(public)
	if err != nil {
		return nostr.Draft{}, fmt.Errorf("history: marshal backup payload: %w", err)
	}

	ciphertext, err := nostr.Encrypt(string(raw), myPubHex, myPriv)
	if err != nil {
		return nostr.Draft{}, fmt.Errorf("history: encrypt backup: %w", err)
	}

	return nostr.Draft{
		Kind: nostr.KindHistoryBackup,
		Tags: nostr.Tags{
			{"d", backupDTag},
		},
		Content: ciphertext,
	}, nil
}

// DecodeBackup decrypts and parses a previously-published backup
// event's content back into entries.
func DecodeBackup(ev *nostr.Event, myPriv *btcec.PrivateKey) ([]Entry, error) {
	plaintext, ok := nostr.Decrypt(ev.Content, ev.PubKey, myPriv)
	if !ok {
		return nil, fmt.Errorf("history: failed to decrypt backup event %s", ev.ID)
	}

	var entries []Entry
	if err := json.Unmarshal([]byte(plaintext), &entries); err != nil {
		return nil, fmt.Errorf("history: parse backup payload: %w", err)
	}
	return entries, nil
}
