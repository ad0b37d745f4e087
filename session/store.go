// Package session implements crash-safe persistence of the active
// ride context (C8): a single bbolt file snapshotted on every
// state-affecting update, opened/migrated the way channeldb.Open
// versions and migrates its own bbolt file.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btclog"
	bolt "go.etcd.io/bbolt"

	"github.com/rideflare/ridecore/ridefsm"
)

var log = btclog.Disabled

// UseLogger sets the subsystem logger used by package session.
func UseLogger(logger btclog.Logger) {
	log = logger
}

const (
	dbFileName       = "session.db"
	dbFilePermission = 0600

	// MaxSnapshotAge is the restore age gate from spec.md §4.8: a
	// snapshot older than this is discarded rather than rehydrated.
	MaxSnapshotAge = 2 * time.Hour
)

var (
	snapshotBucket = []byte("active-ride")
	snapshotKey    = []byte("snapshot")
)

type version struct {
	number    uint32
	migration func(tx *bolt.Tx) error
}

var dbVersions = []version{
	{number: 0, migration: nil},
}

// Snapshot is the durable record of the active ride, matching
// spec.md §4.8's fields.
type Snapshot struct {
	Timestamp int64 `json:"timestamp"`

	State   ridefsm.State   `json:"state"`
	Context ridefsm.Context `json:"context"`

	ChatLog []ChatEntry `json:"chatLog"`

	// LastProcessedDriverActionCount is the history cursor so replayed
	// events past it are not re-applied on restore.
	LastProcessedDriverActionCount int `json:"lastProcessedDriverActionCount"`
}

// ChatEntry is one decrypted chat message kept alongside the ride
// snapshot.
type ChatEntry struct {
	FromPubKey string `json:"fromPubKey"`
	Text       string `json:"text"`
	SentAt     int64  `json:"sentAt"`
}

// Store wraps a bbolt database holding at most one active-ride
// snapshot at a time.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the session store under dataDir.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("session: create data dir: %w", err)
	}

	path := filepath.Join(dataDir, dbFileName)
	db, err := bolt.Open(path, dbFilePermission, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("session: open %s: %w", path, err)
	}

	s := &Store{db: db}
	if err := s.syncVersions(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) syncVersions() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(snapshotBucket)
		if err != nil {
			return err
		}
		_ = bucket
		// No migrations beyond version 0 exist yet; the table is kept
		// so a future schema change has a home to register against,
		// following channeldb's dbVersions convention.
		for _, v := range dbVersions {
			if v.migration != nil {
				if err := v.migration(tx); err != nil {
					return fmt.Errorf("session: migration %d: %w", v.number, err)
				}
			}
		}
		return nil
	})
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save persists snap, overwriting any prior snapshot. Callers invoke
// this on every state-affecting update per spec.md §4.8.
func (s *Store) Save(snap Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("session: marshal snapshot: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotBucket).Put(snapshotKey, raw)
	})
}

// Clear removes the persisted snapshot, e.g. on ride completion.
func (s *Store) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotBucket).Delete(snapshotKey)
	})
}

// ErrPersistenceCorrupt is returned by Restore when the stored
// snapshot fails to parse; callers must clear the snapshot and
// continue with no active ride (spec.md §7).
var ErrPersistenceCorrupt = fmt.Errorf("session: persisted snapshot is corrupt")

// Restore reads the persisted snapshot and applies the 2-hour age
// gate: a snapshot exactly 2h old or older is discarded (returns
// nil, nil); one younger is returned for rehydration.
func Restore(store *Store, now time.Time) (*Snapshot, error) {
	var raw []byte
	err := store.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(snapshotBucket).Get(snapshotKey)
		if v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("session: read snapshot: %w", err)
	}
	if raw == nil {
		return nil, nil
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		log.Warnf("session: discarding corrupt snapshot: %v", err)
		return nil, ErrPersistenceCorrupt
	}

	age := now.Sub(time.Unix(snap.Timestamp, 0))
	if age >= MaxSnapshotAge {
		log.Debugf("session: snapshot age %s >= %s, discarding", age, MaxSnapshotAge)
		if err := store.Clear(); err != nil {
			log.Warnf("session: failed clearing stale snapshot: %v", err)
		}
		return nil, nil
	}

	return &snap, nil
}
