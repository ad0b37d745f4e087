// Package history implements the append-only local ride history (C9):
// a bbolt-backed log of completed/cancelled rides, plus a single
// replaceable encrypted-to-self backup event published to the relay
// network.
package history

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btclog"
	bolt "go.etcd.io/bbolt"
)

var log = btclog.Disabled

// UseLogger sets the subsystem logger used by package history.
func UseLogger(logger btclog.Logger) {
	log = logger
}

const (
	dbFileName       = "history.db"
	dbFilePermission = 0600
)

var ridesBucket = []byte("rides")

// Status is the terminal outcome of a logged ride.
type Status string

const (
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

// Role is which side of the ride the local peer played.
type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
)

// Entry is one completed-or-cancelled ride record. PickupGeohash and
// DestGeohash are precision-6 (public form); riders additionally keep
// precise coordinates/addresses in PreciseAddresses, which is never
// included in the relay backup.
type Entry struct {
	ConfirmationID   string  `json:"confirmationId"`
	Role             Role    `json:"role"`
	CounterpartyPub  string  `json:"counterpartyPub"`
	PickupGeohash    string  `json:"pickupGeohash"`
	DestGeohash      string  `json:"destGeohash"`
	PreciseAddresses string  `json:"preciseAddresses,omitempty"`
	DistanceKm       float64 `json:"distanceKm"`
	DurationSec      int64   `json:"durationSec"`
	FareSats         int64   `json:"fareSats"`
	Status           Status  `json:"status"`
	EndedAt          int64   `json:"endedAt"`
}

// Log is a bbolt-backed append-only ride history.
type Log struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the history log under dataDir.
func Open(dataDir string) (*Log, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("history: create data dir: %w", err)
	}
	path := filepath.Join(dataDir, dbFileName)
	db, err := bolt.Open(path, dbFilePermission, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(ridesBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Log{db: db}, nil
}

// Close closes the underlying bbolt database.
func (l *Log) Close() error { return l.db.Close() }

// Append records entry, keyed by an auto-incrementing sequence so
// ordering is preserved on replay regardless of clock skew between
// EndedAt values.
func (l *Log) Append(entry Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("history: marshal entry: %w", err)
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(ridesBucket)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		return bucket.Put(seqKey(seq), raw)
	})
}

// All returns every recorded entry in append order.
func (l *Log) All() ([]Entry, error) {
	var entries []Entry
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(ridesBucket).ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				log.Warnf("history: skipping unparseable entry: %v", err)
				return nil
			}
			entries = append(entries, e)
			return nil
		})
	})
	return entries, err
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
