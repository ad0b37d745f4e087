package session

import (
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
	"github.com/stretchr/testify/require"
)

// TestRestoreCorruptSnapshot exercises the ErrPersistenceCorrupt path,
// which requires writing a malformed payload directly into the bbolt
// bucket — something only reachable from within the package, since
// Store never exposes a way to write invalid JSON through its public
// API.
func TestRestoreCorruptSnapshot(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	err = store.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotBucket).Put(snapshotKey, []byte("{not valid json"))
	})
	require.NoError(t, err)

	_, err = Restore(store, time.Now())
	require.ErrorIs(t, err, ErrPersistenceCorrupt)
}
