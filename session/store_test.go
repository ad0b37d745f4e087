package session_test

import (
	"testing"
	"time"

	"github.com/rideflare/ridecore/ridefsm"
	"github.com/rideflare/ridecore/session"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *session.Store {
	store, err := session.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store
}

func TestSaveAndRestoreWithinAgeGate(t *testing.T) {
	store := openTestStore(t)
	now := time.Now()

	snap := session.Snapshot{
		Timestamp: now.Add(-(session.MaxSnapshotAge - time.Second)).Unix(),
		State:     ridefsm.StateConfirmed,
		Context:   ridefsm.Context{RiderPubKey: "rider1", DriverPubKey: "driver1"},
	}
	require.NoError(t, store.Save(snap))

	restored, err := session.Restore(store, now)
	require.NoError(t, err)
	require.NotNil(t, restored)
	require.Equal(t, ridefsm.StateConfirmed, restored.State)
	require.Equal(t, "rider1", restored.Context.RiderPubKey)
}

func TestRestoreDiscardsExactlyAtAgeGate(t *testing.T) {
	store := openTestStore(t)
	now := time.Now()

	snap := session.Snapshot{
		Timestamp: now.Add(-session.MaxSnapshotAge).Unix(),
		State:     ridefsm.StateEnRoute,
	}
	require.NoError(t, store.Save(snap))

	restored, err := session.Restore(store, now)
	require.NoError(t, err)
	require.Nil(t, restored, "a snapshot exactly MaxSnapshotAge old must be discarded")
}

func TestRestoreWithNoSnapshot(t *testing.T) {
	store := openTestStore(t)
	restored, err := session.Restore(store, time.Now())
	require.NoError(t, err)
	require.Nil(t, restored)
}

func TestClearRemovesSnapshot(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Save(session.Snapshot{Timestamp: time.Now().Unix()}))
	require.NoError(t, store.Clear())

	restored, err := session.Restore(store, time.Now())
	require.NoError(t, err)
	require.Nil(t, restored)
}
