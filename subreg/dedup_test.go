package subreg_test

import (
	"fmt"
	"testing"

	"github.com/rideflare/ridecore/subreg"
	"github.com/stretchr/testify/require"
)

func TestDedupSeenBefore(t *testing.T) {
	d := subreg.NewDedup(8)

	require.False(t, d.SeenBefore("event-1"))
	require.True(t, d.SeenBefore("event-1"), "second sighting of the same id must report seen")
	require.False(t, d.SeenBefore("event-2"))
}

func TestDedupManyIdsDistributeAcrossShards(t *testing.T) {
	d := subreg.NewDedup(4)
	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("event-%d", i)
		require.False(t, d.SeenBefore(id))
	}
	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("event-%d", i)
		require.True(t, d.SeenBefore(id))
	}
}
