package subreg_test

import (
	"testing"

	"github.com/rideflare/ridecore/subreg"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	closed bool
}

func (f *fakeHandle) Close() { f.closed = true }

func TestSetCreateBeforeClose(t *testing.T) {
	r := subreg.New()
	first := &fakeHandle{}
	second := &fakeHandle{}

	r.Set("DRIVERS", first)
	got, ok := r.Get("DRIVERS")
	require.True(t, ok)
	require.Equal(t, first, got)

	r.Set("DRIVERS", second)
	require.True(t, first.closed, "old handle must be closed after the new one is installed")
	require.False(t, second.closed)

	got, ok = r.Get("DRIVERS")
	require.True(t, ok)
	require.Equal(t, second, got)
}

func TestCloseRemovesAndCloses(t *testing.T) {
	r := subreg.New()
	h := &fakeHandle{}
	r.Set("CHAT", h)
	r.Close("CHAT")
	require.True(t, h.closed)

	_, ok := r.Get("CHAT")
	require.False(t, ok)
}

func TestGroupLifecycle(t *testing.T) {
	r := subreg.New()
	h1 := &fakeHandle{}
	h2 := &fakeHandle{}

	r.SetInGroup("PROFILES", "riderpub1", h1)
	r.SetInGroup("PROFILES", "riderpub2", h2)

	require.True(t, r.GroupContains("PROFILES", "riderpub1"))
	require.True(t, r.GroupContains("PROFILES", "riderpub2"))

	r.CloseInGroup("PROFILES", "riderpub1")
	require.True(t, h1.closed)
	require.False(t, r.GroupContains("PROFILES", "riderpub1"))

	r.CloseGroup("PROFILES")
	require.True(t, h2.closed)
	require.False(t, r.GroupContains("PROFILES", "riderpub2"))
}

func TestCloseAll(t *testing.T) {
	r := subreg.New()
	h1 := &fakeHandle{}
	h2 := &fakeHandle{}
	r.Set("OFFERS", h1)
	r.Set("ROADFLARE_OFFERS", h2)

	r.CloseAll("OFFERS", "ROADFLARE_OFFERS")
	require.True(t, h1.closed)
	require.True(t, h2.closed)
}
