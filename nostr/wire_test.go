package nostr_test

import (
	"encoding/json"
	"testing"

	"github.com/rideflare/ridecore/nostr"
	"github.com/stretchr/testify/require"
)

func TestFilterMarshalFlattensTags(t *testing.T) {
	since := int64(100)
	f := nostr.Filter{
		Kinds: []nostr.Kind{nostr.KindOffer},
		Since: &since,
		Limit: 20,
		Tags: map[string][]string{
			"g": {"9q8yyk"},
			"p": {"abc123", "def456"},
		},
	}

	raw, err := json.Marshal(f)
	require.NoError(t, err)

	var generic map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &generic))

	require.Equal(t, float64(20), generic["limit"])
	require.Equal(t, float64(100), generic["since"])
	require.Contains(t, generic, "#g")
	require.Contains(t, generic, "#p")
	require.NotContains(t, generic, "tags")
}

func TestReqMessageShape(t *testing.T) {
	f := nostr.Filter{Kinds: []nostr.Kind{nostr.KindAvailability}}
	raw, err := nostr.ReqMessage("sub-1", f)
	require.NoError(t, err)

	var parts []json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &parts))
	require.Len(t, parts, 3)

	var msgType string
	require.NoError(t, json.Unmarshal(parts[0], &msgType))
	require.Equal(t, "REQ", msgType)

	var subID string
	require.NoError(t, json.Unmarshal(parts[1], &subID))
	require.Equal(t, "sub-1", subID)
}

func TestParseIncomingEvent(t *testing.T) {
	raw := []byte(`["EVENT","sub-1",{"id":"aa","pubkey":"bb","created_at":1,"kind":30401,"tags":[],"content":"c","sig":"dd"}]`)
	in, err := nostr.ParseIncoming(raw)
	require.NoError(t, err)
	require.Equal(t, nostr.ServerEvent, in.Type)
	require.Equal(t, "sub-1", in.SubID)
	require.NotNil(t, in.Event)
	require.Equal(t, "aa", in.Event.ID)
}

func TestParseIncomingEOSE(t *testing.T) {
	in, err := nostr.ParseIncoming([]byte(`["EOSE","sub-1"]`))
	require.NoError(t, err)
	require.Equal(t, nostr.ServerEOSE, in.Type)
	require.Equal(t, "sub-1", in.SubID)
}

func TestParseIncomingOK(t *testing.T) {
	in, err := nostr.ParseIncoming([]byte(`["OK","eventid",true,""]`))
	require.NoError(t, err)
	require.Equal(t, nostr.ServerOK, in.Type)
	require.True(t, in.OK)
}

func TestParseIncomingNotice(t *testing.T) {
	in, err := nostr.ParseIncoming([]byte(`["NOTICE","rate limited"]`))
	require.NoError(t, err)
	require.Equal(t, nostr.ServerNotice, in.Type)
	require.Equal(t, "rate limited", in.Message)
}

func TestParseIncomingUnknownType(t *testing.T) {
	_, err := nostr.ParseIncoming([]byte(`["BOGUS","x"]`))
	require.Error(t, err)
}

func TestParseIncomingMalformed(t *testing.T) {
	_, err := nostr.ParseIncoming([]byte(`not json`))
	require.Error(t, err)

	_, err = nostr.ParseIncoming([]byte(`["EVENT"]`))
	require.Error(t, err)
}
