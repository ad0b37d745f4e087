package payment_test

import (
	"testing"

	"github.com/rideflare/ridecore/payment"
	"github.com/stretchr/testify/require"
)

func TestDecodeBolt11RejectsNonBolt11HRP(t *testing.T) {
	// "npub1..." bech32 strings use a different HRP and must be
	// rejected rather than silently misparsed as an invoice.
	_, err := payment.DecodeBolt11("npub1qqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqsz39ct")
	require.Error(t, err)
}

func TestDecodeBolt11RejectsMalformed(t *testing.T) {
	_, err := payment.DecodeBolt11("not-a-bech32-string-at-all")
	require.Error(t, err)
}
