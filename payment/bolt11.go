package payment

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

// bolt11 implements just enough of the BOLT11 invoice format to pull
// the amount, expiry, and payment hash back out of a deposit invoice
// string — the fields the bridge flow needs to validate a
// counterparty-supplied invoice before melting against it. Adapted
// from zpay32's bech32-framed, tagged-field structure; unlike zpay32
// this is decode-only (the engine never needs to encode an invoice to
// a byte-for-byte spec, since invoices are created by the MintClient
// collaborator, not here), and the tagged-field set is narrowed to 'p'
// (payment hash) and 'x' (expiry).

const (
	mSatPerBTC     = 100_000_000_000
	defaultExpiry  = 3600 * time.Second
	fieldTypeP     = 1
	fieldTypeX     = 6
	hashBase32Len  = 52
)

// DecodedInvoice holds the subset of BOLT11 fields the bridge flow
// consults.
type DecodedInvoice struct {
	AmountMsat  int64
	PaymentHash Hash
	Expiry      time.Duration
}

// DecodeBolt11 parses invoice's human-readable amount prefix and
// tagged-field data part, returning the amount, expiry, and payment
// hash.
func DecodeBolt11(invoice string) (*DecodedInvoice, error) {
	hrp, data, err := bech32.Decode(invoice)
	if err != nil {
		return nil, fmt.Errorf("payment: bad bolt11 encoding: %w", err)
	}

	amountMsat, err := parseAmount(hrp)
	if err != nil {
		return nil, err
	}

	// data is 5-bit groups: [35-bit timestamp][tagged fields...][signature].
	if len(data) < timestampBase32Len() {
		return nil, fmt.Errorf("payment: bolt11 too short")
	}
	fields := data[timestampBase32Len():]

	decoded := &DecodedInvoice{AmountMsat: amountMsat, Expiry: defaultExpiry}

	for len(fields) >= 3 {
		tag := fields[0]
		dataLen := int(fields[1])<<5 | int(fields[2])
		fields = fields[3:]
		if dataLen > len(fields) {
			break
		}
		fieldData := fields[:dataLen]
		fields = fields[dataLen:]

		switch tag {
		case fieldTypeP:
			if dataLen < hashBase32Len {
				continue
			}
			raw, err := bech32.ConvertBits(fieldData[:hashBase32Len], 5, 8, false)
			if err == nil && len(raw) >= 32 {
				copy(decoded.PaymentHash[:], raw[:32])
			}
		case fieldTypeX:
			raw, err := bech32.ConvertBits(fieldData, 5, 8, true)
			if err == nil {
				var secs int64
				for _, b := range raw {
					secs = secs<<8 | int64(b)
				}
				decoded.Expiry = time.Duration(secs) * time.Second
			}
		}
	}

	return decoded, nil
}

func timestampBase32Len() int { return 7 }

// parseAmount pulls the amount out of the "ln<currency><amount><multiplier>"
// human-readable part, e.g. "lnbc5000n" -> 5000 * 100 msat.
func parseAmount(hrp string) (int64, error) {
	if !strings.HasPrefix(hrp, "ln") {
		return 0, fmt.Errorf("payment: not a bolt11 hrp: %q", hrp)
	}
	rest := hrp[2:]
	rest = strings.TrimPrefix(rest, "bc")
	rest = strings.TrimPrefix(rest, "tb")
	if rest == "" {
		return 0, nil // amountless invoice
	}

	multiplier := rest[len(rest)-1]
	digits := rest
	var unit int64 = mSatPerBTC
	switch multiplier {
	case 'm':
		unit = mSatPerBTC / 1_000
		digits = rest[:len(rest)-1]
	case 'u':
		unit = mSatPerBTC / 1_000_000
		digits = rest[:len(rest)-1]
	case 'n':
		unit = mSatPerBTC / 1_000_000_000
		digits = rest[:len(rest)-1]
	case 'p':
		unit = mSatPerBTC / 1_000_000_000_000
		digits = rest[:len(rest)-1]
	default:
		// no multiplier suffix: whole-BTC amount
	}

	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("payment: bad bolt11 amount %q: %w", rest, err)
	}
	return n * unit, nil
}
