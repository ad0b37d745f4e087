package payment

import "github.com/btcsuite/btclog"

var log = btclog.Disabled

// UseLogger sets the subsystem logger used by package payment.
func UseLogger(logger btclog.Logger) {
	log = logger
}
