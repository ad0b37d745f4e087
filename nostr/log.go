package nostr

import "github.com/btcsuite/btclog"

// log is the package-level subsystem logger, disabled until the host
// process calls UseLogger, following the same convention as lnd's
// per-package loggers (see server.go / peer.go).
var log = btclog.Disabled

// UseLogger sets the subsystem logger used by package nostr.
func UseLogger(logger btclog.Logger) {
	log = logger
}
