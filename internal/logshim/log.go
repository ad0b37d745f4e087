// Package logshim wires the per-package btclog.Logger convention every
// ridecore package already exposes (a package-level UseLogger(btclog.Logger))
// to a single rotating backend, the way lnd's root log.go fans one
// btclog.Backend out to every subsystem's SetLoggerBackend call.
package logshim

import (
	"fmt"
	"os"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"

	"github.com/rideflare/ridecore/driver"
	"github.com/rideflare/ridecore/fareconfig"
	"github.com/rideflare/ridecore/history"
	"github.com/rideflare/ridecore/nostr"
	"github.com/rideflare/ridecore/payment"
	"github.com/rideflare/ridecore/relay"
	"github.com/rideflare/ridecore/rider"
	"github.com/rideflare/ridecore/session"
	"github.com/rideflare/ridecore/subreg"
)

// subsystem tags, mirroring lnd's two-to-four letter subsystem codes
// (PEER, RPCS, ...) so log lines stay easy to grep by package.
const (
	subsystemRelay = "RLY"
	subsystemSub   = "SUB"
	subsystemPay   = "PAY"
	subsystemNostr = "NOS"
	subsystemRider = "RDR"
	subsystemDriv  = "DRV"
	subsystemSess  = "SES"
	subsystemHist  = "HIS"
	subsystemCfg   = "CFG"
	// SubsystemDaemon and SubsystemCLI are the tags cmd/ridecored and
	// cmd/ridecli log their own output under; exported so those main
	// packages can fetch a logger via Logger(tag) after
	// InitLogRotator runs, since neither has a UseLogger hook of its
	// own to wire through UseLoggers.
	SubsystemDaemon = "RICD"
	SubsystemCLI    = "RCLI"
)

// backend is the process-wide log backend; nil until InitLogRotator runs.
var backend *btclog.Backend

// logRotator is retained only so Flush has something to act on at shutdown.
var logRotator *rotator.Rotator

// UseLoggers constructs one subsystem logger per subsystem tag against
// backend and fans each into the matching package's UseLogger, exactly
// the wiring lnd's root log.go performs for every subsystem it owns.
func UseLoggers(b *btclog.Backend) {
	backend = b
	relay.UseLogger(b.Logger(subsystemRelay))
	subreg.UseLogger(b.Logger(subsystemSub))
	payment.UseLogger(b.Logger(subsystemPay))
	nostr.UseLogger(b.Logger(subsystemNostr))
	rider.UseLogger(b.Logger(subsystemRider))
	driver.UseLogger(b.Logger(subsystemDriv))
	session.UseLogger(b.Logger(subsystemSess))
	history.UseLogger(b.Logger(subsystemHist))
	fareconfig.UseLogger(b.Logger(subsystemCfg))
}

// Logger returns a logger for an arbitrary subsystem tag (e.g.
// SubsystemDaemon), for use by main packages that have no UseLogger
// hook of their own to wire through UseLoggers. Returns btclog.Disabled
// if InitLogRotator has not run yet.
func Logger(tag string) btclog.Logger {
	if backend == nil {
		return btclog.Disabled
	}
	return backend.Logger(tag)
}

// InitLogRotator initializes a rotating file logger at logFile (rolled
// at maxLogFileSize megabytes, maxLogFiles files retained) and a
// stdout writer, combines both
// into a single btclog.Backend, and wires every subsystem logger to it.
// Mirrors lnd's initLogRotator in cmd/lncli/legacy, generalized from a
// single global log file to whatever dataDir the caller configured.
func InitLogRotator(logFile string, maxLogFileSize, maxLogFiles int) error {
	r, err := rotator.New(logFile, int64(maxLogFileSize)*1024, false, maxLogFiles)
	if err != nil {
		return fmt.Errorf("logshim: create log rotator: %w", err)
	}
	logRotator = r

	b := btclog.NewBackend(logWriter{rotator: r})
	UseLoggers(b)
	return nil
}

// logWriter fans every write to both stdout and the rotator, the same
// split lnd's logWriter performs.
type logWriter struct {
	rotator *rotator.Rotator
}

func (w logWriter) Write(p []byte) (int, error) {
	os.Stdout.Write(p)
	return w.rotator.Write(p)
}

// SetLevel sets the level of every wired subsystem logger at once; used
// by cmd/ridecored's --debuglevel flag.
func SetLevel(level btclog.Level) {
	if backend == nil {
		return
	}
	for _, tag := range []string{
		subsystemRelay, subsystemSub, subsystemPay, subsystemNostr,
		subsystemRider, subsystemDriv, subsystemSess, subsystemHist, subsystemCfg,
		SubsystemDaemon, SubsystemCLI,
	} {
		backend.Logger(tag).SetLevel(level)
	}
}

// Flush closes the rotator so buffered log lines reach disk before exit.
func Flush() {
	if logRotator != nil {
		logRotator.Close()
	}
}
