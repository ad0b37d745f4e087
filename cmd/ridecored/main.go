// ridecored is the long-running process a rider or driver keeps open
// for the duration of a ride: it owns the identity key, the relay
// connections, and one role coordinator (rider.Coordinator or
// driver.Coordinator). It exposes no wire control surface of its own;
// cmd/ridecli talks to the same session store and history log from
// its own short-lived process instead. Modeled on lnd.go's lndMain:
// load config, wire up logging, construct the shared runtime, start
// the role, block on a shutdown signal.
package main

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btclog"
	flags "github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rideflare/ridecore/driver"
	"github.com/rideflare/ridecore/internal/logshim"
	"github.com/rideflare/ridecore/nostr"
	"github.com/rideflare/ridecore/payment"
	"github.com/rideflare/ridecore/relay"
	"github.com/rideflare/ridecore/rider"
	"github.com/rideflare/ridecore/runtime"
)

// config is ridecored's full flag/ini surface, parsed by go-flags the
// same way lnd.go's loadConfig parses its config struct.
type config struct {
	Role        string   `long:"role" description:"rider or driver" default:"rider"`
	DataDir     string   `long:"datadir" description:"directory for the session store, history log, and logs" default:"~/.ridecore"`
	RelayURLs   []string `long:"relay" description:"relay websocket URL; may be repeated"`
	PrivKeyHex  string   `long:"privkey" description:"hex-encoded secp256k1 identity key; generated and persisted on first run if empty"`
	AdminPubKey string   `long:"adminpubkey" description:"hex pubkey trusted to publish CONFIG events"`
	MintURL     string   `long:"minturl" description:"this node's home Cashu mint base URL"`
	WalletID    string   `long:"walletid" description:"opaque wallet handle passed to the mint" default:"default"`

	// driver-only
	AvailabilityMode string   `long:"availability" description:"visible or roadflare-only" default:"visible"`
	PaymentMethods   []string `long:"paymentmethod" description:"advertised payment methods; may be repeated" default:"cashu"`

	MetricsAddr string `long:"metricsaddr" description:"address to serve /metrics on; empty disables it" default:"127.0.0.1:9900"`
	DebugLevel  string `long:"debuglevel" description:"btclog level name (trace, debug, info, warn, error, critical, off)" default:"info"`
	LogFile     string `long:"logfile" description:"log file path; defaults under datadir"`
}

func ridecoredMain() error {
	var cfg config
	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		return err
	}

	dataDir := expandPath(cfg.DataDir)
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("ridecored: create datadir: %w", err)
	}

	logFile := cfg.LogFile
	if logFile == "" {
		logFile = filepath.Join(dataDir, "ridecored.log")
	}
	if err := logshim.InitLogRotator(logFile, 10, 3); err != nil {
		return err
	}
	defer logshim.Flush()
	log = logshim.Logger(logshim.SubsystemDaemon)
	if level, ok := btclog.LevelFromString(cfg.DebugLevel); ok {
		logshim.SetLevel(level)
	}

	priv, err := loadOrCreateIdentity(dataDir, cfg.PrivKeyHex)
	if err != nil {
		return err
	}
	var rawPriv [32]byte
	copy(rawPriv[:], priv.Serialize())
	signer := nostr.NewPrivKeySigner(rawPriv)
	log.Infof("ridecored: identity %s", signer.PubKeyHex())

	relayClient := relay.New()
	reg := prometheus.NewRegistry()
	relayClient.Register(reg)
	relayClient.Connect(cfg.RelayURLs)

	mint := payment.NewCashuMintClient(cfg.MintURL, cfg.WalletID)
	rt := runtime.New(priv, signer, relayClient, mint, cfg.AdminPubKey, dataDir)
	defer rt.Close()

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, reg)
	}

	switch cfg.Role {
	case "rider":
		c := rider.New(rt)
		c.Start()
		defer c.Stop()
		waitForShutdown()
		return nil
	case "driver":
		mode := driver.AvailabilityVisible
		if cfg.AvailabilityMode == "roadflare-only" {
			mode = driver.AvailabilityRoadFlareOnly
		}
		c := driver.New(rt, mode, cfg.PaymentMethods, cfg.MintURL)
		c.Start()
		defer c.Stop()
		waitForShutdown()
		return nil
	default:
		return fmt.Errorf("ridecored: unknown role %q (want rider or driver)", cfg.Role)
	}
}

// waitForShutdown blocks until SIGINT/SIGTERM arrives, mirroring
// lnd.go's shutdownChannel pattern. ridecored keeps no control socket
// open: cmd/ridecli talks to the same on-disk session store and
// history log from its own process instead of over a wire RPC.
func waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Infof("ridecored: shutting down")
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorf("ridecored: metrics server: %v", err)
	}
}

// loadOrCreateIdentity decodes keyHex if given, else loads (or creates
// and persists) a 32-byte key file under dataDir, the same
// generate-once-and-persist shape lnd uses for its seed.
func loadOrCreateIdentity(dataDir, keyHex string) (*btcec.PrivateKey, error) {
	if keyHex != "" {
		raw, err := hex.DecodeString(keyHex)
		if err != nil || len(raw) != 32 {
			return nil, fmt.Errorf("ridecored: --privkey must be 32 bytes hex")
		}
		priv, _ := btcec.PrivKeyFromBytes(raw)
		return priv, nil
	}

	keyPath := filepath.Join(dataDir, "identity.key")
	if raw, err := os.ReadFile(keyPath); err == nil && len(raw) == 32 {
		priv, _ := btcec.PrivKeyFromBytes(raw)
		return priv, nil
	}

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("ridecored: generate identity key: %w", err)
	}
	if err := os.WriteFile(keyPath, priv.Serialize(), 0600); err != nil {
		return nil, fmt.Errorf("ridecored: persist identity key: %w", err)
	}
	return priv, nil
}

func expandPath(p string) string {
	if len(p) >= 2 && p[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}

var log = btclog.Disabled

func main() {
	if err := ridecoredMain(); err != nil {
		fmt.Fprintf(os.Stderr, "ridecored: %v\n", err)
		os.Exit(1)
	}
}
