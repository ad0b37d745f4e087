// ridecli is the operator-facing command line for the ride-coordinator
// roles. It does not talk to a running ridecored over any wire
// protocol: each invocation loads the same identity key, session
// store, and history log from --datadir, builds its own in-process
// runtime.Runtime and role coordinator, calls Start to restore
// whatever ride is already in flight, runs exactly one operation, and
// tears back down. Two short-lived ridecli calls against the same
// datadir see the same ride, and so does a concurrently running
// ridecored. Modeled on cmd/lncli's urfave/cli command-table shape
// (one subcommand per daemon RPC, colorized status lines), generalized
// from lncli's protobuf-stub calls to direct coordinator method calls.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btclog"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli"

	"github.com/rideflare/ridecore/driver"
	"github.com/rideflare/ridecore/internal/logshim"
	"github.com/rideflare/ridecore/nostr"
	"github.com/rideflare/ridecore/payment"
	"github.com/rideflare/ridecore/relay"
	"github.com/rideflare/ridecore/rider"
	"github.com/rideflare/ridecore/ridefsm"
	"github.com/rideflare/ridecore/runtime"
)

func main() {
	app := cli.NewApp()
	app.Name = "ridecli"
	app.Usage = "drive a ride-coordinator role in-process against a shared datadir"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "datadir", Value: defaultDataDir(), Usage: "directory shared with ridecored"},
		cli.StringSliceFlag{Name: "relay", Usage: "relay websocket URL; may be repeated"},
		cli.StringFlag{Name: "privkey", Usage: "hex identity key; defaults to datadir/identity.key"},
		cli.StringFlag{Name: "adminpubkey", Usage: "hex pubkey trusted to publish CONFIG events"},
		cli.StringFlag{Name: "minturl", Usage: "this node's home Cashu mint base URL"},
		cli.StringFlag{Name: "walletid", Value: "default", Usage: "opaque wallet handle passed to the mint"},
	}
	app.Commands = []cli.Command{
		statusCommand,
		offerCommand,
		discoverCommand,
		offersCommand,
		acceptCommand,
		driveCommand,
		pinCommand,
		completeCommand,
		cancelCommand,
		locationCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ridecli: %v\n", color.RedString(err.Error()))
		os.Exit(1)
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ridecore"
	}
	return filepath.Join(home, ".ridecore")
}

// cliSession bundles the in-process runtime plumbing one ridecli
// invocation needs; callers must call close when done.
type cliSession struct {
	rt *runtime.Runtime
}

func (s *cliSession) close() {
	s.rt.Close()
}

// openRuntime loads (or generates) the identity at datadir, connects
// to the configured relays, and constructs a runtime.Runtime, the same
// collaborators cmd/ridecored wires up, so a coordinator built on top
// behaves identically whether it runs inside the daemon or a one-shot
// ridecli call.
func openRuntime(ctx *cli.Context) (*cliSession, error) {
	dataDir := ctx.GlobalString("datadir")
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("ridecli: create datadir: %w", err)
	}
	if err := logshim.InitLogRotator(filepath.Join(dataDir, "ridecli.log"), 10, 3); err != nil {
		return nil, err
	}
	log = logshim.Logger(logshim.SubsystemCLI)

	priv, err := loadOrCreateIdentity(dataDir, ctx.GlobalString("privkey"))
	if err != nil {
		return nil, err
	}
	var rawPriv [32]byte
	copy(rawPriv[:], priv.Serialize())
	signer := nostr.NewPrivKeySigner(rawPriv)

	relayClient := relay.New()
	relayClient.Connect(ctx.GlobalStringSlice("relay"))

	mint := payment.NewCashuMintClient(ctx.GlobalString("minturl"), ctx.GlobalString("walletid"))
	rt := runtime.New(priv, signer, relayClient, mint, ctx.GlobalString("adminpubkey"), dataDir)

	if err := relayClient.EnsureConnected(context.Background()); err != nil {
		log.Warnf("ridecli: relay connect: %v", err)
	}

	return &cliSession{rt: rt}, nil
}

// loadOrCreateIdentity mirrors cmd/ridecored's identity loading so both
// binaries derive the same pubkey from the same datadir.
func loadOrCreateIdentity(dataDir, keyHex string) (*btcec.PrivateKey, error) {
	if keyHex != "" {
		raw, err := hex.DecodeString(keyHex)
		if err != nil || len(raw) != 32 {
			return nil, fmt.Errorf("ridecli: --privkey must be 32 bytes hex")
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
		return nil, fmt.Errorf("ridecli: generate identity key: %w", err)
	}
	if err := os.WriteFile(keyPath, priv.Serialize(), 0600); err != nil {
		return nil, fmt.Errorf("ridecli: persist identity key: %w", err)
	}
	return priv, nil
}

func printStatus(stage ridefsm.State, rideCtx ridefsm.Context, warning string) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"field", "value"})
	t.AppendRow(table.Row{"stage", color.CyanString(stage.String())})
	if warning != "" {
		t.AppendRow(table.Row{"warning", color.YellowString(warning)})
	}
	t.AppendRow(table.Row{"rider", rideCtx.RiderPubKey})
	t.AppendRow(table.Row{"driver", rideCtx.DriverPubKey})
	t.AppendRow(table.Row{"pickup", rideCtx.ApproxPickup})
	t.AppendRow(table.Row{"destination", rideCtx.ApproxDestination})
	t.AppendRow(table.Row{"fare (sats)", rideCtx.FareEstimateSats})
	t.Render()
}

var statusCommand = cli.Command{
	Name:  "status",
	Usage: "show the active ride's stage and context (rider role)",
	Action: func(ctx *cli.Context) error {
		s, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		c := rider.New(s.rt)
		c.Start()
		defer c.Stop()

		st := c.Status()
		printStatus(st.Stage, st.Context, st.Warning)
		return nil
	},
}

var offerCommand = cli.Command{
	Name:  "offer",
	Usage: "send a ride offer (rider role)",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "mode", Value: "broadcast", Usage: "direct, broadcast, or roadflare"},
		cli.StringFlag{Name: "driver", Usage: "direct/roadflare target pubkey"},
		cli.StringFlag{Name: "pickup"},
		cli.StringFlag{Name: "destination"},
		cli.Int64Flag{Name: "fare-sats"},
		cli.StringFlag{Name: "mint"},
		cli.StringFlag{Name: "payment-method", Value: "cashu"},
	},
	Action: func(ctx *cli.Context) error {
		s, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		c := rider.New(s.rt)
		c.Start()
		defer c.Stop()

		offerID, pin, err := c.SendOffer(rider.OfferRequest{
			Mode:              offerMode(ctx.String("mode")),
			DirectDriverPub:   ctx.String("driver"),
			ApproxPickup:      ctx.String("pickup"),
			ApproxDestination: ctx.String("destination"),
			FareEstimateSats:  ctx.Int64("fare-sats"),
			MintURL:           ctx.String("mint"),
			PaymentMethod:     ctx.String("payment-method"),
		})
		if err != nil {
			return err
		}
		fmt.Printf("offer %s sent. rider PIN: %s\n", color.CyanString(offerID), color.GreenString(pin))
		return nil
	},
}

func offerMode(s string) rider.OfferMode {
	switch s {
	case "direct":
		return rider.OfferModeDirect
	case "roadflare":
		return rider.OfferModeRoadFlare
	default:
		return rider.OfferModeBroadcast
	}
}

var discoverCommand = cli.Command{
	Name:  "discover",
	Usage: "list drivers observed under the given geohash prefixes (rider role)",
	Flags: []cli.Flag{
		cli.StringSliceFlag{Name: "geohash"},
		cli.StringSliceFlag{Name: "method"},
		cli.IntFlag{Name: "timeout-seconds", Value: 5},
	},
	Action: func(ctx *cli.Context) error {
		s, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		c := rider.New(s.rt)
		c.Start()
		defer c.Stop()

		timeout := time.Duration(ctx.Int("timeout-seconds")) * time.Second
		dctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		sightings, err := c.DiscoverDrivers(dctx, ctx.StringSlice("geohash"), ctx.StringSlice("method"))
		if err != nil {
			return err
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"pubkey", "geohash", "mint", "methods"})
		for _, sight := range sightings {
			t.AppendRow(table.Row{sight.PubKey, sight.Geohash, sight.MintURL, fmt.Sprint(sight.Methods)})
		}
		t.Render()
		return nil
	},
}

var offersCommand = cli.Command{
	Name:  "offers",
	Usage: "list candidate offers (driver role)",
	Action: func(ctx *cli.Context) error {
		s, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		c := driverCoordinator(ctx, s)
		c.Start()
		defer c.Stop()

		offers := c.PendingOffers()
		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"id", "rider", "pickup", "destination", "fare (sats)", "method"})
		for _, o := range offers {
			t.AppendRow(table.Row{o.ID, o.RiderPubKey, o.Pickup, o.Destination, o.FareSats, o.PaymentMethod})
		}
		t.Render()
		return nil
	},
}

var acceptCommand = cli.Command{
	Name:      "accept",
	Usage:     "accept an offer by id (driver role)",
	ArgsUsage: "<offer-id>",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return fmt.Errorf("usage: ridecli accept <offer-id>")
		}
		s, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		c := driverCoordinator(ctx, s)
		c.Start()
		defer c.Stop()

		if err := c.Accept(ctx.Args().First()); err != nil {
			return err
		}
		fmt.Println(color.GreenString("accepted"))
		return nil
	},
}

var driveCommand = cli.Command{
	Name:      "drive",
	Usage:     "advance driver status: en-route, arrived, in-progress",
	ArgsUsage: "<en-route|arrived|in-progress>",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return fmt.Errorf("usage: ridecli drive <en-route|arrived|in-progress>")
		}
		var phase ridefsm.DriverPhase
		switch ctx.Args().First() {
		case "en-route":
			phase = ridefsm.PhaseEnRoutePickup
		case "arrived":
			phase = ridefsm.PhaseArrived
		case "in-progress":
			phase = ridefsm.PhaseInProgress
		default:
			return fmt.Errorf("unknown phase %q", ctx.Args().First())
		}

		s, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		c := driverCoordinator(ctx, s)
		c.Start()
		defer c.Stop()

		if err := c.StatusUpdate(phase); err != nil {
			return err
		}
		fmt.Println(color.GreenString("status updated to %s", ctx.Args().First()))
		return nil
	},
}

var pinCommand = cli.Command{
	Name:      "pin",
	Usage:     "submit the rider's PIN (driver role)",
	ArgsUsage: "<pin>",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return fmt.Errorf("usage: ridecli pin <pin>")
		}
		s, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		c := driverCoordinator(ctx, s)
		c.Start()
		defer c.Stop()

		return c.SubmitPIN(ctx.Args().First())
	},
}

var completeCommand = cli.Command{
	Name:  "complete",
	Usage: "complete the active ride once payment is claimed (driver role)",
	Action: func(ctx *cli.Context) error {
		s, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		c := driverCoordinator(ctx, s)
		c.Start()
		defer c.Stop()

		if err := c.Complete(); err != nil {
			return err
		}
		fmt.Println(color.GreenString("ride completed"))
		return nil
	},
}

var cancelCommand = cli.Command{
	Name:      "cancel",
	Usage:     "cancel the active ride",
	ArgsUsage: "[reason]",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "role", Value: "rider", Usage: "rider or driver"},
	},
	Action: func(ctx *cli.Context) error {
		s, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		reason := ctx.Args().First()
		if ctx.String("role") == "driver" {
			c := driverCoordinator(ctx, s)
			c.Start()
			defer c.Stop()
			c.Cancel(reason)
		} else {
			c := rider.New(s.rt)
			c.Start()
			defer c.Stop()
			c.Cancel(reason)
		}
		fmt.Println(color.GreenString("cancelled"))
		return nil
	},
}

var locationCommand = cli.Command{
	Name:      "location",
	Usage:     "report current geohash (driver role)",
	ArgsUsage: "<geohash>",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return fmt.Errorf("usage: ridecli location <geohash>")
		}
		s, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		c := driverCoordinator(ctx, s)
		c.Start()
		defer c.Stop()

		c.ReportLocation(ctx.Args().First())
		return nil
	},
}

// driverCoordinator constructs a driver.Coordinator with the
// availability mode/methods/mint taken from the global runtime flags;
// ridecli has no standing driver process, so every driver-role command
// rebuilds this the same way cmd/ridecored would at startup.
func driverCoordinator(ctx *cli.Context, s *cliSession) *driver.Coordinator {
	return driver.New(s.rt, driver.AvailabilityVisible, []string{"cashu"}, ctx.GlobalString("minturl"))
}

var log = btclog.Disabled
