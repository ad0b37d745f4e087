// Package rider implements the Rider-side Ride Coordinator (C6): a
// single-goroutine command loop, modeled on server.go/peer.go's
// single-goroutine-owns-state design and htlcswitch.Switch's
// err-channel/result-channel pending-request pattern for commands
// that await a network round trip.
package rider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btclog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/rideflare/ridecore/nostr"
	"github.com/rideflare/ridecore/payment"
	"github.com/rideflare/ridecore/ridefsm"
	"github.com/rideflare/ridecore/runtime"
	"github.com/rideflare/ridecore/session"
)

var log = btclog.Disabled

// UseLogger sets the subsystem logger used by package rider.
func UseLogger(logger btclog.Logger) {
	log = logger
}

const (
	// MaxPinAttempts is the brute-force cutoff from spec.md §4.6.
	MaxPinAttempts = 3

	// StaleDriverWindow bounds discovery by local receive time, not
	// created_at, since relay latency can backdate fresh heartbeats.
	StaleDriverWindow = 10 * time.Minute

	directTimeout    = 15 * time.Second
	broadcastTimeout = 120 * time.Second

	feeBufferBps = 200 // 2% fee buffer, in basis points
)

// OfferMode discriminates the three offer emission shapes from
// spec.md §4.6.
type OfferMode int

const (
	OfferModeDirect OfferMode = iota
	OfferModeBroadcast
	OfferModeRoadFlare
)

// DriverSighting is one observed AVAILABILITY heartbeat, tracked by
// local receive time for staleness purposes.
type DriverSighting struct {
	PubKey     string
	Geohash    string
	MintURL    string
	Methods    []string
	ReceivedAt time.Time
}

// Status is what the coordinator reports to the UI-facing layer.
type Status struct {
	Stage   ridefsm.State
	Context ridefsm.Context
	Warning string
}

// Coordinator drives the rider role. All mutable state is owned by
// the run loop goroutine; every other method only ever sends a command
// onto cmds and (if it needs a result) waits on a dedicated channel,
// following htlcswitch.Switch.SendHTLC's pending-request shape.
type Coordinator struct {
	rt *runtime.Runtime

	cmds   chan func(*state)
	events chan *nostr.Event
	done   chan struct{}

	statusMu sync.RWMutex
	status   Status

	driversMu sync.Mutex
	drivers   map[string]DriverSighting

	discoverLimiter *rate.Limiter
}

// state is the run-loop-private mutable ride state; it is never
// touched from any other goroutine.
type state struct {
	active bool
	ride   ridefsm.Context
	phase  ridefsm.State

	offerMode         OfferMode
	hasAcceptedDriver bool
	offerID           string
	pin               string
	preimage          payment.Preimage

	precisePickup      string
	preciseDestination string
	pickupGeohash      string
	pickupRevealed     bool
	destRevealed       bool

	driverActionCursor       int
	processedCancellationIDs map[string]bool
}

// New constructs a Coordinator bound to rt. Call Start to launch its
// run loop.
func New(rt *runtime.Runtime) *Coordinator {
	return &Coordinator{
		rt:              rt,
		cmds:            make(chan func(*state), 64),
		events:          make(chan *nostr.Event, 256),
		done:            make(chan struct{}),
		drivers:         make(map[string]DriverSighting),
		discoverLimiter: rate.NewLimiter(rate.Every(time.Second), 4),
	}
}

// Start launches the command loop. Callers must call Stop on teardown.
func (c *Coordinator) Start() {
	go c.run()
}

// Stop tears down all subscriptions owned by this coordinator and
// terminates the run loop.
func (c *Coordinator) Stop() {
	c.rt.Subs.CloseAll("DRIVERS", "ACCEPTANCES", "DRIVER_STATE", "CHAT", "CANCELLATION", "AVAILABILITY")
	c.rt.Subs.CloseGroup("PROFILES")
	close(c.done)
}

func (c *Coordinator) run() {
	s := &state{
		processedCancellationIDs: make(map[string]bool),
	}
	c.restoreFromSession(s)
	for {
		select {
		case <-c.done:
			return
		case cmd := <-c.cmds:
			cmd(s)
		case ev := <-c.events:
			c.handleEvent(s, ev)
		}
	}
}

// restoreFromSession rehydrates a crashed-and-restarted process's
// in-flight ride from the last persisted snapshot, per spec.md §4.8.
// A snapshot older than session.MaxSnapshotAge is discarded rather
// than resumed.
func (c *Coordinator) restoreFromSession(s *state) {
	if c.rt.Session == nil {
		return
	}
	snap, err := session.Restore(c.rt.Session, time.Now())
	if err != nil {
		log.Errorf("rider: restore session: %v", err)
		return
	}
	if snap == nil {
		return
	}
	s.active = true
	s.phase = snap.State
	s.ride = snap.Context
	s.hasAcceptedDriver = snap.State != ridefsm.StateCreated
	s.offerID = snap.Context.LastChainedEventID
	s.precisePickup = snap.Context.PrecisePickup
	s.preciseDestination = snap.Context.PreciseDest
	s.driverActionCursor = snap.LastProcessedDriverActionCount
	log.Infof("rider: restored in-flight ride at stage %s", s.phase)
	c.setStatus(Status{Stage: s.phase, Context: s.ride, Warning: "restored in-flight ride after restart"})
}

func (c *Coordinator) exec(fn func(*state)) {
	done := make(chan struct{})
	c.cmds <- func(s *state) {
		fn(s)
		close(done)
	}
	<-done
}

func (c *Coordinator) setStatus(st Status) {
	c.statusMu.Lock()
	c.status = st
	c.statusMu.Unlock()
}

// Status returns the last reported UI-facing status.
func (c *Coordinator) Status() Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

// DiscoverDrivers subscribes to AVAILABILITY events within the given
// geohash prefixes (precision 4 for local, 3 for expanded) and returns
// the current snapshot of non-stale, payment-method-compatible
// drivers. Fan-out across prefixes uses errgroup the way concurrent
// discovery queries are grouped elsewhere in the corpus.
func (c *Coordinator) DiscoverDrivers(ctx context.Context, geohashPrefixes []string, myMethods []string) ([]DriverSighting, error) {
	if err := c.discoverLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	var g errgroup.Group
	for _, prefix := range geohashPrefixes {
		prefix := prefix
		g.Go(func() error {
			c.subscribeAvailability(prefix)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return c.compatibleDrivers(myMethods), nil
}

func (c *Coordinator) subscribeAvailability(geohashPrefix string) {
	since := time.Now().Add(-StaleDriverWindow).Unix()
	filter := nostr.Filter{
		Kinds: []nostr.Kind{nostr.KindAvailability},
		Since: &since,
		Tags:  map[string][]string{"g": {geohashPrefix}},
	}

	handle := c.rt.Relay.Subscribe([]nostr.Filter{filter}, func(ev *nostr.Event) {
		c.events <- ev
	})
	c.rt.Subs.Set("DRIVERS", handle)
}

func (c *Coordinator) compatibleDrivers(myMethods []string) []DriverSighting {
	cutoff := time.Now().Add(-StaleDriverWindow)

	c.driversMu.Lock()
	defer c.driversMu.Unlock()

	var out []DriverSighting
	for pub, d := range c.drivers {
		if d.ReceivedAt.Before(cutoff) {
			delete(c.drivers, pub)
			continue
		}
		if methodsIntersect(myMethods, d.Methods) {
			out = append(out, d)
		}
	}
	return out
}

func methodsIntersect(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return true
	}
	set := make(map[string]bool, len(a))
	for _, m := range a {
		set[m] = true
	}
	for _, m := range b {
		if set[m] {
			return true
		}
	}
	return false
}

func (c *Coordinator) recordAvailability(ev *nostr.Event) {
	geo, _ := ev.Tags.Find("g")
	var methods []string
	for _, m := range ev.Tags.FindAll("method") {
		methods = append(methods, m.Value())
	}
	c.driversMu.Lock()
	c.drivers[ev.PubKey] = DriverSighting{
		PubKey:     ev.PubKey,
		Geohash:    geo.Value(),
		Methods:    methods,
		ReceivedAt: time.Now(),
	}
	c.driversMu.Unlock()
}

func (c *Coordinator) handleEvent(s *state, ev *nostr.Event) {
	switch ev.Kind {
	case nostr.KindAvailability:
		c.recordAvailability(ev)
	case nostr.KindAcceptance:
		c.onAcceptance(s, ev)
	case nostr.KindDriverState:
		c.onDriverState(s, ev)
	case nostr.KindCancellation:
		c.onCancellation(s, ev)
	}
}

// fareWithBuffer applies the 2% fee buffer from spec.md §4.6 to the
// balance check ahead of an offer.
func fareWithBuffer(fareSats int64) int64 {
	return fareSats + (fareSats*feeBufferBps)/10000
}

var errInsufficientBalance = fmt.Errorf("rider: insufficient balance for fare plus fee buffer")
