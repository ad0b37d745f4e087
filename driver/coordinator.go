// Package driver implements the Driver-side Ride Coordinator (C7): the
// same single-goroutine command-loop shape as package rider, driving
// availability broadcast, offer ingestion, acceptance, status
// publishing, PIN exchange, and payment claim from the driver's side
// of a ride.
package driver

import (
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btclog"
	"golang.org/x/time/rate"

	"github.com/rideflare/ridecore/nostr"
	"github.com/rideflare/ridecore/ridefsm"
	"github.com/rideflare/ridecore/runtime"
	"github.com/rideflare/ridecore/session"
)

var log = btclog.Disabled

// UseLogger sets the subsystem logger used by package driver.
func UseLogger(logger btclog.Logger) {
	log = logger
}

const (
	// MaxPinAttempts mirrors rider.MaxPinAttempts; the watchdog on this
	// side force-cancels on the same third-attempt threshold rather
	// than waiting on the rider's own enforcement, per spec.md §4.7's
	// breach-style "detect violation, force-terminate" contract.
	MaxPinAttempts = 3

	// OfferMaxAge drops ingested offers older than this, per spec.md
	// §4.7's "drop offers older than 2 min" filter.
	OfferMaxAge = 2 * time.Minute

	// PinVerifyTimeout is the 30 s window the driver waits for
	// RIDER_STATE.PinVerify before surfacing "retry or cancel".
	PinVerifyTimeout = 30 * time.Second

	heartbeatInterval   = 5 * time.Minute
	heartbeatMinInterval = 30 * time.Second

	directTimeout = 15 * time.Second
)

// AvailabilityMode discriminates the two heartbeat shapes from
// spec.md §4.7.
type AvailabilityMode int

const (
	// AvailabilityVisible publishes a geohash-tagged heartbeat,
	// discoverable by AVAILABILITY geohash-prefix subscriptions.
	AvailabilityVisible AvailabilityMode = iota
	// AvailabilityRoadFlareOnly publishes a locationless heartbeat:
	// invisible to geographic search, still followable by pubkey.
	AvailabilityRoadFlareOnly
)

// Status is what the coordinator reports to the UI-facing layer.
type Status struct {
	Stage   ridefsm.State
	Context ridefsm.Context
	Warning string
}

// offerRecord is one ingested, still-candidate OFFER.
type offerRecord struct {
	EventID       string
	RiderPubKey   string
	CreatedAt     int64
	Pickup        string
	Destination   string
	FareSats      int64
	MintURL       string
	PaymentMethod string
	IsRoadFlare   bool
	Geohash       string
}

// Offer is the UI-facing read-only view of a candidate offer.
type Offer struct {
	ID            string
	RiderPubKey   string
	Pickup        string
	Destination   string
	FareSats      int64
	MintURL       string
	PaymentMethod string
	IsRoadFlare   bool
}

// Coordinator drives the driver role. All mutable state is owned by
// the run loop goroutine, following the same command-loop-via-closures
// shape as rider.Coordinator.
type Coordinator struct {
	rt *runtime.Runtime

	mode    AvailabilityMode
	methods []string
	mintURL string

	cmds   chan func(*state)
	events chan *nostr.Event
	done   chan struct{}

	statusMu sync.RWMutex
	status   Status

	discoverLimiter *rate.Limiter
}

// state is the run-loop-private mutable state; it is never touched
// from any other goroutine.
type state struct {
	active bool
	ride   ridefsm.Context
	phase  ridefsm.State

	geohash              string
	lastHeartbeatAt      time.Time
	lastHeartbeatGeo     string
	lastHeartbeatEventID string

	offersByID     map[string]offerRecord
	offersByRider  map[string]string // riderPubKey -> latest offerID
	takenOfferIDs  map[string]bool
	declinedOfferIDs map[string]bool

	confirmationID string
	claimed        bool

	pendingDepositQuoteID string
	pinSubmittedAt        time.Time
	pinVerifyDeadline     *time.Timer

	lastRiderStateID         string
	processedRiderStateIDs   map[string]bool
	processedCancellationIDs map[string]bool

	driverHistory []historyAction
}

// New constructs a Coordinator bound to rt, publishing availability in
// mode with the given advertised payment methods and mint URL.
func New(rt *runtime.Runtime, mode AvailabilityMode, methods []string, mintURL string) *Coordinator {
	return &Coordinator{
		rt:              rt,
		mode:            mode,
		methods:         methods,
		mintURL:         mintURL,
		cmds:            make(chan func(*state), 64),
		events:          make(chan *nostr.Event, 256),
		done:            make(chan struct{}),
		discoverLimiter: rate.NewLimiter(rate.Every(time.Second), 4),
	}
}

// Start launches the command loop, the availability heartbeat ticker,
// and the offer and deletion subscriptions; the confirmation,
// rider-state and cancellation subscriptions open once a ride is
// accepted. Callers must call Stop on teardown.
func (c *Coordinator) Start() {
	go c.run()
	go c.heartbeatLoop()
	c.subscribeIngestion()
}

// Stop tears down all subscriptions owned by this coordinator, lets
// the heartbeat goroutine exit, and terminates the run loop.
func (c *Coordinator) Stop() {
	c.rt.Subs.CloseAll("OFFERS", "CONFIRMATION", "RIDER_STATE", "CHAT", "CANCELLATION", "AVAILABILITY_SELF")
	c.rt.Subs.CloseGroup("REQUEST_ACCEPTANCES")
	c.rt.Subs.CloseGroup("RIDER_PROFILES")
	close(c.done)
}

func (c *Coordinator) run() {
	s := &state{
		offersByID:       make(map[string]offerRecord),
		offersByRider:    make(map[string]string),
		takenOfferIDs:          make(map[string]bool),
		declinedOfferIDs:       make(map[string]bool),
		processedRiderStateIDs: make(map[string]bool),
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

// restoreFromSession mirrors rider.Coordinator.restoreFromSession:
// rehydrates an in-flight ride from the last persisted snapshot,
// discarding anything older than session.MaxSnapshotAge.
func (c *Coordinator) restoreFromSession(s *state) {
	if c.rt.Session == nil {
		return
	}
	snap, err := session.Restore(c.rt.Session, time.Now())
	if err != nil {
		log.Errorf("driver: restore session: %v", err)
		return
	}
	if snap == nil {
		return
	}
	s.active = true
	s.phase = snap.State
	s.ride = snap.Context
	s.confirmationID = snap.Context.LastChainedEventID
	log.Infof("driver: restored in-flight ride at stage %s", s.phase)
	c.setStatus(Status{Stage: s.phase, Context: s.ride, Warning: "restored in-flight ride after restart"})
	c.resubscribeActiveRide(s.confirmationID)
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

func (c *Coordinator) handleEvent(s *state, ev *nostr.Event) {
	switch ev.Kind {
	case nostr.KindOffer:
		c.onOffer(s, ev)
	case nostr.KindAcceptance:
		c.onRequestAcceptance(s, ev)
	case nostr.KindConfirmation:
		c.onConfirmation(s, ev)
	case nostr.KindRiderState:
		c.onRiderState(s, ev)
	case nostr.KindCancellation:
		c.onCancellation(s, ev)
	case nostr.KindDeletion:
		c.onDeletion(s, ev)
	}
}

// onDeletion drops any still-candidate offer the rider has withdrawn.
func (c *Coordinator) onDeletion(s *state, ev *nostr.Event) {
	for _, tag := range ev.Tags.FindAll("e") {
		delete(s.offersByID, tag.Value())
	}
}

// resubscribeActiveRide (re-)opens the CONFIRMATION/RIDER_STATE/
// CANCELLATION subscriptions scoped to confirmationID, used both right
// after Accept (confirmationID is still the offer id at that point)
// and on session restore after a crash.
func (c *Coordinator) resubscribeActiveRide(confirmationID string) {
	confHandle := c.rt.Relay.Subscribe([]nostr.Filter{{
		Kinds: []nostr.Kind{nostr.KindConfirmation},
		Tags:  map[string][]string{"e": {confirmationID}},
	}}, func(ev *nostr.Event) { c.events <- ev })
	c.rt.Subs.Set("CONFIRMATION", confHandle)

	riderStateHandle := c.rt.Relay.Subscribe([]nostr.Filter{{
		Kinds: []nostr.Kind{nostr.KindRiderState},
		Tags:  map[string][]string{"e": {confirmationID}},
	}}, func(ev *nostr.Event) { c.events <- ev })
	c.rt.Subs.Set("RIDER_STATE", riderStateHandle)

	cancelHandle := c.rt.Relay.Subscribe([]nostr.Filter{{
		Kinds: []nostr.Kind{nostr.KindCancellation},
		Tags:  map[string][]string{"e": {confirmationID}},
	}}, func(ev *nostr.Event) { c.events <- ev })
	c.rt.Subs.Set("CANCELLATION", cancelHandle)
}

var errNoSuchOffer = fmt.Errorf("driver: no such candidate offer")
var errNotArrived = fmt.Errorf("driver: not yet at ARRIVED")
var errAlreadyOnRide = fmt.Errorf("driver: already committed to an active ride")
var errPaymentNotClaimed = fmt.Errorf("driver: payment has not been claimed yet")
