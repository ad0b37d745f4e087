// Package ridefsm implements the pure ride state transition function
// shared by both the rider and driver coordinators. It performs no I/O
// and holds no shared state: every call takes the current state and
// context and returns either a new state/context pair or a reason the
// transition was rejected.
package ridefsm

import (
	"encoding/json"
	"fmt"
)

// State is a ride's position in its lifecycle.
type State int

const (
	StateCreated State = iota
	StateAccepted
	StateConfirmed
	StateEnRoute
	StateArrived
	StateInProgress
	StateCompleted
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateAccepted:
		return "ACCEPTED"
	case StateConfirmed:
		return "CONFIRMED"
	case StateEnRoute:
		return "EN_ROUTE"
	case StateArrived:
		return "ARRIVED"
	case StateInProgress:
		return "IN_PROGRESS"
	case StateCompleted:
		return "COMPLETED"
	case StateCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON renders s as its name rather than its numeric value, so
// any JSON-facing consumer sees "ARRIVED" instead of 4.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// IsTerminal reports whether s is a terminal ride state.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// DriverPhase mirrors State for driver-authored StatusUpdate events.
type DriverPhase int

const (
	PhaseEnRoutePickup DriverPhase = iota
	PhaseArrived
	PhaseInProgress
	PhaseCompleted
	PhaseCancelled
)

// Context is the mutable per-ride record the state machine advances.
// Fields are intentionally plain data; the machine never performs I/O
// against any of them.
type Context struct {
	RiderPubKey  string
	DriverPubKey string

	ApproxPickup      string
	ApproxDestination string
	PrecisePickup     string
	PreciseDest       string

	FareEstimateSats int64
	PaymentHash      string
	EscrowToken      string
	PaymentPath      PaymentPath

	RiderMintURL  string
	DriverMintURL string

	PinAttempt int

	LastChainedEventID string
	PublishedEventIDs  []string
}

// PaymentPath describes how settlement will occur for a ride.
type PaymentPath int

const (
	PaymentPathUnknown PaymentPath = iota
	PaymentPathSameMint
	PaymentPathCrossMint
	PaymentPathFiatCash
	PaymentPathNone
)

// EventKind discriminates the inputs the machine accepts.
type EventKind int

const (
	EventCreate EventKind = iota
	EventAccept
	EventConfirm
	EventStatusUpdate
	EventPinSubmit
	EventPinVerify
	EventRevealLocation
	EventShareBridgeInvoice
	EventBridgeComplete
	EventComplete
	EventCancel
	EventExpire
)

// Event is a single input to the machine. Only the fields relevant to
// Kind are consulted; the rest are ignored.
type Event struct {
	Kind EventKind

	// EventAccept
	AcceptDriverPubKey string
	AcceptMintURL      string

	// EventConfirm
	ConfirmPrecisePickup string
	ConfirmPaymentHash   string
	ConfirmEscrowToken   string

	// EventStatusUpdate
	StatusPhase    DriverPhase
	StatusAuthorPK string

	// EventPinVerify
	PinVerified bool

	// EventCancel
	CancelByPubKey string
	CancelReason   string
}

// Result is the outcome of a transition attempt.
type Result struct {
	Valid      bool
	NewState   State
	NewContext Context
	Reason     string
}

// Invalid builds a rejected Result carrying reason.
func Invalid(reason string) Result {
	return Result{Valid: false, Reason: reason}
}

func valid(state State, ctx Context) Result {
	return Result{Valid: true, NewState: state, NewContext: ctx}
}

// Transition evaluates event against (state, ctx) per the transition
// table in spec.md §4.5, returning either a Valid result with the new
// state/context or an Invalid result the caller must log and drop
// without mutating anything.
func Transition(state State, ctx Context, ev Event) Result {
	if state.IsTerminal() {
		return Invalid(fmt.Sprintf("ridefsm: %s is terminal, no further transitions", state))
	}

	// Cancel and Expire are accepted from any non-terminal state.
	switch ev.Kind {
	case EventCancel:
		return valid(StateCancelled, ctx)
	case EventExpire:
		return valid(StateCancelled, ctx)
	}

	switch state {
	case StateCreated:
		if ev.Kind != EventAccept {
			return Invalid("ridefsm: CREATED only accepts Accept, Cancel, Expire")
		}
		if ev.AcceptDriverPubKey == "" {
			return Invalid("ridefsm: Accept requires driver pubkey")
		}
		next := ctx
		next.DriverPubKey = ev.AcceptDriverPubKey
		next.DriverMintURL = ev.AcceptMintURL
		return valid(StateAccepted, next)

	case StateAccepted:
		if ev.Kind != EventConfirm {
			return Invalid("ridefsm: ACCEPTED only accepts Confirm, Cancel, Expire")
		}
		if ev.ConfirmPrecisePickup == "" || ev.ConfirmPaymentHash == "" {
			return Invalid("ridefsm: Confirm requires precise pickup and payment hash")
		}
		next := ctx
		next.PrecisePickup = ev.ConfirmPrecisePickup
		next.PaymentHash = ev.ConfirmPaymentHash
		next.EscrowToken = ev.ConfirmEscrowToken
		return valid(StateConfirmed, next)

	case StateConfirmed:
		if ev.Kind != EventStatusUpdate || ev.StatusPhase != PhaseEnRoutePickup {
			return Invalid("ridefsm: CONFIRMED only accepts StatusUpdate(EN_ROUTE), Cancel, Expire")
		}
		return valid(StateEnRoute, ctx)

	case StateEnRoute:
		if ev.Kind != EventStatusUpdate || ev.StatusPhase != PhaseArrived {
			return Invalid("ridefsm: EN_ROUTE only accepts StatusUpdate(ARRIVED), Cancel, Expire")
		}
		return valid(StateArrived, ctx)

	case StateArrived:
		switch ev.Kind {
		case EventPinSubmit:
			// History accretion only; the state itself does not move
			// until the rider's PinVerify(true) is followed by the
			// driver's next StatusUpdate(IN_PROGRESS).
			return valid(StateArrived, ctx)
		case EventPinVerify:
			if !ev.PinVerified {
				next := ctx
				next.PinAttempt++
				return valid(StateArrived, next)
			}
			return valid(StateArrived, ctx)
		case EventStatusUpdate:
			if ev.StatusPhase != PhaseInProgress {
				return Invalid("ridefsm: ARRIVED only advances via StatusUpdate(IN_PROGRESS)")
			}
			return valid(StateInProgress, ctx)
		default:
			return Invalid("ridefsm: ARRIVED only accepts PinSubmit, PinVerify, StatusUpdate(IN_PROGRESS), Cancel, Expire")
		}

	case StateInProgress:
		if ev.Kind != EventComplete {
			return Invalid("ridefsm: IN_PROGRESS only accepts Complete, Cancel, Expire")
		}
		return valid(StateCompleted, ctx)

	default:
		return Invalid(fmt.Sprintf("ridefsm: no transitions defined from %s", state))
	}
}
