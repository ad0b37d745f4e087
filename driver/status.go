package driver

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rideflare/ridecore/history"
	"github.com/rideflare/ridecore/nostr"
	"github.com/rideflare/ridecore/ridefsm"
	"github.com/rideflare/ridecore/session"
)

// historyAction is one entry in the cumulative DRIVER_STATE history
// array; field names and shape mirror package rider's historyAction so
// the two sides of the wire agree on the schema.
type historyAction struct {
	Type         string `json:"type"`
	Phase        string `json:"phase,omitempty"`
	Geohash      string `json:"geohash,omitempty"`
	PinEncrypted string `json:"pinEncrypted,omitempty"`
	Invoice      string `json:"invoice,omitempty"`
	Amount       int64  `json:"amount,omitempty"`
}

type driverStateContent struct {
	CurrentStatus string          `json:"currentStatus"`
	History       []historyAction `json:"history"`
}

// onConfirmation applies the rider's CONFIRMATION to the driver's own
// mirrored state machine (ACCEPTED -> CONFIRMED) and opens the ride-
// scoped RIDER_STATE/CANCELLATION subscriptions keyed by the
// confirmation id.
func (c *Coordinator) onConfirmation(s *state, ev *nostr.Event) {
	if !s.active || s.phase != ridefsm.StateAccepted {
		return
	}
	ref, ok := ev.Tags.Find("e")
	if !ok || ref.Value() != s.confirmationID {
		return
	}

	var content struct {
		PrecisePickup string `json:"precisePickup"`
		PaymentHash   string `json:"paymentHash"`
		EscrowToken   string `json:"escrowToken"`
	}
	if err := json.Unmarshal([]byte(ev.Content), &content); err != nil {
		log.Warnf("driver: dropping malformed confirmation %s: %v", ev.ID, err)
		return
	}

	res := ridefsm.Transition(s.phase, s.ride, ridefsm.Event{
		Kind:                 ridefsm.EventConfirm,
		ConfirmPrecisePickup: content.PrecisePickup,
		ConfirmPaymentHash:   content.PaymentHash,
		ConfirmEscrowToken:   content.EscrowToken,
	})
	if !res.Valid {
		log.Errorf("driver: confirmation rejected: %s", res.Reason)
		return
	}
	s.phase = res.NewState
	s.ride = res.NewContext
	s.ride.LastChainedEventID = ev.ID
	s.confirmationID = ev.ID

	c.resubscribeActiveRide(ev.ID)
	c.setStatus(Status{Stage: s.phase, Context: s.ride})
	c.persistSession(s)
}

// StatusUpdate is called by the driver's own app (not by the wire) to
// report an EN_ROUTE/ARRIVED/IN_PROGRESS transition. It appends to the
// cumulative driver history and republishes the single replaceable
// DRIVER_STATE event, per spec.md §4.7.
func (c *Coordinator) StatusUpdate(phase ridefsm.DriverPhase) error {
	var transitionErr error
	c.exec(func(s *state) {
		if !s.active {
			transitionErr = errNotArrived
			return
		}
		res := ridefsm.Transition(s.phase, s.ride, ridefsm.Event{
			Kind:           ridefsm.EventStatusUpdate,
			StatusPhase:    phase,
			StatusAuthorPK: c.rt.Signer.PubKeyHex(),
		})
		if !res.Valid {
			transitionErr = &statusRejected{reason: res.Reason}
			return
		}
		s.phase = res.NewState
		s.ride = res.NewContext

		action := historyAction{Type: "Status", Phase: driverPhaseWireName(phase), Geohash: s.geohash}
		s.driverHistory = append(s.driverHistory, action)
		c.publishDriverState(s)
		c.setStatus(Status{Stage: s.phase, Context: s.ride})
		c.persistSession(s)
	})
	return transitionErr
}

// completeRide transitions IN_PROGRESS -> COMPLETED, publishes a final
// DRIVER_STATE carrying a COMPLETED status entry, appends the ride to
// local history, and publishes DELETION for every event this
// coordinator published over the ride's lifetime, per spec.md §4.7's
// end-of-ride cleanup contract.
func (c *Coordinator) completeRide(s *state) {
	res := ridefsm.Transition(s.phase, s.ride, ridefsm.Event{Kind: ridefsm.EventComplete})
	if !res.Valid {
		log.Debugf("driver: dropping completion: %s", res.Reason)
		return
	}
	s.phase = res.NewState
	s.ride = res.NewContext
	s.driverHistory = append(s.driverHistory, historyAction{Type: "Status", Phase: "COMPLETED"})
	c.publishDriverState(s)
	c.appendHistory(s, history.StatusCompleted)
	c.publishDeletion(s)
	c.setStatus(Status{Stage: s.phase, Context: s.ride})
	c.resetRideState(s)
}

func driverPhaseWireName(p ridefsm.DriverPhase) string {
	switch p {
	case ridefsm.PhaseEnRoutePickup:
		return "EN_ROUTE_PICKUP"
	case ridefsm.PhaseArrived:
		return "ARRIVED"
	case ridefsm.PhaseInProgress:
		return "IN_PROGRESS"
	default:
		return "UNKNOWN"
	}
}

type statusRejected struct{ reason string }

func (e *statusRejected) Error() string { return "driver: status rejected: " + e.reason }

// publishDriverState signs and publishes the single replaceable
// DRIVER_STATE event carrying the ride's full cumulative action
// history so far, tagged with last_transition_id for chain integrity.
func (c *Coordinator) publishDriverState(s *state) {
	content, err := json.Marshal(driverStateContent{
		CurrentStatus: s.phase.String(),
		History:       s.driverHistory,
	})
	if err != nil {
		log.Errorf("driver: encode driver_state: %v", err)
		return
	}

	tags := nostr.Tags{
		{"e", s.confirmationID},
		{"p", s.ride.RiderPubKey},
		{"d", s.confirmationID},
	}
	if s.lastRiderStateID != "" {
		tags = append(tags, nostr.Tag{"last_transition_id", s.lastRiderStateID})
	}

	draft := nostr.Draft{Kind: nostr.KindDriverState, Tags: tags, Content: string(content)}
	ev, err := nostr.Encode(draft, c.rt.Signer)
	if err != nil {
		log.Errorf("driver: sign driver_state: %v", err)
		return
	}
	s.ride.PublishedEventIDs = append(s.ride.PublishedEventIDs, ev.ID)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), directTimeout)
		defer cancel()
		if _, err := c.rt.Relay.Publish(ctx, ev); err != nil {
			log.Errorf("driver: publish driver_state: %v", err)
		}
	}()
}

// persistSession snapshots the active ride so a crash/restart can
// rehydrate it via session.Restore, per spec.md §4.8.
func (c *Coordinator) persistSession(s *state) {
	if c.rt.Session == nil || !s.active {
		return
	}
	if err := c.rt.Session.Save(session.Snapshot{
		Timestamp: time.Now().Unix(),
		State:     s.phase,
		Context:   s.ride,
	}); err != nil {
		log.Errorf("driver: persist session: %v", err)
	}
}

func (c *Coordinator) appendHistory(s *state, status history.Status) {
	if c.rt.History == nil {
		return
	}
	entry := history.Entry{
		ConfirmationID:  s.confirmationID,
		Role:            history.RoleDriver,
		CounterpartyPub: s.ride.RiderPubKey,
		PickupGeohash:   s.geohash,
		FareSats:        s.ride.FareEstimateSats,
		Status:          status,
		EndedAt:         time.Now().Unix(),
	}
	if err := c.rt.History.Append(entry); err != nil {
		log.Errorf("driver: append history: %v", err)
	}
	if err := c.rt.Session.Clear(); err != nil {
		log.Errorf("driver: clear session: %v", err)
	}
}

// publishDeletion issues a single NIP-09-style DELETION referencing
// every event this coordinator published for the ride.
func (c *Coordinator) publishDeletion(s *state) {
	if len(s.ride.PublishedEventIDs) == 0 {
		return
	}
	tags := make(nostr.Tags, 0, len(s.ride.PublishedEventIDs))
	for _, id := range s.ride.PublishedEventIDs {
		tags = append(tags, nostr.Tag{"e", id})
	}
	draft := nostr.Draft{Kind: nostr.KindDeletion, Tags: tags, Content: "ride complete"}
	ev, err := nostr.Encode(draft, c.rt.Signer)
	if err != nil {
		log.Errorf("driver: sign deletion: %v", err)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), directTimeout)
		defer cancel()
		if _, err := c.rt.Relay.Publish(ctx, ev); err != nil {
			log.Errorf("driver: publish deletion: %v", err)
		}
	}()
}

func (c *Coordinator) resetRideState(s *state) {
	s.active = false
	s.confirmationID = ""
	s.claimed = false
	s.pendingDepositQuoteID = ""
	s.lastRiderStateID = ""
	s.driverHistory = nil
	if s.pinVerifyDeadline != nil {
		s.pinVerifyDeadline.Stop()
		s.pinVerifyDeadline = nil
	}
	s.offersByID = make(map[string]offerRecord)
	s.offersByRider = make(map[string]string)
	s.takenOfferIDs = make(map[string]bool)
	s.declinedOfferIDs = make(map[string]bool)
	s.processedRiderStateIDs = make(map[string]bool)
	s.processedCancellationIDs = make(map[string]bool)
}

func (c *Coordinator) onCancellation(s *state, ev *nostr.Event) {
	if !s.active || s.processedCancellationIDs[ev.ID] {
		return
	}
	ref, ok := ev.Tags.Find("e")
	if !ok || ref.Value() != s.confirmationID {
		return
	}
	s.processedCancellationIDs[ev.ID] = true
	c.cancelRide(s, ev.PubKey, "counterparty cancelled")
}

func (c *Coordinator) cancelRide(s *state, byPubKey, reason string) {
	if !s.active {
		return
	}
	res := ridefsm.Transition(s.phase, s.ride, ridefsm.Event{Kind: ridefsm.EventCancel, CancelByPubKey: byPubKey, CancelReason: reason})
	if res.Valid {
		s.phase = res.NewState
		s.ride = res.NewContext
	}
	c.appendHistory(s, history.StatusCancelled)
	c.publishDeletion(s)
	c.setStatus(Status{Stage: s.phase, Context: s.ride})
	c.resetRideState(s)
}

// Cancel lets the driver's own app cancel the active ride.
func (c *Coordinator) Cancel(reason string) {
	c.exec(func(s *state) {
		c.cancelRide(s, c.rt.Signer.PubKeyHex(), reason)
	})
}
