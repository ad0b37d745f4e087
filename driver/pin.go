package driver

import (
	"encoding/json"
	"time"

	"github.com/rideflare/ridecore/nostr"
	"github.com/rideflare/ridecore/payment"
	"github.com/rideflare/ridecore/ridefsm"
)

// onRiderState processes a RIDER_STATE update. Unlike DRIVER_STATE this
// event carries exactly one new action per publish (content, and
// therefore id, genuinely differs on each publish), so dedup keys on
// event id directly rather than a history-length cursor.
func (c *Coordinator) onRiderState(s *state, ev *nostr.Event) {
	if !s.active || s.processedRiderStateIDs[ev.ID] {
		return
	}
	ref, ok := ev.Tags.Find("e")
	if !ok || ref.Value() != s.confirmationID {
		log.Debugf("driver: dropping rider_state %s: confirmation mismatch", ev.ID)
		return
	}

	var content struct {
		CurrentPhase string `json:"currentPhase"`
		History      []struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		} `json:"history"`
	}
	if err := json.Unmarshal([]byte(ev.Content), &content); err != nil {
		log.Warnf("driver: dropping malformed rider_state %s: %v", ev.ID, err)
		return
	}

	s.processedRiderStateIDs[ev.ID] = true
	s.lastRiderStateID = ev.ID

	for _, action := range content.History {
		c.applyRiderAction(s, ev, action.Type, action.Data)
	}
}

func (c *Coordinator) applyRiderAction(s *state, ev *nostr.Event, actionType string, data json.RawMessage) {
	switch actionType {
	case "PinVerify":
		c.onPinVerify(s, data)
	case "PreimageShare":
		c.onPreimageShare(s, ev, data)
	case "BridgeComplete":
		c.onBridgeComplete(s, data)
	case "RevealLocation":
		c.onRevealLocation(s, data)
	}
}

func (c *Coordinator) onRevealLocation(s *state, data json.RawMessage) {
	var payload struct {
		Kind    string `json:"kind"`
		Address string `json:"address"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	switch payload.Kind {
	case "pickup":
		s.ride.PrecisePickup = payload.Address
	case "destination":
		s.ride.PreciseDest = payload.Address
	}
	c.setStatus(Status{Stage: s.phase, Context: s.ride})
}

// onPinVerify applies the rider's verdict on the last PIN submission.
// A false verdict accrues toward the same MaxPinAttempts threshold the
// rider enforces; the third consecutive failure force-cancels the ride
// and raises a security alert rather than prompting another retry,
// mirroring the breach-style watchdog a spoofed PIN brute-force attempt
// would otherwise evade.
func (c *Coordinator) onPinVerify(s *state, data json.RawMessage) {
	var payload struct {
		Verified bool `json:"verified"`
		Attempt  int  `json:"attempt"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	if s.pinVerifyDeadline != nil {
		s.pinVerifyDeadline.Stop()
		s.pinVerifyDeadline = nil
	}

	res := ridefsm.Transition(s.phase, s.ride, ridefsm.Event{Kind: ridefsm.EventPinVerify, PinVerified: payload.Verified})
	if res.Valid {
		s.phase = res.NewState
		s.ride = res.NewContext
	}

	if !payload.Verified {
		if s.ride.PinAttempt >= MaxPinAttempts {
			c.cancelRide(s, c.rt.Signer.PubKeyHex(), "pin brute force: security alert")
			c.setStatus(Status{Stage: s.phase, Context: s.ride, Warning: "security alert: pin verification failed 3 times"})
			return
		}
		c.setStatus(Status{Stage: s.phase, Context: s.ride, Warning: "pin rejected by rider: retry or cancel"})
		c.persistSession(s)
		return
	}

	c.setStatus(Status{Stage: s.phase, Context: s.ride})
	c.persistSession(s)
}

// onPreimageShare claims the SAME_MINT escrow the moment the rider
// shares the preimage; cross-mint rides never take this path (the
// rider publishes BridgeComplete instead once the Lightning bridge
// settles).
func (c *Coordinator) onPreimageShare(s *state, ev *nostr.Event, data json.RawMessage) {
	if s.ride.PaymentPath != ridefsm.PaymentPathSameMint {
		log.Warnf("driver: dropping preimage share on a non-same-mint ride")
		return
	}

	var payload struct {
		PreimageEncrypted string `json:"preimageEncrypted"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	plaintext, ok := nostr.Decrypt(payload.PreimageEncrypted, ev.PubKey, c.rt.PrivateKey())
	if !ok {
		log.Warnf("driver: could not decrypt preimage share on rider_state %s", ev.ID)
		return
	}
	preimage, err := payment.ParsePreimage(plaintext)
	if err != nil {
		log.Warnf("driver: malformed preimage on rider_state %s: %v", ev.ID, err)
		return
	}
	hash, err := payment.ParseHash(s.ride.PaymentHash)
	if err != nil {
		log.Errorf("driver: parse payment hash: %v", err)
		return
	}

	outcome := c.rt.Payment.ClaimHTLC(s.ride.EscrowToken, preimage, hash)
	c.handleClaimOutcome(s, outcome)
}

// onBridgeComplete polls the local mint for the cross-mint deposit the
// rider's bridge_payment was supposed to settle. The rider's
// BridgeComplete only attests that its own melt succeeded; this side
// still confirms the deposit landed before treating the ride as paid.
func (c *Coordinator) onBridgeComplete(s *state, data json.RawMessage) {
	if s.ride.PaymentPath != ridefsm.PaymentPathCrossMint {
		log.Warnf("driver: dropping bridge complete on a non-cross-mint ride")
		return
	}
	if s.pendingDepositQuoteID == "" {
		log.Warnf("driver: bridge complete with no pending deposit quote")
		return
	}
	quoteID := s.pendingDepositQuoteID

	go func() {
		outcome := c.rt.Payment.ClaimDepositByQuoteID(quoteID)
		c.exec(func(s *state) {
			if s.pendingDepositQuoteID != quoteID {
				return
			}
			c.handleClaimOutcome(s, payment.ClaimOutcome{Kind: outcome.Kind, AmountSats: outcome.AmountSats, Msg: outcome.Msg})
		})
	}()
}

func (c *Coordinator) handleClaimOutcome(s *state, outcome payment.ClaimOutcome) {
	switch outcome.Kind {
	case payment.ClaimSuccess, payment.ClaimAlreadyClaimed:
		s.claimed = true
		c.setStatus(Status{Stage: s.phase, Context: s.ride})
		c.persistSession(s)
	case payment.ClaimPreimageMismatch:
		log.Errorf("driver: preimage mismatch on ride %s: possible spoofed confirmation", s.confirmationID)
		c.setStatus(Status{Stage: s.phase, Context: s.ride, Warning: "security alert: preimage did not match escrow hash"})
	default:
		log.Errorf("driver: claim failed: %s", outcome.Msg)
		c.setStatus(Status{Stage: s.phase, Context: s.ride, Warning: "payment claim failed: " + outcome.Msg})
	}
}

// SubmitPIN encrypts pin to the rider and appends a PinSubmit action to
// the cumulative DRIVER_STATE history, per spec.md §4.7. For CROSS_MINT
// rides a deposit invoice is requested first (guarded by
// pendingDepositQuoteID so a retry never requests a second invoice),
// since the rider needs it before it can bridge payment.
func (c *Coordinator) SubmitPIN(pin string) error {
	var submitErr error
	c.exec(func(s *state) {
		if !s.active || s.phase != ridefsm.StateArrived {
			submitErr = errNotArrived
			return
		}

		if s.ride.PaymentPath == ridefsm.PaymentPathCrossMint && s.pendingDepositQuoteID == "" {
			c.requestDepositInvoice(s)
		}

		encrypted, err := nostr.Encrypt(pin, s.ride.RiderPubKey, c.rt.PrivateKey())
		if err != nil {
			submitErr = err
			return
		}

		res := ridefsm.Transition(s.phase, s.ride, ridefsm.Event{Kind: ridefsm.EventPinSubmit})
		if res.Valid {
			s.phase = res.NewState
			s.ride = res.NewContext
		}

		s.driverHistory = append(s.driverHistory, historyAction{Type: "PinSubmit", PinEncrypted: encrypted})
		c.publishDriverState(s)
		s.pinSubmittedAt = time.Now()
		c.startPinVerifyDeadline(s)
		c.setStatus(Status{Stage: s.phase, Context: s.ride})
		c.persistSession(s)
	})
	return submitErr
}

func (c *Coordinator) requestDepositInvoice(s *state) {
	quote, err := c.rt.Payment.GetDepositInvoice(s.ride.FareEstimateSats)
	if err != nil {
		log.Errorf("driver: request deposit invoice: %v", err)
		return
	}
	s.pendingDepositQuoteID = quote.ID
	s.driverHistory = append(s.driverHistory, historyAction{
		Type:    "DepositInvoiceShare",
		Invoice: quote.Bolt11,
		Amount:  s.ride.FareEstimateSats,
	})
	c.publishDriverState(s)
}

func (c *Coordinator) startPinVerifyDeadline(s *state) {
	if s.pinVerifyDeadline != nil {
		s.pinVerifyDeadline.Stop()
	}
	s.pinVerifyDeadline = time.AfterFunc(PinVerifyTimeout, func() {
		c.exec(func(s *state) {
			if !s.active || s.phase != ridefsm.StateArrived {
				return
			}
			c.setStatus(Status{Stage: s.phase, Context: s.ride, Warning: "pin-verify-timeout: no response from rider; retry or cancel"})
		})
	})
}

// Complete finalizes an IN_PROGRESS ride once payment has been claimed.
// It refuses to transition on a SAME_MINT or CROSS_MINT ride that
// hasn't actually been claimed yet, instead surfacing a warning, so a
// driver can never mark a ride complete out from under an unsettled
// escrow.
func (c *Coordinator) Complete() error {
	var completeErr error
	c.exec(func(s *state) {
		if !s.active || s.phase != ridefsm.StateInProgress {
			completeErr = errNotArrived
			return
		}
		needsClaim := s.ride.PaymentPath == ridefsm.PaymentPathSameMint || s.ride.PaymentPath == ridefsm.PaymentPathCrossMint
		if needsClaim && !s.claimed {
			c.setStatus(Status{Stage: s.phase, Context: s.ride, Warning: "cannot complete: payment has not been claimed yet"})
			completeErr = errPaymentNotClaimed
			return
		}
		c.completeRide(s)
	})
	return completeErr
}
