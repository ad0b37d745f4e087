package rider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rideflare/ridecore/nostr"
	"github.com/rideflare/ridecore/payment"
	"github.com/rideflare/ridecore/ridefsm"
)

// OfferRequest describes a ride the rider wants to request.
type OfferRequest struct {
	Mode               OfferMode
	DirectDriverPub    string // OfferModeDirect / OfferModeRoadFlare
	ApproxPickup       string
	ApproxDestination  string
	PrecisePickup      string
	PreciseDestination string
	PickupGeohash      string
	FareEstimateSats   int64
	MintURL            string
	PaymentMethod      string
}

type offerContent struct {
	Pickup        string `json:"pickup"`
	Destination   string `json:"destination"`
	FareEstimate  int64  `json:"fareEstimate"`
	MintURL       string `json:"mintUrl,omitempty"`
	PaymentMethod string `json:"paymentMethod"`
	IsRoadflare   bool   `json:"isRoadflare"`
}

// SendOffer pre-generates the ride's preimage and PIN, verifies
// balance against fare*(1+2%), and publishes an OFFER event in the
// requested mode. The returned pin is display-only: it never leaves
// the rider process over the wire in plaintext.
func (c *Coordinator) SendOffer(req OfferRequest) (offerID, pin string, err error) {
	balance, err := c.rt.Payment.GetBalance()
	if err != nil {
		return "", "", fmt.Errorf("rider: balance check: %w", err)
	}
	required := fareWithBuffer(req.FareEstimateSats)
	if balance < required {
		return "", "", errInsufficientBalance
	}

	preimage, err := payment.GeneratePreimage()
	if err != nil {
		return "", "", fmt.Errorf("rider: generate preimage: %w", err)
	}

	pin, err = generatePIN()
	if err != nil {
		return "", "", err
	}

	content, err := json.Marshal(offerContent{
		Pickup:        req.ApproxPickup,
		Destination:   req.ApproxDestination,
		FareEstimate:  req.FareEstimateSats,
		MintURL:       req.MintURL,
		PaymentMethod: req.PaymentMethod,
		IsRoadflare:   req.Mode == OfferModeRoadFlare,
	})
	if err != nil {
		return "", "", fmt.Errorf("rider: encode offer content: %w", err)
	}

	tags := nostr.Tags{}
	switch req.Mode {
	case OfferModeDirect, OfferModeRoadFlare:
		tags = append(tags, nostr.Tag{"p", req.DirectDriverPub})
	case OfferModeBroadcast:
		// No #p filter: any nearby driver may accept.
	}
	if req.PickupGeohash != "" {
		tags = append(tags, nostr.Tag{"g", req.PickupGeohash})
	}

	draft := nostr.Draft{
		Kind:    nostr.KindOffer,
		Tags:    tags,
		Content: string(content),
	}
	ev, err := nostr.Encode(draft, c.rt.Signer)
	if err != nil {
		return "", "", fmt.Errorf("rider: sign offer: %w", err)
	}

	c.exec(func(s *state) {
		s.active = true
		s.phase = ridefsm.StateCreated
		s.offerMode = req.Mode
		s.offerID = ev.ID
		s.preimage = preimage
		s.pin = pin
		s.hasAcceptedDriver = false
		s.precisePickup = req.PrecisePickup
		s.preciseDestination = req.PreciseDestination
		s.pickupGeohash = req.PickupGeohash
		s.pickupRevealed = false
		s.destRevealed = false
		s.ride = ridefsm.Context{
			RiderPubKey:       c.rt.Signer.PubKeyHex(),
			ApproxPickup:      req.ApproxPickup,
			ApproxDestination: req.ApproxDestination,
			FareEstimateSats:  req.FareEstimateSats,
			RiderMintURL:      req.MintURL,
			PaymentHash:       payment.PaymentHash(preimage).Hex(),
		}
	})

	ctx := contextWithTimeout(req.Mode)
	handle := c.rt.Relay.Subscribe([]nostr.Filter{{
		Kinds: []nostr.Kind{nostr.KindAcceptance},
		Tags:  map[string][]string{"e": {ev.ID}},
	}}, func(accEv *nostr.Event) {
		c.events <- accEv
	})
	c.rt.Subs.Set("ACCEPTANCES", handle)

	if _, err := c.rt.Relay.Publish(ctx, ev); err != nil {
		return "", "", fmt.Errorf("rider: publish offer: %w", err)
	}

	c.watchOfferTimeout(ev.ID, req.Mode)

	return ev.ID, pin, nil
}

// watchOfferTimeout surfaces, rather than acts on, an unanswered offer:
// spec.md §4.6 leaves the choice to boost to broadcast, keep waiting,
// or cancel to the rider, so the coordinator only flags the wait via
// Status.Warning instead of auto-cancelling.
func (c *Coordinator) watchOfferTimeout(offerID string, mode OfferMode) {
	wait := directTimeout
	if mode == OfferModeBroadcast {
		wait = broadcastTimeout
	}
	go func() {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		<-timer.C
		c.exec(func(s *state) {
			if !s.active || s.offerID != offerID || s.hasAcceptedDriver {
				return
			}
			c.setStatus(Status{
				Stage:   s.phase,
				Context: s.ride,
				Warning: "offer-timeout: no driver has accepted yet; boost to broadcast, keep waiting, or cancel",
			})
		})
	}()
}

func contextWithTimeout(mode OfferMode) context.Context {
	d := directTimeout
	if mode == OfferModeBroadcast {
		d = broadcastTimeout
	}
	// The cancel func is intentionally discarded: this context only
	// bounds the initial publish round-trip, not the acceptance-wait
	// window, which watchOfferTimeout times with its own timer.
	ctx, _ := context.WithTimeout(context.Background(), d)
	return ctx
}

// onAcceptance implements first-acceptance-wins (spec.md §4.6): the
// first ACCEPTANCE for the active offer advances the ride; every
// subsequent one for the same offer is dropped.
func (c *Coordinator) onAcceptance(s *state, ev *nostr.Event) {
	if !s.active || s.offerID == "" {
		return
	}
	offerRef, ok := ev.Tags.Find("e")
	if !ok || offerRef.Value() != s.offerID {
		return
	}
	if s.hasAcceptedDriver {
		log.Debugf("rider: dropping extra acceptance %s for offer %s (first-acceptance-wins)", ev.ID, s.offerID)
		return
	}

	var content struct {
		WalletPubKey  string `json:"walletPubKey"`
		MintURL       string `json:"mintUrl"`
		PaymentMethod string `json:"paymentMethod"`
	}
	if err := json.Unmarshal([]byte(ev.Content), &content); err != nil {
		log.Warnf("rider: dropping malformed acceptance %s: %v", ev.ID, err)
		return
	}

	res := ridefsm.Transition(s.phase, s.ride, ridefsm.Event{
		Kind:               ridefsm.EventAccept,
		AcceptDriverPubKey: ev.PubKey,
		AcceptMintURL:      content.MintURL,
	})
	if !res.Valid {
		log.Warnf("rider: invalid transition on acceptance %s: %s", ev.ID, res.Reason)
		return
	}

	s.hasAcceptedDriver = true
	s.phase = res.NewState
	s.ride = res.NewContext
	s.ride.PaymentPath = resolvePaymentPath(s.ride.RiderMintURL, content.MintURL)

	c.confirmRide(s)
}

func resolvePaymentPath(riderMint, driverMint string) ridefsm.PaymentPath {
	if riderMint == "" || driverMint == "" {
		return ridefsm.PaymentPathFiatCash
	}
	if riderMint == driverMint {
		return ridefsm.PaymentPathSameMint
	}
	return ridefsm.PaymentPathCrossMint
}

// confirmRide locks escrow (SAME_MINT) and publishes CONFIRMATION.
// Lock failure does not block the ride; it is flagged "unsecured" per
// spec.md §4.6.
func (c *Coordinator) confirmRide(s *state) {
	escrowToken := ""
	warning := ""
	if s.ride.PaymentPath == ridefsm.PaymentPathSameMint {
		hash, err := payment.ParseHash(s.ride.PaymentHash)
		if err == nil {
			outcome := c.rt.Payment.LockForRide(s.ride.FareEstimateSats, hash, s.ride.DriverPubKey, int(payment.DefaultEscrowExpiry.Seconds()))
			if outcome.Kind == payment.LockSuccess {
				escrowToken = outcome.EscrowToken
			} else {
				log.Warnf("rider: escrow lock failed (%s); proceeding unsecured", outcome)
				warning = "ride unsecured: escrow lock failed"
				c.setStatus(Status{Stage: s.phase, Context: s.ride, Warning: warning})
			}
		}
	}

	pickupForConfirm := s.ride.ApproxPickup
	if c.shouldRevealPickupNow(s) {
		pickupForConfirm = s.precisePickup
		s.pickupRevealed = true
	}

	res := ridefsm.Transition(s.phase, s.ride, ridefsm.Event{
		Kind:                 ridefsm.EventConfirm,
		ConfirmPrecisePickup: pickupForConfirm,
		ConfirmPaymentHash:   s.ride.PaymentHash,
		ConfirmEscrowToken:   escrowToken,
	})
	if !res.Valid {
		log.Errorf("rider: confirm transition rejected: %s", res.Reason)
		return
	}
	s.phase = res.NewState
	s.ride = res.NewContext

	content, _ := json.Marshal(map[string]interface{}{
		"precisePickup": s.ride.PrecisePickup,
		"paymentHash":   s.ride.PaymentHash,
		"escrowToken":   s.ride.EscrowToken,
	})
	draft := nostr.Draft{
		Kind: nostr.KindConfirmation,
		Tags: nostr.Tags{
			{"e", s.offerID},
			{"p", s.ride.DriverPubKey},
		},
		Content: string(content),
	}
	ev, err := nostr.Encode(draft, c.rt.Signer)
	if err != nil {
		log.Errorf("rider: sign confirmation: %v", err)
		return
	}
	s.ride.LastChainedEventID = ev.ID
	s.ride.PublishedEventIDs = append(s.ride.PublishedEventIDs, ev.ID)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), directTimeout)
		defer cancel()
		if _, err := c.rt.Relay.Publish(ctx, ev); err != nil {
			log.Errorf("rider: publish confirmation: %v", err)
		}
	}()

	c.setStatus(Status{Stage: s.phase, Context: s.ride, Warning: warning})
	c.persistSession(s)
}
