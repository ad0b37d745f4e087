package driver

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rideflare/ridecore/nostr"
	"github.com/rideflare/ridecore/ridefsm"
)

type offerContent struct {
	Pickup        string `json:"pickup"`
	Destination   string `json:"destination"`
	FareEstimate  int64  `json:"fareEstimate"`
	MintURL       string `json:"mintUrl,omitempty"`
	PaymentMethod string `json:"paymentMethod"`
	IsRoadflare   bool   `json:"isRoadflare"`
}

// onOffer applies spec.md §4.7's ingestion filters: drop stale, drop
// already-seen/declined/taken, and keep only the newest offer per
// rider pubkey (a fare boost replaces the prior offer).
func (c *Coordinator) onOffer(s *state, ev *nostr.Event) {
	if s.active {
		return
	}
	if time.Since(time.Unix(ev.CreatedAt, 0)) > OfferMaxAge {
		return
	}
	if s.declinedOfferIDs[ev.ID] || s.takenOfferIDs[ev.ID] {
		return
	}

	var content offerContent
	if err := json.Unmarshal([]byte(ev.Content), &content); err != nil {
		log.Warnf("driver: dropping malformed offer %s: %v", ev.ID, err)
		return
	}

	if priorID, ok := s.offersByRider[ev.PubKey]; ok {
		if prior, ok := s.offersByID[priorID]; ok {
			if ev.CreatedAt < prior.CreatedAt {
				return
			}
			delete(s.offersByID, priorID)
			s.declinedOfferIDs[priorID] = true
			c.rt.Subs.CloseInGroup("REQUEST_ACCEPTANCES", priorID)
		}
	}

	geo, _ := ev.Tags.Find("g")
	s.offersByID[ev.ID] = offerRecord{
		EventID:       ev.ID,
		RiderPubKey:   ev.PubKey,
		CreatedAt:     ev.CreatedAt,
		Pickup:        content.Pickup,
		Destination:   content.Destination,
		FareSats:      content.FareEstimate,
		MintURL:       content.MintURL,
		PaymentMethod: content.PaymentMethod,
		IsRoadFlare:   content.IsRoadflare,
		Geohash:       geo.Value(),
	}
	s.offersByRider[ev.PubKey] = ev.ID

	c.watchRequestAcceptances(ev.ID)
}

// watchRequestAcceptances tracks whether another driver has already
// taken offerID, per spec.md §4.7's "drop offers taken by another
// driver (observed via REQUEST_ACCEPTANCES)".
func (c *Coordinator) watchRequestAcceptances(offerID string) {
	handle := c.rt.Relay.Subscribe([]nostr.Filter{{
		Kinds: []nostr.Kind{nostr.KindAcceptance},
		Tags:  map[string][]string{"e": {offerID}},
	}}, func(ev *nostr.Event) {
		c.events <- ev
	})
	c.rt.Subs.SetInGroup("REQUEST_ACCEPTANCES", offerID, handle)
}

// onRequestAcceptance marks an offer taken the moment any ACCEPTANCE
// other than our own reaches the relay for it.
func (c *Coordinator) onRequestAcceptance(s *state, ev *nostr.Event) {
	ref, ok := ev.Tags.Find("e")
	if !ok {
		return
	}
	offerID := ref.Value()
	if ev.PubKey == c.rt.Signer.PubKeyHex() {
		return
	}
	s.takenOfferIDs[offerID] = true
	delete(s.offersByID, offerID)
	c.rt.Subs.CloseInGroup("REQUEST_ACCEPTANCES", offerID)
}

// PendingOffers returns the UI-facing snapshot of every still-candidate
// offer.
func (c *Coordinator) PendingOffers() []Offer {
	var out []Offer
	c.exec(func(s *state) {
		for _, rec := range s.offersByID {
			out = append(out, Offer{
				ID:            rec.EventID,
				RiderPubKey:   rec.RiderPubKey,
				Pickup:        rec.Pickup,
				Destination:   rec.Destination,
				FareSats:      rec.FareSats,
				MintURL:       rec.MintURL,
				PaymentMethod: rec.PaymentMethod,
				IsRoadFlare:   rec.IsRoadFlare,
			})
		}
	})
	return out
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

// Accept publishes ACCEPTANCE for offerID and commits this coordinator
// to the ride. Per spec.md §4.7 the ingestion subscriptions are closed
// immediately — before the availability-retraction publish even
// reaches the relay — to close the race window during which a late
// offer callback could still mutate state.
func (c *Coordinator) Accept(offerID string) error {
	var rec offerRecord
	var found bool
	var alreadyActive bool
	c.exec(func(s *state) {
		rec, found = s.offersByID[offerID]
		alreadyActive = s.active
	})
	if alreadyActive {
		return errAlreadyOnRide
	}
	if !found {
		return errNoSuchOffer
	}

	content, _ := json.Marshal(map[string]string{
		"walletPubKey":  c.rt.Signer.PubKeyHex(),
		"mintUrl":       c.mintURL,
		"paymentMethod": rec.PaymentMethod,
	})
	draft := nostr.Draft{
		Kind:    nostr.KindAcceptance,
		Tags:    nostr.Tags{{"e", offerID}},
		Content: string(content),
	}
	ev, err := nostr.Encode(draft, c.rt.Signer)
	if err != nil {
		return err
	}

	c.rt.Subs.CloseAll("OFFERS", "BROADCAST_REQUESTS")
	c.rt.Subs.CloseGroup("REQUEST_ACCEPTANCES")

	c.exec(func(s *state) {
		s.active = true
		s.confirmationID = offerID
		s.ride = ridefsm.Context{
			RiderPubKey:       rec.RiderPubKey,
			ApproxPickup:      rec.Pickup,
			ApproxDestination: rec.Destination,
			FareEstimateSats:  rec.FareSats,
			RiderMintURL:      rec.MintURL,
			DriverMintURL:     c.mintURL,
		}
		s.phase = ridefsm.StateCreated

		res := ridefsm.Transition(s.phase, s.ride, ridefsm.Event{
			Kind:               ridefsm.EventAccept,
			AcceptDriverPubKey: c.rt.Signer.PubKeyHex(),
			AcceptMintURL:      c.mintURL,
		})
		if res.Valid {
			s.phase = res.NewState
			s.ride = res.NewContext
			s.ride.PaymentPath = resolvePaymentPath(rec.MintURL, c.mintURL)
		}
		s.ride.PublishedEventIDs = append(s.ride.PublishedEventIDs, ev.ID)

		c.deleteLastHeartbeat(s)
		c.setStatus(Status{Stage: s.phase, Context: s.ride})
		c.persistSession(s)
	})

	c.resubscribeActiveRide(offerID)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), directTimeout)
		defer cancel()
		if _, err := c.rt.Relay.Publish(ctx, ev); err != nil {
			log.Errorf("driver: publish acceptance: %v", err)
		}
	}()

	return nil
}
