package driver

import (
	"context"
	"time"

	"github.com/rideflare/ridecore/nostr"
)

// availabilityGeohashPrecision is the shared-prefix length treated as
// "moved far enough to matter" for the 1000 m republish throttle from
// spec.md §4.7 — the same prefix-comparison approximation package
// rider uses for its reveal-radius check, standing in for a geodesic
// distance dependency.
const availabilityGeohashPrecision = 6

// heartbeatLoop republishes AVAILABILITY every 5 min, per spec.md
// §4.7; ticks that fall while a ride is active are skipped.
// ReportLocation drives the throttled, movement-triggered republish in
// between ticks.
func (c *Coordinator) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.exec(func(s *state) {
				if s.active {
					return
				}
				c.publishAvailability(s)
			})
		}
	}
}

// ReportLocation is called by the location layer on every GPS fix. The
// republish is suppressed unless the driver has moved roughly 1000 m
// (a geohash-precision-6 prefix change) or 30 s have elapsed since the
// last publish, per spec.md §4.7's throttle.
func (c *Coordinator) ReportLocation(geohash string) {
	c.exec(func(s *state) {
		s.geohash = geohash
		if s.active {
			return
		}
		if s.lastHeartbeatGeo == "" {
			c.publishAvailability(s)
			return
		}
		moved := !sharePrefix(s.lastHeartbeatGeo, geohash, availabilityGeohashPrecision)
		elapsed := time.Since(s.lastHeartbeatAt) >= heartbeatMinInterval
		if moved || elapsed {
			c.publishAvailability(s)
		}
	})
}

func sharePrefix(a, b string, n int) bool {
	if len(a) < n || len(b) < n {
		return a == b
	}
	return a[:n] == b[:n]
}

// publishAvailability deletes the previously tracked heartbeat (if
// any) and publishes a fresh one, tagging a geohash unless the
// coordinator is in RoadFlare-only (locationless) mode.
func (c *Coordinator) publishAvailability(s *state) {
	c.deleteLastHeartbeat(s)

	tags := nostr.Tags{{"d", "availability"}}
	if c.mode == AvailabilityVisible && s.geohash != "" {
		tags = append(tags, nostr.Tag{"g", s.geohash})
	}
	for _, m := range c.methods {
		tags = append(tags, nostr.Tag{"method", m})
	}

	draft := nostr.Draft{Kind: nostr.KindAvailability, Tags: tags, Content: "{}"}
	ev, err := nostr.Encode(draft, c.rt.Signer)
	if err != nil {
		log.Errorf("driver: sign availability: %v", err)
		return
	}

	s.lastHeartbeatAt = time.Now()
	s.lastHeartbeatGeo = s.geohash
	s.lastHeartbeatEventID = ev.ID

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), directTimeout)
		defer cancel()
		if _, err := c.rt.Relay.Publish(ctx, ev); err != nil {
			log.Errorf("driver: publish availability: %v", err)
		}
	}()
}

// deleteLastHeartbeat retracts the previously tracked AVAILABILITY
// event, if any, without publishing a replacement. Called both ahead
// of a fresh heartbeat and when the driver goes off-market on Accept.
func (c *Coordinator) deleteLastHeartbeat(s *state) {
	if s.lastHeartbeatEventID == "" {
		return
	}
	prevID := s.lastHeartbeatEventID
	s.lastHeartbeatEventID = ""

	draft := nostr.Draft{
		Kind:    nostr.KindDeletion,
		Tags:    nostr.Tags{{"e", prevID}},
		Content: "availability refresh",
	}
	ev, err := nostr.Encode(draft, c.rt.Signer)
	if err != nil {
		log.Errorf("driver: sign availability deletion: %v", err)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), directTimeout)
		defer cancel()
		if _, err := c.rt.Relay.Publish(ctx, ev); err != nil {
			log.Errorf("driver: publish availability deletion: %v", err)
		}
	}()
}

// subscribeIngestion opens the direct/RoadFlare offer subscription
// (filtered by #p = own pubkey) under OFFERS, which Accept closes, and
// a DELETION subscription that is not registered with Subs. The
// broadcast-offer subscription is opened separately by
// SubscribeBroadcast.
func (c *Coordinator) subscribeIngestion() {
	handle := c.rt.Relay.Subscribe([]nostr.Filter{{
		Kinds: []nostr.Kind{nostr.KindOffer},
		Tags:  map[string][]string{"p": {c.rt.Signer.PubKeyHex()}},
	}}, func(ev *nostr.Event) {
		c.events <- ev
	})
	c.rt.Subs.Set("OFFERS", handle)

	c.rt.Relay.Subscribe([]nostr.Filter{{Kinds: []nostr.Kind{nostr.KindDeletion}}}, func(ev *nostr.Event) {
		c.events <- ev
	})
}

// SubscribeBroadcast opens (or refreshes) the broadcast-offer
// subscription for the given pickup geohash prefix; callers re-invoke
// this as the driver's own area of interest shifts.
func (c *Coordinator) SubscribeBroadcast(ctx context.Context, geohashPrefix string) error {
	if err := c.discoverLimiter.Wait(ctx); err != nil {
		return err
	}
	handle := c.rt.Relay.Subscribe([]nostr.Filter{{
		Kinds: []nostr.Kind{nostr.KindOffer},
		Tags:  map[string][]string{"g": {geohashPrefix}},
	}}, func(ev *nostr.Event) {
		c.events <- ev
	})
	c.rt.Subs.Set("BROADCAST_REQUESTS", handle)
	return nil
}
