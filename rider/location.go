package rider

import "encoding/json"

// revealGeohashPrecision is the shared-prefix length treated as
// "within the immediate reveal radius" (~0.6km at precision 6),
// standing in for spec.md §4.6's "driver is within one mile" gate
// without pulling in a full geodesic distance dependency for a single
// proximity check.
const revealGeohashPrecision = 6

// withinRevealRadius reports whether a and b share enough geohash
// prefix to be considered within immediate reveal range.
func withinRevealRadius(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	n := revealGeohashPrecision
	if len(a) < n || len(b) < n {
		n = min(len(a), len(b))
	}
	return a[:n] == b[:n]
}

// shouldRevealPickupNow decides whether precise pickup can be sent in
// the CONFIRMATION itself: immediately for RoadFlare (no stranger-danger
// concern against a known counterparty relationship) or when the
// accepting driver's last known heartbeat already places them within
// the reveal radius of pickup.
func (c *Coordinator) shouldRevealPickupNow(s *state) bool {
	if s.offerMode == OfferModeRoadFlare {
		return true
	}
	c.driversMu.Lock()
	sighting, ok := c.drivers[s.ride.DriverPubKey]
	c.driversMu.Unlock()
	if !ok {
		return false
	}
	return withinRevealRadius(s.pickupGeohash, sighting.Geohash)
}

// revealPickupIfDriverClose is invoked on every driver StatusUpdate
// while pickup hasn't yet been revealed: the first update carrying a
// geohash inside the reveal radius triggers a RevealLocation publish.
func (c *Coordinator) revealPickupIfDriverClose(s *state, driverGeohash string) {
	if s.pickupRevealed || s.precisePickup == "" {
		return
	}
	if !withinRevealRadius(s.pickupGeohash, driverGeohash) {
		return
	}
	s.pickupRevealed = true
	content, _ := json.Marshal(map[string]interface{}{"kind": "pickup", "address": s.precisePickup})
	c.publishRiderAction(s, "RevealLocation", content)
}

// revealDestination is invoked once the PIN has been verified: precise
// destination is never shared before that point (spec.md §4.6).
func (c *Coordinator) revealDestination(s *state) {
	if s.destRevealed || s.preciseDestination == "" {
		return
	}
	s.destRevealed = true
	content, _ := json.Marshal(map[string]interface{}{"kind": "destination", "address": s.preciseDestination})
	c.publishRiderAction(s, "RevealLocation", content)
}
