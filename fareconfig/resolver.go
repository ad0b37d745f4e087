// Package fareconfig implements the Config Resolver (C10): fetching
// the latest admin-signed CONFIG event, verifying its signature and
// author against a hard-coded admin pubkey, caching it, and falling
// back to built-in defaults on fetch failure.
package fareconfig

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/btcsuite/btclog"
	jsonpatch "github.com/evanphx/json-patch/v5"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rideflare/ridecore/nostr"
)

var log = btclog.Disabled

// UseLogger sets the subsystem logger used by package fareconfig.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// Defaults are the built-in fallback values from spec.md §4.10.
var Defaults = Config{
	FareRateUSDPerMile:         1.85,
	MinimumFareUSD:             5.00,
	RecommendedMints:           nil,
	RoadflareFareRateUSDPerMile: 1.85,
	RoadflareMinimumFareUSD:     5.00,
}

// Config is the resolved fare/mint configuration.
type Config struct {
	FareRateUSDPerMile          float64  `json:"fareRateUsdPerMile"`
	MinimumFareUSD              float64  `json:"minimumFareUsd"`
	RecommendedMints            []string `json:"recommendedMints"`
	RoadflareFareRateUSDPerMile float64  `json:"roadflareFareRateUsdPerMile"`
	RoadflareMinimumFareUSD     float64  `json:"roadflareMinimumFareUsd"`
}

// cacheCapacity is generous since only one admin pubkey's config is
// ever cached in practice; the LRU exists to bound memory if a peer
// ever points at more than one admin source across its lifetime.
const cacheCapacity = 8

// Resolver fetches, verifies, and caches the admin CONFIG.
type Resolver struct {
	adminPubKey string

	mu    sync.Mutex
	cache *lru.Cache[string, Config]
}

// New constructs a Resolver that only trusts CONFIG events authored by
// adminPubKey (hex).
func New(adminPubKey string) *Resolver {
	cache, err := lru.New[string, Config](cacheCapacity)
	if err != nil {
		panic(err)
	}
	return &Resolver{adminPubKey: adminPubKey, cache: cache}
}

// Resolve verifies and parses ev as a CONFIG event. A nil ev (nothing
// fetched) returns Defaults. On any other failure — wrong kind, wrong
// author, bad signature, unparsable content — it logs and returns the
// last good cached config, or Defaults if none has been cached yet.
func (r *Resolver) Resolve(ev *nostr.Event) Config {
	if ev == nil {
		log.Debugf("fareconfig: no CONFIG event available, using defaults")
		return Defaults
	}
	if ev.Kind != nostr.KindConfig {
		log.Warnf("fareconfig: event %s is not a CONFIG event", ev.ID)
		return r.lastOrDefault()
	}
	if ev.PubKey != r.adminPubKey {
		log.Warnf("fareconfig: dropping CONFIG from untrusted pubkey %s", ev.PubKey)
		return r.lastOrDefault()
	}
	if !nostr.Verify(ev) {
		log.Warnf("fareconfig: dropping CONFIG %s with invalid signature", ev.ID)
		return r.lastOrDefault()
	}

	var cfg Config
	if err := json.Unmarshal([]byte(ev.Content), &cfg); err != nil {
		log.Warnf("fareconfig: dropping unparsable CONFIG %s: %v", ev.ID, err)
		return r.lastOrDefault()
	}

	r.logDiff(cfg)

	r.mu.Lock()
	r.cache.Add(r.adminPubKey, cfg)
	r.mu.Unlock()

	return cfg
}

func (r *Resolver) lastOrDefault() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cfg, ok := r.cache.Get(r.adminPubKey); ok {
		return cfg
	}
	return Defaults
}

// logDiff logs exactly which fields changed versus the cached config,
// via a JSON Patch diff, giving an audit trail for fare-rate changes.
func (r *Resolver) logDiff(next Config) {
	r.mu.Lock()
	prev, had := r.cache.Get(r.adminPubKey)
	r.mu.Unlock()
	if !had {
		log.Infof("fareconfig: initial CONFIG loaded: %+v", next)
		return
	}

	prevRaw, err1 := json.Marshal(prev)
	nextRaw, err2 := json.Marshal(next)
	if err1 != nil || err2 != nil {
		return
	}

	patch, err := jsonpatch.CreateMergePatch(prevRaw, nextRaw)
	if err != nil {
		log.Debugf("fareconfig: could not diff CONFIG update: %v", err)
		return
	}
	if string(patch) == "{}" {
		return
	}
	log.Infof("fareconfig: CONFIG updated: %s", patch)
}

// ErrNoConfig is returned by callers that require an explicit
// "no config yet" signal rather than a silent default fallback.
var ErrNoConfig = fmt.Errorf("fareconfig: no CONFIG event observed yet")
