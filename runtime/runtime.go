// Package runtime bundles the shared capability set every coordinator
// needs — signer, relay client, subscription registry, payment engine,
// and config resolver — into one explicit handle, per spec.md §9's
// design note: "prefer an explicit runtime handle passed to each
// coordinator; the only truly process-global state is the signer."
package runtime

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	lrucache "github.com/hashicorp/golang-lru/v2"

	"github.com/rideflare/ridecore/fareconfig"
	"github.com/rideflare/ridecore/history"
	"github.com/rideflare/ridecore/nostr"
	"github.com/rideflare/ridecore/payment"
	"github.com/rideflare/ridecore/relay"
	"github.com/rideflare/ridecore/session"
	"github.com/rideflare/ridecore/subreg"
)

// Profile is a cached PROFILE event's display fields.
type Profile struct {
	DisplayName     string
	LightningAddr   string
	ObservedAtEvent string
}

// profileCacheCapacity matches SPEC_FULL.md §3's 128-entry bound.
const profileCacheCapacity = 128

// Metrics is the process-local counter snapshot from SPEC_FULL.md §3.
type Metrics struct {
	EventsProcessed int64
	RidesCompleted  int64
	RidesCancelled  int64
	PaymentClaims   int64
	RelayReconnects int64
}

// Runtime is the capability bundle constructed once by cmd/ridecored
// and passed into whichever coordinator (rider.Coordinator or
// driver.Coordinator) the configured role instantiates.
type Runtime struct {
	Signer  nostr.Signer
	priv    *btcec.PrivateKey
	Relay   *relay.Client
	Subs    *subreg.Registry
	Payment *payment.Engine
	Config  *fareconfig.Resolver
	History *history.Log
	Session *session.Store

	Profiles *lrucache.Cache[string, Profile]

	DataDir string
}

// New constructs a Runtime. priv is the identity private key backing
// signer; it is retained only so components that need raw ECDH (NIP-44
// encryption, self-encrypted history backups) can reach it without a
// second process-global.
func New(priv *btcec.PrivateKey, signer nostr.Signer, relayClient *relay.Client, mint payment.MintClient, adminPubKey, dataDir string) *Runtime {
	profiles, err := lrucache.New[string, Profile](profileCacheCapacity)
	if err != nil {
		panic(err)
	}

	historyLog, err := history.Open(dataDir)
	if err != nil {
		panic(fmt.Errorf("runtime: open history log: %w", err))
	}
	sessionStore, err := session.Open(dataDir)
	if err != nil {
		panic(fmt.Errorf("runtime: open session store: %w", err))
	}

	return &Runtime{
		Signer:   signer,
		priv:     priv,
		Relay:    relayClient,
		Subs:     subreg.New(),
		Payment:  payment.NewEngine(mint),
		Config:   fareconfig.New(adminPubKey),
		History:  historyLog,
		Session:  sessionStore,
		Profiles: profiles,
		DataDir:  dataDir,
	}
}

// Close releases the embedded stores backing this Runtime.
func (r *Runtime) Close() {
	if r.History != nil {
		r.History.Close()
	}
	if r.Session != nil {
		r.Session.Close()
	}
}

// PrivateKey returns the identity private key for ECDH-dependent
// operations (NIP-44 encrypt/decrypt, self-encrypted backups).
func (r *Runtime) PrivateKey() *btcec.PrivateKey {
	return r.priv
}

// CacheProfile records an observed PROFILE event's display fields.
func (r *Runtime) CacheProfile(pubKey string, p Profile) {
	r.Profiles.Add(pubKey, p)
}

// LookupProfile returns the cached profile for pubKey, if any.
func (r *Runtime) LookupProfile(pubKey string) (Profile, bool) {
	return r.Profiles.Get(pubKey)
}
