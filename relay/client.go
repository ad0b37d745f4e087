// Package relay implements the multiplexed relay client (C2): one
// logical connection per configured relay URL, each independently
// reconnecting with exponential backoff and re-issuing every open
// subscription on reconnect, modeled on peer.go's per-peer connection
// lifecycle (dial, maintain, reconnect-on-drop) generalized from a
// single persistent peer to a pool of relay URLs.
package relay

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/rideflare/ridecore/nostr"
	"github.com/rideflare/ridecore/subreg"
)

var log = btclog.Disabled

// UseLogger sets the subsystem logger used by package relay.
func UseLogger(logger btclog.Logger) {
	log = logger
}

const (
	minReconnectBackoff = 1 * time.Second
	maxReconnectBackoff = 60 * time.Second
)

// Handler is invoked once per deduplicated event delivered to a
// subscription. Invocations for a given subscription are strictly
// serialized.
type Handler func(ev *nostr.Event)

// PublishOutcome reports how many relays a publish was written to.
// Acked counts successful websocket writes; relay OK replies are not
// awaited.
type PublishOutcome struct {
	Acked   int
	Failed  int
	Total   int
}

// Success reports whether the write to at least one relay succeeded.
func (o PublishOutcome) Success() bool { return o.Acked > 0 }

// subscription tracks one logical REQ across every connected relay.
type subscription struct {
	id      string
	filters []nostr.Filter
	handler Handler
	mu      sync.Mutex // serializes handler invocation
	closed  bool
}

// subHandle is returned from Subscribe and satisfies subreg.Handle.
type subHandle struct {
	client *Client
	sub    *subscription
}

func (h *subHandle) Close() {
	h.client.closeSubscription(h.sub)
}

// Client multiplexes subscriptions and publishes across a set of relay
// URLs, deduplicating inbound events by id before handler dispatch.
type Client struct {
	mu    sync.Mutex
	conns map[string]*relayConn
	subs  map[string]*subscription

	dedup       *subreg.Dedup
	nextSubID   int
	publishRate *rate.Limiter

	metrics *metrics
}

type metrics struct {
	connects     prometheus.Counter
	disconnects  prometheus.Counter
	publishOK    prometheus.Counter
	publishFail  prometheus.Counter
	eventsRecv   prometheus.Counter
	eventsDedup  prometheus.Counter
}

func newMetrics() *metrics {
	return &metrics{
		connects:    prometheus.NewCounter(prometheus.CounterOpts{Name: "ridecore_relay_connects_total"}),
		disconnects: prometheus.NewCounter(prometheus.CounterOpts{Name: "ridecore_relay_disconnects_total"}),
		publishOK:   prometheus.NewCounter(prometheus.CounterOpts{Name: "ridecore_relay_publish_ok_total"}),
		publishFail: prometheus.NewCounter(prometheus.CounterOpts{Name: "ridecore_relay_publish_fail_total"}),
		eventsRecv:  prometheus.NewCounter(prometheus.CounterOpts{Name: "ridecore_relay_events_received_total"}),
		eventsDedup: prometheus.NewCounter(prometheus.CounterOpts{Name: "ridecore_relay_events_deduped_total"}),
	}
}

// Register adds the client's counters to reg. Safe to call once at
// startup; a nil reg is a no-op (tests construct a Client without a
// registry).
func (c *Client) Register(reg prometheus.Registerer) {
	if reg == nil {
		return
	}
	reg.MustRegister(
		c.metrics.connects, c.metrics.disconnects,
		c.metrics.publishOK, c.metrics.publishFail,
		c.metrics.eventsRecv, c.metrics.eventsDedup,
	)
}

// New constructs a Client with no connections yet established; call
// Connect to dial the configured relay URLs.
func New() *Client {
	return &Client{
		conns:       make(map[string]*relayConn),
		subs:        make(map[string]*subscription),
		dedup:       subreg.NewDedup(1024),
		publishRate: rate.NewLimiter(rate.Limit(20), 40),
		metrics:     newMetrics(),
	}
}

// Connect dials every url, each in its own reconnecting goroutine. It
// returns once the initial dial attempts have been started; callers
// should not assume connections are live immediately (see
// EnsureConnected).
func (c *Client) Connect(urls []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, url := range urls {
		if _, ok := c.conns[url]; ok {
			continue
		}
		rc := newRelayConn(c, url)
		c.conns[url] = rc
		go rc.run()
	}
}

// EnsureConnected blocks until at least one relay is connected or ctx
// is done.
func (c *Client) EnsureConnected(ctx context.Context) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		if c.anyConnected() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) anyConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rc := range c.conns {
		if rc.isConnected() {
			return true
		}
	}
	return false
}

// Publish sends ev to every connected relay in parallel and returns
// once all attempts have completed. A publish is successful if the
// write to at least one relay succeeded; relay OK replies are not
// awaited.
func (c *Client) Publish(ctx context.Context, ev *nostr.Event) (PublishOutcome, error) {
	if err := c.publishRate.Wait(ctx); err != nil {
		return PublishOutcome{}, fmt.Errorf("relay: rate limit: %w", err)
	}

	msg, err := nostr.EventMessage(ev)
	if err != nil {
		return PublishOutcome{}, fmt.Errorf("relay: encode event: %w", err)
	}

	c.mu.Lock()
	conns := make([]*relayConn, 0, len(c.conns))
	for _, rc := range c.conns {
		conns = append(conns, rc)
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	results := make([]bool, len(conns))
	for i, rc := range conns {
		wg.Add(1)
		go func(i int, rc *relayConn) {
			defer wg.Done()
			results[i] = rc.send(msg)
		}(i, rc)
	}
	wg.Wait()

	outcome := PublishOutcome{Total: len(conns)}
	for _, ok := range results {
		if ok {
			outcome.Acked++
			c.metrics.publishOK.Inc()
		} else {
			outcome.Failed++
			c.metrics.publishFail.Inc()
		}
	}
	return outcome, nil
}

// Subscribe issues filters as a REQ against every connected relay
// (and every relay that connects afterward) and invokes handler for
// each deduplicated inbound event, until the returned handle is
// closed.
func (c *Client) Subscribe(filters []nostr.Filter, handler Handler) *subHandle {
	c.mu.Lock()
	c.nextSubID++
	id := fmt.Sprintf("sub-%d", c.nextSubID)
	sub := &subscription{id: id, filters: filters, handler: handler}
	c.subs[id] = sub
	conns := make([]*relayConn, 0, len(c.conns))
	for _, rc := range c.conns {
		conns = append(conns, rc)
	}
	c.mu.Unlock()

	for _, rc := range conns {
		rc.issueSubscription(sub)
	}

	return &subHandle{client: c, sub: sub}
}

func (c *Client) closeSubscription(sub *subscription) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.closed = true
	sub.mu.Unlock()

	c.mu.Lock()
	delete(c.subs, sub.id)
	conns := make([]*relayConn, 0, len(c.conns))
	for _, rc := range c.conns {
		conns = append(conns, rc)
	}
	c.mu.Unlock()

	for _, rc := range conns {
		rc.closeSubscription(sub.id)
	}
}

// CloseAll tears down every subscription and disconnects every relay.
func (c *Client) CloseAll() {
	c.mu.Lock()
	subs := make([]*subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	conns := make([]*relayConn, 0, len(c.conns))
	for _, rc := range c.conns {
		conns = append(conns, rc)
	}
	c.mu.Unlock()

	for _, s := range subs {
		c.closeSubscription(s)
	}
	for _, rc := range conns {
		rc.shutdown()
	}
}

func (c *Client) dispatch(raw []byte) {
	in, err := nostr.ParseIncoming(raw)
	if err != nil {
		log.Debugf("relay: dropping malformed envelope: %v", err)
		return
	}
	if in.Type != nostr.ServerEvent || in.Event == nil {
		return
	}

	c.metrics.eventsRecv.Inc()
	if c.dedup.SeenBefore(in.Event.ID) {
		c.metrics.eventsDedup.Inc()
		return
	}
	if !nostr.Verify(in.Event) {
		log.Warnf("relay: dropping event %s with invalid signature", in.Event.ID)
		return
	}

	c.mu.Lock()
	sub, ok := c.subs[in.SubID]
	c.mu.Unlock()
	if !ok {
		return
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	sub.handler(in.Event)
}

// dialer is the shared websocket dialer used by every relayConn.
var dialer = websocket.Dialer{
	HandshakeTimeout: 10 * time.Second,
	TLSClientConfig:  &tls.Config{},
}
