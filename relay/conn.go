package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rideflare/ridecore/nostr"
)

// relayConn owns the single websocket connection to one relay URL. It
// runs its own goroutine that dials, reads until the connection drops,
// then reconnects with exponential backoff, re-issuing every currently
// open subscription after each successful (re)connect — the same
// dial-maintain-reconnect shape peer.go uses for a single peer link,
// generalized to many independent relay endpoints.
type relayConn struct {
	client *Client
	url    string

	mu        sync.Mutex
	conn      *websocket.Conn
	connected int32 // atomic bool

	shutdownCh chan struct{}
	shutdownOnce sync.Once
}

func newRelayConn(c *Client, url string) *relayConn {
	return &relayConn{
		client:     c,
		url:        url,
		shutdownCh: make(chan struct{}),
	}
}

func (rc *relayConn) isConnected() bool {
	return atomic.LoadInt32(&rc.connected) == 1
}

func (rc *relayConn) run() {
	backoff := minReconnectBackoff
	for {
		select {
		case <-rc.shutdownCh:
			return
		default:
		}

		conn, _, err := dialer.Dial(rc.url, nil)
		if err != nil {
			log.Warnf("relay: dial %s failed: %v", rc.url, err)
			if !rc.sleepBackoff(&backoff) {
				return
			}
			continue
		}

		rc.mu.Lock()
		rc.conn = conn
		rc.mu.Unlock()
		atomic.StoreInt32(&rc.connected, 1)
		rc.client.metrics.connects.Inc()
		backoff = minReconnectBackoff
		log.Infof("relay: connected to %s", rc.url)

		rc.reissueSubscriptions()
		rc.readLoop(conn)

		atomic.StoreInt32(&rc.connected, 0)
		rc.client.metrics.disconnects.Inc()
		log.Warnf("relay: disconnected from %s", rc.url)

		select {
		case <-rc.shutdownCh:
			return
		default:
		}
		if !rc.sleepBackoff(&backoff) {
			return
		}
	}
}

// sleepBackoff waits the current backoff duration, doubling it for
// next time (capped), and reports false if shutdown fired meanwhile.
func (rc *relayConn) sleepBackoff(backoff *time.Duration) bool {
	timer := time.NewTimer(*backoff)
	defer timer.Stop()

	select {
	case <-rc.shutdownCh:
		return false
	case <-timer.C:
	}

	next := *backoff * 2
	if next > maxReconnectBackoff {
		next = maxReconnectBackoff
	}
	*backoff = next
	return true
}

func (rc *relayConn) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		rc.client.dispatch(raw)
	}
}

func (rc *relayConn) reissueSubscriptions() {
	rc.client.mu.Lock()
	subs := make([]*subscription, 0, len(rc.client.subs))
	for _, s := range rc.client.subs {
		subs = append(subs, s)
	}
	rc.client.mu.Unlock()

	for _, s := range subs {
		rc.issueSubscription(s)
	}
}

func (rc *relayConn) issueSubscription(sub *subscription) {
	msg, err := nostr.ReqMessage(sub.id, sub.filters...)
	if err != nil {
		log.Errorf("relay: encode REQ for %s: %v", sub.id, err)
		return
	}
	rc.write(msg)
}

func (rc *relayConn) closeSubscription(subID string) {
	msg, err := nostr.CloseMessage(subID)
	if err != nil {
		return
	}
	rc.write(msg)
}

// send writes msg and reports whether the write succeeded.
func (rc *relayConn) send(msg []byte) bool {
	return rc.write(msg)
}

func (rc *relayConn) write(msg []byte) bool {
	rc.mu.Lock()
	conn := rc.conn
	rc.mu.Unlock()

	if conn == nil {
		return false
	}
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		log.Debugf("relay: write to %s failed: %v", rc.url, err)
		return false
	}
	return true
}

func (rc *relayConn) shutdown() {
	rc.shutdownOnce.Do(func() {
		close(rc.shutdownCh)
	})
	rc.mu.Lock()
	conn := rc.conn
	rc.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
