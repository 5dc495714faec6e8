// Package realtime implements the low-latency bidirectional channel.
//
// The channel is an explicit state machine:
//
//	disconnected → authenticating → snapshot-pending → live
//	              ↖────────────── (error, backoff) ──────────────┘
//
// Authentication exchanges the access token for a 5-minute ephemeral
// ws-token carried in the connection handshake header. After the
// handshake the server pushes one snapshot message with current
// authoritative state, which is applied before any other message. In
// the live state events flow both ways and a ping/pong heartbeat
// detects dead connections; a missing pong within the grace window
// forces reconnection.
//
// While disconnected the offline queue is the sole delivery mechanism:
// Push is best-effort and local operations never block on this channel.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaydev/relay/pkg/creds"
	"github.com/relaydev/relay/pkg/event"
)

// State is the connection lifecycle position.
type State int32

const (
	StateDisconnected State = iota
	StateAuthenticating
	StateSnapshotPending
	StateLive
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAuthenticating:
		return "authenticating"
	case StateSnapshotPending:
		return "snapshot-pending"
	case StateLive:
		return "live"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Wire message types.
const (
	MsgSnapshot    = "snapshot"
	MsgEvent       = "event"
	MsgPing        = "ping"
	MsgPong        = "pong"
	MsgAuthSuccess = "auth_success"
	MsgError       = "error"
)

// Message is the JSON frame exchanged over the socket.
type Message struct {
	Type    string          `json:"type"`
	Event   json.RawMessage `json:"event,omitempty"`
	State   json.RawMessage `json:"state,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Heartbeat defaults.
const (
	DefaultHeartbeatInterval = 20 * time.Second

	// pongGraceFactor: a pong must arrive within
	// heartbeat * pongGraceFactor or the connection is declared dead.
	pongGraceFactor = 2
)

// Backoff defaults for reconnection.
const (
	DefaultBackoffBase = time.Second
	DefaultBackoffMax  = time.Minute
)

// Config wires a Channel to its collaborators.
type Config struct {
	// URL is the websocket endpoint (ws:// or wss://).
	URL string

	// Creds supplies ephemeral ws-tokens.
	Creds *creds.Manager

	// OnSnapshot is called with the server's authoritative state before
	// any event message is processed.
	OnSnapshot func(state json.RawMessage)

	// OnEvent is called for each remote event, after the local clock
	// has been advanced by the caller's wiring.
	OnEvent func(e *event.Event)

	// HeartbeatInterval overrides the 20s default (tests).
	HeartbeatInterval time.Duration

	// BackoffBase/BackoffMax override reconnection pacing (tests).
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// Dialer overrides the default websocket dialer (tests).
	Dialer *websocket.Dialer
}

// Channel is the realtime connection manager. Create with New, drive
// with Run in a dedicated goroutine, and hand it locally emitted
// events with Push.
type Channel struct {
	cfg   Config
	state atomic.Int32

	send chan *event.Event
}

// New builds a channel; Run must be called to connect.
func New(cfg Config) *Channel {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultBackoffMax
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Channel{
		cfg:  cfg,
		send: make(chan *event.Event, 64),
	}
}

// State returns the current connection state.
func (c *Channel) State() State { return State(c.state.Load()) }

// Connected reports whether the channel is live.
func (c *Channel) Connected() bool { return c.State() == StateLive }

// Push hands a locally emitted event to the live connection. It never
// blocks: when the channel is not live or the send buffer is full it
// returns false and the event rides the offline queue instead. The
// caller has always already enqueued the event durably, so a false
// return is not a loss.
func (c *Channel) Push(e *event.Event) bool {
	if !c.Connected() {
		return false
	}
	select {
	case c.send <- e:
		return true
	default:
		return false
	}
}

// Run connects and reconnects with exponential backoff until ctx is
// canceled. It never returns an error: connection failures are state,
// not failures of the caller.
func (c *Channel) Run(ctx context.Context) {
	backoff := c.cfg.BackoffBase
	for {
		err := c.runOnce(ctx)
		c.state.Store(int32(StateDisconnected))
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			// Clean server close; reconnect promptly.
			backoff = c.cfg.BackoffBase
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.cfg.BackoffMax {
			backoff = c.cfg.BackoffMax
		}
	}
}

// runOnce performs one full connection lifecycle: authenticate, dial,
// apply snapshot, then pump the live loop until an error.
func (c *Channel) runOnce(ctx context.Context) error {
	c.state.Store(int32(StateAuthenticating))
	wsToken, err := c.cfg.Creds.WSToken(ctx)
	if err != nil {
		return fmt.Errorf("realtime: ws-token: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+wsToken)
	conn, resp, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("realtime: dial: HTTP %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("realtime: dial: %w", err)
	}
	defer conn.Close()

	// Tear the connection down when the context ends so blocked reads
	// unblock immediately.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	c.state.Store(int32(StateSnapshotPending))
	if err := c.awaitSnapshot(conn); err != nil {
		return err
	}

	c.state.Store(int32(StateLive))
	defer c.state.Store(int32(StateDisconnected))
	return c.live(ctx, conn)
}

// awaitSnapshot reads until the snapshot arrives, tolerating the
// auth_success acknowledgment some handshakes send first. Any event
// received before the snapshot would be unordered relative to the
// authoritative state, so the protocol forbids it.
func (c *Channel) awaitSnapshot(conn *websocket.Conn) error {
	// The heartbeat is not running yet, so the handshake needs its own
	// deadline: a server that goes silent after the dial must not park
	// the channel in snapshot-pending forever.
	deadline := time.Duration(pongGraceFactor) * c.cfg.HeartbeatInterval
	if err := conn.SetReadDeadline(time.Now().Add(deadline)); err != nil {
		return fmt.Errorf("realtime: handshake deadline: %w", err)
	}
	defer conn.SetReadDeadline(time.Time{})

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("realtime: handshake read: %w", err)
		}
		switch msg.Type {
		case MsgAuthSuccess:
			continue
		case MsgSnapshot:
			if c.cfg.OnSnapshot != nil {
				c.cfg.OnSnapshot(msg.State)
			}
			return nil
		case MsgError:
			return fmt.Errorf("realtime: server error during handshake: %s", msg.Message)
		default:
			return fmt.Errorf("realtime: unexpected %q before snapshot", msg.Type)
		}
	}
}

// live pumps the bidirectional message flow: outbound pushes and
// heartbeat pings from this goroutine, inbound messages from a reader
// goroutine. Returns on the first send/receive failure.
func (c *Channel) live(ctx context.Context, conn *websocket.Conn) error {
	inbound := make(chan Message, 16)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				readErr <- err
				return
			}
			// The select keeps the reader collectable when live returns
			// with the buffer full; a plain send would pin the goroutine
			// past the connection's lifetime.
			select {
			case inbound <- msg:
			case <-stop:
				return
			}
		}
	}()

	heartbeat := time.NewTicker(c.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	lastPong := time.Now()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil

		case err := <-readErr:
			return fmt.Errorf("realtime: read: %w", err)

		case msg := <-inbound:
			if err := c.handleInbound(conn, msg, &lastPong); err != nil {
				return err
			}

		case e := <-c.send:
			raw, err := json.Marshal(e)
			if err != nil {
				continue // unserializable event; the queue still has it
			}
			if err := conn.WriteJSON(Message{Type: MsgEvent, Event: raw}); err != nil {
				return fmt.Errorf("realtime: write: %w", err)
			}

		case <-heartbeat.C:
			if time.Since(lastPong) > time.Duration(pongGraceFactor)*c.cfg.HeartbeatInterval {
				return fmt.Errorf("realtime: heartbeat: no pong within grace window")
			}
			if err := conn.WriteJSON(Message{Type: MsgPing}); err != nil {
				return fmt.Errorf("realtime: ping: %w", err)
			}
		}
	}
}

func (c *Channel) handleInbound(conn *websocket.Conn, msg Message, lastPong *time.Time) error {
	switch msg.Type {
	case MsgEvent:
		var e event.Event
		if err := json.Unmarshal(msg.Event, &e); err != nil {
			return fmt.Errorf("realtime: decode event: %w", err)
		}
		if c.cfg.OnEvent != nil {
			c.cfg.OnEvent(&e)
		}
	case MsgPong:
		*lastPong = time.Now()
	case MsgPing:
		if err := conn.WriteJSON(Message{Type: MsgPong}); err != nil {
			return fmt.Errorf("realtime: pong: %w", err)
		}
	case MsgError:
		return fmt.Errorf("realtime: server error: %s", msg.Message)
	}
	return nil
}

// WSURL derives the websocket endpoint from the HTTP server URL.
func WSURL(serverURL string) string {
	u := strings.TrimSuffix(serverURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}
