// Package signaling maintains the WebSocket channel to the call relay: token
// auth, keepalive, reconnect with backoff, and buffering of undeliverable
// outbound messages. Callers see a Send that never blocks on the network
// state and an OnMessage stream of decoded inbound frames.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/proline/callkit/internal/protocol"
	"github.com/proline/callkit/internal/util"
)

// State is the externally visible transport state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateAuthFailed  // terminal: relay rejected our credentials, no retry
	StateUnavailable // terminal: reconnect budget exhausted
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateAuthFailed:
		return "auth-failed"
	case StateUnavailable:
		return "unavailable"
	}
	return "unknown"
}

// Identity is the local participant stamped onto every outbound message.
type Identity struct {
	ID   string
	Name string
	Role string
}

// Options configures a Transport. Zero durations and counts fall back to the
// defaults below.
type Options struct {
	RelayURL string // e.g. ws://localhost:8000
	RoomID   string // job id scoping the relay room
	Local    Identity
	Tokens   TokenProvider

	DialTimeout    time.Duration // default 8s
	WriteTimeout   time.Duration // default 5s
	HeartbeatEvery time.Duration // default 20s
	BackoffBase    time.Duration // default 2s
	BackoffMax     time.Duration // default 5s
	MaxRetries     int           // default 10
}

func (o *Options) applyDefaults() {
	if o.DialTimeout == 0 {
		o.DialTimeout = 8 * time.Second
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.HeartbeatEvery == 0 {
		o.HeartbeatEvery = 20 * time.Second
	}
	if o.BackoffBase == 0 {
		o.BackoffBase = 2 * time.Second
	}
	if o.BackoffMax == 0 {
		o.BackoffMax = 5 * time.Second
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 10
	}
}

// Transport is one logical connection to the relay for one room. It owns its
// outbound buffer; nothing is shared between transports.
type Transport struct {
	opts   Options
	buffer *outboundBuffer

	// Set via OnMessage / OnStateChange before Connect.
	handler func(*protocol.Message)
	onState func(State, error)

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex // gorilla allows a single concurrent writer

	mu           sync.Mutex
	conn         *websocket.Conn
	state        State
	reconnecting bool
	closed       bool
}

// NewTransport creates a Transport for the given room. Connect must be
// called before any message flows.
func NewTransport(opts Options) *Transport {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		opts:   opts,
		buffer: &outboundBuffer{},
		ctx:    ctx,
		cancel: cancel,
		state:  StateDisconnected,
	}
}

// OnMessage registers the inbound message handler. Must be set before
// Connect; frames arriving with no handler are dropped.
func (t *Transport) OnMessage(fn func(*protocol.Message)) { t.handler = fn }

// OnStateChange registers a callback for transport state transitions. The
// error argument carries the cause for the terminal and reconnecting states.
func (t *Transport) OnStateChange(fn func(State, error)) { t.onState = fn }

// State returns the current transport state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Buffered returns the number of outbound messages awaiting delivery.
func (t *Transport) Buffered() int { return t.buffer.size() }

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Connect performs the initial connection:
//  1. Fetch a short-lived token from the token provider
//  2. Dial the room-scoped relay endpoint within the dial deadline
//  3. Announce presence ("online")
//  4. Start the read loop and keepalive
//
// A missing token (ErrNoToken) is terminal. Any other failure schedules the
// background reconnect loop before returning, so callers can surface a
// non-blocking "reconnecting" indicator instead of a hard error.
func (t *Transport) Connect(ctx context.Context) error {
	t.setState(StateConnecting, nil)

	if err := t.connectOnce(ctx); err != nil {
		if errors.Is(err, ErrNoToken) {
			t.setState(StateAuthFailed, err)
			return err
		}
		t.scheduleReconnect(err)
		return err
	}
	return nil
}

// Close tears the transport down: best-effort offline presence, a clean
// close frame, and cancellation of all background goroutines. Idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		if data, err := protocol.Encode(t.stamp(&protocol.Message{
			Type:   protocol.KindPresence,
			Status: protocol.PresenceOffline,
		})); err == nil {
			t.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout))
			_ = conn.WriteMessage(websocket.TextMessage, data)
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			t.writeMu.Unlock()
		}
		conn.Close()
	}

	t.cancel()
	return nil
}

// connectOnce runs a single token-fetch + dial cycle and, on success, wires
// up the per-connection goroutines and drains the outbound buffer.
func (t *Transport) connectOnce(ctx context.Context) error {
	token, err := t.opts.Tokens.Token(ctx)
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/ws/webrtc/%s/?token=%s",
		strings.TrimRight(t.opts.RelayURL, "/"), t.opts.RoomID, url.QueryEscape(token))

	dialCtx, cancel := context.WithTimeout(ctx, t.opts.DialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, endpoint, nil)
	if err != nil {
		if dialCtx.Err() != nil && ctx.Err() == nil {
			return fmt.Errorf("relay did not accept within %s: %w", t.opts.DialTimeout, ErrConnectTimeout)
		}
		return fmt.Errorf("dial relay: %w", err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return errors.New("transport closed during connect")
	}
	prev := t.conn
	t.conn = conn
	t.mu.Unlock()

	// A half-dead predecessor may still be draining its read loop. Close it;
	// handleDisconnect ignores exits from connections that are no longer
	// current.
	if prev != nil {
		prev.Close()
	}

	t.setState(StateConnected, nil)
	util.LogInfo("signaling connected to room %s", t.opts.RoomID)

	t.Send(protocol.Message{Type: protocol.KindPresence, Status: protocol.PresenceOnline})

	connDone := make(chan struct{})
	go t.readLoop(conn, connDone)
	go t.heartbeat(connDone)

	t.buffer.drain(func(msg *protocol.Message) bool { return t.sendNow(msg) })
	return nil
}

// ---------------------------------------------------------------------------
// Sending
// ---------------------------------------------------------------------------

// Send stamps the local sender identity onto msg and delivers it if the
// channel is open. When it is not, or the write fails, the message is
// buffered for the next reconnect and false is returned. False therefore
// means "not yet sent", not "lost"; callers needing confirmed delivery must
// not rely on this boolean alone.
func (t *Transport) Send(msg protocol.Message) bool {
	m := t.stamp(&msg)

	if _, err := protocol.Encode(m); err != nil {
		util.LogError("refusing to send invalid message: %v", err)
		return false
	}

	if t.sendNow(m) {
		return true
	}

	t.buffer.push(m)
	t.scheduleReconnect(nil)
	return false
}

// sendNow attempts a synchronous write. Returns false if the channel is not
// open or the write fails.
func (t *Transport) sendNow(msg *protocol.Message) bool {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return false
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		util.LogError("encode signaling message: %v", err)
		return false
	}

	t.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout))
	err = conn.WriteMessage(websocket.TextMessage, data)
	t.writeMu.Unlock()
	if err != nil {
		util.LogWarning("write %s failed: %v", msg.Type, err)
		return false
	}
	return true
}

// stamp fills in the sender fields from the local identity.
func (t *Transport) stamp(msg *protocol.Message) *protocol.Message {
	msg.SenderID = t.opts.Local.ID
	msg.SenderName = t.opts.Local.Name
	msg.SenderRole = t.opts.Local.Role
	return msg
}

// ---------------------------------------------------------------------------
// Inbound
// ---------------------------------------------------------------------------

// readLoop decodes inbound frames and dispatches them to the handler.
// Decode failures are logged and dropped; they never crash the handler
// chain. Frames carrying our own sender id are discarded: the relay echoes
// broadcasts back to their origin.
func (t *Transport) readLoop(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.handleDisconnect(conn, err)
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			util.LogDebug("dropping undecodable frame: %v", err)
			continue
		}
		if msg.SenderID == t.opts.Local.ID {
			continue
		}

		if t.handler != nil {
			t.handler(msg)
		}
	}
}

// handleDisconnect classifies a read failure. Reserved auth close codes end
// the retry loop: a stale token cannot be retried into validity. Everything
// else goes through the backoff reconnect. Exits from a connection that has
// already been superseded by a reconnect are ignored; the live link must not
// be clobbered by its predecessor's shutdown.
func (t *Transport) handleDisconnect(conn *websocket.Conn, err error) {
	t.mu.Lock()
	if t.closed || t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.mu.Unlock()

	var ce *websocket.CloseError
	if errors.As(err, &ce) && terminalClose(ce.Code) {
		util.LogError("relay closed the connection with auth code %d", ce.Code)
		t.setState(StateAuthFailed, fmt.Errorf("close code %d: %w", ce.Code, ErrAuthRejected))
		return
	}

	util.LogWarning("signaling connection lost: %v", err)
	t.scheduleReconnect(err)
}

// heartbeat sends a lightweight ping on an interval to detect silently-dead
// connections faster than the platform close event. A failed ping triggers
// an immediate reconnect via the Send buffering path.
func (t *Transport) heartbeat(connDone <-chan struct{}) {
	ticker := time.NewTicker(t.opts.HeartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.Send(protocol.Message{Type: protocol.KindPing})
		case <-connDone:
			return
		case <-t.ctx.Done():
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Reconnection
// ---------------------------------------------------------------------------

// scheduleReconnect starts the background retry loop unless one is already
// running or the transport reached a terminal state.
func (t *Transport) scheduleReconnect(cause error) {
	t.mu.Lock()
	if t.reconnecting || t.closed || t.state == StateAuthFailed || t.state == StateUnavailable {
		t.mu.Unlock()
		return
	}
	t.reconnecting = true
	t.mu.Unlock()

	t.setState(StateReconnecting, cause)
	go t.reconnectLoop()
}

// reconnectLoop retries with capped-exponential backoff up to the retry
// budget, then reports the transport unavailable.
func (t *Transport) reconnectLoop() {
	defer func() {
		t.mu.Lock()
		t.reconnecting = false
		t.mu.Unlock()
	}()

	for attempt := 1; ; attempt++ {
		if attempt > t.opts.MaxRetries {
			util.LogError("giving up after %d reconnect attempts", t.opts.MaxRetries)
			t.setState(StateUnavailable, ErrUnavailable)
			return
		}

		select {
		case <-time.After(backoff(attempt, t.opts.BackoffBase, t.opts.BackoffMax)):
		case <-t.ctx.Done():
			return
		}

		err := t.connectOnce(t.ctx)
		if err == nil {
			return
		}
		if errors.Is(err, ErrNoToken) {
			t.setState(StateAuthFailed, err)
			return
		}
		util.LogWarning("reconnect attempt %d failed: %v", attempt, err)
	}
}

// backoff returns the delay before the given attempt: base doubled per
// attempt, capped at max.
func backoff(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// setState records the new state and notifies the observer outside the lock.
func (t *Transport) setState(s State, cause error) {
	t.mu.Lock()
	if t.state == s {
		t.mu.Unlock()
		return
	}
	t.state = s
	fn := t.onState
	t.mu.Unlock()

	if fn != nil {
		fn(s, cause)
	}
}
