package signaling

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/proline/callkit/internal/protocol"
)

func testOffer() *webrtc.SessionDescription {
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}
}

// testRelay is an in-process stand-in for the signaling relay: it upgrades
// connections, decodes received frames onto a channel, and can push frames or
// close codes back at the client.
type testRelay struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	frames   chan *protocol.Message
	accepted chan *websocket.Conn
	tokens   chan string
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	r := &testRelay{
		frames:   make(chan *protocol.Message, 64),
		accepted: make(chan *websocket.Conn, 4),
		tokens:   make(chan string, 4),
	}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !strings.HasPrefix(req.URL.Path, "/ws/webrtc/") {
			http.NotFound(w, req)
			return
		}
		r.tokens <- req.URL.Query().Get("token")

		conn, err := r.upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.accepted <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msg, err := protocol.Decode(data); err == nil {
				r.frames <- msg
			}
		}
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *testRelay) url() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

// nextFrame waits for the relay to receive one decoded frame.
func (r *testRelay) nextFrame(t *testing.T) *protocol.Message {
	t.Helper()
	select {
	case msg := <-r.frames:
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a frame at the relay")
		return nil
	}
}

func (r *testRelay) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-r.accepted:
		return conn
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a relay connection")
		return nil
	}
}

type staticTokens struct {
	token string
	calls int32
}

func (s *staticTokens) Token(context.Context) (string, error) {
	n := atomic.AddInt32(&s.calls, 1)
	if s.token != "" {
		return s.token, nil
	}
	return "tok-" + string(rune('0'+n)), nil
}

func testOptions(relay *testRelay) Options {
	return Options{
		RelayURL:    relay.url(),
		RoomID:      "job-7",
		Local:       Identity{ID: "u-1", Name: "Ada", Role: "client"},
		Tokens:      &staticTokens{token: "tok"},
		BackoffBase: 10 * time.Millisecond,
		BackoffMax:  20 * time.Millisecond,
	}
}

func waitForState(t *testing.T, states <-chan State, want State) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case s := <-states:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func TestConnectAnnouncesPresence(t *testing.T) {
	relay := newTestRelay(t)
	tr := NewTransport(testOptions(relay))
	defer tr.Close()

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	msg := relay.nextFrame(t)
	if msg.Type != protocol.KindPresence || msg.Status != protocol.PresenceOnline {
		t.Errorf("first frame = %s/%s, want presence online", msg.Type, msg.Status)
	}
	if msg.SenderID != "u-1" || msg.SenderName != "Ada" || msg.SenderRole != "client" {
		t.Errorf("presence not stamped with local identity: %+v", msg)
	}
	if got := tr.State(); got != StateConnected {
		t.Errorf("State = %s, want connected", got)
	}
}

func TestSendBuffersUntilConnectedThenDrainsFIFO(t *testing.T) {
	relay := newTestRelay(t)
	opts := testOptions(relay)
	// Keep the background retry loop asleep so Connect drives delivery.
	opts.BackoffBase = time.Hour
	opts.BackoffMax = time.Hour
	tr := NewTransport(opts)
	defer tr.Close()

	if tr.Send(protocol.Message{Type: protocol.KindCallRequest, To: "u-2"}) {
		t.Error("Send reported delivery while disconnected")
	}
	tr.Send(protocol.Message{Type: protocol.KindOffer, To: "u-2", Offer: testOffer()})
	if got := tr.Buffered(); got != 2 {
		t.Fatalf("Buffered = %d, want 2", got)
	}

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	want := []protocol.Kind{protocol.KindPresence, protocol.KindCallRequest, protocol.KindOffer}
	for i, kind := range want {
		if msg := relay.nextFrame(t); msg.Type != kind {
			t.Errorf("frame %d = %s, want %s", i, msg.Type, kind)
		}
	}
	if got := tr.Buffered(); got != 0 {
		t.Errorf("Buffered after drain = %d, want 0", got)
	}
}

func TestTerminalAuthCloseStopsRetrying(t *testing.T) {
	relay := newTestRelay(t)
	opts := testOptions(relay)
	tokens := &staticTokens{token: "stale"}
	opts.Tokens = tokens

	tr := NewTransport(opts)
	defer tr.Close()

	states := make(chan State, 16)
	tr.OnStateChange(func(s State, _ error) { states <- s })

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	conn := relay.nextConn(t)
	deadline := time.Now().Add(time.Second)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(CloseSessionExpired, "session expired"), deadline)
	conn.Close()

	waitForState(t, states, StateAuthFailed)

	// No background retry after a terminal auth close: the token is fetched
	// exactly once, and Send falls back to buffering.
	time.Sleep(100 * time.Millisecond)
	if n := atomic.LoadInt32(&tokens.calls); n != 1 {
		t.Errorf("token fetched %d times after auth close, want 1", n)
	}
	if tr.Send(protocol.Message{Type: protocol.KindPing}) {
		t.Error("Send reported delivery after terminal auth failure")
	}
}

func TestReconnectRefetchesToken(t *testing.T) {
	relay := newTestRelay(t)
	opts := testOptions(relay)
	opts.Tokens = &staticTokens{} // distinct token per fetch

	tr := NewTransport(opts)
	defer tr.Close()

	states := make(chan State, 16)
	tr.OnStateChange(func(s State, _ error) { states <- s })

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	first := <-relay.tokens
	relay.nextFrame(t) // presence

	// Drop the link without a close frame: abnormal closure, retryable.
	relay.nextConn(t).Close()

	waitForState(t, states, StateReconnecting)
	waitForState(t, states, StateConnected)

	second := <-relay.tokens
	if first == second {
		t.Errorf("reconnect reused token %q, want a fresh fetch", first)
	}

	// The new connection re-announces presence.
	if msg := relay.nextFrame(t); msg.Type != protocol.KindPresence {
		t.Errorf("first frame after reconnect = %s, want presence", msg.Type)
	}
}

func TestReadLoopSuppressesOwnEcho(t *testing.T) {
	relay := newTestRelay(t)
	tr := NewTransport(testOptions(relay))
	defer tr.Close()

	received := make(chan *protocol.Message, 4)
	tr.OnMessage(func(m *protocol.Message) { received <- m })

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	conn := relay.nextConn(t)

	var writeMu sync.Mutex
	push := func(raw string) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
			t.Fatalf("relay push failed: %v", err)
		}
	}

	// The relay echoes broadcasts back to their origin; our own presence must
	// not loop into the handler.
	push(`{"type":"user_presence","sender_id":"u-1","status":"online"}`)
	push(`{"type":"user_presence","sender_id":"u-9","sender_name":"Bo","status":"online"}`)

	select {
	case msg := <-received:
		if msg.SenderID != "u-9" {
			t.Errorf("handler saw frame from %s, own echo not suppressed", msg.SenderID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("peer frame never reached the handler")
	}
	select {
	case msg := <-received:
		t.Errorf("unexpected extra frame from %s", msg.SenderID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReconnectSupersedesHalfDeadConnection(t *testing.T) {
	relay := newTestRelay(t)
	opts := testOptions(relay)
	// Keep the background retry loop asleep so any spurious reconnect is
	// visible as a state change rather than a new dial.
	opts.BackoffBase = time.Hour
	opts.BackoffMax = time.Hour
	tr := NewTransport(opts)
	defer tr.Close()

	received := make(chan *protocol.Message, 8)
	tr.OnMessage(func(m *protocol.Message) { received <- m })

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	relay.nextConn(t)  // first link
	relay.nextFrame(t) // presence on the first link

	// A second dial completes while the first link's read loop is still
	// draining, as happens when the heartbeat flags a half-dead connection.
	if err := tr.connectOnce(context.Background()); err != nil {
		t.Fatalf("connectOnce failed: %v", err)
	}
	conn2 := relay.nextConn(t)
	relay.nextFrame(t) // presence on the replacement link

	// The first link's read loop exits now. It must not clobber the
	// replacement: no state change, no third dial.
	time.Sleep(150 * time.Millisecond)
	if got := tr.State(); got != StateConnected {
		t.Fatalf("state after stale loop exit = %s, want connected", got)
	}
	select {
	case <-relay.accepted:
		t.Fatal("a third connection was dialed after the stale loop exit")
	default:
	}

	// Exactly one live link: a broadcast pushed on the replacement reaches
	// the handler exactly once.
	frame := `{"type":"user_presence","sender_id":"u-9","sender_name":"Bo","status":"online"}`
	if err := conn2.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("relay push failed: %v", err)
	}
	select {
	case msg := <-received:
		if msg.SenderID != "u-9" {
			t.Errorf("handler saw frame from %s", msg.SenderID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("broadcast never reached the handler")
	}
	select {
	case <-received:
		t.Error("broadcast dispatched more than once")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestWriteDeadlineFailsStuckWrites(t *testing.T) {
	relay := newTestRelay(t)
	opts := testOptions(relay)
	opts.BackoffBase = time.Hour
	opts.BackoffMax = time.Hour
	// An already-expired deadline stands in for a link whose peer stopped
	// draining: the write must fail instead of parking in the kernel buffer.
	opts.WriteTimeout = time.Nanosecond
	tr := NewTransport(opts)
	defer tr.Close()

	_ = tr.Connect(context.Background())

	if tr.Send(protocol.Message{Type: protocol.KindPing}) {
		t.Error("Send reported delivery despite an expired write deadline")
	}
	if tr.Buffered() == 0 {
		t.Error("failed write was not buffered for redelivery")
	}
}

func TestBackoffIsCapped(t *testing.T) {
	base, max := 2*time.Second, 5*time.Second
	testCases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tc := range testCases {
		if got := backoff(tc.attempt, base, max); got != tc.want {
			t.Errorf("backoff(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}
