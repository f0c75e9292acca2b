// Package media owns the per-call WebRTC peer connection: creation, track
// attachment, offer/answer handling, ICE recovery, and quality sampling.
// Exactly one Manager exists per call session; a new session must close the
// previous Manager before creating its own.
package media

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/proline/callkit/internal/util"
)

// STUN servers for ICE candidate gathering. Direct P2P media with no TURN
// relay; the marketplace backend only carries signaling.
var stunServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// State is the coarse connection state reported to the call machine.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected // transient; recovery in progress
	StateFailed       // recovery window elapsed without reconnection
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Events are the callbacks a Manager drives. All fields are optional.
type Events struct {
	ConnectionState func(State)
	LocalCandidate  func(webrtc.ICECandidateInit)
	RestartOffer    func(webrtc.SessionDescription) // ICE-restart offer to relay to the peer
	RemoteTrack     func(*webrtc.TrackRemote)
	Quality         func(Quality)
}

const (
	// disconnectGrace is how long an ICE "disconnected" may self-heal before
	// we force a restart. "disconnected" is common and usually transient,
	// unlike "failed".
	disconnectGrace = 5 * time.Second

	// recoveryWindow bounds how long a restart attempt may run before the
	// connection is declared failed.
	recoveryWindow = 5 * time.Second
)

// Manager wraps one PeerConnection for the lifetime of one call.
type Manager struct {
	events    Events
	initiator bool

	mu          sync.Mutex
	pc          *webrtc.PeerConnection
	closed      bool
	pending     []webrtc.ICECandidateInit // inbound candidates awaiting the remote description
	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender
	audioTrack  webrtc.TrackLocal
	videoTrack  webrtc.TrackLocal
	graceTimer  *time.Timer
	failTimer   *time.Timer
	samplerStop chan struct{}
}

// New creates a Manager with the given local tracks attached. initiator
// marks the offering side; only that side runs ICE-restart recovery, and the
// answering side waits for a restart offer from the peer.
func New(localTracks []webrtc.TrackLocal, initiator bool, events Events) (*Manager, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stunServers}},
	})
	if err != nil {
		return nil, err
	}

	m := &Manager{
		events:      events,
		initiator:   initiator,
		pc:          pc,
		samplerStop: make(chan struct{}),
	}

	for _, track := range localTracks {
		sender, err := pc.AddTrack(track)
		if err != nil {
			pc.Close()
			return nil, err
		}
		switch track.Kind() {
		case webrtc.RTPCodecTypeAudio:
			m.audioSender, m.audioTrack = sender, track
		case webrtc.RTPCodecTypeVideo:
			m.videoSender, m.videoTrack = sender, track
		}
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		util.LogDebug("remote %s track arrived", track.Kind())
		m.emitTrack(track)
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		m.emitCandidate(c.ToJSON())
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("peer connection state: %s", state)
		switch state {
		case webrtc.PeerConnectionStateConnected:
			m.onRecovered()
		case webrtc.PeerConnectionStateClosed:
			m.emitState(StateClosed)
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		util.LogDebug("ICE connection state: %s", state)
		switch state {
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			m.onRecovered()
		case webrtc.ICEConnectionStateDisconnected:
			m.onDisconnected()
		case webrtc.ICEConnectionStateFailed:
			m.onFailed()
		}
	})

	go m.sampleQuality()

	return m, nil
}

// ---------------------------------------------------------------------------
// Negotiation
// ---------------------------------------------------------------------------

// CreateOffer creates an SDP offer and applies it locally. With iceRestart
// set, the offer renegotiates network paths on the existing session.
func (m *Manager) CreateOffer(iceRestart bool) (*webrtc.SessionDescription, error) {
	m.mu.Lock()
	pc := m.pc
	m.mu.Unlock()

	offer, err := pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return nil, err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return pc.LocalDescription(), nil
}

// CreateAnswer creates an SDP answer, patches the video direction when the
// negotiated description under-specifies it, and applies it locally.
func (m *Manager) CreateAnswer() (*webrtc.SessionDescription, error) {
	m.mu.Lock()
	pc := m.pc
	m.mu.Unlock()

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	answer.SDP = ForceVideoSendRecv(answer.SDP)
	if err := pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	return pc.LocalDescription(), nil
}

// ApplyRemoteDescription applies the peer's offer or answer. It fails softly
// (false instead of an error) when the connection is absent or
// already closed; callers must treat false as "do not continue negotiation".
// On success the pending inbound candidates are flushed in arrival order.
func (m *Manager) ApplyRemoteDescription(desc webrtc.SessionDescription) bool {
	m.mu.Lock()
	if m.closed || m.pc.SignalingState() == webrtc.SignalingStateClosed {
		m.mu.Unlock()
		util.LogWarning("cannot apply remote %s: connection closed", desc.Type)
		return false
	}
	pc := m.pc
	m.mu.Unlock()

	if desc.Type == webrtc.SDPTypeOffer {
		desc.SDP = ForceVideoSendRecv(desc.SDP)
	}

	if err := pc.SetRemoteDescription(desc); err != nil {
		util.LogError("set remote %s failed: %v", desc.Type, err)
		return false
	}

	m.flushPending()
	return true
}

// AddRemoteCandidate applies an inbound ICE candidate, or queues it when the
// remote description has not been set yet: signaling and negotiation are
// independent channels with no ordering guarantee between them.
func (m *Manager) AddRemoteCandidate(candidate webrtc.ICECandidateInit) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.pc.RemoteDescription() == nil {
		m.pending = append(m.pending, candidate)
		m.mu.Unlock()
		util.LogDebug("remote description not set, queued candidate (%d pending)", len(m.pending))
		return
	}
	pc := m.pc
	m.mu.Unlock()

	if err := pc.AddICECandidate(candidate); err != nil {
		util.LogWarning("add ICE candidate failed: %v", err)
	}
}

// flushPending drains the queued candidates exactly once, in arrival order.
// A candidate that fails to apply is logged and skipped; it never aborts the
// rest of the queue.
func (m *Manager) flushPending() {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	pc := m.pc
	m.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	util.LogDebug("applying %d buffered ICE candidate(s)", len(pending))
	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			util.LogWarning("buffered candidate failed to apply: %v", err)
		}
	}
}

// HasRemoteDescription reports whether the peer's description was applied.
func (m *Manager) HasRemoteDescription() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed && m.pc.RemoteDescription() != nil
}

// PendingCandidates returns the number of queued inbound candidates.
func (m *Manager) PendingCandidates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// ---------------------------------------------------------------------------
// Mute
// ---------------------------------------------------------------------------

// SetAudioEnabled mutes or unmutes the outbound audio track by swapping the
// RTP sender's track.
func (m *Manager) SetAudioEnabled(enabled bool) error {
	return m.setTrackEnabled(m.audioSender, m.audioTrack, enabled)
}

// SetVideoEnabled mutes or unmutes the outbound video track.
func (m *Manager) SetVideoEnabled(enabled bool) error {
	return m.setTrackEnabled(m.videoSender, m.videoTrack, enabled)
}

func (m *Manager) setTrackEnabled(sender *webrtc.RTPSender, track webrtc.TrackLocal, enabled bool) error {
	if sender == nil {
		return nil
	}
	if enabled {
		return sender.ReplaceTrack(track)
	}
	return sender.ReplaceTrack(nil)
}

// ---------------------------------------------------------------------------
// Recovery
// ---------------------------------------------------------------------------

// onDisconnected starts the grace period. ICE "disconnected" often
// self-heals; only if it persists do we force a restart.
func (m *Manager) onDisconnected() {
	m.emitState(StateDisconnected)

	m.mu.Lock()
	if m.closed || m.graceTimer != nil {
		m.mu.Unlock()
		return
	}
	m.graceTimer = time.AfterFunc(disconnectGrace, func() {
		m.mu.Lock()
		m.graceTimer = nil
		m.mu.Unlock()
		if m.pc.ICEConnectionState() == webrtc.ICEConnectionStateDisconnected {
			util.LogWarning("ICE still disconnected after %s, attempting restart", disconnectGrace)
			m.restart()
		}
	})
	m.mu.Unlock()
}

// onFailed restarts immediately; "failed" does not self-heal.
func (m *Manager) onFailed() {
	util.LogWarning("ICE connection failed, attempting restart")
	m.emitState(StateDisconnected)
	m.restart()
}

// restart runs an ICE-restart offer cycle on the offering side and arms the
// failure window. The answering side only arms the window and waits for the
// peer's restart offer.
func (m *Manager) restart() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.failTimer == nil {
		m.failTimer = time.AfterFunc(recoveryWindow, func() {
			m.mu.Lock()
			m.failTimer = nil
			m.mu.Unlock()
			util.LogError("media connection did not recover within %s", recoveryWindow)
			m.emitState(StateFailed)
		})
	}
	initiator := m.initiator
	m.mu.Unlock()

	if !initiator {
		return
	}

	offer, err := m.CreateOffer(true)
	if err != nil {
		util.LogError("ICE restart offer failed: %v", err)
		return
	}
	if m.events.RestartOffer != nil {
		m.events.RestartOffer(*offer)
	}
}

// onRecovered cancels any pending grace/failure timers and reports the
// connection healthy.
func (m *Manager) onRecovered() {
	m.mu.Lock()
	if m.graceTimer != nil {
		m.graceTimer.Stop()
		m.graceTimer = nil
	}
	if m.failTimer != nil {
		m.failTimer.Stop()
		m.failTimer = nil
	}
	m.mu.Unlock()

	m.emitState(StateConnected)
}

// ---------------------------------------------------------------------------
// Teardown
// ---------------------------------------------------------------------------

// Close shuts the peer connection down. Idempotent; safe to call multiple
// times. The closed flag is set before the PeerConnection closes so no
// state-change events fire into the call machine during teardown.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.graceTimer != nil {
		m.graceTimer.Stop()
		m.graceTimer = nil
	}
	if m.failTimer != nil {
		m.failTimer.Stop()
		m.failTimer = nil
	}
	close(m.samplerStop)
	m.pending = nil
	pc := m.pc
	m.mu.Unlock()

	if err := pc.Close(); err != nil {
		util.LogDebug("peer connection close: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Event emission. Every emitter checks the closed flag so teardown is quiet.
// ---------------------------------------------------------------------------

func (m *Manager) emitState(s State) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed || m.events.ConnectionState == nil {
		return
	}
	m.events.ConnectionState(s)
}

func (m *Manager) emitCandidate(c webrtc.ICECandidateInit) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed || m.events.LocalCandidate == nil {
		return
	}
	m.events.LocalCandidate(c)
}

func (m *Manager) emitTrack(track *webrtc.TrackRemote) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed || m.events.RemoteTrack == nil {
		return
	}
	m.events.RemoteTrack(track)
}
