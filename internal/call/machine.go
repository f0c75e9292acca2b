package call

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/proline/callkit/internal/media"
	"github.com/proline/callkit/internal/protocol"
	"github.com/proline/callkit/internal/signaling"
	"github.com/proline/callkit/internal/util"
)

// Signaler is the slice of the signaling transport the machine needs.
// Implemented by *signaling.Transport.
type Signaler interface {
	Send(protocol.Message) bool
	State() signaling.State
}

// MediaSession is the slice of the media manager the machine drives.
// Implemented by *media.Manager.
type MediaSession interface {
	CreateOffer(iceRestart bool) (*webrtc.SessionDescription, error)
	CreateAnswer() (*webrtc.SessionDescription, error)
	ApplyRemoteDescription(webrtc.SessionDescription) bool
	AddRemoteCandidate(webrtc.ICECandidateInit)
	HasRemoteDescription() bool
	SetAudioEnabled(bool) error
	SetVideoEnabled(bool) error
	// Close must be quiet: implementations stop emitting events before
	// tearing down, so a machine-initiated reset never re-enters the machine.
	Close()
}

// MediaFactory acquires local media and creates the per-call media session.
// initiator marks the offering side. Acquisition failure (camera/microphone
// denied) is fatal to the call attempt and is not retried.
type MediaFactory func(initiator bool, ev media.Events) (MediaSession, error)

// Callbacks notify the UI adapter. All fields are optional. They are invoked
// from the machine's event turn and must not call back into the Machine
// synchronously.
type Callbacks struct {
	OnState       func(Status, *Session)
	OnIncoming    func(Participant)
	OnError       func(string)            // user-facing failure; terminal only when OnState reports idle
	OnNotice      func(string)            // transient indicator ("reconnecting"); empty string clears it
	OnQuality     func(media.Quality)
	OnDuration    func(string)            // mm:ss tick while active
	OnRemoteTrack func(*webrtc.TrackRemote)
}

// Busy rejection reason sent when a request arrives during another call.
const reasonBusy = "User is busy in another call"

// settleDelay is the pause between closing a previous media connection and
// acquiring new media, avoiding platform-level device contention from rapid
// acquire/release cycles.
const settleDelay = 500 * time.Millisecond

var (
	ErrCallInProgress = errors.New("a call is already in progress")
	ErrNoIncomingCall = errors.New("no incoming call to answer")
	ErrNotConnected   = errors.New("not connected to the call server")
)

// Machine owns the call lifecycle for one participant:
//
//	Idle → Outgoing/Incoming → Connecting → Active → Idle
//
// It holds at most one non-ended session. Handlers execute under one mutex,
// so each inbound message or media event is processed as a single turn;
// duplicate user intents are serialized behind the turn in flight and bounce
// off the status checks rather than queueing.
type Machine struct {
	local    Participant
	signaler Signaler
	newMedia MediaFactory
	cb       Callbacks

	mu             sync.Mutex
	session        *Session
	mediaSess      MediaSession
	pendingOffer   *webrtc.SessionDescription // offer received before the call was accepted
	earlyCands     []webrtc.ICECandidateInit  // candidates received before the media session exists
	durationStop   chan struct{}
	lastMediaClose time.Time
}

// NewMachine creates a Machine for the given local participant.
func NewMachine(local Participant, signaler Signaler, factory MediaFactory, cb Callbacks) *Machine {
	return &Machine{
		local:    local,
		signaler: signaler,
		newMedia: factory,
		cb:       cb,
	}
}

// Status returns the current call status, StatusIdle when no session exists.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return StatusIdle
	}
	return m.session.Status
}

// Session returns a snapshot of the current session, nil when idle.
func (m *Machine) Session() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.snapshot()
}

// ---------------------------------------------------------------------------
// User intents
// ---------------------------------------------------------------------------

// StartCall initiates an outgoing call:
//  1. Acquire local media and create the media connection
//  2. Send CallRequest to the target
//  3. Create the local offer and send it
//
// Fails fast when the signaling channel is not connected: a call request
// buffered for minutes would ring a peer who no longer expects it.
func (m *Machine) StartCall(remote Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil && m.session.Status != StatusIdle {
		return ErrCallInProgress
	}
	if m.signaler.State() != signaling.StateConnected {
		return ErrNotConnected
	}

	sess := newSession(m.local, remote)
	sess.Status = StatusOutgoing
	m.session = sess

	if err := m.createMediaLocked(true); err != nil {
		m.resetLocked()
		return fmt.Errorf("media acquisition failed: %w", err)
	}

	m.signaler.Send(protocol.Message{Type: protocol.KindCallRequest, To: remote.ID})

	offer, err := m.mediaSess.CreateOffer(false)
	if err != nil {
		m.resetLocked()
		return fmt.Errorf("create offer: %w", err)
	}
	m.signaler.Send(protocol.Message{Type: protocol.KindOffer, To: remote.ID, Offer: offer})

	m.notifyStateLocked()
	return nil
}

// AcceptCall answers the pending incoming call: acquires media, creates the
// media connection, replays any early offer/candidates, and sends
// CallAccepted. Accepts are serialized with every other machine turn; once
// the status leaves Incoming a duplicate accept fails the status check, so
// media is acquired once and CallAccepted is sent once.
func (m *Machine) AcceptCall() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil || m.session.Status != StatusIncoming {
		return ErrNoIncomingCall
	}

	caller := m.session.Remote

	if err := m.createMediaLocked(false); err != nil {
		m.resetLocked()
		m.emitError(fmt.Sprintf("Cannot access camera or microphone: %v", err))
		return fmt.Errorf("media acquisition failed: %w", err)
	}

	// Candidates and possibly the offer raced ahead of the user's accept.
	for _, c := range m.earlyCands {
		m.mediaSess.AddRemoteCandidate(c)
	}
	m.earlyCands = nil

	if m.pendingOffer != nil {
		offer := *m.pendingOffer
		m.pendingOffer = nil
		m.answerLocked(offer, caller.ID)
	}

	m.signaler.Send(protocol.Message{Type: protocol.KindCallAccepted, To: caller.ID})

	m.session.Status = StatusConnecting
	m.notifyStateLocked()
	return nil
}

// RejectCall declines the pending incoming call.
func (m *Machine) RejectCall() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil || m.session.Status != StatusIncoming {
		return ErrNoIncomingCall
	}

	m.signaler.Send(protocol.Message{
		Type:   protocol.KindCallRejected,
		To:     m.session.Remote.ID,
		Reason: "Call rejected by user",
	})
	m.resetLocked()
	m.notifyStateLocked()
	return nil
}

// EndCall terminates the current call. Idempotent: a second EndCall is a
// no-op and produces no second CallEnded message.
func (m *Machine) EndCall(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil || m.session.Status == StatusIdle {
		return
	}
	if reason == "" {
		reason = "Call ended"
	}

	m.signaler.Send(protocol.Message{
		Type:   protocol.KindCallEnded,
		To:     m.session.Remote.ID,
		Reason: reason,
	})
	m.resetLocked()
	m.notifyStateLocked()
}

// ToggleAudio flips the local audio mute flag.
func (m *Machine) ToggleAudio() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return false
	}
	m.session.AudioEnabled = !m.session.AudioEnabled
	if m.mediaSess != nil {
		if err := m.mediaSess.SetAudioEnabled(m.session.AudioEnabled); err != nil {
			util.LogWarning("toggle audio: %v", err)
		}
	}
	return m.session.AudioEnabled
}

// ToggleVideo flips the local video mute flag.
func (m *Machine) ToggleVideo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return false
	}
	m.session.VideoEnabled = !m.session.VideoEnabled
	if m.mediaSess != nil {
		if err := m.mediaSess.SetVideoEnabled(m.session.VideoEnabled); err != nil {
			util.LogWarning("toggle video: %v", err)
		}
	}
	return m.session.VideoEnabled
}

// Close tears down any active call and releases all resources.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()
}

// ---------------------------------------------------------------------------
// Inbound signaling
// ---------------------------------------------------------------------------

// HandleMessage dispatches one inbound signaling message. Wire this to
// signaling.Transport.OnMessage.
func (m *Machine) HandleMessage(msg *protocol.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch msg.Type {
	case protocol.KindCallRequest:
		m.handleCallRequestLocked(msg)
	case protocol.KindCallAccepted:
		m.handleCallAcceptedLocked(msg)
	case protocol.KindCallRejected:
		m.handleCallRejectedLocked(msg)
	case protocol.KindCallEnded:
		m.handleCallEndedLocked(msg)
	case protocol.KindOffer:
		m.handleOfferLocked(msg)
	case protocol.KindAnswer:
		m.handleAnswerLocked(msg)
	case protocol.KindIceCandidate:
		m.handleCandidateLocked(msg)
	case protocol.KindPresence:
		m.handlePresenceLocked(msg)
	case protocol.KindPing:
		// Keepalive noise, nothing to do.
	}
}

// handleCallRequestLocked implements the busy invariant and the glare
// tie-break. A session in Connecting or Active never changes state here: the
// caller gets a busy rejection and the established session is untouched.
//
// Glare (both sides calling each other at once) is resolved
// deterministically: the request from the lower-sorting participant id wins;
// the other side silently abandons its own outgoing attempt.
func (m *Machine) handleCallRequestLocked(msg *protocol.Message) {
	caller := Participant{ID: msg.SenderID, Name: msg.SenderName, Role: msg.SenderRole}
	if caller.ID == "" {
		util.LogWarning("call request without sender id, dropping")
		return
	}

	if m.session != nil && m.session.Status != StatusIdle {
		if m.session.Status == StatusOutgoing && m.session.Remote.ID == caller.ID {
			if caller.ID < m.local.ID {
				util.LogInfo("simultaneous call with %s, yielding to their request", caller.Name)
				m.closeMediaLocked()
				m.session = newSession(m.local, caller)
				m.session.Status = StatusIncoming
				m.notifyStateLocked()
				if m.cb.OnIncoming != nil {
					m.cb.OnIncoming(caller)
				}
			}
			// Our id sorts lower: our request wins, the peer yields.
			return
		}

		util.LogInfo("busy, rejecting call from %s", caller.Name)
		m.signaler.Send(protocol.Message{
			Type:   protocol.KindCallRejected,
			To:     caller.ID,
			Reason: reasonBusy,
		})
		return
	}

	m.session = newSession(m.local, caller)
	m.session.Status = StatusIncoming
	m.notifyStateLocked()
	if m.cb.OnIncoming != nil {
		m.cb.OnIncoming(caller)
	}
}

func (m *Machine) handleCallAcceptedLocked(msg *protocol.Message) {
	if m.session == nil || m.session.Status != StatusOutgoing || msg.SenderID != m.session.Remote.ID {
		return
	}
	m.session.Status = StatusConnecting
	m.notifyStateLocked()
}

func (m *Machine) handleCallRejectedLocked(msg *protocol.Message) {
	if m.session == nil || msg.SenderID != m.session.Remote.ID {
		return
	}
	reason := msg.Reason
	if reason == "" {
		reason = "User unavailable"
	}
	m.resetLocked()
	m.notifyStateLocked()
	m.emitError(fmt.Sprintf("Call rejected: %s", reason))
}

func (m *Machine) handleCallEndedLocked(msg *protocol.Message) {
	if m.session == nil || msg.SenderID != m.session.Remote.ID {
		return
	}
	reason := msg.Reason
	if reason == "" {
		reason = "Call ended by other party"
	}
	m.resetLocked()
	m.notifyStateLocked()
	m.emitError(reason)
}

// handleOfferLocked processes an SDP offer: the initial offer of a call we
// have not accepted yet (held until AcceptCall), the initial offer after
// acceptance, or an ICE-restart offer during an active call.
func (m *Machine) handleOfferLocked(msg *protocol.Message) {
	if m.session == nil || msg.SenderID != m.session.Remote.ID || msg.Offer == nil {
		return
	}

	if m.session.Status == StatusOutgoing {
		// A crossing offer from simultaneous dialing. Our own offer is
		// outstanding and wins the tie-break; the yielding side answers it.
		util.LogDebug("dropping crossing offer from %s", msg.SenderName)
		return
	}

	if m.mediaSess == nil {
		// The caller's offer raced ahead of the user's accept.
		m.pendingOffer = msg.Offer
		return
	}

	m.answerLocked(*msg.Offer, msg.SenderID)
}

// answerLocked applies a remote offer and responds with an answer. A soft
// apply failure aborts this negotiation round without tearing the session
// down; a later retry or ICE restart may still succeed.
func (m *Machine) answerLocked(offer webrtc.SessionDescription, to string) {
	if !m.mediaSess.ApplyRemoteDescription(offer) {
		m.emitError("Error establishing call: could not apply remote offer")
		return
	}

	answer, err := m.mediaSess.CreateAnswer()
	if err != nil {
		util.LogError("create answer: %v", err)
		m.emitError("Error establishing call: could not create answer")
		return
	}
	m.signaler.Send(protocol.Message{Type: protocol.KindAnswer, To: to, Answer: answer})
}

func (m *Machine) handleAnswerLocked(msg *protocol.Message) {
	if m.session == nil || msg.SenderID != m.session.Remote.ID || msg.Answer == nil || m.mediaSess == nil {
		return
	}
	if !m.mediaSess.ApplyRemoteDescription(*msg.Answer) {
		m.emitError("Error establishing call: could not apply answer")
	}
}

// handleCandidateLocked routes an inbound ICE candidate. Before the media
// session exists the candidate is held here; afterwards the media layer
// queues or applies it depending on the remote description.
func (m *Machine) handleCandidateLocked(msg *protocol.Message) {
	if m.session == nil || msg.SenderID != m.session.Remote.ID || msg.Candidate == nil {
		return
	}
	if m.mediaSess == nil {
		m.earlyCands = append(m.earlyCands, *msg.Candidate)
		return
	}
	m.mediaSess.AddRemoteCandidate(*msg.Candidate)
}

// handlePresenceLocked ends the call when the remote participant goes
// offline mid-call. No CallEnded is sent; the peer is gone.
func (m *Machine) handlePresenceLocked(msg *protocol.Message) {
	if msg.Status != protocol.PresenceOffline || m.session == nil {
		return
	}
	st := m.session.Status
	if msg.SenderID == m.session.Remote.ID && (st == StatusConnecting || st == StatusActive) {
		m.resetLocked()
		m.notifyStateLocked()
		m.emitError("Participant disconnected")
	}
}

// ---------------------------------------------------------------------------
// Signaling transport state
// ---------------------------------------------------------------------------

// HandleSignalingState reacts to transport state transitions. Wire this to
// signaling.Transport.OnStateChange.
func (m *Machine) HandleSignalingState(s signaling.State, cause error) {
	switch s {
	case signaling.StateConnected:
		m.emitNotice("")
	case signaling.StateReconnecting:
		// Transient: show an indicator, keep the call up. Outbound messages
		// are buffered and delivered on reconnect.
		m.emitNotice("Reconnecting to call server…")
	case signaling.StateAuthFailed:
		m.mu.Lock()
		m.resetLocked()
		m.notifyStateLocked()
		m.mu.Unlock()
		m.emitError("Authentication expired. Please sign in again")
	case signaling.StateUnavailable:
		m.mu.Lock()
		inCall := m.session != nil && m.session.Status != StatusIdle
		m.resetLocked()
		m.notifyStateLocked()
		m.mu.Unlock()
		if inCall {
			m.emitError("Call server unavailable")
		}
	}
	if cause != nil {
		util.LogDebug("signaling state %s: %v", s, cause)
	}
}

// ---------------------------------------------------------------------------
// Media events
// ---------------------------------------------------------------------------

func (m *Machine) mediaEvents() media.Events {
	return media.Events{
		ConnectionState: m.onMediaState,
		LocalCandidate:  m.onLocalCandidate,
		RestartOffer:    m.onRestartOffer,
		RemoteTrack:     m.cb.OnRemoteTrack,
		Quality:         m.cb.OnQuality,
	}
}

// onMediaState drives the Connecting → Active transition and the failure
// escalations. A transient disconnect while Active leaves the status
// unchanged; the media layer attempts in-place recovery first.
func (m *Machine) onMediaState(s media.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return
	}

	switch s {
	case media.StateConnected:
		st := m.session.Status
		if st == StatusConnecting || st == StatusOutgoing {
			m.session.Status = StatusActive
			if m.session.ConnectedAt.IsZero() {
				m.session.ConnectedAt = time.Now()
			}
			m.startDurationClockLocked()
			m.notifyStateLocked()
		}
		m.emitNotice("")

	case media.StateDisconnected:
		m.emitNotice("Connection interrupted, attempting to recover…")

	case media.StateFailed:
		st := m.session.Status
		m.signaler.Send(protocol.Message{
			Type:   protocol.KindCallEnded,
			To:     m.session.Remote.ID,
			Reason: "Connection failed",
		})
		m.resetLocked()
		m.notifyStateLocked()
		if st == StatusConnecting || st == StatusActive {
			m.emitError("Call ended: connection failed")
		}

	case media.StateClosed:
		m.resetLocked()
		m.notifyStateLocked()
	}
}

func (m *Machine) onLocalCandidate(c webrtc.ICECandidateInit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return
	}
	m.signaler.Send(protocol.Message{
		Type:      protocol.KindIceCandidate,
		To:        m.session.Remote.ID,
		Candidate: &c,
	})
}

func (m *Machine) onRestartOffer(offer webrtc.SessionDescription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return
	}
	util.LogInfo("sending ICE-restart offer to %s", m.session.Remote.Name)
	m.signaler.Send(protocol.Message{
		Type:  protocol.KindOffer,
		To:    m.session.Remote.ID,
		Offer: &offer,
	})
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

// createMediaLocked acquires media and builds the media session, honoring
// the settling delay after a recently closed connection.
func (m *Machine) createMediaLocked(initiator bool) error {
	if m.mediaSess != nil {
		m.closeMediaLocked()
	}
	if since := time.Since(m.lastMediaClose); !m.lastMediaClose.IsZero() && since < settleDelay {
		time.Sleep(settleDelay - since)
	}

	sess, err := m.newMedia(initiator, m.mediaEvents())
	if err != nil {
		return err
	}
	m.mediaSess = sess
	return nil
}

func (m *Machine) closeMediaLocked() {
	if m.mediaSess == nil {
		return
	}
	m.mediaSess.Close()
	m.mediaSess = nil
	m.lastMediaClose = time.Now()
}

// resetLocked destroys the current session and releases every per-call
// resource: timers, media, queued negotiation state. Safe to call on an
// already-idle machine; MediaSession.Close is quiet, so no media event
// re-enters mid-reset.
func (m *Machine) resetLocked() {
	m.stopDurationClockLocked()
	m.closeMediaLocked()
	m.pendingOffer = nil
	m.earlyCands = nil
	if m.session != nil {
		m.session.Status = StatusEnded
	}
	m.session = nil
}

func (m *Machine) startDurationClockLocked() {
	m.stopDurationClockLocked()
	if m.cb.OnDuration == nil {
		return
	}

	stop := make(chan struct{})
	m.durationStop = stop
	connectedAt := m.session.ConnectedAt

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		m.cb.OnDuration("00:00")
		for {
			select {
			case <-ticker.C:
				m.cb.OnDuration(formatDuration(time.Since(connectedAt)))
			case <-stop:
				return
			}
		}
	}()
}

func (m *Machine) stopDurationClockLocked() {
	if m.durationStop != nil {
		close(m.durationStop)
		m.durationStop = nil
	}
}

func formatDuration(d time.Duration) string {
	secs := int(d.Seconds())
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}

func (m *Machine) notifyStateLocked() {
	if m.cb.OnState == nil {
		return
	}
	if m.session == nil {
		m.cb.OnState(StatusIdle, nil)
		return
	}
	m.cb.OnState(m.session.Status, m.session.snapshot())
}

func (m *Machine) emitError(msg string) {
	util.LogWarning("%s", msg)
	if m.cb.OnError != nil {
		m.cb.OnError(msg)
	}
}

func (m *Machine) emitNotice(msg string) {
	if m.cb.OnNotice != nil {
		m.cb.OnNotice(msg)
	}
}
