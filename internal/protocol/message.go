// Package protocol defines the signaling message envelope exchanged with the
// relay during call setup, and its JSON wire codec.
package protocol

import "github.com/pion/webrtc/v4"

// Kind identifies the kind of signaling message.
type Kind string

const (
	KindCallRequest  Kind = "call-request"
	KindCallAccepted Kind = "call-accepted"
	KindCallRejected Kind = "call-rejected"
	KindCallEnded    Kind = "call-ended"
	KindOffer        Kind = "offer"
	KindAnswer       Kind = "answer"
	KindIceCandidate Kind = "ice-candidate"
	KindPresence     Kind = "user_presence"
	KindPing         Kind = "ping"
)

// Presence status values carried by KindPresence messages.
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

// Message is the JSON envelope relayed between the two call participants.
// Exactly one payload field is populated, matching Type:
//
//	offer / answer  → Offer / Answer (SDP descriptor)
//	ice-candidate   → Candidate
//	call-rejected / call-ended → Reason
//	user_presence   → Status
//
// Presence and Ping are broadcast within the room; every other kind is
// addressed to a single recipient via To.
type Message struct {
	Type       Kind   `json:"type"`
	SenderID   string `json:"sender_id,omitempty"`
	SenderName string `json:"sender_name,omitempty"`
	SenderRole string `json:"sender_role,omitempty"`
	To         string `json:"to,omitempty"`

	Offer     *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer    *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Reason    string                     `json:"reason,omitempty"`
	Status    string                     `json:"status,omitempty"`
}

// Broadcast reports whether the message kind is room-wide rather than
// addressed to one recipient.
func (k Kind) Broadcast() bool {
	return k == KindPresence || k == KindPing
}

// Known reports whether the kind is part of the closed message set. Unknown
// kinds are dropped at the transport layer, never dispatched.
func (k Kind) Known() bool {
	switch k {
	case KindCallRequest, KindCallAccepted, KindCallRejected, KindCallEnded,
		KindOffer, KindAnswer, KindIceCandidate, KindPresence, KindPing:
		return true
	}
	return false
}
