// Package call implements the call lifecycle state machine that mediates
// between the signaling transport and the media connection for one pair of
// participants.
package call

import (
	"time"

	"github.com/google/uuid"
)

// Participant identifies one side of a call.
type Participant struct {
	ID   string
	Name string
	Role string // "client" or "professional"
}

// Status is the call lifecycle state.
type Status int

const (
	StatusIdle Status = iota
	StatusOutgoing
	StatusIncoming
	StatusConnecting
	StatusActive
	StatusEnded
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusOutgoing:
		return "outgoing"
	case StatusIncoming:
		return "incoming"
	case StatusConnecting:
		return "connecting"
	case StatusActive:
		return "active"
	case StatusEnded:
		return "ended"
	}
	return "unknown"
}

// Session is one call attempt. At most one non-ended Session exists per
// Machine at any time; a second incoming request is auto-rejected as busy.
type Session struct {
	ID     string
	Local  Participant // immutable for the session's lifetime
	Remote Participant

	Status       Status
	AudioEnabled bool
	VideoEnabled bool

	StartedAt   time.Time
	ConnectedAt time.Time // set only on the first transition into Active
}

func newSession(local, remote Participant) *Session {
	return &Session{
		ID:           uuid.NewString(),
		Local:        local,
		Remote:       remote,
		Status:       StatusIdle,
		AudioEnabled: true,
		VideoEnabled: true,
		StartedAt:    time.Now(),
	}
}

// Duration returns how long the call has been active, zero before the first
// transition into Active.
func (s *Session) Duration() time.Duration {
	if s.ConnectedAt.IsZero() {
		return 0
	}
	return time.Since(s.ConnectedAt)
}

// snapshot returns a copy safe to hand to callbacks.
func (s *Session) snapshot() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}
