package protocol

import (
	"encoding/json"
	"fmt"
)

// Encode serializes a Message into a JSON frame for the relay.
func Encode(msg *Message) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// Decode deserializes a JSON frame into a Message. Frames with an unknown
// type are rejected so callers can drop them without inspecting payloads.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed signaling frame: %w", err)
	}
	if !msg.Type.Known() {
		return nil, fmt.Errorf("unknown signaling message type %q", msg.Type)
	}
	return &msg, nil
}

// Validate checks the envelope invariants before a message goes on the wire.
func (m *Message) Validate() error {
	if !m.Type.Known() {
		return fmt.Errorf("unknown signaling message type %q", m.Type)
	}
	if !m.Type.Broadcast() && m.To == "" {
		return fmt.Errorf("%s requires a recipient", m.Type)
	}
	switch m.Type {
	case KindOffer:
		if m.Offer == nil {
			return fmt.Errorf("offer message missing descriptor")
		}
	case KindAnswer:
		if m.Answer == nil {
			return fmt.Errorf("answer message missing descriptor")
		}
	case KindIceCandidate:
		if m.Candidate == nil {
			return fmt.Errorf("ice-candidate message missing candidate")
		}
	}
	return nil
}
