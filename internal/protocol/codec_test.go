package protocol

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"
)

// TestEncodeWireSchema verifies the JSON field names the relay and the peer
// expect: type, sender_id, sender_name, sender_role, to, and the
// kind-specific payload field.
func TestEncodeWireSchema(t *testing.T) {
	offer := &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}
	msg := &Message{
		Type:       KindOffer,
		SenderID:   "u-17",
		SenderName: "Dana",
		SenderRole: "professional",
		To:         "u-42",
		Offer:      offer,
	}

	data, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var wire map[string]json.RawMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatalf("Encode produced invalid JSON: %v", err)
	}
	for _, field := range []string{"type", "sender_id", "sender_name", "sender_role", "to", "offer"} {
		if _, ok := wire[field]; !ok {
			t.Errorf("wire frame missing field %q", field)
		}
	}
	if strings.Contains(string(data), `"answer"`) {
		t.Errorf("offer frame carries an answer payload: %s", data)
	}
}

// TestValidate exercises the envelope invariants for outbound messages.
func TestValidate(t *testing.T) {
	desc := &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\n"}
	cand := &webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 9 typ host"}

	testCases := []struct {
		name    string
		msg     Message
		wantErr bool
	}{
		{"presence needs no recipient", Message{Type: KindPresence, Status: PresenceOnline}, false},
		{"ping needs no recipient", Message{Type: KindPing}, false},
		{"call request without recipient", Message{Type: KindCallRequest}, true},
		{"call request with recipient", Message{Type: KindCallRequest, To: "u-2"}, false},
		{"offer without descriptor", Message{Type: KindOffer, To: "u-2"}, true},
		{"answer with descriptor", Message{Type: KindAnswer, To: "u-2", Answer: desc}, false},
		{"candidate without payload", Message{Type: KindIceCandidate, To: "u-2"}, true},
		{"candidate with payload", Message{Type: KindIceCandidate, To: "u-2", Candidate: cand}, false},
		{"unknown kind", Message{Type: Kind("resume"), To: "u-2"}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.msg.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %t", err, tc.wantErr)
			}
		})
	}
}

// TestDecodeRejectsUnknownAndMalformed verifies that junk frames surface an
// error instead of a half-filled message.
func TestDecodeRejectsUnknownAndMalformed(t *testing.T) {
	if _, err := Decode([]byte(`{"type":"shutdown-now"}`)); err == nil {
		t.Error("Decode accepted an unknown message type")
	}
	if _, err := Decode([]byte(`{not json`)); err == nil {
		t.Error("Decode accepted malformed JSON")
	}
}

// TestDecodeCallRejected verifies the reason payload round-trips from the
// observed wire format.
func TestDecodeCallRejected(t *testing.T) {
	frame := `{"type":"call-rejected","sender_id":"u-9","sender_role":"client","to":"u-1","reason":"User is busy in another call"}`
	msg, err := Decode([]byte(frame))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if msg.Type != KindCallRejected {
		t.Errorf("Type = %s, want %s", msg.Type, KindCallRejected)
	}
	if msg.Reason != "User is busy in another call" {
		t.Errorf("Reason = %q", msg.Reason)
	}
	if msg.Type.Broadcast() {
		t.Error("call-rejected must not be classified as broadcast")
	}
}
