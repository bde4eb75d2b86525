package signaling

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseClientMessage_Valid(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want Event
	}{
		{name: "auth", raw: `{"event":"auth","data":{"token":"t"}}`, want: EventAuth},
		{name: "join", raw: `{"event":"join-room","data":{"channelId":"general","userId":"u1","displayName":"Ada"}}`, want: EventJoinRoom},
		{name: "leave", raw: `{"event":"leave-room","data":{"channelId":"general"}}`, want: EventLeaveRoom},
		{name: "offer", raw: `{"event":"offer","data":{"to":"s2","offer":{"type":"offer","sdp":"v=0"}}}`, want: EventOffer},
		{name: "answer", raw: `{"event":"answer","data":{"to":"s1","answer":{"type":"answer","sdp":"v=0"}}}`, want: EventAnswer},
		{name: "candidate", raw: `{"event":"ice-candidate","data":{"to":"s1","candidate":{"candidate":"candidate:1"}}}`, want: EventICECandidate},
		{name: "speaking", raw: `{"event":"speaking","data":{"speaking":true}}`, want: EventSpeaking},
		{name: "mute", raw: `{"event":"toggle-mute","data":{"muted":true}}`, want: EventToggleMute},
		{name: "deafen", raw: `{"event":"toggle-deafen","data":{"deafened":false}}`, want: EventToggleDeafen},
		{name: "screen share", raw: `{"event":"screen-share","data":{"sharing":true}}`, want: EventScreenShare},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := ParseClientMessage([]byte(tc.raw))
			if err != nil {
				t.Fatalf("ParseClientMessage: %v", err)
			}
			if msg.Event != tc.want {
				t.Fatalf("event = %q, want %q", msg.Event, tc.want)
			}
		})
	}
}

func TestParseClientMessage_Invalid(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{name: "not json", raw: `nope`},
		{name: "unknown event", raw: `{"event":"dance"}`},
		{name: "missing payload", raw: `{"event":"join-room"}`},
		{name: "join missing channel", raw: `{"event":"join-room","data":{"userId":"u1"}}`},
		{name: "join missing user", raw: `{"event":"join-room","data":{"channelId":"general"}}`},
		{name: "join unknown field", raw: `{"event":"join-room","data":{"channelId":"c","userId":"u","admin":true}}`},
		{name: "leave missing channel", raw: `{"event":"leave-room","data":{}}`},
		{name: "offer missing to", raw: `{"event":"offer","data":{"offer":{"sdp":"v=0"}}}`},
		{name: "offer missing body", raw: `{"event":"offer","data":{"to":"s2"}}`},
		{name: "offer sets from", raw: `{"event":"offer","data":{"to":"s2","from":"s9","offer":{}}}`},
		{name: "answer missing body", raw: `{"event":"answer","data":{"to":"s2"}}`},
		{name: "candidate missing body", raw: `{"event":"ice-candidate","data":{"to":"s2"}}`},
		{name: "auth missing token", raw: `{"event":"auth","data":{}}`},
		{name: "trailing data", raw: `{"event":"speaking","data":{"speaking":true}}{}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseClientMessage([]byte(tc.raw))
			if err == nil {
				t.Fatalf("ParseClientMessage accepted %q", tc.raw)
			}
			var protoErr *ProtocolError
			if !errors.As(err, &protoErr) {
				t.Fatalf("err = %T %v, want *ProtocolError", err, err)
			}
		})
	}
}

func TestParseClientMessage_RelayBodyIsOpaque(t *testing.T) {
	raw := `{"event":"offer","data":{"to":"s2","offer":{"anything":["goes",1,null]}}}`
	msg, err := ParseClientMessage([]byte(raw))
	if err != nil {
		t.Fatalf("ParseClientMessage: %v", err)
	}
	var body map[string]any
	if err := json.Unmarshal(msg.Signal.Offer, &body); err != nil {
		t.Fatalf("offer body not preserved: %v", err)
	}
	if _, ok := body["anything"]; !ok {
		t.Fatalf("offer body lost content: %s", msg.Signal.Offer)
	}
}

func TestMarshalEvent_RoundTrip(t *testing.T) {
	data, err := MarshalEvent(EventPeerMuted, PeerMutedPayload{PeerID: "s1", Muted: true})
	if err != nil {
		t.Fatalf("MarshalEvent: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Event != EventPeerMuted {
		t.Fatalf("event = %q", env.Event)
	}
	var p PeerMutedPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p.PeerID != "s1" || !p.Muted {
		t.Fatalf("payload = %+v", p)
	}
}
