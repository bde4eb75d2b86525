package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Event names carried in the wire envelope. Inbound events are sent by
// clients; outbound events are emitted by the gateway.
type Event string

const (
	// Inbound.
	EventAuth         Event = "auth"
	EventJoinRoom     Event = "join-room"
	EventLeaveRoom    Event = "leave-room"
	EventOffer        Event = "offer"
	EventAnswer       Event = "answer"
	EventICECandidate Event = "ice-candidate"
	EventSpeaking     Event = "speaking"
	EventToggleMute   Event = "toggle-mute"
	EventToggleDeafen Event = "toggle-deafen"
	EventScreenShare  Event = "screen-share"

	// Outbound.
	EventRoomPeers       Event = "room-peers"
	EventPeerJoined      Event = "peer-joined"
	EventPeerLeft        Event = "peer-left"
	EventPeerSpeaking    Event = "peer-speaking"
	EventPeerMuted       Event = "peer-muted"
	EventPeerDeafened    Event = "peer-deafened"
	EventPeerScreenShare Event = "peer-screen-share"
	EventError           Event = "error"
)

// Envelope is the wire framing for every signaling message.
type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ProtocolError reports a malformed or incomplete inbound payload. It is
// surfaced to the sender as an `error` event; the connection stays open.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string { return "protocol: " + e.Message }

func protocolErrorf(format string, args ...any) error {
	return &ProtocolError{Message: fmt.Sprintf(format, args...)}
}

// AuthPayload carries the identity token when it is not supplied in the
// connection URL.
type AuthPayload struct {
	Token string `json:"token"`
}

type JoinRoomPayload struct {
	ChannelID   string `json:"channelId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

type LeaveRoomPayload struct {
	ChannelID string `json:"channelId"`
}

// SignalPayload is the relay envelope for offer/answer/ice-candidate events.
// The SDP/candidate bodies are opaque to the gateway and forwarded verbatim;
// inbound messages carry `to`, relayed copies carry `from`.
type SignalPayload struct {
	To   string `json:"to,omitempty"`
	From string `json:"from,omitempty"`

	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

type SpeakingPayload struct {
	Speaking bool `json:"speaking"`
}

type MutePayload struct {
	Muted bool `json:"muted"`
}

type DeafenPayload struct {
	Deafened bool `json:"deafened"`
}

type ScreenSharePayload struct {
	Sharing bool `json:"sharing"`
}

// PeerInfo is the outbound description of a room member.
type PeerInfo struct {
	PeerID      string `json:"peerId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`

	Muted         bool `json:"muted"`
	Deafened      bool `json:"deafened"`
	ScreenSharing bool `json:"screenSharing"`
}

type PeerJoinedPayload struct {
	PeerID      string `json:"peerId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

type PeerLeftPayload struct {
	PeerID string `json:"peerId"`
	UserID string `json:"userId"`
}

type PeerSpeakingPayload struct {
	PeerID   string `json:"peerId"`
	Speaking bool   `json:"speaking"`
}

type PeerMutedPayload struct {
	PeerID string `json:"peerId"`
	Muted  bool   `json:"muted"`
}

type PeerDeafenedPayload struct {
	PeerID   string `json:"peerId"`
	Deafened bool   `json:"deafened"`
}

type PeerScreenSharePayload struct {
	PeerID  string `json:"peerId"`
	Sharing bool   `json:"sharing"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// ClientMessage is the decoded, validated form of an inbound envelope. Exactly
// one payload field is set, matching Event.
type ClientMessage struct {
	Event Event

	Auth        *AuthPayload
	Join        *JoinRoomPayload
	Leave       *LeaveRoomPayload
	Signal      *SignalPayload
	Speaking    *SpeakingPayload
	Mute        *MutePayload
	Deafen      *DeafenPayload
	ScreenShare *ScreenSharePayload
}

// ParseClientMessage decodes and validates one inbound signaling message.
// Unknown fields and trailing data are rejected so client bugs surface early.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var env Envelope
	if err := decodeStrict(data, &env); err != nil {
		return ClientMessage{}, protocolErrorf("invalid envelope: %v", err)
	}

	msg := ClientMessage{Event: env.Event}
	switch env.Event {
	case EventAuth:
		var p AuthPayload
		if err := decodePayload(env.Data, &p); err != nil {
			return ClientMessage{}, err
		}
		if p.Token == "" {
			return ClientMessage{}, protocolErrorf("auth: missing token")
		}
		msg.Auth = &p
	case EventJoinRoom:
		var p JoinRoomPayload
		if err := decodePayload(env.Data, &p); err != nil {
			return ClientMessage{}, err
		}
		if p.ChannelID == "" {
			return ClientMessage{}, protocolErrorf("join-room: missing channelId")
		}
		if p.UserID == "" {
			return ClientMessage{}, protocolErrorf("join-room: missing userId")
		}
		msg.Join = &p
	case EventLeaveRoom:
		var p LeaveRoomPayload
		if err := decodePayload(env.Data, &p); err != nil {
			return ClientMessage{}, err
		}
		if p.ChannelID == "" {
			return ClientMessage{}, protocolErrorf("leave-room: missing channelId")
		}
		msg.Leave = &p
	case EventOffer, EventAnswer, EventICECandidate:
		var p SignalPayload
		if err := decodePayload(env.Data, &p); err != nil {
			return ClientMessage{}, err
		}
		if p.To == "" {
			return ClientMessage{}, protocolErrorf("%s: missing to", env.Event)
		}
		if p.From != "" {
			return ClientMessage{}, protocolErrorf("%s: from is set by the gateway", env.Event)
		}
		switch env.Event {
		case EventOffer:
			if len(p.Offer) == 0 {
				return ClientMessage{}, protocolErrorf("offer: missing offer")
			}
		case EventAnswer:
			if len(p.Answer) == 0 {
				return ClientMessage{}, protocolErrorf("answer: missing answer")
			}
		case EventICECandidate:
			if len(p.Candidate) == 0 {
				return ClientMessage{}, protocolErrorf("ice-candidate: missing candidate")
			}
		}
		msg.Signal = &p
	case EventSpeaking:
		var p SpeakingPayload
		if err := decodePayload(env.Data, &p); err != nil {
			return ClientMessage{}, err
		}
		msg.Speaking = &p
	case EventToggleMute:
		var p MutePayload
		if err := decodePayload(env.Data, &p); err != nil {
			return ClientMessage{}, err
		}
		msg.Mute = &p
	case EventToggleDeafen:
		var p DeafenPayload
		if err := decodePayload(env.Data, &p); err != nil {
			return ClientMessage{}, err
		}
		msg.Deafen = &p
	case EventScreenShare:
		var p ScreenSharePayload
		if err := decodePayload(env.Data, &p); err != nil {
			return ClientMessage{}, err
		}
		msg.ScreenShare = &p
	default:
		return ClientMessage{}, protocolErrorf("unsupported event %q", env.Event)
	}

	return msg, nil
}

// MarshalEvent frames an outbound event and its payload.
func MarshalEvent(event Event, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data = b
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

func decodePayload(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return protocolErrorf("missing payload")
	}
	if err := decodeStrict(data, v); err != nil {
		return protocolErrorf("invalid payload: %v", err)
	}
	return nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}
