package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/hearthchat/voicemesh/internal/signaling"
)

// RoomConfig describes one channel membership.
type RoomConfig struct {
	ChannelID   string
	UserID      string
	DisplayName string
	AvatarURL   string

	Client       *SignalingClient
	Orchestrator *Orchestrator
	Logger       *slog.Logger

	// OnRosterChange fires after any event that alters the room roster.
	OnRosterChange func(peers []signaling.PeerInfo)

	// OnPeerSpeaking fires on voice activity changes. Speaking is transient, so
	// it is reported separately instead of through the roster.
	OnPeerSpeaking func(peerID string, speaking bool)
}

// RoomSession joins one voice channel and drives the orchestrator from the
// gateway's event stream: the room snapshot triggers mesh setup, relayed
// offers/answers/candidates feed the matching peer connection, and presence
// events keep a local roster current.
type RoomSession struct {
	cfg  RoomConfig
	log  *slog.Logger
	orch *Orchestrator

	mu     sync.Mutex
	roster map[string]signaling.PeerInfo
}

func NewRoomSession(cfg RoomConfig) *RoomSession {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &RoomSession{
		cfg:    cfg,
		log:    log.With("channel_id", cfg.ChannelID),
		orch:   cfg.Orchestrator,
		roster: make(map[string]signaling.PeerInfo),
	}
}

// Run joins the channel and processes gateway events until ctx is cancelled or
// the connection ends. It leaves the channel and closes the mesh on the way
// out.
func (s *RoomSession) Run(ctx context.Context) error {
	if err := s.cfg.Client.Join(s.cfg.ChannelID, s.cfg.UserID, s.cfg.DisplayName, s.cfg.AvatarURL); err != nil {
		return err
	}
	defer s.orch.Close()

	for {
		select {
		case <-ctx.Done():
			_ = s.cfg.Client.Leave(s.cfg.ChannelID)
			return ctx.Err()
		case env, ok := <-s.cfg.Client.Events():
			if !ok {
				return s.cfg.Client.Err()
			}
			s.dispatch(env)
		}
	}
}

// Peers returns the current roster, excluding this session.
func (s *RoomSession) Peers() []signaling.PeerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]signaling.PeerInfo, 0, len(s.roster))
	for _, p := range s.roster {
		out = append(out, p)
	}
	return out
}

func (s *RoomSession) ToggleMute(muted bool) error { return s.cfg.Client.SetMuted(muted) }

func (s *RoomSession) ToggleDeafen(deafened bool) error { return s.cfg.Client.SetDeafened(deafened) }

func (s *RoomSession) SetSpeaking(speaking bool) error { return s.cfg.Client.SetSpeaking(speaking) }

// StartScreenShare publishes the track to the mesh and announces the state to
// the room.
func (s *RoomSession) StartScreenShare(track webrtc.TrackLocal) error {
	if err := s.orch.StartScreenShare(track); err != nil {
		return err
	}
	return s.cfg.Client.SetScreenSharing(true)
}

func (s *RoomSession) StopScreenShare() error {
	s.orch.StopScreenShare()
	return s.cfg.Client.SetScreenSharing(false)
}

func (s *RoomSession) dispatch(env signaling.Envelope) {
	switch env.Event {
	case signaling.EventRoomPeers:
		var peers []signaling.PeerInfo
		if !s.decode(env, &peers) {
			return
		}
		ids := make([]string, 0, len(peers))
		s.mu.Lock()
		for _, p := range peers {
			s.roster[p.PeerID] = p
			ids = append(ids, p.PeerID)
		}
		s.mu.Unlock()
		s.orch.HandleRoomPeers(ids)
		s.rosterChanged()

	case signaling.EventPeerJoined:
		var p signaling.PeerJoinedPayload
		if !s.decode(env, &p) {
			return
		}
		s.mu.Lock()
		s.roster[p.PeerID] = signaling.PeerInfo{
			PeerID:      p.PeerID,
			UserID:      p.UserID,
			DisplayName: p.DisplayName,
			AvatarURL:   p.AvatarURL,
		}
		s.mu.Unlock()
		// The newcomer initiates; this side waits for its offer.
		s.rosterChanged()

	case signaling.EventPeerLeft:
		var p signaling.PeerLeftPayload
		if !s.decode(env, &p) {
			return
		}
		s.mu.Lock()
		delete(s.roster, p.PeerID)
		s.mu.Unlock()
		s.orch.HandlePeerLeft(p.PeerID)
		s.rosterChanged()

	case signaling.EventOffer:
		var p signaling.SignalPayload
		if !s.decode(env, &p) {
			return
		}
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(p.Offer, &desc); err != nil {
			s.log.Warn("malformed offer", "from", p.From, "err", err)
			return
		}
		if err := s.orch.HandleOffer(p.From, desc); err != nil {
			s.log.Error("offer handling failed", "from", p.From, "err", err)
		}

	case signaling.EventAnswer:
		var p signaling.SignalPayload
		if !s.decode(env, &p) {
			return
		}
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(p.Answer, &desc); err != nil {
			s.log.Warn("malformed answer", "from", p.From, "err", err)
			return
		}
		if err := s.orch.HandleAnswer(p.From, desc); err != nil {
			s.log.Error("answer handling failed", "from", p.From, "err", err)
		}

	case signaling.EventICECandidate:
		var p signaling.SignalPayload
		if !s.decode(env, &p) {
			return
		}
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(p.Candidate, &cand); err != nil {
			s.log.Warn("malformed candidate", "from", p.From, "err", err)
			return
		}
		if err := s.orch.HandleCandidate(p.From, cand); err != nil {
			s.log.Warn("candidate handling failed", "from", p.From, "err", err)
		}

	case signaling.EventPeerSpeaking:
		var p signaling.PeerSpeakingPayload
		if s.decode(env, &p) && s.cfg.OnPeerSpeaking != nil {
			s.cfg.OnPeerSpeaking(p.PeerID, p.Speaking)
		}

	case signaling.EventPeerMuted:
		var p signaling.PeerMutedPayload
		if s.decode(env, &p) {
			s.updateRoster(p.PeerID, func(info *signaling.PeerInfo) { info.Muted = p.Muted })
		}

	case signaling.EventPeerDeafened:
		var p signaling.PeerDeafenedPayload
		if s.decode(env, &p) {
			s.updateRoster(p.PeerID, func(info *signaling.PeerInfo) { info.Deafened = p.Deafened })
		}

	case signaling.EventPeerScreenShare:
		var p signaling.PeerScreenSharePayload
		if s.decode(env, &p) {
			s.updateRoster(p.PeerID, func(info *signaling.PeerInfo) { info.ScreenSharing = p.Sharing })
		}

	case signaling.EventError:
		var p signaling.ErrorPayload
		if s.decode(env, &p) {
			s.log.Warn("gateway error", "message", p.Message)
		}
	}
}

func (s *RoomSession) decode(env signaling.Envelope, v any) bool {
	if err := json.Unmarshal(env.Data, v); err != nil {
		s.log.Warn("malformed event payload", "event", string(env.Event), "err", err)
		return false
	}
	return true
}

func (s *RoomSession) updateRoster(peerID string, apply func(*signaling.PeerInfo)) {
	s.mu.Lock()
	info, ok := s.roster[peerID]
	if ok {
		apply(&info)
		s.roster[peerID] = info
	}
	s.mu.Unlock()
	if ok {
		s.rosterChanged()
	}
}

func (s *RoomSession) rosterChanged() {
	if s.cfg.OnRosterChange != nil {
		s.cfg.OnRosterChange(s.Peers())
	}
}
