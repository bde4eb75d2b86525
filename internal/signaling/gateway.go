package signaling

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/hearthchat/voicemesh/internal/identity"
	"github.com/hearthchat/voicemesh/internal/metrics"
	"github.com/hearthchat/voicemesh/internal/presence"
	"github.com/hearthchat/voicemesh/internal/registry"
)

// Conn is one client's outbound half as seen by the gateway.
//
// Send must not block: transports enqueue to a per-connection writer and
// report false when the connection is gone or its queue is full, so one slow
// consumer never delays delivery to the rest of a room.
type Conn interface {
	SessionID() string
	Send(event Event, payload any) bool
}

// Config wires the gateway's collaborators.
type Config struct {
	Registry *registry.Registry
	Presence *presence.Syncer
	Verifier identity.Verifier
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	// RestrictRelayToSharedRoom drops offer/answer/ice-candidate relays when
	// the sender and target do not share a room. Off by default: the relay
	// contract trusts client addressing, and a leaked session id is treated as
	// an accepted risk at this protocol's trust level.
	RestrictRelayToSharedRoom bool
}

type session struct {
	conn Conn

	// verifiedUserID is the identity bound to the connection's token, empty
	// when the verifier does not bind tokens to users.
	verifiedUserID string
}

// Gateway interprets inbound signaling events, mutates the room registry, and
// relays payloads between connections. It is transport-agnostic; the
// WebSocket server in this package is one transport.
type Gateway struct {
	reg      *registry.Registry
	pres     *presence.Syncer
	verifier identity.Verifier
	metrics  *metrics.Metrics
	log      *slog.Logger

	restrictRelay bool

	mu       sync.Mutex
	sessions map[string]*session
}

func NewGateway(cfg Config) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	verifier := cfg.Verifier
	if verifier == nil {
		verifier = identity.Open{}
	}
	reg := cfg.Registry
	if reg == nil {
		reg = registry.New()
	}
	return &Gateway{
		reg:           reg,
		pres:          cfg.Presence,
		verifier:      verifier,
		metrics:       cfg.Metrics,
		log:           logger,
		restrictRelay: cfg.RestrictRelayToSharedRoom,
		sessions:      make(map[string]*session),
	}
}

// Registry exposes the room registry for the operational stats surface.
func (g *Gateway) Registry() *registry.Registry { return g.reg }

// Connect registers a connection. verifiedUserID is the identity resolved
// from a connection-time token, or empty when none was presented.
func (g *Gateway) Connect(conn Conn, verifiedUserID string) {
	g.mu.Lock()
	g.sessions[conn.SessionID()] = &session{conn: conn, verifiedUserID: verifiedUserID}
	g.mu.Unlock()
}

// Disconnect removes the session from every room it was part of and notifies
// each room's remaining members.
func (g *Gateway) Disconnect(sessionID string) {
	g.mu.Lock()
	delete(g.sessions, sessionID)
	g.mu.Unlock()

	for _, rm := range g.reg.LeaveAll(sessionID) {
		g.metrics.Inc(metrics.RoomLeaves)
		g.broadcast(rm.RoomID, sessionID, EventPeerLeft, PeerLeftPayload{
			PeerID: sessionID,
			UserID: rm.UserID,
		})
		if g.pres != nil {
			g.pres.PeerLeft(rm.UserID, rm.RoomID)
		}
	}
}

// HandleMessage processes one inbound frame from the session. Malformed
// payloads produce an `error` event back to the sender; the connection stays
// open and no state changes.
func (g *Gateway) HandleMessage(sessionID string, data []byte) {
	sess := g.session(sessionID)
	if sess == nil {
		return
	}

	msg, err := ParseClientMessage(data)
	if err != nil {
		g.metrics.Inc(metrics.ProtocolError)
		g.sendError(sess, err)
		return
	}

	switch msg.Event {
	case EventAuth:
		g.handleAuth(sess, msg.Auth)
	case EventJoinRoom:
		g.handleJoin(sess, msg.Join)
	case EventLeaveRoom:
		g.handleLeave(sess, msg.Leave)
	case EventOffer, EventAnswer, EventICECandidate:
		g.handleRelay(sess, msg.Event, msg.Signal)
	case EventSpeaking:
		g.handlePresence(sess, registry.PeerUpdate{Speaking: &msg.Speaking.Speaking},
			EventPeerSpeaking, func(peerID string) any {
				return PeerSpeakingPayload{PeerID: peerID, Speaking: msg.Speaking.Speaking}
			})
	case EventToggleMute:
		g.handlePresence(sess, registry.PeerUpdate{Muted: &msg.Mute.Muted},
			EventPeerMuted, func(peerID string) any {
				return PeerMutedPayload{PeerID: peerID, Muted: msg.Mute.Muted}
			})
	case EventToggleDeafen:
		g.handlePresence(sess, registry.PeerUpdate{Deafened: &msg.Deafen.Deafened},
			EventPeerDeafened, func(peerID string) any {
				return PeerDeafenedPayload{PeerID: peerID, Deafened: msg.Deafen.Deafened}
			})
	case EventScreenShare:
		g.handlePresence(sess, registry.PeerUpdate{ScreenSharing: &msg.ScreenShare.Sharing},
			EventPeerScreenShare, func(peerID string) any {
				return PeerScreenSharePayload{PeerID: peerID, Sharing: msg.ScreenShare.Sharing}
			})
	}
}

func (g *Gateway) handleAuth(sess *session, p *AuthPayload) {
	userID, err := g.verifier.Verify(p.Token)
	if err != nil {
		g.metrics.Inc(metrics.AuthFailure)
		g.sendError(sess, err)
		return
	}
	g.mu.Lock()
	sess.verifiedUserID = userID
	g.mu.Unlock()
}

func (g *Gateway) handleJoin(sess *session, p *JoinRoomPayload) {
	g.mu.Lock()
	verified := sess.verifiedUserID
	g.mu.Unlock()

	if err := identity.CheckClaim(verified, p.UserID); err != nil {
		g.metrics.Inc(metrics.AuthFailure)
		g.sendError(sess, err)
		return
	}

	sid := sess.conn.SessionID()
	peer := registry.Peer{
		SessionID:   sid,
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		AvatarURL:   p.AvatarURL,
	}
	existing := g.reg.Join(p.ChannelID, peer)
	g.metrics.Inc(metrics.RoomJoins)

	infos := make([]PeerInfo, 0, len(existing))
	for _, e := range existing {
		infos = append(infos, PeerInfo{
			PeerID:        e.SessionID,
			UserID:        e.UserID,
			DisplayName:   e.DisplayName,
			AvatarURL:     e.AvatarURL,
			Muted:         e.Muted,
			Deafened:      e.Deafened,
			ScreenSharing: e.ScreenSharing,
		})
	}
	sess.conn.Send(EventRoomPeers, infos)

	g.broadcast(p.ChannelID, sid, EventPeerJoined, PeerJoinedPayload{
		PeerID:      sid,
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		AvatarURL:   p.AvatarURL,
	})

	if g.pres != nil {
		joined, _ := g.reg.GetPeer(p.ChannelID, sid)
		g.pres.PeerJoined(presence.Record{
			UserID:      p.UserID,
			ChannelID:   p.ChannelID,
			SessionID:   sid,
			DisplayName: p.DisplayName,
			AvatarURL:   p.AvatarURL,
			JoinedAt:    joined.JoinedAt,
		})
	}

	g.log.Info("peer joined room",
		"channel_id", p.ChannelID,
		"session_id", sid,
		"user_id", p.UserID,
		"room_size", g.reg.RoomSize(p.ChannelID),
	)
}

func (g *Gateway) handleLeave(sess *session, p *LeaveRoomPayload) {
	sid := sess.conn.SessionID()
	peer, ok := g.reg.GetPeer(p.ChannelID, sid)
	if !ok {
		return
	}

	g.reg.Leave(p.ChannelID, sid)
	g.metrics.Inc(metrics.RoomLeaves)

	g.broadcast(p.ChannelID, sid, EventPeerLeft, PeerLeftPayload{
		PeerID: sid,
		UserID: peer.UserID,
	})
	if g.pres != nil {
		g.pres.PeerLeft(peer.UserID, p.ChannelID)
	}

	g.log.Info("peer left room", "channel_id", p.ChannelID, "session_id", sid)
}

// handleRelay forwards offer/answer/ice-candidate payloads verbatim to the
// target session, retagged with the sender's session id. A missing target is
// an expected disconnect race and is dropped silently.
func (g *Gateway) handleRelay(sess *session, event Event, p *SignalPayload) {
	target := g.session(p.To)
	if target == nil {
		g.metrics.Inc(metrics.RelayMiss)
		return
	}

	sid := sess.conn.SessionID()
	if g.restrictRelay && !g.shareRoom(sid, p.To) {
		g.metrics.Inc(metrics.RelayMiss)
		return
	}

	out := SignalPayload{
		From:      sid,
		Offer:     p.Offer,
		Answer:    p.Answer,
		Candidate: p.Candidate,
	}
	if target.conn.Send(event, out) {
		g.metrics.Inc(metrics.RelayForwarded)
	} else {
		g.metrics.Inc(metrics.SlowConsumerDrop)
	}
}

func (g *Gateway) handlePresence(sess *session, upd registry.PeerUpdate, event Event, payload func(peerID string) any) {
	sid := sess.conn.SessionID()
	rooms := g.reg.RoomsOf(sid)
	if len(rooms) == 0 {
		return
	}
	g.metrics.Inc(metrics.PresenceUpdates)

	for _, roomID := range rooms {
		g.reg.UpdatePeer(roomID, sid, upd)
		g.broadcast(roomID, sid, event, payload(sid))

		if g.pres != nil {
			if peer, ok := g.reg.GetPeer(roomID, sid); ok {
				g.pres.PeerUpdated(peer.UserID, roomID, presence.Update{
					Muted:         upd.Muted,
					Deafened:      upd.Deafened,
					Speaking:      upd.Speaking,
					ScreenSharing: upd.ScreenSharing,
				})
			}
		}
	}
}

// broadcast delivers event to every member of the room except exceptSessionID.
func (g *Gateway) broadcast(roomID, exceptSessionID string, event Event, payload any) {
	for _, peer := range g.reg.RoomPeers(roomID) {
		if peer.SessionID == exceptSessionID {
			continue
		}
		target := g.session(peer.SessionID)
		if target == nil {
			continue
		}
		if !target.conn.Send(event, payload) {
			g.metrics.Inc(metrics.SlowConsumerDrop)
		}
	}
}

func (g *Gateway) session(sessionID string) *session {
	if sessionID == "" {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessions[sessionID]
}

func (g *Gateway) shareRoom(a, b string) bool {
	inB := make(map[string]struct{})
	for _, r := range g.reg.RoomsOf(b) {
		inB[r] = struct{}{}
	}
	for _, r := range g.reg.RoomsOf(a) {
		if _, ok := inB[r]; ok {
			return true
		}
	}
	return false
}

func (g *Gateway) sendError(sess *session, err error) {
	msg := "internal error"
	var protoErr *ProtocolError
	switch {
	case errors.As(err, &protoErr):
		msg = protoErr.Message
	case errors.Is(err, identity.ErrUserMismatch),
		errors.Is(err, identity.ErrInvalidToken),
		errors.Is(err, identity.ErrUnsupportedJWT):
		msg = "not authorized"
	}
	sess.conn.Send(EventError, ErrorPayload{Message: msg})
}
