package client

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

// SignalSender is the outbound half of the signaling protocol the orchestrator
// needs. *SignalingClient satisfies it; tests substitute in-memory pairs.
type SignalSender interface {
	SendOffer(to string, desc webrtc.SessionDescription) error
	SendAnswer(to string, desc webrtc.SessionDescription) error
	SendCandidate(to string, cand webrtc.ICECandidateInit) error
}

// OrchestratorConfig wires an Orchestrator.
type OrchestratorConfig struct {
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	Signals    SignalSender
	Source     CaptureSource
	Logger     *slog.Logger

	OnRemoteTrack      func(peerID string, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	OnPeerConnected    func(peerID string)
	OnPeerDisconnected func(peerID string)
}

// Orchestrator maintains one PeerConnection per remote room member, forming a
// full mesh. The newcomer initiates: it offers toward every peer listed in the
// room snapshot, while peers already in the room answer offers as they arrive.
// Trickle ICE candidates received before the remote description are buffered
// and applied once it lands.
type Orchestrator struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	signals    SignalSender
	source     CaptureSource
	log        *slog.Logger

	onRemoteTrack      func(string, *webrtc.TrackRemote, *webrtc.RTPReceiver)
	onPeerConnected    func(string)
	onPeerDisconnected func(string)

	mu          sync.Mutex
	links       map[string]*peerLink
	screenTrack webrtc.TrackLocal
	closed      bool
}

type peerLink struct {
	peerID    string
	pc        *webrtc.PeerConnection
	initiator bool

	// remoteSet flips once the first remote description is applied; until then
	// incoming candidates accumulate in pending.
	remoteSet bool
	pending   []webrtc.ICECandidateInit

	screenSender *webrtc.RTPSender
}

func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.API == nil {
		return nil, fmt.Errorf("orchestrator: API is required")
	}
	if cfg.Signals == nil {
		return nil, fmt.Errorf("orchestrator: Signals is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		api:                cfg.API,
		iceServers:         cfg.ICEServers,
		signals:            cfg.Signals,
		source:             cfg.Source,
		log:                log,
		onRemoteTrack:      cfg.OnRemoteTrack,
		onPeerConnected:    cfg.OnPeerConnected,
		onPeerDisconnected: cfg.OnPeerDisconnected,
		links:              make(map[string]*peerLink),
	}, nil
}

// Peers lists the session ids with a live peer connection.
func (o *Orchestrator) Peers() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.links))
	for id := range o.links {
		out = append(out, id)
	}
	return out
}

// HandleRoomPeers reacts to the room snapshot delivered on join by initiating
// a connection toward every listed peer.
func (o *Orchestrator) HandleRoomPeers(peerIDs []string) {
	for _, peerID := range peerIDs {
		if err := o.initiate(peerID); err != nil {
			o.log.Error("failed to initiate peer connection", "peer_id", peerID, "err", err)
		}
	}
}

func (o *Orchestrator) initiate(peerID string) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator closed")
	}
	if _, exists := o.links[peerID]; exists {
		o.mu.Unlock()
		return nil
	}
	link, err := o.newLinkLocked(peerID, true)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	o.mu.Unlock()

	return o.sendOffer(link)
}

// HandleOffer answers an offer from peerID. A first offer creates the link; a
// later one is a renegotiation (typically a screen share starting or
// stopping) on the existing connection.
func (o *Orchestrator) HandleOffer(peerID string, desc webrtc.SessionDescription) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator closed")
	}
	link, exists := o.links[peerID]
	if !exists {
		var err error
		link, err = o.newLinkLocked(peerID, false)
		if err != nil {
			o.mu.Unlock()
			return err
		}
	}
	o.mu.Unlock()

	if err := link.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote offer from %s: %w", peerID, err)
	}
	o.flushPending(link)

	answer, err := link.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer for %s: %w", peerID, err)
	}
	if err := link.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer for %s: %w", peerID, err)
	}
	return o.signals.SendAnswer(peerID, answer)
}

// HandleAnswer completes an exchange this side initiated.
func (o *Orchestrator) HandleAnswer(peerID string, desc webrtc.SessionDescription) error {
	link := o.link(peerID)
	if link == nil {
		return fmt.Errorf("answer from unknown peer %s", peerID)
	}
	if err := link.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote answer from %s: %w", peerID, err)
	}
	o.flushPending(link)
	return nil
}

// HandleCandidate applies a trickled ICE candidate, buffering it when the
// remote description has not arrived yet.
func (o *Orchestrator) HandleCandidate(peerID string, cand webrtc.ICECandidateInit) error {
	o.mu.Lock()
	link, exists := o.links[peerID]
	if !exists {
		o.mu.Unlock()
		// Candidates can outrun the offer that creates the link; the peer will
		// regather once connected, so dropping is safe.
		return nil
	}
	if !link.remoteSet {
		link.pending = append(link.pending, cand)
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	return link.pc.AddICECandidate(cand)
}

// HandlePeerLeft tears down the link to a departed peer.
func (o *Orchestrator) HandlePeerLeft(peerID string) {
	o.mu.Lock()
	link, exists := o.links[peerID]
	delete(o.links, peerID)
	o.mu.Unlock()

	if !exists {
		return
	}
	_ = link.pc.Close()
	if o.onPeerDisconnected != nil {
		o.onPeerDisconnected(peerID)
	}
}

// StartScreenShare adds the track to every live connection and renegotiates
// each one. This side initiated the media change, so this side offers.
func (o *Orchestrator) StartScreenShare(track webrtc.TrackLocal) error {
	o.mu.Lock()
	if o.screenTrack != nil {
		o.mu.Unlock()
		return fmt.Errorf("screen share already active")
	}
	o.screenTrack = track
	links := o.snapshotLocked()
	o.mu.Unlock()

	for _, link := range links {
		o.mu.Lock()
		existing := link.screenSender
		o.mu.Unlock()

		// A leftover video sender (from an earlier share on this connection) can
		// take the new track without renegotiating.
		if existing != nil {
			if err := existing.ReplaceTrack(track); err != nil {
				o.log.Error("failed to replace screen track", "peer_id", link.peerID, "err", err)
			}
			continue
		}

		sender, err := link.pc.AddTrack(track)
		if err != nil {
			o.log.Error("failed to add screen track", "peer_id", link.peerID, "err", err)
			continue
		}
		o.mu.Lock()
		link.screenSender = sender
		o.mu.Unlock()

		if err := o.sendOffer(link); err != nil {
			o.log.Error("screen share renegotiation failed", "peer_id", link.peerID, "err", err)
		}
	}
	return nil
}

// StopScreenShare detaches the screen track. The sender stays on each
// connection with a nil track so a later share reuses it without another
// renegotiation; the screen-share presence event tells UIs the stream ended.
func (o *Orchestrator) StopScreenShare() {
	o.mu.Lock()
	o.screenTrack = nil
	links := o.snapshotLocked()
	o.mu.Unlock()

	for _, link := range links {
		o.mu.Lock()
		sender := link.screenSender
		o.mu.Unlock()

		if sender == nil {
			continue
		}
		if err := sender.ReplaceTrack(nil); err != nil {
			o.log.Error("failed to detach screen track", "peer_id", link.peerID, "err", err)
		}
	}
}

// Close tears down every peer connection.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	links := o.snapshotLocked()
	o.links = make(map[string]*peerLink)
	o.mu.Unlock()

	for _, link := range links {
		_ = link.pc.Close()
	}
}

func (o *Orchestrator) newLinkLocked(peerID string, initiator bool) (*peerLink, error) {
	pc, err := o.api.NewPeerConnection(webrtc.Configuration{ICEServers: o.iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	link := &peerLink{peerID: peerID, pc: pc, initiator: initiator}
	o.links[peerID] = link

	if o.source != nil {
		for _, track := range o.source.Tracks() {
			if _, err := pc.AddTrack(track); err != nil {
				_ = pc.Close()
				delete(o.links, peerID)
				return nil, fmt.Errorf("add local track: %w", err)
			}
		}
	}
	if o.screenTrack != nil {
		sender, err := pc.AddTrack(o.screenTrack)
		if err != nil {
			_ = pc.Close()
			delete(o.links, peerID)
			return nil, fmt.Errorf("add screen track: %w", err)
		}
		link.screenSender = sender
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := o.signals.SendCandidate(peerID, c.ToJSON()); err != nil {
			o.log.Warn("failed to send ice candidate", "peer_id", peerID, "err", err)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		o.log.Debug("remote track",
			"peer_id", peerID,
			"kind", track.Kind().String(),
			"mime", track.Codec().MimeType,
		)
		if o.onRemoteTrack != nil {
			o.onRemoteTrack(peerID, track, receiver)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		o.log.Debug("peer connection state", "peer_id", peerID, "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			if o.onPeerConnected != nil {
				o.onPeerConnected(peerID)
			}
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			o.dropLink(peerID, link)
		}
	})

	return link, nil
}

func (o *Orchestrator) sendOffer(link *peerLink) error {
	offer, err := link.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer for %s: %w", link.peerID, err)
	}
	if err := link.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer for %s: %w", link.peerID, err)
	}
	return o.signals.SendOffer(link.peerID, offer)
}

// flushPending applies candidates buffered before the remote description.
func (o *Orchestrator) flushPending(link *peerLink) {
	o.mu.Lock()
	link.remoteSet = true
	pending := link.pending
	link.pending = nil
	o.mu.Unlock()

	for _, cand := range pending {
		if err := link.pc.AddICECandidate(cand); err != nil {
			o.log.Warn("failed to apply buffered candidate", "peer_id", link.peerID, "err", err)
		}
	}
}

// dropLink removes the link unless it was already replaced by a newer one for
// the same peer.
func (o *Orchestrator) dropLink(peerID string, link *peerLink) {
	o.mu.Lock()
	current, exists := o.links[peerID]
	if !exists || current != link {
		o.mu.Unlock()
		return
	}
	delete(o.links, peerID)
	o.mu.Unlock()

	_ = link.pc.Close()
	if o.onPeerDisconnected != nil {
		o.onPeerDisconnected(peerID)
	}
}

func (o *Orchestrator) link(peerID string) *peerLink {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.links[peerID]
}

func (o *Orchestrator) snapshotLocked() []*peerLink {
	out := make([]*peerLink, 0, len(o.links))
	for _, link := range o.links {
		out = append(out, link)
	}
	return out
}
