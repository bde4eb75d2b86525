package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/hearthchat/voicemesh/internal/metrics"
	"github.com/hearthchat/voicemesh/internal/signaling"
)

func startSignalingServer(t *testing.T) (wsURL string) {
	t.Helper()

	m := metrics.New()
	gw := signaling.NewGateway(signaling.Config{Metrics: m})
	ws := signaling.NewWSServer(signaling.WSConfig{Gateway: gw, Metrics: m})

	srv := httptest.NewServer(ws)
	t.Cleanup(srv.Close)
	t.Cleanup(ws.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialClient(t *testing.T, wsURL string) *SignalingClient {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, wsURL, DialOptions{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitEvent(t *testing.T, c *SignalingClient, want signaling.Event) signaling.Envelope {
	t.Helper()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case env, ok := <-c.Events():
			if !ok {
				t.Fatalf("connection closed while waiting for %s: %v", want, c.Err())
			}
			if env.Event == want {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestSignalingClient_JoinRelayAndPresence(t *testing.T) {
	wsURL := startSignalingServer(t)

	alice := dialClient(t, wsURL)
	bob := dialClient(t, wsURL)

	if err := alice.Join("general", "alice", "Alice", ""); err != nil {
		t.Fatalf("alice join: %v", err)
	}
	env := waitEvent(t, alice, signaling.EventRoomPeers)
	var snapshot []signaling.PeerInfo
	if err := json.Unmarshal(env.Data, &snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snapshot) != 0 {
		t.Fatalf("first joiner snapshot = %v, want empty", snapshot)
	}

	if err := bob.Join("general", "bob", "Bob", ""); err != nil {
		t.Fatalf("bob join: %v", err)
	}

	env = waitEvent(t, bob, signaling.EventRoomPeers)
	if err := json.Unmarshal(env.Data, &snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snapshot) != 1 || snapshot[0].UserID != "alice" {
		t.Fatalf("bob snapshot = %v, want alice", snapshot)
	}
	alicePeerID := snapshot[0].PeerID

	env = waitEvent(t, alice, signaling.EventPeerJoined)
	var joined signaling.PeerJoinedPayload
	if err := json.Unmarshal(env.Data, &joined); err != nil {
		t.Fatalf("decode peer-joined: %v", err)
	}
	if joined.UserID != "bob" {
		t.Fatalf("peer-joined user = %q, want bob", joined.UserID)
	}
	bobPeerID := joined.PeerID

	// Bob, the newcomer, offers toward alice; the relay retags the sender.
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}
	if err := bob.SendOffer(alicePeerID, offer); err != nil {
		t.Fatalf("send offer: %v", err)
	}
	env = waitEvent(t, alice, signaling.EventOffer)
	var sig signaling.SignalPayload
	if err := json.Unmarshal(env.Data, &sig); err != nil {
		t.Fatalf("decode offer: %v", err)
	}
	if sig.From != bobPeerID {
		t.Fatalf("offer from = %q, want %q", sig.From, bobPeerID)
	}
	var gotOffer webrtc.SessionDescription
	if err := json.Unmarshal(sig.Offer, &gotOffer); err != nil {
		t.Fatalf("decode sdp: %v", err)
	}
	if gotOffer != offer {
		t.Fatalf("offer = %+v, want %+v", gotOffer, offer)
	}

	if err := bob.SetMuted(true); err != nil {
		t.Fatalf("set muted: %v", err)
	}
	env = waitEvent(t, alice, signaling.EventPeerMuted)
	var muted signaling.PeerMutedPayload
	if err := json.Unmarshal(env.Data, &muted); err != nil {
		t.Fatalf("decode peer-muted: %v", err)
	}
	if muted.PeerID != bobPeerID || !muted.Muted {
		t.Fatalf("peer-muted = %+v", muted)
	}

	_ = bob.Close()
	env = waitEvent(t, alice, signaling.EventPeerLeft)
	var left signaling.PeerLeftPayload
	if err := json.Unmarshal(env.Data, &left); err != nil {
		t.Fatalf("decode peer-left: %v", err)
	}
	if left.PeerID != bobPeerID {
		t.Fatalf("peer-left = %+v, want bob's session", left)
	}
}

// TestRoomSession_EndToEndMesh drives the whole client stack over a real
// signaling server: two sessions join the same channel and their orchestrators
// negotiate a peer connection across a virtual network.
func TestRoomSession_EndToEndMesh(t *testing.T) {
	wsURL := startSignalingServer(t)
	apiA, apiB := newVNetAPIs(t)

	alice := dialClient(t, wsURL)
	bob := dialClient(t, wsURL)

	connectedA := make(chan string, 1)
	connectedB := make(chan string, 1)

	orchA, err := NewOrchestrator(OrchestratorConfig{
		API:     apiA,
		Signals: alice,
		Source:  newTestSource(t),
		OnPeerConnected: func(peerID string) {
			select {
			case connectedA <- peerID:
			default:
			}
		},
	})
	if err != nil {
		t.Fatalf("new orchestrator A: %v", err)
	}
	orchB, err := NewOrchestrator(OrchestratorConfig{
		API:     apiB,
		Signals: bob,
		Source:  newTestSource(t),
		OnPeerConnected: func(peerID string) {
			select {
			case connectedB <- peerID:
			default:
			}
		},
	})
	if err != nil {
		t.Fatalf("new orchestrator B: %v", err)
	}

	rosterA := make(chan []signaling.PeerInfo, 8)
	sessionA := NewRoomSession(RoomConfig{
		ChannelID:    "general",
		UserID:       "alice",
		DisplayName:  "Alice",
		Client:       alice,
		Orchestrator: orchA,
		OnRosterChange: func(peers []signaling.PeerInfo) {
			select {
			case rosterA <- peers:
			default:
			}
		},
	})
	sessionB := NewRoomSession(RoomConfig{
		ChannelID:    "general",
		UserID:       "bob",
		DisplayName:  "Bob",
		Client:       bob,
		Orchestrator: orchB,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErrA := make(chan error, 1)
	runErrB := make(chan error, 1)
	go func() { runErrA <- sessionA.Run(ctx) }()
	// Stagger the joins so bob sees alice in his snapshot and initiates.
	time.Sleep(200 * time.Millisecond)
	go func() { runErrB <- sessionB.Run(ctx) }()

	select {
	case <-connectedA:
	case <-time.After(20 * time.Second):
		t.Fatalf("timed out waiting for alice's mesh connection")
	}
	select {
	case <-connectedB:
	case <-time.After(20 * time.Second):
		t.Fatalf("timed out waiting for bob's mesh connection")
	}

	deadline := time.After(5 * time.Second)
	for {
		var peers []signaling.PeerInfo
		select {
		case peers = <-rosterA:
		case <-deadline:
			t.Fatalf("alice's roster never listed bob")
		}
		if len(peers) == 1 && peers[0].UserID == "bob" {
			break
		}
	}

	cancel()
	for _, ch := range []chan error{runErrA, runErrB} {
		select {
		case err := <-ch:
			if !errors.Is(err, context.Canceled) {
				t.Fatalf("session ended with %v, want context.Canceled", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("session did not stop after cancel")
		}
	}
}
