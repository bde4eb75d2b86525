package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/hearthchat/voicemesh/internal/signaling"
)

const (
	clientWriteWait = 10 * time.Second
	clientPongWait  = 60 * time.Second
	clientPingEvery = (clientPongWait * 9) / 10

	clientReadLimit = 512 * 1024
	clientQueueLen  = 64
)

// SignalingClient is the connection side of the signaling protocol: it dials
// the gateway's WebSocket endpoint, pumps frames in both directions, and
// exposes typed senders for every inbound event the gateway understands.
type SignalingClient struct {
	conn *websocket.Conn
	log  *slog.Logger

	incoming chan signaling.Envelope
	outgoing chan []byte

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// DialOptions configures Dial. Token, when set, is appended to the URL so the
// gateway can verify identity at upgrade time.
type DialOptions struct {
	Token  string
	Logger *slog.Logger
}

// Dial connects to the signaling endpoint, e.g. "ws://host:8080/signaling".
func Dial(ctx context.Context, rawURL string, opts DialOptions) (*SignalingClient, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse signaling url: %w", err)
	}
	if opts.Token != "" {
		q := u.Query()
		q.Set("token", opts.Token)
		u.RawQuery = q.Encode()
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial signaling: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial signaling: %w", err)
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	c := &SignalingClient{
		conn:     conn,
		log:      log,
		incoming: make(chan signaling.Envelope, clientQueueLen),
		outgoing: make(chan []byte, clientQueueLen),
		done:     make(chan struct{}),
	}

	go c.readPump()
	go c.writePump()

	return c, nil
}

// Events delivers every envelope received from the gateway. The channel is
// closed when the connection ends; Err reports why.
func (c *SignalingClient) Events() <-chan signaling.Envelope {
	return c.incoming
}

// Err returns the error that ended the connection, nil after a clean Close.
func (c *SignalingClient) Err() error {
	select {
	case <-c.done:
		return c.closeErr
	default:
		return nil
	}
}

func (c *SignalingClient) Close() error {
	c.shutdown(nil)
	return nil
}

// Authenticate sends the token as a first-frame auth event for gateways that
// require one and did not receive a URL token.
func (c *SignalingClient) Authenticate(token string) error {
	return c.send(signaling.EventAuth, signaling.AuthPayload{Token: token})
}

func (c *SignalingClient) Join(channelID, userID, displayName, avatarURL string) error {
	return c.send(signaling.EventJoinRoom, signaling.JoinRoomPayload{
		ChannelID:   channelID,
		UserID:      userID,
		DisplayName: displayName,
		AvatarURL:   avatarURL,
	})
}

func (c *SignalingClient) Leave(channelID string) error {
	return c.send(signaling.EventLeaveRoom, signaling.LeaveRoomPayload{ChannelID: channelID})
}

func (c *SignalingClient) SendOffer(to string, desc webrtc.SessionDescription) error {
	body, err := json.Marshal(desc)
	if err != nil {
		return err
	}
	return c.send(signaling.EventOffer, signaling.SignalPayload{To: to, Offer: body})
}

func (c *SignalingClient) SendAnswer(to string, desc webrtc.SessionDescription) error {
	body, err := json.Marshal(desc)
	if err != nil {
		return err
	}
	return c.send(signaling.EventAnswer, signaling.SignalPayload{To: to, Answer: body})
}

func (c *SignalingClient) SendCandidate(to string, cand webrtc.ICECandidateInit) error {
	body, err := json.Marshal(cand)
	if err != nil {
		return err
	}
	return c.send(signaling.EventICECandidate, signaling.SignalPayload{To: to, Candidate: body})
}

func (c *SignalingClient) SetSpeaking(speaking bool) error {
	return c.send(signaling.EventSpeaking, signaling.SpeakingPayload{Speaking: speaking})
}

func (c *SignalingClient) SetMuted(muted bool) error {
	return c.send(signaling.EventToggleMute, signaling.MutePayload{Muted: muted})
}

func (c *SignalingClient) SetDeafened(deafened bool) error {
	return c.send(signaling.EventToggleDeafen, signaling.DeafenPayload{Deafened: deafened})
}

func (c *SignalingClient) SetScreenSharing(sharing bool) error {
	return c.send(signaling.EventScreenShare, signaling.ScreenSharePayload{Sharing: sharing})
}

func (c *SignalingClient) send(event signaling.Event, payload any) error {
	data, err := signaling.MarshalEvent(event, payload)
	if err != nil {
		return err
	}
	select {
	case c.outgoing <- data:
		return nil
	case <-c.done:
		return fmt.Errorf("signaling connection closed")
	}
}

func (c *SignalingClient) readPump() {
	defer close(c.incoming)

	c.conn.SetReadLimit(clientReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(clientPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(clientPongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.shutdown(err)
			} else {
				c.shutdown(nil)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(clientPongWait))

		var env signaling.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("dropping malformed signaling frame", "err", err)
			continue
		}

		select {
		case c.incoming <- env:
		case <-c.done:
			return
		}
	}
}

func (c *SignalingClient) writePump() {
	ticker := time.NewTicker(clientPingEvery)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data := <-c.outgoing:
			_ = c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.shutdown(err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown(err)
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *SignalingClient) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.done)
	})
}
