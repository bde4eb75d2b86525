package signaling

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hearthchat/voicemesh/internal/identity"
	"github.com/hearthchat/voicemesh/internal/metrics"
	"github.com/hearthchat/voicemesh/internal/origin"
	"github.com/hearthchat/voicemesh/internal/ratelimit"
)

const (
	wsWriteWait = 5 * time.Second

	// Outbound frames queued per connection before the connection is declared a
	// slow consumer and dropped.
	defaultSendQueueLen = 64

	defaultMaxMessageBytes   = int64(64 * 1024)
	defaultMessagesPerSecond = 50
	defaultAuthTimeout       = 2 * time.Second
	defaultIdleTimeout       = 60 * time.Second
	defaultPingInterval      = 20 * time.Second
)

// WSConfig configures the WebSocket signaling endpoint.
type WSConfig struct {
	Gateway  *Gateway
	Verifier identity.Verifier
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	// RequireToken closes connections that present no token in the URL and do
	// not send an auth event as their first message.
	RequireToken bool

	// AllowedOrigins restricts browser origins. Empty allows all.
	AllowedOrigins []string

	MaxMessageBytes   int64
	MessagesPerSecond int
	AuthTimeout       time.Duration
	IdleTimeout       time.Duration
	PingInterval      time.Duration
}

// WSServer upgrades HTTP requests to WebSocket signaling connections and pumps
// frames between the socket and the gateway.
type WSServer struct {
	gw       *Gateway
	verifier identity.Verifier
	metrics  *metrics.Metrics
	log      *slog.Logger

	requireToken bool

	maxMessageBytes   int64
	messagesPerSecond int
	authTimeout       time.Duration
	idleTimeout       time.Duration
	pingInterval      time.Duration

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*wsConn]struct{}
}

func NewWSServer(cfg WSConfig) *WSServer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	verifier := cfg.Verifier
	if verifier == nil {
		verifier = identity.Open{}
	}

	s := &WSServer{
		gw:                cfg.Gateway,
		verifier:          verifier,
		metrics:           cfg.Metrics,
		log:               logger,
		requireToken:      cfg.RequireToken,
		maxMessageBytes:   cfg.MaxMessageBytes,
		messagesPerSecond: cfg.MessagesPerSecond,
		authTimeout:       cfg.AuthTimeout,
		idleTimeout:       cfg.IdleTimeout,
		pingInterval:      cfg.PingInterval,
		conns:             make(map[*wsConn]struct{}),
	}
	if s.maxMessageBytes <= 0 {
		s.maxMessageBytes = defaultMaxMessageBytes
	}
	if s.messagesPerSecond <= 0 {
		s.messagesPerSecond = defaultMessagesPerSecond
	}
	if s.authTimeout <= 0 {
		s.authTimeout = defaultAuthTimeout
	}
	if s.idleTimeout <= 0 {
		s.idleTimeout = defaultIdleTimeout
	}
	if s.pingInterval <= 0 {
		s.pingInterval = defaultPingInterval
	}

	allowlist := cfg.AllowedOrigins
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			header := r.Header.Get("Origin")
			if header == "" {
				// Non-browser clients send no Origin header.
				return true
			}
			normalized, originHost, ok := origin.Normalize(header)
			if !ok {
				return false
			}
			return origin.Allowed(normalized, originHost, r.Host, allowlist)
		},
	}

	return s
}

func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sessionID := uuid.NewString()
	conn.SetReadLimit(s.maxMessageBytes)

	verified, ok := s.resolveIdentity(conn, r)
	if !ok {
		_ = conn.Close()
		return
	}

	c := &wsConn{
		sessionID: sessionID,
		conn:      conn,
		out:       make(chan []byte, defaultSendQueueLen),
		done:      make(chan struct{}),
	}
	s.track(c)
	defer s.untrack(c)

	s.gw.Connect(c, verified)
	s.log.Info("signaling connection established",
		"session_id", sessionID,
		"remote_addr", r.RemoteAddr,
		"authenticated", verified != "",
	)

	go c.writePump(s.pingInterval)
	defer func() {
		s.gw.Disconnect(sessionID)
		c.close()
		s.log.Info("signaling connection closed", "session_id", sessionID)
	}()

	limiter := ratelimit.NewTokenBucket(ratelimit.RealClock{},
		int64(s.messagesPerSecond), int64(s.messagesPerSecond))

	_ = conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.idleTimeout))

		if msgType != websocket.TextMessage {
			writeClose(conn, websocket.CloseUnsupportedData, "expected text message")
			return
		}
		if !limiter.Allow(1) {
			s.metrics.Inc(metrics.RateLimited)
			writeClose(conn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		s.gw.HandleMessage(sessionID, data)
	}
}

// resolveIdentity verifies a token from the connection URL or, when tokens are
// required and the URL carries none, from the first frame (an auth event)
// bounded by the auth timeout.
func (s *WSServer) resolveIdentity(conn *websocket.Conn, r *http.Request) (string, bool) {
	if token := r.URL.Query().Get("token"); token != "" {
		userID, err := s.verifier.Verify(token)
		if err != nil {
			s.metrics.Inc(metrics.AuthFailure)
			writeClose(conn, websocket.ClosePolicyViolation, "invalid token")
			return "", false
		}
		return userID, true
	}

	if !s.requireToken {
		return "", true
	}

	_ = conn.SetReadDeadline(time.Now().Add(s.authTimeout))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	_, data, err := conn.ReadMessage()
	if err != nil {
		s.metrics.Inc(metrics.AuthFailure)
		writeClose(conn, websocket.ClosePolicyViolation, "authentication timeout")
		return "", false
	}

	msg, err := ParseClientMessage(data)
	if err != nil || msg.Event != EventAuth {
		s.metrics.Inc(metrics.AuthFailure)
		writeClose(conn, websocket.ClosePolicyViolation, "authentication required")
		return "", false
	}

	userID, err := s.verifier.Verify(msg.Auth.Token)
	if err != nil {
		s.metrics.Inc(metrics.AuthFailure)
		writeClose(conn, websocket.ClosePolicyViolation, "invalid token")
		return "", false
	}
	return userID, true
}

// Close drops every live connection. Used on shutdown.
func (s *WSServer) Close() {
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[*wsConn]struct{})
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

func (s *WSServer) track(c *wsConn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *WSServer) untrack(c *wsConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// wsConn adapts one gorilla connection to the gateway's Conn interface. All
// writes go through a single writer goroutine, which preserves per-pair send
// order and keeps slow consumers from blocking gateway handlers.
type wsConn struct {
	sessionID string
	conn      *websocket.Conn

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) SessionID() string { return c.sessionID }

func (c *wsConn) Send(event Event, payload any) bool {
	data, err := MarshalEvent(event, payload)
	if err != nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- data:
		return true
	default:
		// Queue full: the consumer is too slow to keep its ordered stream.
		// Dropping individual frames would violate per-pair ordering, so drop
		// the connection instead.
		c.close()
		return false
	}
}

func (c *wsConn) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			writeClose(c.conn, websocket.CloseNormalClosure, "")
			return
		}
	}
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}
