// Package adminbus implements the admin event bus (C10): an authenticated,
// channel-scoped websocket pub/sub that lets operators observe job status,
// trades, balances, logs, and reactive events in near-real time. It carries
// no business logic of its own — it is a pure fan-out leaf.
package adminbus

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/flywheel-engine/engine/internal/core"
	"github.com/flywheel-engine/engine/internal/logger"
	"github.com/flywheel-engine/engine/internal/metrics"
)

// Channel names spec.md §6 enumerates.
const (
	ChannelJobStatus       = "job_status"
	ChannelTransactions    = "transactions"
	ChannelBalanceUpdates  = "balance_updates"
	ChannelLogs            = "logs"
	ChannelReactiveEvents  = "reactive_events"
	ChannelLaunchUpdates   = "launch_updates"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// Config controls JWT verification for the bus's auth handshake.
type Config struct {
	JWTSecret string
}

// Claims mirrors the subset of the external identity verifier's JWT this
// leaf cares about, in the style of pkg/auth/supabase_auth.go's TokenClaims.
type Claims struct {
	Sub     string `json:"sub"`
	Role    string `json:"role"`
	IsAdmin bool   `json:"is_admin"`
}

// Envelope is the wire format of every message exchanged over the bus.
type Envelope struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// client is one connected subscriber.
type client struct {
	id         string
	identityID string
	isAdmin    bool
	conn       *websocket.Conn

	mu       sync.Mutex
	channels map[string]struct{}
	send     chan []byte
}

// Bus is the C10 service: a multiplexed, authenticated pub/sub hub mounted
// over a single websocket endpoint.
type Bus struct {
	core.ServiceBase

	cfg Config
	log *logger.Logger

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
	nextID  int64
}

// New builds a Bus. Call ServeHTTP to mount it on a router.
func New(cfg Config, log *logger.Logger) *Bus {
	if log == nil {
		log = logger.NewDefault("admin-bus")
	}
	b := &Bus{
		cfg:     cfg,
		log:     log.Named("admin-bus"),
		clients: make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	b.SetName("admin-bus")
	return b
}

// Start marks the bus ready. It owns no background goroutine of its own
// beyond the per-connection readers/writers spawned by ServeHTTP.
func (b *Bus) Start(ctx context.Context) error {
	b.MarkStarted()
	return nil
}

// Stop closes every connected client.
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	clients := make([]*client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.clients = make(map[string]*client)
	b.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
	b.MarkStopped()
	return nil
}

// ClientCount returns the number of currently connected subscribers.
func (b *Bus) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// ServeHTTP upgrades the request to a websocket connection and runs the
// auth handshake described in spec.md §6: a bearer token in the query
// string or, failing that, the connection's first message must carry a
// valid token, or the server closes with code 1008 (policy violation).
func (b *Bus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	claims, err := b.authenticate(r, conn)
	if err != nil {
		closeWithPolicyViolation(conn, err.Error())
		return
	}

	c := &client{
		id:         b.newClientID(),
		identityID: claims.Sub,
		isAdmin:    claims.IsAdmin,
		conn:       conn,
		channels:   make(map[string]struct{}),
		send:       make(chan []byte, 64),
	}
	b.register(c)
	defer b.unregister(c)

	if err := writeEnvelope(conn, Envelope{Type: "auth_success", Payload: authSuccessPayload(claims.IsAdmin)}); err != nil {
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); b.writePump(c) }()
	go func() { defer wg.Done(); b.readPump(c) }()
	wg.Wait()
}

// authenticate extracts and validates a bearer token from the query string
// or, if absent, the connection's first message, per spec.md §6.
func (b *Bus) authenticate(r *http.Request, conn *websocket.Conn) (Claims, error) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return Claims{}, &core.SignerRefusedError{Reason: "no auth message received"}
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Type != "auth" {
			return Claims{}, &core.SignerRefusedError{Reason: "expected auth message"}
		}
		var authMsg struct {
			Token string `json:"token"`
		}
		_ = json.Unmarshal(env.Payload, &authMsg)
		token = strings.TrimSpace(authMsg.Token)
	}
	if token == "" {
		return Claims{}, &core.SignerRefusedError{Reason: "missing bearer token"}
	}
	return b.verify(token)
}

// verify validates token against the pre-shared signing secret standing in
// for the external identity verifier's public key (spec.md §1 non-goals).
func (b *Bus) verify(token string) (Claims, error) {
	if b.cfg.JWTSecret == "" {
		return Claims{}, &core.SignerRefusedError{Reason: "admin bus jwt secret not configured"}
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, &core.SignerRefusedError{Reason: "unexpected signing method"}
		}
		return []byte(b.cfg.JWTSecret), nil
	})
	if err != nil || !parsed.Valid {
		return Claims{}, &core.SignerRefusedError{Reason: "invalid token"}
	}
	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, &core.SignerRefusedError{Reason: "invalid claims"}
	}
	claims := Claims{}
	if v, ok := mapClaims["sub"].(string); ok {
		claims.Sub = v
	}
	if v, ok := mapClaims["role"].(string); ok {
		claims.Role = v
		claims.IsAdmin = v == "admin" || v == "service_role"
	}
	if v, ok := mapClaims["is_admin"].(bool); ok {
		claims.IsAdmin = claims.IsAdmin || v
	}
	return claims, nil
}

func (b *Bus) newClientID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	return time.Now().UTC().Format("20060102150405") + "-" + itoa(b.nextID)
}

func (b *Bus) register(c *client) {
	b.mu.Lock()
	b.clients[c.id] = c
	b.mu.Unlock()
	metrics.SetAdminBusClients(b.ClientCount())
}

func (b *Bus) unregister(c *client) {
	b.mu.Lock()
	delete(b.clients, c.id)
	b.mu.Unlock()
	close(c.send)
	metrics.SetAdminBusClients(b.ClientCount())
}

// readPump handles subscribe/unsubscribe/ping control messages from one
// client. Authorization for each requested channel is evaluated here, at
// subscribe time, not merely at connect time.
func (b *Bus) readPump(c *client) {
	defer c.conn.Close()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		switch env.Type {
		case "ping":
			select {
			case c.send <- mustMarshal(Envelope{Type: "pong"}):
			default:
			}
		case "subscribe":
			if authorizedChannel(env.Channel, c.isAdmin) {
				c.mu.Lock()
				c.channels[env.Channel] = struct{}{}
				c.mu.Unlock()
			}
		case "unsubscribe":
			c.mu.Lock()
			delete(c.channels, env.Channel)
			c.mu.Unlock()
		}
	}
}

// writePump drains c.send to the socket and sends a keepalive ping every
// pingPeriod, dropping the connection if no pong arrives within pongWait.
func (b *Bus) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// authorizedChannel evaluates a role check at subscribe time; every channel
// currently requires no more than connection, but job_status and logs are
// operator-only.
func authorizedChannel(channel string, isAdmin bool) bool {
	switch channel {
	case ChannelJobStatus, ChannelLogs:
		return isAdmin
	case ChannelTransactions, ChannelBalanceUpdates, ChannelReactiveEvents, ChannelLaunchUpdates:
		return true
	default:
		return false
	}
}

// Publish fans payload out to every subscriber of channel. Publishing is
// non-blocking per subscriber: a slow subscriber's buffer fills and the
// message is dropped for that subscriber only, never backpressuring the
// engine (spec.md §4.8).
func (b *Bus) Publish(channel string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	msg := mustMarshal(Envelope{Type: "event", Channel: channel, Payload: raw})

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, c := range b.clients {
		c.mu.Lock()
		_, subscribed := c.channels[channel]
		c.mu.Unlock()
		if !subscribed {
			continue
		}
		select {
		case c.send <- msg:
		default:
			// slow subscriber: drop rather than backpressure the publisher.
		}
	}
}

func authSuccessPayload(isAdmin bool) json.RawMessage {
	raw, _ := json.Marshal(map[string]bool{"isAdmin": isAdmin})
	return raw
}

func writeEnvelope(conn *websocket.Conn, env Envelope) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(env)
}

func closeWithPolicyViolation(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	conn.Close()
}

func mustMarshal(env Envelope) []byte {
	raw, _ := json.Marshal(env)
	return raw
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
