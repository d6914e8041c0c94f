// Package mockserver is a local stand-in for the console's realtime backend.
// Every envelope a client sends is relayed to all other clients, and
// presence is announced with agent_online envelopes as users come and go.
package mockserver

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	deskline "github.com/deskline/deskline/sdk/golang"
)

const (
	defaultWriteTimeout = 5 * time.Second
	defaultPingInterval = 25 * time.Second
	sendBuffer          = 64
	maxFrameSize        = 1 << 20
)

// Options configures a Hub.
type Options struct {
	// Token, when set, must be presented as "Authorization: Bearer <token>".
	Token        string
	WriteTimeout time.Duration
	PingInterval time.Duration
	Logger       zerolog.Logger
}

// Hub relays envelopes between connected websocket clients.
type Hub struct {
	opts     Options
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu      sync.RWMutex
	clients map[string]*client
	closed  bool
}

type client struct {
	id     string
	userID string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// New creates a Hub.
func New(opts Options) *Hub {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	return &Hub{
		opts: opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:  opts.Logger.With().Str("component", "mockserver").Logger(),
		clients: make(map[string]*client),
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and serves one client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.opts.Token != "" && bearer(r) != h.opts.Token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("upgrade failed")
		return
	}
	conn.SetReadLimit(maxFrameSize)

	c := &client{
		id:     uuid.New().String(),
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
	if !h.register(c) {
		_ = conn.Close()
		return
	}
	defer h.unregister(c)

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	firstSession := !h.hasUserLocked(c.userID)
	var online []string
	for _, other := range h.clients {
		online = append(online, other.userID)
	}
	h.clients[c.id] = c
	h.mu.Unlock()

	h.logger.Info().Str("user_id", c.userID).Str("client", c.id).Msg("client connected")

	seen := map[string]bool{c.userID: true}
	for _, userID := range online {
		if seen[userID] {
			continue
		}
		seen[userID] = true
		h.deliver(c, presenceFrame(userID, deskline.AgentStatusOnline))
	}
	if firstSession {
		h.Broadcast(presenceFrame(c.userID, deskline.AgentStatusOnline), c.id)
	}
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	delete(h.clients, c.id)
	lastSession := ok && !h.hasUserLocked(c.userID)
	h.mu.Unlock()

	c.close()
	if !ok {
		return
	}
	h.logger.Info().Str("user_id", c.userID).Str("client", c.id).Msg("client disconnected")
	if lastSession {
		h.Broadcast(presenceFrame(c.userID, deskline.AgentStatusOffline), "")
	}
}

func (h *Hub) hasUserLocked(userID string) bool {
	for _, c := range h.clients {
		if c.userID == userID {
			return true
		}
	}
	return false
}

// Broadcast queues frame for every client except the one with id except.
// Clients whose send buffer is full are disconnected.
func (h *Hub) Broadcast(frame []byte, except string) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for id, c := range h.clients {
		if id != except {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.deliver(c, frame)
	}
}

func (h *Hub) deliver(c *client, frame []byte) {
	if frame == nil {
		return
	}
	select {
	case c.send <- frame:
	case <-c.done:
	default:
		h.logger.Warn().Str("client", c.id).Msg("send buffer full, dropping client")
		c.close()
	}
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) readPump(c *client) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug().Err(err).Str("client", c.id).Msg("read failed")
			}
			return
		}

		env, err := deskline.DecodeEnvelope(data)
		if err != nil && !errors.Is(err, deskline.ErrUnknownCategory) {
			h.logger.Warn().Err(err).Str("client", c.id).Msg("ignoring malformed frame")
			continue
		}
		h.logger.Debug().Str("type", string(env.Type)).Str("user_id", c.userID).Msg("relaying envelope")
		h.Broadcast(data, c.id)
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.logger.Debug().Err(err).Str("client", c.id).Msg("write failed")
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func presenceFrame(userID, status string) []byte {
	env, err := deskline.NewEnvelope(deskline.CategoryAgentOnline, deskline.AgentOnlinePayload{
		AgentID:   userID,
		AgentName: userID,
		Status:    status,
	})
	if err != nil {
		return nil
	}
	frame, err := env.Encode()
	if err != nil {
		return nil
	}
	return frame
}

func bearer(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(auth, "Bearer ")
}

// ============================================================================
// REST
// ============================================================================

// Handler serves the realtime endpoint at /ws next to mock login and logout
// endpoints under /api/auth.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", h)
	mux.HandleFunc("/api/auth/login", h.handleLogin)
	mux.HandleFunc("/api/auth/logout", h.handleLogout)
	return mux
}

func (h *Hub) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var creds struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeJSON(w, http.StatusBadRequest, deskline.LoginResult{Message: "Invalid request body"})
		return
	}
	if creds.Email == "" || creds.Password == "" {
		writeJSON(w, http.StatusUnauthorized, deskline.LoginResult{Message: "Invalid credentials"})
		return
	}

	token := h.opts.Token
	if token == "" {
		token = "mock-token"
	}
	name, _, _ := strings.Cut(creds.Email, "@")
	writeJSON(w, http.StatusOK, deskline.LoginResult{
		Success: true,
		User: &deskline.User{
			ID:    deskline.FlexString(name),
			Email: creds.Email,
			Name:  name,
			Role:  "agent",
		},
		Token: token,
	})
}

func (h *Hub) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, deskline.LoginResult{Success: true, Message: "Logged out successfully"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
