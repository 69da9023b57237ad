package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/conneroisu/snipbox/internal/isolation"
	"github.com/conneroisu/snipbox/internal/logging"
	"github.com/conneroisu/snipbox/internal/monitoring"
	"github.com/conneroisu/snipbox/internal/preview"
	"github.com/conneroisu/snipbox/internal/refresh"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Send pings to peer with this period. A peer that misses a pong is
	// dropped.
	pingPeriod = 30 * time.Second

	// Maximum message size allowed from peer. Sources past the soft size
	// limits still fit.
	maxMessageSize = 4 << 20

	sendBuffer = 32
)

// Message types sent to live preview clients.
const (
	MessageRemount          = "remount"
	MessageResize           = "resize"
	MessageError            = "error"
	MessageComponentUpdated = "component_updated"
	MessageComponentDeleted = "component_deleted"
)

// UpdateMessage is sent to live preview clients.
type UpdateMessage struct {
	Type      string    `json:"type"`
	Handle    uint64    `json:"handle,omitempty"`
	Frame     string    `json:"frame,omitempty"`
	Width     string    `json:"width,omitempty"`
	Height    string    `json:"height,omitempty"`
	Warnings  []string  `json:"warnings,omitempty"`
	Target    string    `json:"target,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type broadcast struct {
	user string
	data []byte
}

// client is one live preview socket. Each socket is a hosting view with its
// own refresh controller.
type client struct {
	conn    *websocket.Conn
	send    chan []byte
	user    string
	session string
	ctrl    *refresh.Controller

	mu     sync.Mutex
	closed bool
	status websocket.StatusCode
	reason string
	last   refresh.Handle
	width  isolation.Dimension
	height isolation.Dimension
}

// enqueue queues data without blocking. It reports false when the client is
// gone or too slow to keep up.
func (c *client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// close stops the client's writer, which then closes the socket with
// status. It never blocks on the peer.
func (c *client) close(status websocket.StatusCode, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.status, c.reason = status, reason
		close(c.send)
	}
}

func (c *client) closeStatus() (websocket.StatusCode, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == 0 {
		return websocket.StatusNormalClosure, ""
	}
	return c.status, c.reason
}

// hub tracks live preview clients and fans out store change events.
type hub struct {
	clients    map[*client]struct{}
	mutex      sync.RWMutex
	broadcast  chan broadcast
	register   chan *client
	unregister chan *client
	logger     logging.Logger
	metrics    *monitoring.Metrics
}

func newHub(logger logging.Logger, metrics *monitoring.Metrics) *hub {
	return &hub{
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan broadcast, 16),
		register:   make(chan *client),
		unregister: make(chan *client),
		logger:     logger,
		metrics:    metrics,
	}
}

func (h *hub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case c := <-h.register:
			h.mutex.Lock()
			h.clients[c] = struct{}{}
			count := len(h.clients)
			h.mutex.Unlock()
			if h.metrics != nil {
				h.metrics.WSConnections.Inc()
			}
			h.logger.Debug(ctx, "Live preview client connected", "session", c.session, "clients", count)

		case c := <-h.unregister:
			h.drop(c, websocket.StatusNormalClosure, "")

		case msg := <-h.broadcast:
			var slow []*client
			h.mutex.RLock()
			for c := range h.clients {
				if msg.user != "" && c.user != msg.user {
					continue
				}
				if !c.enqueue(msg.data) {
					slow = append(slow, c)
				}
			}
			h.mutex.RUnlock()

			for _, c := range slow {
				h.drop(c, websocket.StatusPolicyViolation, "too slow")
			}
		}
	}
}

func (h *hub) drop(c *client, status websocket.StatusCode, reason string) {
	h.mutex.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mutex.Unlock()
	if !ok {
		return
	}
	c.close(status, reason)
	if h.metrics != nil {
		h.metrics.WSConnections.Dec()
	}
	h.logger.Debug(context.Background(), "Live preview client disconnected", "session", c.session)
}

func (h *hub) closeAll() {
	h.mutex.Lock()
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.mutex.Unlock()

	for c := range clients {
		c.close(websocket.StatusGoingAway, "server shutting down")
		if h.metrics != nil {
			h.metrics.WSConnections.Dec()
		}
	}
}

// len returns the number of registered clients.
func (h *hub) len() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// publish sends msg to every client of user, or to everyone when user is
// empty. It never blocks the caller.
func (h *hub) publish(user string, msg UpdateMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- broadcast{user: user, data: data}:
	default:
		h.logger.Debug(context.Background(), "Dropped live preview broadcast", "type", msg.Type)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	origin := r.Header.Get("Origin")
	if !s.origins.ValidateOrigin(origin) {
		http.Error(w, "Origin not allowed", http.StatusForbidden)
		return
	}

	session := r.URL.Query().Get("session")
	if session == "" || len(session) > 64 {
		session = preview.NewSessionID()
	}

	// Hijacked connections keep the server's deadlines otherwise.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originHosts(s.config.Server.AllowedOrigins),
	})
	if err != nil {
		s.logger.Warn(r.Context(), err, "WebSocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxMessageSize)

	c := &client{
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		user:    user,
		session: session,
		ctrl:    s.sessions.Controller(sessionKey(user, session)),
	}

	select {
	case s.hub.register <- c:
	case <-s.ctx.Done():
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}

	go s.writePump(c)
	go s.readPump(c)
}

// originHosts turns allowed origins into the host patterns the websocket
// handshake checks.
func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, o := range origins {
		u, err := url.Parse(o)
		if err != nil || u.Host == "" {
			continue
		}
		hosts = append(hosts, u.Host)
	}
	return hosts
}

func sessionKey(user, session string) string {
	return user + "\x00" + session
}

// readPump renders every source update the client sends and replies when
// the update produced a new mount.
func (s *Server) readPump(c *client) {
	defer func() {
		select {
		case s.hub.unregister <- c:
		case <-s.ctx.Done():
		}
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := c.conn.Read(context.Background())
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				s.logger.Debug(s.ctx, "Live preview read ended", "session", c.session, "error", err.Error())
			}
			return
		}
		if s.metrics != nil {
			s.metrics.WSMessages.WithLabelValues("in").Inc()
		}

		reply, ok := s.liveRender(c, data)
		if !ok {
			continue
		}
		if !c.enqueue(reply) {
			return
		}
	}
}

// liveRender runs one update through the pipeline. It returns a reply only
// when the client must swap its frame, resize the current one, or hear
// about an error. A resize keeps the mounted document running.
func (s *Server) liveRender(c *client, data []byte) ([]byte, bool) {
	var req preview.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return marshalMessage(UpdateMessage{Type: MessageError, Error: "malformed update", Timestamp: time.Now()})
	}

	res, err := s.pipeline.RenderContext(s.ctx, c.ctrl, req, isolation.Always())
	if err != nil {
		s.errs.Handle(s.ctx, err, "session", c.session)
		return marshalMessage(UpdateMessage{Type: MessageError, Error: publicMessage(err), Timestamp: time.Now()})
	}

	c.mu.Lock()
	advanced := res.Mount.Handle > c.last
	resized := !advanced && (res.Width != c.width || res.Height != c.height)
	if advanced {
		c.last = res.Mount.Handle
	}
	c.width, c.height = res.Width, res.Height
	c.mu.Unlock()

	if resized {
		return marshalMessage(UpdateMessage{
			Type:      MessageResize,
			Handle:    uint64(res.Mount.Handle),
			Width:     string(res.Width),
			Height:    string(res.Height),
			Timestamp: time.Now(),
		})
	}
	if !advanced {
		return nil, false
	}

	frame, err := renderString(s.ctx, res.Frame)
	if err != nil {
		return marshalMessage(UpdateMessage{Type: MessageError, Error: "render failed", Timestamp: time.Now()})
	}
	return marshalMessage(UpdateMessage{
		Type:      MessageRemount,
		Handle:    uint64(res.Mount.Handle),
		Frame:     frame,
		Width:     string(res.Width),
		Height:    string(res.Height),
		Warnings:  res.Warnings,
		Timestamp: time.Now(),
	})
}

func marshalMessage(msg UpdateMessage) ([]byte, bool) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, false
	}
	return data, true
}

// writePump pumps messages to the websocket connection
func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close(c.closeStatus())
	}()
	ctx := context.Background()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.conn.Write(writeCtx, websocket.MessageText, message)
			cancel()
			if err != nil {
				s.logger.Debug(s.ctx, "Live preview write failed", "session", c.session, "error", err.Error())
				return
			}
			if s.metrics != nil {
				s.metrics.WSMessages.WithLabelValues("out").Inc()
			}

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
