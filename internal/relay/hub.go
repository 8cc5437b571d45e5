package relay

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"gardend/internal/eventbus"
	"gardend/internal/httpauth"
	logx "gardend/pkg/logx"
)

// HubConfig controls the downstream client side.
type HubConfig struct {
	Token        string
	QueueSize    int           // per-client send queue; default 64
	WriteTimeout time.Duration // default 10s
	PingInterval time.Duration // default 30s
	PongTimeout  time.Duration // read deadline slack past PingInterval; default 10s
	CheckOrigin  func(r *http.Request) bool
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	closed chan struct{}
	once   sync.Once
}

// Hub fans raw upstream frames out to connected clients. A client whose
// queue is full or whose socket failed is dropped.
type Hub struct {
	cfg      HubConfig
	log      logx.Logger
	bus      eventbus.Bus
	upgrader websocket.Upgrader
	token    atomic.Pointer[string]

	mu      sync.Mutex
	clients map[*client]struct{}
}

func NewHub(cfg HubConfig, log logx.Logger, bus eventbus.Bus) *Hub {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 10 * time.Second
	}
	up := websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096}
	if cfg.CheckOrigin != nil {
		up.CheckOrigin = cfg.CheckOrigin
	} else {
		up.CheckOrigin = func(*http.Request) bool { return true }
	}
	h := &Hub{
		cfg:      cfg,
		log:      log.With(logx.String("comp", "relay.hub")),
		bus:      bus,
		upgrader: up,
		clients:  map[*client]struct{}{},
	}
	h.SetToken(cfg.Token)
	return h
}

// SetToken replaces the token required for new subscriptions. Connected
// clients stay connected.
func (h *Hub) SetToken(token string) { h.token.Store(&token) }

// ServeHTTP authenticates the request and upgrades it. Unauthenticated
// requests get 401 and no handshake.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !httpauth.Allowed(r, *h.token.Load()) {
		h.log.Warn("client rejected", logx.String("remote", r.RemoteAddr))
		httpauth.Unauthorized(w)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("upgrade failed", logx.String("remote", r.RemoteAddr), logx.Err(err))
		return
	}
	c := &client{
		conn:   conn,
		send:   make(chan []byte, h.cfg.QueueSize),
		closed: make(chan struct{}),
	}
	n := h.add(c)
	h.log.Info("client connected", logx.String("remote", r.RemoteAddr), logx.Int("clients", n))

	go h.writeLoop(c)
	h.readLoop(c)
}

// Broadcast queues msg for every connected client and returns how many
// accepted it.
func (h *Hub) Broadcast(msg []byte) int {
	h.mu.Lock()
	snapshot := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		snapshot = append(snapshot, c)
	}
	h.mu.Unlock()

	n := 0
	for _, c := range snapshot {
		select {
		case <-c.closed:
			continue
		default:
		}
		select {
		case c.send <- msg:
			n++
		default:
			h.drop(c, "send queue full")
		}
	}
	return n
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	all := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.mu.Unlock()
	for _, c := range all {
		h.drop(c, "shutdown")
	}
}

func (h *Hub) add(c *client) int {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.bus.Publish(eventbus.Event{Type: eventbus.TypeRelayClients, Data: eventbus.RelayClients{Count: n}})
	return n
}

func (h *Hub) drop(c *client, reason string) {
	c.once.Do(func() {
		h.mu.Lock()
		delete(h.clients, c)
		n := len(h.clients)
		h.mu.Unlock()

		close(c.closed)
		_ = c.conn.Close()
		h.log.Debug("client dropped", logx.String("reason", reason), logx.Int("clients", n))
		h.bus.Publish(eventbus.Event{Type: eventbus.TypeRelayClients, Data: eventbus.RelayClients{Count: n}})
	})
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.drop(c, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				h.drop(c, "ping failed")
				return
			}
		}
	}
}

// readLoop discards client frames; it exists to process control frames and
// notice when the client goes away. A client that answers no ping within
// PingInterval+PongTimeout is dropped.
func (h *Hub) readLoop(c *client) {
	c.conn.SetReadLimit(4096)
	deadline := h.cfg.PingInterval + h.cfg.PongTimeout
	extend := func() { _ = c.conn.SetReadDeadline(time.Now().Add(deadline)) }
	extend()
	c.conn.SetPongHandler(func(string) error { extend(); return nil })
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.drop(c, "client closed")
			return
		}
		extend()
	}
}
