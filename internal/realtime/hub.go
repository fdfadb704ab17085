package realtime

import (
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	"github.com/watzon/tether/internal/jsoncodec"
	"github.com/watzon/tether/internal/metrics"
	"github.com/watzon/tether/internal/server/handlers"
)

// ConnectFunc prepares a new client. It must call register once the client
// should start receiving broadcasts; everything sent before that call is
// delivered first.
type ConnectFunc func(c *Client, register func()) error

// MessageFunc handles a message read from a client.
type MessageFunc func(c *Client, msg Message)

// HubConfig configures a Hub.
type HubConfig struct {
	// Kind labels the hub in logs and metrics.
	Kind string

	// AllowedOrigins are host[:port] patterns in path.Match syntax. When
	// empty only same-origin and loopback pages may connect. Requests
	// without an Origin header are accepted.
	AllowedOrigins []string

	OnConnect ConnectFunc
	OnMessage MessageFunc
}

// Hub tracks the clients of one websocket endpoint.
type Hub struct {
	kind string
	cfg  HubConfig

	mu      sync.RWMutex
	clients map[string]*Client
	stopped bool
}

// NewHub creates a hub.
func NewHub(cfg HubConfig) *Hub {
	return &Hub{
		kind:    cfg.Kind,
		cfg:     cfg,
		clients: make(map[string]*Client),
	}
}

// ServeHTTP upgrades the request and runs the client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if origin := r.Header.Get("Origin"); !h.originAllowed(origin, r.Host) {
		log.Warn().Str("origin", origin).Str("hub", h.kind).Msg("Rejecting connection from unauthorized origin")
		handlers.Forbidden(w, ErrOriginForbidden.Error())
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Origins were checked above.
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Error().Err(err).Str("hub", h.kind).Msg("Failed to accept WebSocket connection")
		return
	}

	client := newClient(conn, h)
	register := func() { h.register(client) }

	if h.cfg.OnConnect != nil {
		if err := h.cfg.OnConnect(client, register); err != nil {
			log.Error().Err(err).Str("client_id", client.ID).Msg("Failed to initialize client")
			client.closeWith(websocket.StatusInternalError, "initialization failed")
			return
		}
	} else {
		register()
	}

	metrics.ObserverConnected(h.kind)
	defer metrics.ObserverDisconnected(h.kind)
	defer h.unregister(client.ID)

	client.run()
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		c.closeWith(websocket.StatusGoingAway, "server shutting down")
		return
	}
	h.clients[c.ID] = c
	log.Debug().Str("client_id", c.ID).Str("hub", h.kind).Int("total_clients", len(h.clients)).Msg("Client connected")
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[id]; !ok {
		return
	}
	delete(h.clients, id)
	log.Debug().Str("client_id", id).Str("hub", h.kind).Int("total_clients", len(h.clients)).Msg("Client disconnected")
}

func (h *Hub) receive(c *Client, msg Message) {
	if h.cfg.OnMessage != nil {
		h.cfg.OnMessage(c, msg)
	}
}

// Broadcast sends msg to every registered client.
func (h *Hub) Broadcast(msg Message) {
	data, err := jsoncodec.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("type", msg.Type).Msg("Failed to encode broadcast")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		_ = c.sendRaw(data)
	}
}

// Count returns the number of registered clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop disconnects every client. Later connections are closed on arrival.
func (h *Hub) Stop() {
	h.mu.Lock()
	h.stopped = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, c := range clients {
		c.closeWith(websocket.StatusGoingAway, "server shutting down")
	}
}

func (h *Hub) originAllowed(origin, requestHost string) bool {
	if origin == "" {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Host)

	if len(h.cfg.AllowedOrigins) == 0 {
		return host == strings.ToLower(requestHost) || isLoopback(u.Hostname())
	}

	for _, pattern := range h.cfg.AllowedOrigins {
		if ok, err := path.Match(strings.ToLower(pattern), host); err == nil && ok {
			return true
		}
	}
	return false
}

func isLoopback(hostname string) bool {
	if strings.EqualFold(hostname, "localhost") {
		return true
	}
	ip := net.ParseIP(hostname)
	return ip != nil && ip.IsLoopback()
}
