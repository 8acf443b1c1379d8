package ws

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/playtrack/backend/internal/relay"
)

// ErrTooManyConnections is returned by Register when the hub is at capacity.
var ErrTooManyConnections = errors.New("too many connections")

// Relay is the part of *relay.Relay the transport uses.
type Relay interface {
	Submit(ctx context.Context, in relay.Inbound) error
	Disconnect(ctx context.Context, conn relay.Conn) error
}

type HubConfig struct {
	// MaxConnections caps concurrent clients. Zero means unlimited.
	MaxConnections int
	// SendBuffer is the per-client outbound queue length.
	SendBuffer int
	// RateLimit is inbound frames per second per client. Zero disables it.
	RateLimit float64
	RateBurst int
}

// Hub tracks connected clients and hands their frames to the relay.
type Hub struct {
	relay Relay
	cfg   HubConfig
	log   logrus.FieldLogger

	mu      sync.RWMutex
	clients map[*client]struct{}

	rateLimited atomic.Int64
}

func NewHub(r Relay, cfg HubConfig, log logrus.FieldLogger) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{
		relay:   r,
		cfg:     cfg,
		log:     log.WithField("component", "ws"),
		clients: make(map[*client]struct{}),
	}
}

// Register adds conn as a client and starts its write pump.
func (h *Hub) Register(conn *websocket.Conn) (*client, error) {
	h.mu.Lock()
	if h.cfg.MaxConnections > 0 && len(h.clients) >= h.cfg.MaxConnections {
		h.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	c := newClient(h, conn)
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	c.log.WithField("clients", n).Info("client connected")
	go c.writePump()
	return c, nil
}

// Serve registers conn and reads from it until it closes.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn) error {
	c, err := h.Register(conn)
	if err != nil {
		return err
	}
	c.readPump(ctx)
	return nil
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	c.close()
	if ok {
		c.log.Info("client disconnected")
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		h.remove(c)
	}
}

func (h *Hub) atCapacity() bool {
	if h.cfg.MaxConnections <= 0 {
		return false
	}
	return h.ClientCount() >= h.cfg.MaxConnections
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RateLimited returns how many inbound frames were dropped by the limiter.
func (h *Hub) RateLimited() int64 {
	return h.rateLimited.Load()
}
