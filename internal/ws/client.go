package ws

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/playtrack/backend/internal/relay"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	disconnectWait = 5 * time.Second
)

// client is one WebSocket connection. It implements relay.Conn.
type client struct {
	id      string
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	log     logrus.FieldLogger

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(h *Hub, conn *websocket.Conn) *client {
	id := uuid.NewString()
	c := &client{
		id:   id,
		hub:  h,
		conn: conn,
		send: make(chan []byte, h.cfg.SendBuffer),
		log:  h.log.WithField("conn", id),
		done: make(chan struct{}),
	}
	if h.cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(h.cfg.RateLimit), max(h.cfg.RateBurst, 1))
	}
	return c
}

func (c *client) ID() string { return c.id }

// Send queues msg without blocking. A client whose buffer is full is
// disconnected.
func (c *client) Send(msg relay.Outbound) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	data, err := encodeOutbound(msg)
	if err != nil {
		c.log.WithError(err).Error("encode outbound message")
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.log.WithField("type", msg.Type).Warn("client too slow, disconnecting")
		c.hub.remove(c)
		return false
	}
}

// close stops the write pump and closes the socket, which ends the read pump.
func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.hub.remove(c)
	}()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.WithError(err).Debug("write failed")
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

// readPump decodes frames and submits them to the relay until the socket
// fails or ctx ends. It always leaves the relay's rooms before returning.
func (c *client) readPump(ctx context.Context) {
	defer func() {
		c.hub.remove(c)
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), disconnectWait)
		defer cancel()
		if err := c.hub.relay.Disconnect(dctx, c); err != nil {
			c.log.WithError(err).Debug("relay disconnect")
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Debug("read failed")
			}
			return
		}
		frame, err := decodeFrame(data)
		if err != nil {
			c.log.WithError(err).Debug("dropping frame")
			continue
		}
		if !c.allow(frame.Type) {
			c.hub.rateLimited.Add(1)
			c.log.WithField("type", frame.Type).Warn("rate limit exceeded, dropping frame")
			continue
		}
		in := relay.Inbound{Type: frame.Type, Conn: c, Payload: frame.Payload}
		if err := c.hub.relay.Submit(ctx, in); err != nil {
			c.log.WithError(err).Info("relay unavailable, closing connection")
			return
		}
	}
}

// allow applies the rate limit. Only progress frames are limited; lifecycle
// and subscription frames always pass so sessions can still close.
func (c *client) allow(typ string) bool {
	if c.limiter == nil || typ != relay.MsgGameProgress {
		return true
	}
	return c.limiter.Allow()
}
