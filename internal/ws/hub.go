package ws

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

// sendBuffer is the per-client message queue. A browser that cannot
// keep up loses messages rather than stalling the broadcast.
const sendBuffer = 64

// client is one connected browser.
type client struct {
	conn *websocket.Conn
	user string
	send chan Message
}

// Hub fans status messages out to connected browsers.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	logger  *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		logger:  logger,
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("browser connected", zap.String("user", c.user), zap.Int("clients", n))
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	h.logger.Debug("browser disconnected", zap.String("user", c.user))
}

// Broadcast queues a message on every client without blocking.
func (h *Hub) Broadcast(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("browser send buffer full, dropping message",
				zap.String("user", c.user))
		}
	}
}

// ClientCount returns the number of connected browsers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// writePump drains the client's queue onto the socket until the queue
// closes or a write fails.
func (c *client) writePump(ctx context.Context, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, c.conn, msg)
			cancel()
			if err != nil {
				logger.Debug("websocket write error", zap.Error(err))
				return
			}
		}
	}
}

// readPump drains the socket to notice the browser leaving. Clients do
// not send anything we act on.
func (c *client) readPump(ctx context.Context) {
	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			return
		}
	}
}
