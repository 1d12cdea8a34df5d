// Package realtime pushes execution events to live observers: a
// websocket hub for directly connected clients and a Redis channel for
// cross-process fan-out.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fluxion-engine/fluxion/types"
)

// writeTimeout bounds one event write to one client. A stalled client
// is dropped, never waited on.
const writeTimeout = 5 * time.Second

// Hub broadcasts tracker events to connected websocket clients. It is
// an http.Handler for the upgrade endpoint and an engine publisher.
type Hub struct {
	logger *zap.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

// client wraps one connection. Websocket writes are not concurrency
// safe, so each client serializes them through its own mutex.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:  logger.With(zap.String("component", "ws_hub")),
		clients: make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request and keeps the connection registered
// until the peer goes away. Inbound messages are discarded; the hub is
// push-only.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "hub shut down")
		return
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("client connected", zap.Int("clients", n))

	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			break
		}
	}
	h.remove(c)
	conn.Close(websocket.StatusNormalClosure, "")
}

// Publish sends one event to every connected client. Slow or broken
// clients are dropped; their failure never reaches the run.
func (h *Hub) Publish(ctx context.Context, ev types.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return types.NewError(types.ErrKindRuntime, "event is not serializable").WithCause(err)
	}

	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	var g errgroup.Group
	for _, c := range targets {
		c := c
		g.Go(func() error {
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			defer cancel()

			c.mu.Lock()
			err := c.conn.Write(wctx, websocket.MessageText, payload)
			c.mu.Unlock()
			if err != nil {
				h.logger.Debug("dropping client after failed write", zap.Error(err))
				h.remove(c)
				c.conn.Close(websocket.StatusPolicyViolation, "write failed")
			}
			return nil
		})
	}
	return g.Wait()
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and rejects future connections.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for _, c := range targets {
		c.conn.Close(websocket.StatusGoingAway, "hub shut down")
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}
