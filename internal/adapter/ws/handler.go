// Package ws implements the WebSocket adapter that pushes session events to viewers.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// writeTimeout bounds one write to one viewer; a slower viewer is dropped.
const writeTimeout = 5 * time.Second

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// conn wraps a single WebSocket connection.
type conn struct {
	ws     *websocket.Conn
	cancel context.CancelFunc
}

// Hub manages all active WebSocket connections and broadcasts messages.
type Hub struct {
	mu        sync.RWMutex
	conns     map[*conn]struct{}
	onViewers func(count int)
}

// NewHub creates a new WebSocket hub.
func NewHub() *Hub {
	return &Hub{
		conns: make(map[*conn]struct{}),
	}
}

// OnViewersChanged registers fn to be called with the new connection count
// whenever a viewer connects or disconnects. fn runs outside the hub lock.
func (h *Hub) OnViewersChanged(fn func(count int)) {
	h.mu.Lock()
	h.onViewers = fn
	h.mu.Unlock()
}

// HandleWS upgrades the request to a WebSocket and registers the connection.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{ws: ws, cancel: cancel}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	count := len(h.conns)
	notify := h.onViewers
	h.mu.Unlock()

	slog.Info("websocket connected", "remote", r.RemoteAddr, "viewers", count)
	if notify != nil {
		notify(count)
	}

	// Read loop (to detect disconnects and consume pings)
	go func() {
		defer func() {
			h.remove(c)
			_ = ws.Close(websocket.StatusNormalClosure, "")
		}()
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				return
			}
		}
	}()
}

// Broadcast sends a message to all connected clients.
func (h *Hub) Broadcast(ctx context.Context, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("websocket marshal failed", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.conns {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := c.ws.Write(wctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			slog.Debug("websocket write failed", "error", err)
			go h.remove(c)
		}
	}
}

// connectionCount returns the number of active viewers.
func (h *Hub) connectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close disconnects every viewer.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if c.ws != nil {
			_ = c.ws.Close(websocket.StatusGoingAway, "server shutdown")
		}
		h.remove(c)
	}
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	if _, ok := h.conns[c]; !ok {
		h.mu.Unlock()
		return
	}
	c.cancel()
	delete(h.conns, c)
	count := len(h.conns)
	notify := h.onViewers
	h.mu.Unlock()

	slog.Info("websocket disconnected", "viewers", count)
	if notify != nil {
		notify(count)
	}
}
