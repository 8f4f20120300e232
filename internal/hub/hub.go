// Package hub broadcasts agent events to subscribed UI connections.
// The outbound side is single-writer; each client owns a buffered send
// queue and a slow client loses events rather than stalling the rest.
package hub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentgrid/agentgrid/internal/metrics"
	"github.com/agentgrid/agentgrid/pkg/models"
)

const (
	clientSendBuffer = 256
	writeWait        = 10 * time.Second
	pongWait         = 45 * time.Second
	pingInterval     = 15 * time.Second
	maxInboundBytes  = 1 << 20
)

// Inbound is a client-to-server frame.
type Inbound struct {
	Type          string `json:"type"`
	Content       string `json:"content,omitempty"`
	TargetAgentID string `json:"target_agent_id,omitempty"`
}

// Handler consumes inbound client frames.
type Handler interface {
	// HandleUserMessage delivers content to the target agent (or the
	// first agent when the target is empty). A non-empty return is an
	// error message surfaced to the client.
	HandleUserMessage(content, targetAgentID string) string

	// HandleInterrupt sets the target worker's interrupt flag, or every
	// worker's when the target is empty.
	HandleInterrupt(targetAgentID string)
}

// Hub owns the client set and the broadcast fan-out.
type Hub struct {
	logger   *slog.Logger
	handler  Handler
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// New creates a hub; SetHandler wires the controller before serving.
func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:  logger.With("component", "hub"),
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// SetHandler wires the inbound frame consumer.
func (h *Hub) SetHandler(handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = handler
}

// Publish broadcasts one event to every subscribed client. Clients
// whose queues are full drop the event.
func (h *Hub) Publish(event models.AgentEvent) {
	payload, err := json.Marshal(wireEvent(event))
	if err != nil {
		h.logger.Error("encode event", "error", err)
		return
	}
	metrics.EventsBroadcast.Inc()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			metrics.EventsDropped.Inc()
		}
	}
}

// ClientCount returns the number of subscribed connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the connection and runs the client loops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, clientSendBuffer),
	}
	h.register(c)
	go c.writeLoop()
	c.readLoop()
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// wireEvent flattens the envelope into the wire shape: payload fields
// inline beside agent_id and event_type.
func wireEvent(event models.AgentEvent) map[string]any {
	out := make(map[string]any, len(event.Payload)+2)
	for k, v := range event.Payload {
		out[k] = v
	}
	out["event_type"] = string(event.Type)
	if event.AgentID != "" {
		out["agent_id"] = event.AgentID
	}
	return out
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

func (c *client) readLoop() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxInboundBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame Inbound
		if err := json.Unmarshal(data, &frame); err != nil {
			c.hub.logger.Debug("invalid inbound frame", "error", err)
			continue
		}

		c.hub.mu.RLock()
		handler := c.hub.handler
		c.hub.mu.RUnlock()
		if handler == nil {
			continue
		}

		switch frame.Type {
		case "message":
			if errMsg := handler.HandleUserMessage(frame.Content, frame.TargetAgentID); errMsg != "" {
				c.hub.Publish(models.AgentEvent{
					Type:    models.EventError,
					Payload: map[string]any{"message": errMsg},
				})
			}
		case "interrupt":
			handler.HandleInterrupt(frame.TargetAgentID)
		}
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
