package events

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/atomgraph/internal/metrics"
)

const (
	clientBuffer = 64
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
)

// Hub fans events out to websocket observers. A client that falls behind is
// disconnected rather than slowing publishers down.
type Hub struct {
	logger   *slog.Logger
	metrics  *metrics.Collector
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*hubClient]struct{}
}

type hubClient struct {
	conn   *websocket.Conn
	send   chan Event
	topics map[string]bool // empty means all
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger, collector *metrics.Collector) *Hub {
	return &Hub{
		logger:  logger.With("component", "events.hub"),
		metrics: collector,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // observers are local tooling
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[*hubClient]struct{}),
	}
}

// Publish implements Broadcaster.
func (h *Hub) Publish(_ context.Context, topic string, payload any) {
	ev, err := NewEvent(topic, payload)
	if err != nil {
		h.logger.Warn("dropping unencodable event", "topic", topic, "error", err)
		return
	}
	h.Deliver(ev)
}

// Deliver sends an already encoded event to every subscribed client.
func (h *Hub) Deliver(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if len(c.topics) > 0 && !c.topics[ev.Topic] {
			continue
		}
		select {
		case c.send <- ev:
		default:
			h.metrics.Inc(metrics.CounterEventsDropped)
			h.logger.Warn("slow websocket client, disconnecting")
			h.removeLocked(c)
		}
	}
}

// Clients returns the number of connected observers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams events until the client leaves.
// Repeated ?topic= parameters restrict the stream.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	c := &hubClient{conn: conn, send: make(chan Event, clientBuffer), topics: map[string]bool{}}
	for _, t := range r.URL.Query()["topic"] {
		c.topics[t] = true
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "remote", r.RemoteAddr)

	go h.readPump(c)
	h.writePump(c)
}

// Close disconnects all clients.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.removeLocked(c)
	}
}

func (h *Hub) remove(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *hubClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

// readPump discards inbound messages and detects disconnects.
func (h *Hub) readPump(c *hubClient) {
	defer func() {
		h.remove(c)
		_ = c.conn.Close()
	}()
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *hubClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case ev, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}
