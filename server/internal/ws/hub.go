package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/obsidianstack/metricflow/pkg/events"
	"github.com/obsidianstack/metricflow/pkg/types"
)

const (
	// writeTimeout is the deadline for a single write to a client.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong response before treating the
	// connection as dead.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// sendBufSize is the per-client outgoing message buffer depth.
	sendBufSize = 16

	// busBuffer is the depth of the hub's bus subscription.
	busBuffer = 256
)

// Forwarded lists the bus events relayed to clients.
var Forwarded = []string{
	types.EventAlertTriggered,
	types.EventAlertResolved,
	types.EventAlertAcknowledged,
	types.EventAlertEscalated,
	types.EventMetricValuesBatch,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Allow all origins; apply CORS at the reverse proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Message is the JSON envelope sent to clients.
type Message struct {
	Event string    `json:"event"`
	Data  any       `json:"data"`
	At    time.Time `json:"at"`
}

// batchSummary replaces the value slice of metricValuesBatch on the wire.
type batchSummary struct {
	Count int `json:"count"`
}

// Subscriber is the part of events.Bus the hub needs.
type Subscriber interface {
	Subscribe(buffer int, names ...string) (<-chan events.Event, func())
}

// Hub relays alert and ingestion events to connected WebSocket clients.
type Hub struct {
	events   <-chan events.Event
	cancel   func()
	snapshot func() any

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// client represents one connected WebSocket client.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// New subscribes to bus and returns a Hub. snapshot, when non-nil, builds the
// "snapshot" message each client receives on connect.
func New(bus Subscriber, snapshot func() any) *Hub {
	ch, cancel := bus.Subscribe(busBuffer, Forwarded...)
	return &Hub{
		events:   ch,
		cancel:   cancel,
		snapshot: snapshot,
		clients:  make(map[*client]struct{}),
	}
}

// Run forwards bus events to every client until ctx is cancelled, then
// closes all active connections.
func (h *Hub) Run(ctx context.Context) {
	defer h.cancel()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case evt, ok := <-h.events:
			if !ok {
				h.closeAll()
				return
			}
			data, err := encode(evt)
			if err != nil {
				slog.Warn("ws: encode event", "event", evt.Name, "err", err)
				continue
			}
			h.broadcast(data)
		}
	}
}

// ServeHTTP upgrades the connection and serves the client until it
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, sendBufSize),
	}
	h.register(c)
	defer h.unregister(c)

	if h.snapshot != nil {
		data, err := json.Marshal(Message{Event: "snapshot", Data: h.snapshot(), At: time.Now()})
		if err == nil {
			select {
			case c.send <- data:
			default:
			}
		}
	}

	go c.writePump()
	c.readPump()
}

// Count returns the number of currently connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func encode(evt events.Event) ([]byte, error) {
	data := evt.Payload
	if b, ok := data.(types.MetricValuesBatch); ok {
		data = batchSummary{Count: b.Count}
	}
	return json.Marshal(Message{Event: evt.Name, Data: data, At: evt.At})
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *Hub) broadcast(data []byte) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- data:
		default:
			// Slow client: disconnect it.
			h.unregister(c)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// writePump forwards queued messages to the connection and sends periodic
// pings. One goroutine per client.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump handles control frames and detects disconnects. Blocks until the
// connection closes.
func (c *client) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
