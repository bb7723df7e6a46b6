// Package events streams session lifecycle changes to websocket clients.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"livecall/internal/calls"
	"livecall/internal/models"
	"livecall/internal/observability/logging"
	"livecall/internal/observability/metrics"
)

// Type classifies a streamed event.
type Type string

const (
	TypeStartedJoining Type = "started_joining"
	TypeCallChanged    Type = "call_changed"
	TypeHealth         Type = "health"
	TypePong           Type = "pong"
	TypeError          Type = "error"
)

// Event is one message sent to subscribers. Call is nil on a call_changed
// event when the session was cleared.
type Event struct {
	Type       Type                `json:"type"`
	PeerID     models.PeerID       `json:"peerId,omitempty"`
	Call       *calls.Snapshot     `json:"call,omitempty"`
	Health     *calls.HealthReport `json:"health,omitempty"`
	Error      string              `json:"error,omitempty"`
	OccurredAt time.Time           `json:"occurredAt"`
}

// HubConfig configures a Hub.
type HubConfig struct {
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	// HeartbeatInterval controls how often ping frames are sent to clients.
	// A zero value disables heartbeats.
	HeartbeatInterval time.Duration
	// WriteTimeout bounds every frame written to a client (default 5s).
	WriteTimeout time.Duration
	// Buffer is the per-client outbound queue. Events are dropped for a
	// client whose queue is full (default 16).
	Buffer int
}

// Hub fans session events out to every connected websocket client.
type Hub struct {
	logger    *slog.Logger
	metrics   *metrics.Recorder
	heartbeat time.Duration
	timeout   time.Duration
	buffer    int
	upgrader  websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	current func() *calls.Record
}

func NewHub(cfg HubConfig) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{
		logger:    logging.WithComponent(logger, "events"),
		metrics:   cfg.Metrics,
		heartbeat: cfg.HeartbeatInterval,
		timeout:   timeout,
		buffer:    buffer,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 5 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  4096,
		},
		clients: make(map[*client]struct{}),
	}
}

// Attach subscribes the hub to the controller's session events and, when
// monitor is non-nil, to its health reports. The returned func detaches.
func (h *Hub) Attach(controller *calls.Controller, monitor *calls.Monitor) func() {
	h.mu.Lock()
	h.current = controller.CurrentCall
	h.mu.Unlock()

	unsubscribe := []func(){
		controller.OnStartedJoining(func(peer models.PeerID) {
			h.Broadcast(Event{Type: TypeStartedJoining, PeerID: peer})
		}),
		controller.OnCurrentCallChanged(func(record *calls.Record) {
			h.Broadcast(callChanged(record))
		}),
	}
	if monitor != nil {
		unsubscribe = append(unsubscribe, monitor.OnHealth(func(report calls.HealthReport) {
			h.Broadcast(Event{Type: TypeHealth, Health: &report})
		}))
	}
	return func() {
		for _, fn := range unsubscribe {
			fn()
		}
		h.mu.Lock()
		h.current = nil
		h.mu.Unlock()
	}
}

func callChanged(record *calls.Record) Event {
	event := Event{Type: TypeCallChanged}
	if record != nil {
		snapshot := record.Snapshot()
		event.Call = &snapshot
		event.PeerID = snapshot.PeerID
	}
	return event
}

// Broadcast queues event for every client without blocking.
func (h *Hub) Broadcast(event Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to marshal session event", "type", event.Type, "error", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.enqueue(payload)
	}
	h.metrics.ObserveFeedEvent("events", string(event.Type))
}

// Clients reports how many websocket clients are connected.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleConnection upgrades the request and streams events until the client
// goes away. The current session is sent first.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, h.buffer),
		cancel: cancel,
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	current := h.current
	h.mu.Unlock()

	if current != nil {
		initial := callChanged(current())
		initial.OccurredAt = time.Now().UTC()
		if payload, err := json.Marshal(initial); err == nil {
			c.enqueue(payload)
		}
	}

	go c.writeLoop()
	if h.heartbeat > 0 {
		go c.heartbeatLoop(ctx, h.heartbeat)
	}
	go c.readLoop()
}

// Close disconnects every client. Hijacked connections are not closed by
// http.Server.Shutdown.
func (h *Hub) Close(context.Context) error {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.close()
	}
	return nil
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

type inboundMessage struct {
	Type string `json:"type"`
}

func (c *client) enqueue(payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

func (c *client) writeLoop() {
	defer c.conn.Close()
	defer c.close()
	for payload := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.timeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
		time.Now().Add(c.hub.timeout))
}

func (c *client) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.hub.timeout)); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *client) readLoop() {
	defer c.close()
	c.conn.SetReadLimit(4096)
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg inboundMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.reply(Event{Type: TypeError, Error: "invalid payload"})
			continue
		}
		switch msg.Type {
		case "ping":
			c.reply(Event{Type: TypePong})
		default:
			c.reply(Event{Type: TypeError, Error: "unknown command"})
		}
	}
}

func (c *client) reply(event Event) {
	event.OccurredAt = time.Now().UTC()
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	c.enqueue(payload)
}

// close stops the client. The write loop drains and then closes the socket.
func (c *client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	c.cancel()
	c.hub.remove(c)
	// Unblocks a pending read; the write loop has its own deadline.
	_ = c.conn.SetReadDeadline(time.Now())
}
