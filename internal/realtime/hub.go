// Package realtime streams session events to operators over WebSocket.
//
// Clients connect to /v1/ws and may send a Subscription as JSON at any time
// to narrow the stream to specific sessions, chains, or event types. A new
// client first receives the recent events that match its initial filter, so
// an operator opening a session view sees how it got there.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/stakehold/internal/events"
	"github.com/mbd888/stakehold/internal/metrics"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 30 * time.Second
	maxFrameSize = 64 << 10
	sendBuffer   = 64

	// HistorySize is how many recent events are kept for replay.
	HistorySize = 128
)

var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// Subscription filters the events a client receives. Empty filters match
// everything.
type Subscription struct {
	Types      []events.Type `json:"types"`
	SessionIDs []string      `json:"sessionIds"`
	Chains     []string      `json:"chains"`
}

// Matches reports whether ev passes every non-empty filter.
func (s Subscription) Matches(ev *events.SessionEvent) bool {
	if len(s.Types) > 0 && !contains(s.Types, ev.Type) {
		return false
	}
	if len(s.SessionIDs) > 0 && !contains(s.SessionIDs, ev.SessionID) {
		return false
	}
	if len(s.Chains) > 0 {
		matched := false
		for _, c := range s.Chains {
			if strings.EqualFold(c, ev.Chain) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// Client is one WebSocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

func (c *Client) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 1000

// Hub manages all WebSocket connections.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *events.SessionEvent
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits
	maxClients int

	histMu  sync.Mutex
	history []*events.SessionEvent // ring, oldest first once full
	histPos int

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// Stats is a snapshot of hub activity.
type Stats struct {
	ConnectedClients int   `json:"connectedClients"`
	TotalEvents      int64 `json:"totalEvents"`
	TotalClients     int64 `json:"totalClients"`
	PeakClients      int64 `json:"peakClients"`
	Buffered         int   `json:"bufferedEvents"`
}

var _ events.Sink = (*Hub)(nil)

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *events.SessionEvent, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run is the hub's main loop. It returns when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.totalClients.Add(1)
			if int64(n) > h.peakClients.Load() {
				h.peakClients.Store(int64(n))
			}
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client disconnected", "total", n)

		case ev := <-h.broadcast:
			h.remember(ev)
			h.deliver(ev)
		}
	}
}

func (h *Hub) deliver(ev *events.SessionEvent) {
	h.totalEvents.Add(1)
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("failed to encode event", "type", ev.Type, "error", err)
		return
	}

	var slow []*Client
	h.mu.RLock()
	for client := range h.clients {
		if !client.subscription().Matches(ev) {
			continue
		}
		select {
		case client.send <- data:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, client := range slow {
		if _, ok := h.clients[client]; ok {
			close(client.send)
			delete(h.clients, client)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) remember(ev *events.SessionEvent) {
	h.histMu.Lock()
	defer h.histMu.Unlock()
	if len(h.history) < HistorySize {
		h.history = append(h.history, ev)
		return
	}
	h.history[h.histPos] = ev
	h.histPos = (h.histPos + 1) % HistorySize
}

// Recent returns the buffered events that match sub, oldest first.
func (h *Hub) Recent(sub Subscription) []*events.SessionEvent {
	h.histMu.Lock()
	defer h.histMu.Unlock()
	out := make([]*events.SessionEvent, 0, len(h.history))
	for i := range h.history {
		ev := h.history[(h.histPos+i)%len(h.history)]
		if sub.Matches(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// Publish queues ev for delivery. A full queue drops the event rather than
// stall the publisher.
func (h *Hub) Publish(ctx context.Context, ev events.SessionEvent) error {
	select {
	case h.broadcast <- &ev:
	default:
		h.logger.Warn("broadcast channel full, dropping event", "type", ev.Type, "session", ev.SessionID)
	}
	return nil
}

// Stats returns a snapshot of hub activity.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	connected := len(h.clients)
	h.mu.RUnlock()
	h.histMu.Lock()
	buffered := len(h.history)
	h.histMu.Unlock()

	return Stats{
		ConnectedClients: connected,
		TotalEvents:      h.totalEvents.Load(),
		TotalClients:     h.totalClients.Load(),
		PeakClients:      h.peakClients.Load(),
		Buffered:         buffered,
	}
}

// HandleWebSocket upgrades HTTP to WebSocket
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer+HistorySize),
	}
	if q := r.URL.Query().Get("session"); q != "" {
		client.sub.SessionIDs = strings.Split(q, ",")
	}
	if q := r.URL.Query().Get("chain"); q != "" {
		client.sub.Chains = strings.Split(q, ",")
	}
	for _, ev := range h.Recent(client.sub) {
		if data, err := json.Marshal(ev); err == nil {
			client.send <- data
		}
	}

	h.register <- client
	go client.writePump()
	go client.readPump()
}

// readPump applies subscription updates sent by the client.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
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
