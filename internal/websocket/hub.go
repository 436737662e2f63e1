package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/dukerupert/rollcall/internal/attendance"
)

// Message is a live-feed notification for one attendance session.
type Message struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Count     int    `json:"count,omitempty"`
}

// Hub tracks connected clients by the session they watch.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[*Client]struct{}
	logger   *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		sessions: make(map[string]map[*Client]struct{}),
		logger:   logger,
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	clients, ok := h.sessions[c.sessionID]
	if !ok {
		clients = make(map[*Client]struct{})
		h.sessions[c.sessionID] = clients
	}
	clients[c] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if clients, ok := h.sessions[c.sessionID]; ok {
		if _, ok := clients[c]; ok {
			delete(clients, c)
			close(c.send)
		}
		if len(clients) == 0 {
			delete(h.sessions, c.sessionID)
		}
	}
	h.mu.Unlock()
}

// Broadcast sends msg to every client watching msg.SessionID.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal broadcast", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.sessions[msg.SessionID] {
		select {
		case c.send <- data:
		default:
			// Slow client; drop rather than block the publisher.
			h.logger.Debug("dropped live message", "session_id", msg.SessionID)
		}
	}
}

// Publish adapts session events to live-feed messages.
func (h *Hub) Publish(ev attendance.Event) {
	h.Broadcast(Message{Type: ev.Type, SessionID: ev.SessionID, Count: ev.Count})
}

// ClientCount returns the number of clients watching sessionID.
func (h *Hub) ClientCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}
