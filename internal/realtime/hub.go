// Package realtime pushes session events to connected UI clients over
// WebSocket. The hub fans every frame out to all clients; there is no
// per-client routing because every observer sees the same session.
package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/moltbot/moltbot/internal/logging"
)

// Frame is one event pushed to clients.
type Frame struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub manages the set of connected clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client

	register   chan *Client
	unregister chan *Client
}

// NewHub creates a hub. Run must be started for registration to work.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client, 1),
		unregister: make(chan *Client, 1),
	}
}

// Run processes client registration until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.ID] = c
			h.mu.Unlock()
			logging.Infof("client %s connected", c.ID)
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.ID]; ok {
				delete(h.clients, c.ID)
				c.Close()
			}
			h.mu.Unlock()
			logging.Infof("client %s disconnected", c.ID)
		}
	}
}

// Broadcast sends a frame to every connected client. Slow clients are
// dropped rather than allowed to stall the rest.
func (h *Hub) Broadcast(frameType string, data any) {
	frame := Frame{Type: frameType, Data: data, Timestamp: time.Now()}
	payload, err := json.Marshal(frame)
	if err != nil {
		logging.Errorf("marshal frame %s: %v", frameType, err)
		return
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if err := c.send(payload); err != nil {
			logging.Warnf("dropping client %s: %v", c.ID, err)
			select {
			case h.unregister <- c:
			default:
				c.Close()
			}
		}
	}
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.Close()
		delete(h.clients, id)
	}
}
