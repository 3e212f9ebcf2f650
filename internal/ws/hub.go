package ws

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Hub manages WebSocket connections for real-time trend streaming
type Hub struct {
	logger  *log.Logger
	clients map[*websocket.Conn]bool
	mu      sync.RWMutex
}

// NewHub creates a new trend hub
func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		logger:  logger,
		clients: make(map[*websocket.Conn]bool),
	}
}

// Register adds a connection
func (h *Hub) Register(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = true
	h.logger.Printf("[WS] Client registered (total: %d)", len(h.clients))
}

// Unregister removes a connection
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		h.logger.Printf("[WS] Client unregistered (total: %d)", len(h.clients))
	}
}

// HasClients returns true if any client is connected
func (h *Hub) HasClients() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients) > 0
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a raw message to all clients, dropping connections
// whose write fails.
func (h *Hub) Broadcast(message []byte) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
			h.logger.Printf("[WS] Error sending to client: %v", err)
			h.Unregister(conn)
			conn.Close()
		}
	}
}

// BroadcastTrend sends a trend sample to all clients
func (h *Hub) BroadcastTrend(msg *TrendMessage) {
	if !h.HasClients() {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Printf("[WS] Error marshaling trend message: %v", err)
		return
	}
	h.Broadcast(data)
}

// BroadcastNGEvent sends a transition event to all clients
func (h *Hub) BroadcastNGEvent(msg *NGEventMessage) {
	if !h.HasClients() {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Printf("[WS] Error marshaling ng event: %v", err)
		return
	}
	h.Broadcast(data)
}

// Close disconnects all clients
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}
