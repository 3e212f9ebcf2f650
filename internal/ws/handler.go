package ws

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"areawatch/internal/pipeline"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 16 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The monitor UI is served from the same host; allow all
		// origins so kiosk setups behind proxies still connect.
		return true
	},
}

// Handler handles WebSocket upgrade requests for the trend feed
type Handler struct {
	logger *log.Logger
	hub    *Hub
}

// NewHandler creates a new WebSocket handler
func NewHandler(logger *log.Logger, hub *Hub) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{logger: logger, hub: hub}
}

// ServeHTTP upgrades the connection and registers it with the hub
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("[WS] Upgrade error: %v", err)
		return
	}

	h.logger.Printf("[WS] New connection from %s", r.RemoteAddr)
	h.hub.Register(conn)
	go h.readPump(conn)
}

// readPump reads messages from the WebSocket connection. Clients never
// send payloads; this loop exists to detect disconnection and answer
// pings.
func (h *Handler) readPump(conn *websocket.Conn) {
	done := make(chan struct{})
	defer func() {
		close(done)
		h.hub.Unregister(conn)
		conn.Close()
	}()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	// The pinger must not outlive the pump: it exits when done closes,
	// not just when a write fails.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Printf("[WS] Read error: %v", err)
			}
			break
		}
	}
}

// Feed pumps trend updates from the bus into the hub until the context
// is cancelled or the subscription channel closes.
func Feed(ctx context.Context, bus *pipeline.EventBus, hub *Hub, threshold func() float64) {
	ch, unsub := bus.SubscribeTrend(64)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-ch:
			if !ok {
				return
			}
			hub.BroadcastTrend(NewTrendMessage(update))
			if update.Transition != pipeline.TransitionNone {
				hub.BroadcastNGEvent(NewNGEventMessage(update, threshold()))
			}
		}
	}
}
