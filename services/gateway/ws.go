package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"l1gw/pkg/bus"
	"l1gw/services/pipeline"
)

const (
	writeWait       = 10 * time.Second
	durableEvents   = "dashboard-processing"
	durableFinished = "dashboard-finished"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Dashboards are served from a different origin in development.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans artifact lifecycle events out to connected dashboard sockets.
type Hub struct {
	logger zerolog.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
	eventCh chan []byte
}

// NewHub builds a Hub; Start must be called before it delivers anything.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[*websocket.Conn]bool),
		eventCh: make(chan []byte, 64),
	}
}

// Start subscribes to the lifecycle subjects and begins broadcasting until
// ctx is cancelled. A nil bus leaves the hub idle; sockets still connect but
// receive nothing.
func (h *Hub) Start(ctx context.Context, b *bus.Bus) error {
	go h.broadcastLoop(ctx)
	if b == nil {
		return nil
	}

	if _, err := b.Subscribe(ctx, pipeline.SubjectProcessing, durableEvents, h.forward(pipeline.SubjectProcessing)); err != nil {
		return err
	}
	if _, err := b.Subscribe(ctx, pipeline.SubjectFinished, durableFinished, h.forward(pipeline.SubjectFinished)); err != nil {
		return err
	}
	return nil
}

// Broadcast queues an event for delivery to all connected clients. Events
// are dropped when the queue is full rather than blocking the publisher.
func (h *Hub) Broadcast(subject string, event json.RawMessage) {
	data, err := json.Marshal(map[string]any{"subject": subject, "event": event})
	if err != nil {
		return
	}
	select {
	case h.eventCh <- data:
	default:
		h.logger.Warn().Str("subject", subject).Msg("event queue full; dropping dashboard event")
	}
}

func (h *Hub) forward(subject string) func(context.Context, []byte) error {
	return func(_ context.Context, data []byte) error {
		h.Broadcast(subject, json.RawMessage(data))
		return nil
	}
}

func (h *Hub) broadcastLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case data := <-h.eventCh:
			h.mu.Lock()
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}

func (h *Hub) register(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if h.clients[conn] {
		delete(h.clients, conn)
		conn.Close()
	}
	h.mu.Unlock()
}

// handleEvents upgrades the connection and parks it on the hub until the
// client goes away.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	if a.hub == nil {
		respondError(w, http.StatusServiceUnavailable, errNoHub)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn().Err(err).Msg("upgrade events socket")
		return
	}

	a.hub.register(conn)
	defer a.hub.unregister(conn)

	// Inbound frames are ignored; the read loop only detects disconnects.
	conn.SetReadLimit(512)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
