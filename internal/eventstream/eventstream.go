// Package eventstream broadcasts task lifecycle events to connected
// WebSocket clients, for the admin HTTP surface's live status view
// (spec §6's admin HTTP surface "query daemon status").
package eventstream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taskforge/daemon/internal/task"
)

const maxConnections = 200

// Event is one broadcastable occurrence: a task transition, a poll
// result, or a scheduling decision.
type Event struct {
	Type        string      `json:"type"` // task.transition | poll.error | scheduler.decision
	ProjectID   string      `json:"projectId,omitempty"`
	TaskID      string      `json:"taskId,omitempty"`
	Status      task.Status `json:"status,omitempty"`
	Message     string      `json:"message,omitempty"`
	At          time.Time   `json:"at"`
}

// Hub fans Publish calls out to every registered WebSocket client.
// Single-broadcaster pattern: one goroutine owns the client map, so no
// lock contention between readers and the broadcast path.
type Hub struct {
	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	publish    chan Event
	mu         sync.RWMutex
	logger     *slog.Logger
}

// NewHub constructs a Hub. Call Run to start its broadcast loop.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		publish:    make(chan Event, 64),
		logger:     logger,
	}
}

// Run drives the hub's main loop until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxConnections {
				h.mu.Unlock()
				conn.Close()
				h.logger.Warn("websocket connection rejected: max connections reached", "max", maxConnections)
				continue
			}
			h.clients[conn] = struct{}{}
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("websocket client registered", "total", count)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("websocket client unregistered", "total", count)

		case ev := <-h.publish:
			h.broadcast(ev)
		}
	}
}

func (h *Hub) broadcast(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(ev); err != nil {
			h.logger.Warn("websocket write failed, unregistering client", "error", err)
			go h.Unregister(conn)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logger.Info("shutting down event stream hub", "clients", len(h.clients))
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

// Register adds conn to the broadcast set.
func (h *Hub) Register(conn *websocket.Conn) { h.register <- conn }

// Unregister removes conn from the broadcast set.
func (h *Hub) Unregister(conn *websocket.Conn) { h.unregister <- conn }

// Publish enqueues ev for broadcast to every connected client. Never
// blocks the caller on a full channel beyond the buffer: publishing is
// best-effort and must never stall a task transition.
func (h *Hub) Publish(ev Event) {
	select {
	case h.publish <- ev:
	default:
		h.logger.Warn("event stream publish buffer full, dropping event", "type", ev.Type)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeHTTP upgrades the request to a WebSocket and registers it with
// the hub; the connection is unregistered once the client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	h.Register(conn)
	go func() {
		defer h.Unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// TaskTransition publishes a task.transition event. Handed to the
// Worker Executor/Scheduler as a hook so they don't depend on the Hub
// type directly for a single JSON payload.
func TaskTransition(h *Hub, t *task.Task) {
	if h == nil {
		return
	}
	h.Publish(Event{
		Type:      "task.transition",
		ProjectID: t.ProjectID,
		TaskID:    t.ID,
		Status:    t.Status,
		At:        time.Now(),
	})
}
