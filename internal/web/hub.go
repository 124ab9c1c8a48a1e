package web

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shadowrealm-ai/shadow/internal/agent"
)

const (
	// clientBuffer is how many events a slow client may fall behind before
	// it is disconnected. Emit must never block the stream.
	clientBuffer = 256

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 45 * time.Second
)

// wireEvent is the JSON frame pushed to websocket clients.
type wireEvent struct {
	TaskID string         `json:"taskId"`
	Kind   string         `json:"kind"`
	Data   map[string]any `json:"data,omitempty"`
}

type client struct {
	conn *websocket.Conn
	send chan wireEvent
}

// Hub fans stream events out to websocket subscribers, one channel per task.
// It implements agent.Emitter.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*client]struct{}

	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHub creates an event hub. checkOrigin may be nil to accept any origin
// (the API sits behind its own auth layer).
func NewHub(logger *slog.Logger, checkOrigin func(r *http.Request) bool) *Hub {
	if logger == nil {
		logger = slog.Default().With("component", "hub")
	}
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		clients: make(map[string]map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		logger: logger,
	}
}

// Emit implements agent.Emitter. Slow clients are dropped, never waited on.
func (h *Hub) Emit(taskID string, event agent.Event) {
	frame := wireEvent{TaskID: taskID, Kind: event.Kind, Data: event.Data}
	eventsEmitted.WithLabelValues(event.Kind).Inc()

	h.mu.RLock()
	subs := h.clients[taskID]
	var overflowed []*client
	for c := range subs {
		select {
		case c.send <- frame:
		default:
			overflowed = append(overflowed, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range overflowed {
		h.logger.Warn("dropping slow websocket client", "task_id", taskID)
		h.remove(taskID, c)
	}
}

// SubscriberCount reports how many clients watch a task.
func (h *Hub) SubscriberCount(taskID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[taskID])
}

// ServeWS upgrades /ws/tasks/{id} requests and streams events until the
// client disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimPrefix(r.URL.Path, "/ws/tasks/")
	if taskID == "" || strings.Contains(taskID, "/") {
		http.Error(w, "task id required", http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan wireEvent, clientBuffer)}
	h.add(taskID, c)
	wsClients.Inc()

	go h.writeLoop(taskID, c)
	h.readLoop(taskID, c)
}

func (h *Hub) add(taskID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.clients[taskID]
	if !ok {
		subs = make(map[*client]struct{})
		h.clients[taskID] = subs
	}
	subs[c] = struct{}{}
}

func (h *Hub) remove(taskID string, c *client) {
	h.mu.Lock()
	subs := h.clients[taskID]
	if _, ok := subs[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(subs, c)
	if len(subs) == 0 {
		delete(h.clients, taskID)
	}
	h.mu.Unlock()

	close(c.send)
	_ = c.conn.Close()
	wsClients.Dec()
}

// readLoop consumes client frames for control flow only; clients never send
// data frames.
func (h *Hub) readLoop(taskID string, c *client) {
	defer h.remove(taskID, c)
	c.conn.SetReadLimit(1024)
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

func (h *Hub) writeLoop(taskID string, c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				h.remove(taskID, c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(taskID, c)
				return
			}
		}
	}
}
