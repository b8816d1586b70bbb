package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hiveward/hiveward/internal/bus"
)

const clientWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Event is one bus event as streamed to dashboard clients. Stream groups
// subjects the same way the archiver folds them: task, agent, launcher, or
// system for everything else.
type Event struct {
	Stream    string          `json:"stream"`
	Subject   string          `json:"subject"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

func eventStream(subject string) string {
	switch {
	case strings.HasPrefix(subject, "events.task."):
		return "task"
	case strings.HasPrefix(subject, "events.agent."):
		return "agent"
	case subject == bus.TopicLauncherEvents:
		return "launcher"
	default:
		return "system"
	}
}

// Hub fans bus events out to every connected websocket. Frames are marshalled
// once per event, not per client, and a backlogged stream drops frames rather
// than stalling the bus subscription.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	frames  chan []byte
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*websocket.Conn]struct{}),
		frames:  make(chan []byte, 256),
	}
}

// Broadcast wraps one bus event in the stream envelope and queues it for
// delivery.
func (h *Hub) Broadcast(subject string, payload json.RawMessage) {
	frame, err := json.Marshal(Event{
		Stream:    eventStream(subject),
		Subject:   subject,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
	if err != nil {
		return
	}

	select {
	case h.frames <- frame:
	default:
		slog.Warn("event stream backlogged, dropping frame", "subject", subject)
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-h.frames:
			h.mu.Lock()
			for conn := range h.clients {
				_ = conn.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) attach(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = struct{}{}
}

func (h *Hub) detach(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, conn)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	s.hub.attach(conn)
	defer func() {
		s.hub.detach(conn)
		conn.Close()
	}()

	// Drain client frames; the stream is one-way for now.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
