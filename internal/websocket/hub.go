package websocket

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"vidfetchgo/internal/models"
)

type Hub struct {
	mu        sync.Mutex
	clients   map[*websocket.Conn]bool
	broadcast chan []byte
	upgrader  websocket.Upgrader
}

// JobEvent is pushed to connected clients on every state change and
// progress callback.
type JobEvent struct {
	Type       string          `json:"type"`
	JobID      string          `json:"jobId,omitempty"`
	Owner      int64           `json:"owner,omitempty"`
	State      models.JobState `json:"state,omitempty"`
	Progress   int             `json:"progress,omitempty"`
	BytesDone  int64           `json:"bytesDone,omitempty"`
	BytesTotal int64           `json:"bytesTotal,omitempty"`
	Message    string          `json:"message,omitempty"`
}

func NewHub() *Hub {
	return &Hub{
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan []byte, 64),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *Hub) Run() {
	for {
		msg := <-h.broadcast
		h.mu.Lock()
		for client := range h.clients {
			err := client.WriteMessage(websocket.TextMessage, msg)
			if err != nil {
				client.Close()
				delete(h.clients, client)
			}
		}
		h.mu.Unlock()
	}
}

// BroadcastJob pushes a job update. Progress callbacks arrive faster than
// slow clients can drain, so the send drops instead of blocking a download.
func (h *Hub) BroadcastJob(j *models.Job) {
	done, total := j.Progress()
	event := JobEvent{
		Type:       "job",
		JobID:      j.ID,
		Owner:      j.Owner,
		State:      j.State(),
		Progress:   int(j.Fraction() * 100),
		BytesDone:  done,
		BytesTotal: total,
	}
	h.send(event)
}

// NotifyUser pushes a status text for a user.
func (h *Hub) NotifyUser(user int64, message string) {
	h.send(JobEvent{Type: "notice", Owner: user, Message: message})
}

func (h *Hub) send(event JobEvent) {
	msg, err := json.Marshal(event)
	if err != nil {
		slog.Error("Failed to marshal job event", "error", err)
		return
	}
	select {
	case h.broadcast <- msg:
	default:
	}
}

func (h *Hub) WsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	slog.Info("Client connected", "remote_addr", r.RemoteAddr)
	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		conn.Close()
		slog.Info("Client disconnected")
	}()

	waitTimeout := 60 * time.Second
	for {
		conn.SetReadDeadline(time.Now().Add(waitTimeout))
		_, _, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Error("WS read error", "error", err)
			}
			break
		}
	}
}
