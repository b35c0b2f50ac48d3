package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/shelfscan/api/internal/logging"
	"github.com/shelfscan/api/internal/model"
	"go.uber.org/zap"
)

const (
	sendBuffer      = 16
	broadcastBuffer = 256
	pingInterval    = 30 * time.Second
)

// Client represents a WebSocket client
type Client struct {
	JobID string
	Conn  *websocket.Conn
	Send  chan []byte
}

// Hub fans job updates out to the sockets watching each job
type Hub struct {
	// Clients grouped by job ID
	clients map[string]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	done       chan struct{}

	mu     sync.RWMutex
	logger *zap.Logger
}

// BroadcastMessage represents a message to broadcast
type BroadcastMessage struct {
	JobID   string
	Message []byte
}

// NewHub creates a new Hub
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, broadcastBuffer),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run starts the hub's main loop and closes every client when ctx ends.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for jobID, clients := range h.clients {
				for client := range clients {
					close(client.Send)
				}
				delete(h.clients, jobID)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.JobID] == nil {
				h.clients[client.JobID] = make(map[*Client]struct{})
			}
			h.clients[client.JobID][client] = struct{}{}
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String(logging.FieldJobID, client.JobID))

		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			h.mu.Unlock()
			h.logger.Debug("client unregistered", zap.String(logging.FieldJobID, client.JobID))

		case msg := <-h.broadcast:
			// slow clients are dropped, so this needs the write lock
			h.mu.Lock()
			for client := range h.clients[msg.JobID] {
				select {
				case client.Send <- msg.Message:
				default:
					h.remove(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// remove must be called with mu held.
func (h *Hub) remove(client *Client) {
	clients, ok := h.clients[client.JobID]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	close(client.Send)
	if len(clients) == 0 {
		delete(h.clients, client.JobID)
	}
}

// Register adds a new client. It reports false once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Subscribers returns the number of sockets watching jobID
func (h *Hub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[jobID])
}

// JobUpdated pushes the job's new state to its subscribers. It never blocks;
// updates are dropped when the broadcast buffer is full.
func (h *Hub) JobUpdated(job *model.Job) {
	data, err := EncodeJobUpdate(job)
	if err != nil {
		h.logger.Error("failed to encode job update", zap.String(logging.FieldJobID, job.ID), zap.Error(err))
		return
	}

	select {
	case h.broadcast <- &BroadcastMessage{JobID: job.ID, Message: data}:
	default:
		h.logger.Warn("broadcast buffer full, dropping job update", zap.String(logging.FieldJobID, job.ID))
	}
}

// EncodeJobUpdate renders the push message for the job's current status:
// complete for done jobs, error for failed ones and status otherwise.
func EncodeJobUpdate(job *model.Job) ([]byte, error) {
	var msg interface{}
	switch job.Status {
	case model.JobStatusDone:
		msg = model.WSCompleteMessage{
			Type:      model.WSMessageTypeComplete,
			JobID:     job.ID,
			ModelUsed: job.ModelUsed,
			Result:    job.Result,
		}
	case model.JobStatusFailed:
		jobErr := model.JobError{Code: "INTERNAL_ERROR", Message: "job failed"}
		if job.Error != nil {
			jobErr = *job.Error
		}
		msg = model.WSErrorMessage{
			Type:  model.WSMessageTypeError,
			JobID: job.ID,
			Error: jobErr,
		}
	default:
		msg = model.WSStatusMessage{
			Type:     model.WSMessageTypeStatus,
			JobID:    job.ID,
			Status:   job.Status,
			Attempts: job.Attempts,
		}
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s message: %w", job.Status, err)
	}
	return data, nil
}

// HandleConnection serves one socket until the peer goes away. The current
// snapshot, when given, is sent before any live update.
func (h *Hub) HandleConnection(c *websocket.Conn, jobID string, snapshot *model.Job) {
	client := &Client{
		JobID: jobID,
		Conn:  c,
		Send:  make(chan []byte, sendBuffer),
	}

	if snapshot != nil {
		if data, err := EncodeJobUpdate(snapshot); err == nil {
			client.Send <- data
		}
	}

	if !h.Register(client) {
		return
	}
	defer h.Unregister(client)

	go h.writePump(client)

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read failed", zap.String(logging.FieldJobID, jobID), zap.Error(err))
			}
			return
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		if msg.Type == model.WSMessageTypePing {
			pong, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
			h.broadcastTo(client, pong)
		}
	}
}

// broadcastTo routes a direct reply through the hub so only Run touches Send
// after registration.
func (h *Hub) broadcastTo(client *Client, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[client.JobID][client]; !ok {
		return
	}
	select {
	case client.Send <- data:
	default:
	}
}

func (h *Hub) writePump(client *Client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-client.Send:
			if !ok {
				_ = client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
