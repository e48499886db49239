// Package websocket streams audit events to connected admin dashboards.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"keygate/internal/audit"
	"keygate/internal/infrastructure"
)

// Message types
const (
	TypeConnection = "connection"
	TypeEvent      = "event"
)

const broadcastBuffer = 256

// Message is the envelope written to every client.
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp string      `json:"timestamp"`
}

// HubStats reports feed activity.
type HubStats struct {
	ActiveClients    int   `json:"activeClients"`
	TotalConnections int64 `json:"totalConnections"`
	MessagesSent     int64 `json:"messagesSent"`
	Dropped          int64 `json:"dropped"`
}

// Hub maintains the set of connected clients and broadcasts feed messages to
// them. It implements audit.Publisher.
type Hub struct {
	clients    map[*Client]struct{}
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	stopOnce   sync.Once

	mu     sync.RWMutex
	logger *slog.Logger

	totalConnections atomic.Int64
	messagesSent     atomic.Int64
	dropped          atomic.Int64
}

// NewHub creates a hub. Call Run to start it.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan []byte, broadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger.With(slog.String("component", "websocket.hub")),
	}
}

// Run serves registrations and broadcasts until ctx is cancelled. On exit
// every client's send channel is closed so its write pump says goodbye.
func (h *Hub) Run(ctx context.Context) error {
	defer h.shutdown()
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Hub shutting down")
			return nil

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			count := len(h.clients)
			h.mu.Unlock()
			h.totalConnections.Add(1)

			h.logger.InfoContext(client.context(), "Client registered",
				slog.Int("total_clients", count),
				slog.String("client_id", client.id),
				slog.String("remote_addr", client.remoteAddr))

			if payload, err := encode(TypeConnection, map[string]string{
				"status":   "connected",
				"clientId": client.id,
			}); err == nil {
				h.deliver(client, payload)
			}

		case client := <-h.unregister:
			h.remove(client, "Client unregistered")

		case message := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			for _, client := range clients {
				h.deliver(client, message)
			}
		}
	}
}

func (h *Hub) deliver(client *Client, message []byte) {
	select {
	case client.send <- message:
		h.messagesSent.Add(1)
	default:
		h.remove(client, "Client send buffer full, disconnecting")
	}
}

func (h *Hub) remove(client *Client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		close(client.send)
	}
	count := len(h.clients)
	h.mu.Unlock()

	if ok {
		h.logger.InfoContext(client.context(), reason,
			slog.Int("total_clients", count),
			slog.String("client_id", client.id),
			slog.Duration("connection_duration", time.Since(client.connectedAt)))
	}
}

func (h *Hub) shutdown() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		defer h.mu.Unlock()
		for client := range h.clients {
			close(client.send)
			delete(h.clients, client)
		}
	})
}

// Register adds a client. It reports false once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Publish broadcasts an audit event. A full broadcast buffer drops the event
// rather than stalling the audit dispatcher.
func (h *Hub) Publish(_ context.Context, e audit.Event) error {
	payload, err := encode(TypeEvent, e)
	if err != nil {
		return fmt.Errorf("encode feed message: %w", err)
	}
	select {
	case h.broadcast <- payload:
		return nil
	case <-h.done:
		return nil
	default:
		h.dropped.Add(1)
		return fmt.Errorf("feed broadcast buffer full")
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats returns feed counters.
func (h *Hub) Stats() HubStats {
	return HubStats{
		ActiveClients:    h.ClientCount(),
		TotalConnections: h.totalConnections.Load(),
		MessagesSent:     h.messagesSent.Load(),
		Dropped:          h.dropped.Load(),
	}
}

func encode(typ string, data interface{}) ([]byte, error) {
	return json.Marshal(Message{
		Type:      typ,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

var _ audit.Publisher = (*Hub)(nil)
