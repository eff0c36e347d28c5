// Package streaming handles WebSocket connections: the live event feed
// backed by the event bus, and per-request execution streaming.
package streaming

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/events/bus"
)

// Hub fans events out to every connected WebSocket client.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	done       chan struct{}

	mu     sync.RWMutex
	sub    bus.Subscription
	logger *logger.Logger
}

// NewHub creates the event feed hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
		logger:     log.WithFields(zap.String("component", "websocket_hub")),
	}
}

// Run processes registrations and broadcasts until ctx is cancelled.
// When eventBus is non-nil the hub subscribes to every agentmux subject
// and forwards each event to the connected clients.
func (h *Hub) Run(ctx context.Context, eventBus bus.EventBus) {
	if eventBus != nil {
		sub, err := eventBus.Subscribe(events.AllSubjects(), func(ctx context.Context, event *bus.Event) error {
			data, err := json.Marshal(event)
			if err != nil {
				return err
			}
			select {
			case h.broadcast <- data:
			default:
				h.logger.Warn("event feed backlogged, dropping event",
					zap.String("event_type", event.Type))
			}
			return nil
		})
		if err != nil {
			h.logger.Error("event feed subscription failed", zap.Error(err))
		} else {
			h.sub = sub
		}
	}

	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			if h.sub != nil {
				_ = h.sub.Unsubscribe()
			}
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug("client unregistered", zap.String("client_id", client.ID))

		case data := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			for _, client := range clients {
				if !client.Send(data) {
					// Slow consumer: drop the connection rather than
					// block the feed.
					h.mu.Lock()
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
					}
					h.mu.Unlock()
				}
			}
		}
	}
}

// Register adds a client to the hub. After the hub has stopped the
// client is closed instead, so a late connection cannot hang its
// goroutine on the register channel.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		close(client.send)
	}
}

// Unregister removes a client from the hub. A no-op after the hub has
// stopped; the shutdown path already closed every registered client.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Broadcast queues raw data for delivery to every client. Dropped after
// the hub has stopped.
func (h *Hub) Broadcast(data []byte) {
	select {
	case h.broadcast <- data:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
