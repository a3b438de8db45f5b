// Package gateway pushes every observability event published on the event
// bus (in the broker core, the delivery engine's ticket lifecycle events)
// to connected monitoring clients over WebSocket, mirroring what the long-poll HTTP endpoint gives
// a single caller but as a fan-out stream for dashboards.
package gateway

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/DeanSCND/agentbroker/internal/common/logger"
	"github.com/DeanSCND/agentbroker/internal/events/bus"
)

// Hub tracks every connected monitoring client and fans out bus events to
// all of them.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *bus.Event

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub builds a Hub. Call Run to start its dispatch loop and Attach to
// wire it to an event bus.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *bus.Event, 256),
		logger:     log.WithFields(zap.String("component", "event-gateway")),
	}
}

// Attach subscribes the hub to every subject on eventBus, forwarding each
// event to Run's broadcast loop. Returns the subscription so the caller
// can unsubscribe on shutdown.
func (h *Hub) Attach(eventBus bus.EventBus) (bus.Subscription, error) {
	return eventBus.Subscribe(">", func(ctx context.Context, event *bus.Event) error {
		select {
		case h.broadcast <- event:
		default:
			h.logger.Warn("dropping event, broadcast channel full", zap.String("type", event.Type))
		}
		return nil
	})
}

// Run processes registrations and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("event gateway hub started")
	defer h.logger.Info("event gateway hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.remove(c)
		case event := <-h.broadcast:
			h.send(event)
		}
	}
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
	}
	h.clients = make(map[*Client]bool)
}

func (h *Hub) send(event *bus.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to marshal event for broadcast", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("client send buffer full, dropping event", zap.String("client_id", c.id))
		}
	}
}

// Register adds a client to the hub's dispatch loop.
func (h *Hub) Register(c *Client) { h.register <- c }

// Unregister removes a client from the hub.
func (h *Hub) Unregister(c *Client) { h.unregister <- c }
