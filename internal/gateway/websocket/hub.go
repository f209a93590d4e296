// Package websocket is the real-time gateway: one hub fans service events
// and streaming deltas out to connected clients, filtered by channel
// subscriptions (session:<id>, board:<id>, user:<id>, worktree:<id>).
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/agor-sh/agor/internal/common/logger"
	"github.com/agor-sh/agor/internal/rpc"
)

// Hub manages all client connections and their channel subscriptions.
type Hub struct {
	clients map[*Client]bool

	// channelSubscribers maps channel name to subscribed clients.
	channelSubscribers map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client

	dispatcher *rpc.Dispatcher

	mu  sync.RWMutex
	log *logger.Logger
}

// NewHub creates a hub over the RPC dispatcher.
func NewHub(dispatcher *rpc.Dispatcher, log *logger.Logger) *Hub {
	return &Hub{
		clients:            make(map[*Client]bool),
		channelSubscribers: make(map[string]map[*Client]bool),
		register:           make(chan *Client),
		unregister:         make(chan *Client),
		dispatcher:         dispatcher,
		log:                log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub's registration loop.
func (h *Hub) Run(ctx context.Context) {
	h.log.Info("WebSocket hub started")
	defer h.log.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.log.Debug("Client registered", zap.String("client_id", client.ID))
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.channelSubscribers = make(map[string]map[*Client]bool)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	for channel := range client.subscriptions {
		h.dropSubscriberLocked(channel, client)
	}
	h.log.Debug("Client unregistered", zap.String("client_id", client.ID))
}

func (h *Hub) dropSubscriberLocked(channel string, client *Client) {
	if subs, ok := h.channelSubscribers[channel]; ok {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.channelSubscribers, channel)
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) { h.register <- client }

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) { h.unregister <- client }

// Subscribe adds a client to a channel.
func (h *Hub) Subscribe(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.channelSubscribers[channel]; !ok {
		h.channelSubscribers[channel] = make(map[*Client]bool)
	}
	h.channelSubscribers[channel][client] = true
	client.subscriptions[channel] = true
}

// Unsubscribe removes a client from a channel.
func (h *Hub) Unsubscribe(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(client.subscriptions, channel)
	h.dropSubscriberLocked(channel, client)
}

// Broadcast implements rpc.Broadcaster: the event goes to every client
// subscribed to at least one of the channels. A client whose send queue is
// full is disconnected rather than allowed to stall the fan-out.
func (h *Hub) Broadcast(channels []string, event *rpc.Event) {
	msg, err := rpc.NewNotification("event."+event.Service+"."+event.Kind, event)
	if err != nil {
		h.log.Error("Failed to encode event", zap.Error(err))
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	targets := h.collectTargets(channels)
	var overflowed []*Client
	for client := range targets {
		select {
		case client.send <- data:
		default:
			overflowed = append(overflowed, client)
		}
	}
	for _, client := range overflowed {
		h.log.Warn("Disconnecting slow subscriber", zap.String("client_id", client.ID))
		h.removeClient(client)
	}
}

// Send delivers an arbitrary message to one channel. Used for streaming
// deltas and terminal output.
func (h *Hub) Send(channel string, msg *rpc.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	targets := h.collectTargets([]string{channel})
	var overflowed []*Client
	for client := range targets {
		select {
		case client.send <- data:
		default:
			overflowed = append(overflowed, client)
		}
	}
	for _, client := range overflowed {
		h.log.Warn("Disconnecting slow subscriber", zap.String("client_id", client.ID))
		h.removeClient(client)
	}
}

func (h *Hub) collectTargets(channels []string) map[*Client]bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	targets := make(map[*Client]bool)
	for _, channel := range channels {
		for client := range h.channelSubscribers[channel] {
			targets[client] = true
		}
	}
	return targets
}

// SubscriberCount returns the number of clients on a channel.
func (h *Hub) SubscriberCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channelSubscribers[channel])
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
