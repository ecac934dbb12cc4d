// Package websocket implements the push gateway: a hub of connected UI
// clients with per-channel subscriptions fed by the operation log and the
// event bus.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/storyforge/storyforge/internal/common/logger"
	ws "github.com/storyforge/storyforge/pkg/websocket"
)

// RecentLogsProvider returns recent operation-log rows replayed to a client
// when it subscribes to the logs channel.
type RecentLogsProvider func(ctx context.Context, limit int) ([]*ws.Message, error)

// replayLimit bounds the history sent on a logs subscription.
const replayLimit = 100

// Hub manages all WebSocket client connections.
type Hub struct {
	clients map[*Client]bool

	// Clients per broadcast channel (logs, commands, providers).
	channelSubscribers map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *ws.Message

	dispatcher *ws.Dispatcher

	recentLogs RecentLogsProvider

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new WebSocket hub.
func NewHub(dispatcher *ws.Dispatcher, log *logger.Logger) *Hub {
	return &Hub{
		clients:            make(map[*Client]bool),
		channelSubscribers: make(map[string]map[*Client]bool),
		register:           make(chan *Client),
		unregister:         make(chan *Client),
		broadcast:          make(chan *ws.Message, 256),
		dispatcher:         dispatcher,
		logger:             log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub's main processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case msg := <-h.broadcast:
			h.broadcastMessage(msg)
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

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)

		for channel := range client.subscriptions {
			if clients, ok := h.channelSubscribers[channel]; ok {
				delete(clients, client)
				if len(clients) == 0 {
					delete(h.channelSubscribers, channel)
				}
			}
		}
	}
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

// broadcastMessage sends a message to every connected client.
func (h *Hub) broadcastMessage(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			// Client buffer full, will be cleaned up by write pump
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast sends a notification to all connected clients.
func (h *Hub) Broadcast(msg *ws.Message) {
	h.broadcast <- msg
}

// BroadcastToChannel sends a notification to clients subscribed to a channel.
func (h *Hub) BroadcastToChannel(channel string, msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}

	h.mu.RLock()
	clients := h.channelSubscribers[channel]
	h.mu.RUnlock()

	for client := range clients {
		select {
		case client.send <- data:
		default:
			// Buffer full
		}
	}
}

// Subscribe subscribes a client to a broadcast channel.
func (h *Hub) Subscribe(client *Client, channel string) {
	h.mu.Lock()
	if _, ok := h.channelSubscribers[channel]; !ok {
		h.channelSubscribers[channel] = make(map[*Client]bool)
	}
	h.channelSubscribers[channel][client] = true
	client.subscriptions[channel] = true
	h.mu.Unlock()

	h.logger.Debug("Client subscribed",
		zap.String("client_id", client.ID),
		zap.String("channel", channel))

	if channel == ws.ChannelLogs {
		h.replayRecentLogs(client)
	}
}

// Unsubscribe removes a client from a broadcast channel.
func (h *Hub) Unsubscribe(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.subscriptions, channel)
	if clients, ok := h.channelSubscribers[channel]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.channelSubscribers, channel)
		}
	}
}

// replayRecentLogs pushes stored log history to a fresh logs subscriber.
func (h *Hub) replayRecentLogs(client *Client) {
	if h.recentLogs == nil {
		return
	}
	history, err := h.recentLogs(context.Background(), replayLimit)
	if err != nil {
		h.logger.Warn("failed to load log history for replay", zap.Error(err))
		return
	}
	for _, msg := range history {
		data, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		select {
		case client.send <- data:
		default:
			return
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dispatcher returns the message dispatcher.
func (h *Hub) Dispatcher() *ws.Dispatcher {
	return h.dispatcher
}

// SetRecentLogsProvider sets the source of log history replayed on a logs
// subscription.
func (h *Hub) SetRecentLogsProvider(provider RecentLogsProvider) {
	h.recentLogs = provider
}
