package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/armada-games/armada-backend/internal/matchmaking"
	"go.uber.org/zap"
)

// PresenceTracker is the slice of the presence registry the hub drives.
type PresenceTracker interface {
	Track(ctx context.Context, userID, displayName string) error
	Untrack(ctx context.Context, userID string) error
	Heartbeat(ctx context.Context, userID string) error
}

// Hub tracks one live connection per user and fans lobby messages out to
// them. Registration and teardown also drive the presence registry: a user
// is "online" exactly while the hub holds a connection for them. Registry
// writes run on a separate worker so a slow Redis never stalls fanout;
// the worker is single-threaded to keep untrack/track ordering across
// quick reconnects.
type Hub struct {
	clients map[string]*Client
	mu      sync.RWMutex

	broadcast   chan *Message
	register    chan *Client
	unregister  chan *Client
	presenceOps chan func()

	registry     PresenceTracker
	onDisconnect func(userID string)
	logger       *zap.Logger
}

// Message is one push frame. An empty UserID broadcasts to everyone.
type Message struct {
	UserID  string      `json:"-"`
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

func NewHub(registry PresenceTracker, onDisconnect func(userID string), logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		clients:      make(map[string]*Client),
		broadcast:    make(chan *Message, 256),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		presenceOps:  make(chan func(), 256),
		registry:     registry,
		onDisconnect: onDisconnect,
		logger:       logger,
	}
	go h.presenceWorker()
	return h
}

func (h *Hub) presenceWorker() {
	for fn := range h.presenceOps {
		fn()
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case message := <-h.broadcast:
			h.broadcastMessage(message)
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	if oldClient, exists := h.clients[client.userID]; exists {
		close(oldClient.send)
		h.logger.Info("Replaced existing WebSocket connection",
			zap.String("userId", client.userID))
	}
	h.clients[client.userID] = client
	total := len(h.clients)
	h.mu.Unlock()

	h.presenceOps <- func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.registry.Track(ctx, client.userID, client.displayName); err != nil {
			h.logger.Warn("Failed to register presence",
				zap.String("userId", client.userID),
				zap.Error(err))
		}
	}

	h.logger.Info("WebSocket client registered",
		zap.String("userId", client.userID),
		zap.Int("totalClients", total))
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	// A replaced connection unregisters after its successor took the
	// slot; only the current holder may tear presence down.
	current, exists := h.clients[client.userID]
	if !exists || current != client {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client.userID)
	close(client.send)
	total := len(h.clients)
	h.mu.Unlock()

	h.presenceOps <- func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.registry.Untrack(ctx, client.userID); err != nil {
			h.logger.Warn("Failed to remove presence",
				zap.String("userId", client.userID),
				zap.Error(err))
		}
	}

	if h.onDisconnect != nil {
		h.onDisconnect(client.userID)
	}

	h.logger.Info("WebSocket client unregistered",
		zap.String("userId", client.userID),
		zap.Int("totalClients", total))
}

func (h *Hub) broadcastMessage(message *Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if message.UserID == "" {
		for _, client := range h.clients {
			select {
			case client.send <- message:
			default:
				h.logger.Warn("Client send channel full, unregistering",
					zap.String("userId", client.userID))
				go func(c *Client) {
					h.unregister <- c
				}(client)
			}
		}
	} else {
		if client, exists := h.clients[message.UserID]; exists {
			select {
			case client.send <- message:
			default:
				h.logger.Warn("Client send channel full",
					zap.String("userId", message.UserID))
			}
		}
	}
}

// SendToUser queues a message for one user.
func (h *Hub) SendToUser(userID string, msgType string, payload interface{}) {
	h.broadcast <- &Message{
		UserID:  userID,
		Type:    msgType,
		Payload: payload,
	}
}

// Broadcast queues a message for every connected user.
func (h *Hub) Broadcast(msgType string, payload interface{}) {
	h.broadcast <- &Message{
		UserID:  "",
		Type:    msgType,
		Payload: payload,
	}
}

// SendMatchmakingUpdate pushes the user's latest matchmaking snapshot.
func (h *Hub) SendMatchmakingUpdate(userID string, snapshot matchmaking.Snapshot) {
	h.SendToUser(userID, "matchmaking_status", snapshot)
}
