package relay

import (
	"sync"

	"github.com/rs/zerolog"

	"zalachat/sync/internal/events"
)

// Hub tracks connected clients and their room subscriptions. Rooms are
// keyed by conversation key; a broadcast reaches every subscriber,
// including the sender, whose client dedups the echo.
type Hub struct {
	// Register requests from clients
	Register chan *Client

	// Unregister requests from clients
	Unregister chan *Client

	store Storage
	log   zerolog.Logger

	mu      sync.RWMutex
	clients map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}
}

// NewHub creates a hub over the given storage.
func NewHub(store Storage, log zerolog.Logger) *Hub {
	return &Hub{
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		store:      store,
		log:        log,
		clients:    make(map[*Client]struct{}),
		rooms:      make(map[string]map[*Client]struct{}),
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.Register:
			h.registerClient(client)
		case client := <-h.Unregister:
			h.unregisterClient(client)
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[client] = struct{}{}
	h.log.Info().Str("user", client.UserID).Msg("client connected")
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	for key, room := range h.rooms {
		delete(room, client)
		if len(room) == 0 {
			delete(h.rooms, key)
		}
	}
	close(client.Send)
	h.log.Info().Str("user", client.UserID).Msg("client disconnected")
}

// Join subscribes a client to a conversation room.
func (h *Hub) Join(client *Client, conversationKey string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[conversationKey]
	if !ok {
		room = make(map[*Client]struct{})
		h.rooms[conversationKey] = room
	}
	room[client] = struct{}{}
	h.log.Debug().Str("user", client.UserID).Str("room", conversationKey).Msg("joined room")
}

// Leave removes a client's room subscription; further broadcasts for the
// conversation no longer reach it.
func (h *Hub) Leave(client *Client, conversationKey string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if room, ok := h.rooms[conversationKey]; ok {
		delete(room, client)
		if len(room) == 0 {
			delete(h.rooms, conversationKey)
		}
	}
}

// Broadcast sends an envelope to every subscriber of a room.
func (h *Hub) Broadcast(conversationKey string, env events.Envelope) {
	data, err := env.Encode()
	if err != nil {
		h.log.Error().Err(err).Str("type", string(env.Type)).Msg("failed to encode broadcast")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.rooms[conversationKey] {
		select {
		case client.Send <- data:
		default:
			h.log.Warn().Str("user", client.UserID).Str("room", conversationKey).Msg("send buffer full, frame dropped")
		}
	}
}

// RoomSize returns the number of subscribers of a room.
func (h *Hub) RoomSize(conversationKey string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[conversationKey])
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
