package websocket

import (
	"log"
	"sync"
)

// Outbound event types.
const (
	EventNewMessage   = "newMessage"
	EventMessagesRead = "messagesRead"
	EventJoined       = "joined"
	EventLeft         = "left"
	EventError        = "error"
	EventPong         = "pong"
)

// Message is one frame sent to a client.
type Message struct {
	Type    string      `json:"type"`
	ChatID  string      `json:"chat_id,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

// RoomRelay forwards room broadcasts to other server instances.
type RoomRelay interface {
	Publish(chatID string, message *Message) error
}

// Hub tracks connected clients and the chat rooms they joined. Membership
// is process memory only and is rebuilt as clients reconnect and rejoin.
type Hub struct {
	mu sync.RWMutex

	// All registered clients
	clients map[*Client]struct{}

	// Clients per chat room
	rooms map[string]map[*Client]struct{}

	relay RoomRelay
}

// NewHub creates a new Hub instance
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		rooms:   make(map[string]map[*Client]struct{}),
	}
}

// SetRelay enables cross-instance fanout.
func (h *Hub) SetRelay(relay RoomRelay) {
	h.mu.Lock()
	h.relay = relay
	h.mu.Unlock()
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	log.Printf("Client registered: UserID=%s, Total clients: %d", client.UserID, total)
}

// Unregister removes the client from every room it joined and closes its
// send channel. Calling it more than once is harmless.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		h.removeFromRoomsLocked(client)
	}
	h.mu.Unlock()

	client.closeSend()
	if ok {
		log.Printf("Client unregistered: UserID=%s", client.UserID)
	}
}

func (h *Hub) removeFromRoomsLocked(client *Client) {
	for chatID := range client.rooms {
		if members, ok := h.rooms[chatID]; ok {
			delete(members, client)
			if len(members) == 0 {
				delete(h.rooms, chatID)
			}
		}
	}
	client.rooms = make(map[string]struct{})
}

// Join adds a registered client to a room. Authorization is the caller's
// job.
func (h *Hub) Join(client *Client, chatID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return false
	}
	members, ok := h.rooms[chatID]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[chatID] = members
	}
	members[client] = struct{}{}
	client.rooms[chatID] = struct{}{}
	return true
}

func (h *Hub) Leave(client *Client, chatID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if members, ok := h.rooms[chatID]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, chatID)
		}
	}
	delete(client.rooms, chatID)
}

func (h *Hub) InRoom(client *Client, chatID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[chatID][client]
	return ok
}

// BroadcastToRoom delivers message to every local member of the room except
// exclude, then hands it to the relay for other instances.
func (h *Hub) BroadcastToRoom(chatID string, message *Message, exclude *Client) {
	h.deliverLocal(chatID, message, exclude)

	h.mu.RLock()
	relay := h.relay
	h.mu.RUnlock()
	if relay != nil {
		if err := relay.Publish(chatID, message); err != nil {
			log.Printf("Failed to relay %s for chat %s: %v", message.Type, chatID, err)
		}
	}
}

// deliverLocal fans out to this process only. Clients whose buffer is full
// are dropped; they can reconnect and refetch history.
func (h *Hub) deliverLocal(chatID string, message *Message, exclude *Client) {
	var slow []*Client

	h.mu.RLock()
	for client := range h.rooms[chatID] {
		if client == exclude {
			continue
		}
		if !client.trySend(message) {
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		log.Printf("Dropping slow client: UserID=%s", client.UserID)
		h.Unregister(client)
	}
}

// RoomSize returns the number of local connections joined to a room.
func (h *Hub) RoomSize(chatID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[chatID])
}

// GetTotalClientCount returns the total number of connected clients
func (h *Hub) GetTotalClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
