package websocket

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"carechat/internal/model"
	"carechat/internal/service"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512 KB

	// Upper bound for one service call made on behalf of a frame
	eventTimeout = 10 * time.Second

	sendBufferSize = 256
)

// Inbound event types. The camel-case aliases are what older web clients
// emit.
const (
	eventJoin     = "join"
	eventLeave    = "leave"
	eventSend     = "send"
	eventMarkRead = "markRead"
	eventPing     = "ping"

	aliasJoinChat         = "joinChat"
	aliasSendMessage      = "sendMessage"
	aliasMarkMessagesRead = "markMessagesRead"
)

// inboundMessage mirrors Message. chat_id may sit on the envelope, in the
// payload, or both; the payload wins.
type inboundMessage struct {
	Type    string          `json:"type"`
	ChatID  string          `json:"chat_id"`
	Payload json.RawMessage `json:"payload"`
}

type roomPayload struct {
	ChatID string `json:"chat_id"`
}

type sendPayload struct {
	ChatID      string            `json:"chat_id"`
	Content     string            `json:"content"`
	MessageType model.MessageType `json:"message_type"`
	FileURL     *string           `json:"file_url"`
}

// ErrorPayload is the body of an error event.
type ErrorPayload struct {
	Message string            `json:"message"`
	Kind    service.ErrorKind `json:"kind"`
}

// Client is a middleman between the websocket connection and the hub
type Client struct {
	hub         *Hub
	chatService service.ChatService

	// The websocket connection
	conn *websocket.Conn

	// Buffered channel of outbound messages
	send chan *Message

	sendMu sync.Mutex
	closed bool

	// Rooms joined by this client; guarded by hub.mu
	rooms map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc

	// Identity resolved at connect time
	UserID string
	Role   string
}

// NewClient creates a new client
func NewClient(hub *Hub, chatService service.ChatService, conn *websocket.Conn, userID, role string) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		hub:         hub,
		chatService: chatService,
		conn:        conn,
		send:        make(chan *Message, sendBufferSize),
		rooms:       make(map[string]struct{}),
		ctx:         ctx,
		cancel:      cancel,
		UserID:      userID,
		Role:        role,
	}
}

// trySend queues a message without blocking. It reports false when the
// client is closed or its buffer is full.
func (c *Client) trySend(message *Message) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) sendError(chatID string, err error) {
	c.trySend(&Message{
		Type:   EventError,
		ChatID: chatID,
		Payload: ErrorPayload{
			Message: service.MessageOf(err),
			Kind:    service.KindOf(err),
		},
	})
}

func (c *Client) sendInvalid(message string) {
	c.trySend(&Message{
		Type:    EventError,
		Payload: ErrorPayload{Message: message, Kind: service.KindInvalidArgument},
	})
}

// readPump pumps messages from the websocket connection to the hub
func (c *Client) readPump() {
	defer func() {
		c.cancel()
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, messageBytes, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		var message inboundMessage
		if err := json.Unmarshal(messageBytes, &message); err != nil {
			c.sendInvalid("invalid message format")
			continue
		}
		c.handle(message)
	}
}

func (c *Client) handle(message inboundMessage) {
	ctx, cancel := context.WithTimeout(c.ctx, eventTimeout)
	defer cancel()

	switch message.Type {
	case eventJoin, aliasJoinChat:
		var p roomPayload
		if !c.decodeRoom(message, &p.ChatID, &p) {
			return
		}
		c.join(ctx, p.ChatID)
	case eventLeave:
		var p roomPayload
		if !c.decodeRoom(message, &p.ChatID, &p) {
			return
		}
		c.hub.Leave(c, p.ChatID)
		c.trySend(&Message{Type: EventLeft, ChatID: p.ChatID, Payload: p})
	case eventSend, aliasSendMessage:
		var p sendPayload
		if !c.decode(message.Payload, &p) {
			return
		}
		if p.ChatID == "" {
			p.ChatID = message.ChatID
		}
		c.sendMessage(ctx, p)
	case eventMarkRead, aliasMarkMessagesRead:
		var p roomPayload
		if !c.decodeRoom(message, &p.ChatID, &p) {
			return
		}
		c.markRead(ctx, p.ChatID)
	case eventPing:
		c.trySend(&Message{
			Type: EventPong,
			Payload: map[string]interface{}{
				"timestamp": time.Now().Unix(),
			},
		})
	default:
		c.sendInvalid("unknown event type: " + message.Type)
	}
}

// decodeRoom decodes a payload that only needs a chat id, which may also
// come from the envelope.
func (c *Client) decodeRoom(message inboundMessage, chatID *string, dest interface{}) bool {
	if len(message.Payload) == 0 || string(message.Payload) == "null" {
		if message.ChatID == "" {
			c.sendInvalid("chat_id is required")
			return false
		}
		*chatID = message.ChatID
		return true
	}
	if !c.decode(message.Payload, dest) {
		return false
	}
	if *chatID == "" {
		*chatID = message.ChatID
	}
	return true
}

func (c *Client) decode(raw json.RawMessage, dest interface{}) bool {
	if len(raw) == 0 {
		c.sendInvalid("payload is required")
		return false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		c.sendInvalid("invalid payload")
		return false
	}
	return true
}

// join authorizes the connection for the room, subscribes it, clears the
// user's unread counter and tells the rest of the room.
func (c *Client) join(ctx context.Context, chatID string) {
	if err := c.chatService.Authorize(ctx, chatID, c.UserID); err != nil {
		c.sendError(chatID, err)
		return
	}
	if !c.hub.Join(c, chatID) {
		return
	}

	state, err := c.chatService.MarkRead(ctx, chatID, c.UserID)
	if err != nil {
		c.hub.Leave(c, chatID)
		c.sendError(chatID, err)
		return
	}
	c.trySend(&Message{Type: EventJoined, ChatID: chatID, Payload: state})
	c.hub.BroadcastToRoom(chatID, &Message{Type: EventMessagesRead, ChatID: chatID, Payload: state}, c)
	log.Printf("User %s (%s) joined chat %s", c.UserID, c.Role, chatID)
}

func (c *Client) sendMessage(ctx context.Context, p sendPayload) {
	msg, err := c.chatService.SendMessage(ctx, service.SendMessageInput{
		ChatID:      p.ChatID,
		SenderID:    c.UserID,
		Content:     p.Content,
		MessageType: p.MessageType,
		FileURL:     p.FileURL,
	})
	if err != nil {
		c.sendError(p.ChatID, err)
		return
	}

	event := &Message{Type: EventNewMessage, ChatID: p.ChatID, Payload: msg}
	c.hub.BroadcastToRoom(p.ChatID, event, nil)
	if !c.hub.InRoom(c, p.ChatID) {
		c.trySend(event)
	}
}

func (c *Client) markRead(ctx context.Context, chatID string) {
	state, err := c.chatService.MarkRead(ctx, chatID, c.UserID)
	if err != nil {
		c.sendError(chatID, err)
		return
	}
	event := &Message{Type: EventMessagesRead, ChatID: chatID, Payload: state}
	c.hub.BroadcastToRoom(chatID, event, nil)
	if !c.hub.InRoom(c, chatID) {
		c.trySend(event)
	}
}

// writePump pumps messages from the hub to the websocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			jsonData, err := json.Marshal(message)
			if err != nil {
				log.Printf("Error marshaling message: %v", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, jsonData); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Start starts the client's read and write pumps
func (c *Client) Start() {
	go c.writePump()
	c.readPump()
}
