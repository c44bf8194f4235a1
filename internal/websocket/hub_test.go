package websocket

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRelay struct {
	mu        sync.Mutex
	published []string
	err       error
}

func (f *fakeRelay) Publish(chatID string, message *Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, chatID+":"+message.Type)
	return f.err
}

func newTestClient(hub *Hub, userID string) *Client {
	return NewClient(hub, nil, nil, userID, "PATIENT")
}

func drain(c *Client) []*Message {
	var out []*Message
	for {
		select {
		case m, ok := <-c.send:
			if !ok {
				return out
			}
			out = append(out, m)
		default:
			return out
		}
	}
}

func TestHubJoinRequiresRegistration(t *testing.T) {
	hub := NewHub()
	c := newTestClient(hub, "u1")

	assert.False(t, hub.Join(c, "chat-1"))
	assert.Equal(t, 0, hub.RoomSize("chat-1"))

	hub.Register(c)
	assert.True(t, hub.Join(c, "chat-1"))
	assert.True(t, hub.InRoom(c, "chat-1"))
	assert.Equal(t, 1, hub.RoomSize("chat-1"))
}

func TestHubBroadcastToRoomHonoursExclude(t *testing.T) {
	hub := NewHub()
	a, b, outsider := newTestClient(hub, "a"), newTestClient(hub, "b"), newTestClient(hub, "c")
	for _, c := range []*Client{a, b, outsider} {
		hub.Register(c)
	}
	hub.Join(a, "chat-1")
	hub.Join(b, "chat-1")
	hub.Join(outsider, "chat-2")

	hub.BroadcastToRoom("chat-1", &Message{Type: EventMessagesRead, ChatID: "chat-1"}, a)

	assert.Empty(t, drain(a))
	got := drain(b)
	require.Len(t, got, 1)
	assert.Equal(t, EventMessagesRead, got[0].Type)
	assert.Empty(t, drain(outsider))

	hub.BroadcastToRoom("chat-1", &Message{Type: EventNewMessage, ChatID: "chat-1"}, nil)
	assert.Len(t, drain(a), 1)
	assert.Len(t, drain(b), 1)
}

func TestHubUnregisterLeavesEveryRoom(t *testing.T) {
	hub := NewHub()
	a, b := newTestClient(hub, "a"), newTestClient(hub, "b")
	hub.Register(a)
	hub.Register(b)
	hub.Join(a, "chat-1")
	hub.Join(a, "chat-2")
	hub.Join(b, "chat-1")

	hub.Unregister(a)
	hub.Unregister(a)

	assert.Equal(t, 1, hub.RoomSize("chat-1"))
	assert.Equal(t, 0, hub.RoomSize("chat-2"))
	assert.Equal(t, 1, hub.GetTotalClientCount())
	assert.False(t, a.trySend(&Message{Type: EventPong}))

	_, open := <-a.send
	assert.False(t, open)

	// b is unaffected
	hub.BroadcastToRoom("chat-1", &Message{Type: EventNewMessage}, nil)
	assert.Len(t, drain(b), 1)
}

func TestHubLeave(t *testing.T) {
	hub := NewHub()
	a := newTestClient(hub, "a")
	hub.Register(a)
	hub.Join(a, "chat-1")

	hub.Leave(a, "chat-1")
	assert.False(t, hub.InRoom(a, "chat-1"))
	assert.Equal(t, 0, hub.RoomSize("chat-1"))

	hub.BroadcastToRoom("chat-1", &Message{Type: EventNewMessage}, nil)
	assert.Empty(t, drain(a))
}

func TestHubDropsSlowClientOnly(t *testing.T) {
	hub := NewHub()
	slow, fast := newTestClient(hub, "slow"), newTestClient(hub, "fast")
	hub.Register(slow)
	hub.Register(fast)
	hub.Join(slow, "chat-1")
	hub.Join(fast, "chat-1")

	for i := 0; i < sendBufferSize; i++ {
		require.True(t, slow.trySend(&Message{Type: EventPong}))
	}

	hub.BroadcastToRoom("chat-1", &Message{Type: EventNewMessage}, nil)

	assert.Equal(t, 1, hub.GetTotalClientCount())
	assert.False(t, hub.InRoom(slow, "chat-1"))
	assert.True(t, hub.InRoom(fast, "chat-1"))
	assert.Len(t, drain(fast), 1)
}

func TestHubPublishesToRelay(t *testing.T) {
	hub := NewHub()
	relay := &fakeRelay{err: errors.New("broker down")}
	hub.SetRelay(relay)

	a := newTestClient(hub, "a")
	hub.Register(a)
	hub.Join(a, "chat-1")

	hub.BroadcastToRoom("chat-1", &Message{Type: EventNewMessage}, nil)

	// Local delivery does not depend on the relay.
	assert.Len(t, drain(a), 1)
	assert.Equal(t, []string{"chat-1:" + EventNewMessage}, relay.published)
}

func TestRabbitRelayDeliversForeignEventsOnly(t *testing.T) {
	hub := NewHub()
	a := newTestClient(hub, "a")
	hub.Register(a)
	hub.Join(a, "chat-1")

	local := NewRabbitRelay(nil, hub, "instance-a")
	remote := NewRabbitRelay(nil, hub, "instance-b")

	own, err := local.encode("chat-1", &Message{Type: EventNewMessage, Payload: map[string]string{"id": "m1"}})
	require.NoError(t, err)
	require.NoError(t, local.processDelivery(amqp.Delivery{Body: own}))
	assert.Empty(t, drain(a))

	foreign, err := remote.encode("chat-1", &Message{Type: EventNewMessage, Payload: map[string]string{"id": "m2"}})
	require.NoError(t, err)
	require.NoError(t, local.processDelivery(amqp.Delivery{Body: foreign}))

	got := drain(a)
	require.Len(t, got, 1)
	assert.Equal(t, EventNewMessage, got[0].Type)
	assert.Equal(t, "chat-1", got[0].ChatID)

	raw, err := json.Marshal(got[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"newMessage","chat_id":"chat-1","payload":{"id":"m2"}}`, string(raw))

	assert.Error(t, local.processDelivery(amqp.Delivery{Body: []byte("{")}))
	assert.Error(t, local.processDelivery(amqp.Delivery{Body: []byte(`{"origin":"x"}`)}))
}

func TestRabbitRelayConsumeReportsClosedStream(t *testing.T) {
	hub := NewHub()
	a := newTestClient(hub, "a")
	hub.Register(a)
	hub.Join(a, "chat-1")

	relay := NewRabbitRelay(nil, hub, "instance-a")
	remote := NewRabbitRelay(nil, hub, "instance-b")
	body, err := remote.encode("chat-1", &Message{Type: EventMessagesRead})
	require.NoError(t, err)

	msgs := make(chan amqp.Delivery, 2)
	msgs <- amqp.Delivery{Body: body}
	msgs <- amqp.Delivery{Body: []byte("{")}
	close(msgs)

	// A closed stream asks the caller to resubscribe.
	assert.True(t, relay.consume(msgs))
	assert.Len(t, drain(a), 1)

	relay.Stop()
	assert.False(t, relay.consume(make(chan amqp.Delivery)))
	assert.Nil(t, relay.resubscribe())
}
