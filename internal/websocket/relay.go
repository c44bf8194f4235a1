package websocket

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"carechat/internal/util"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RoomEventsExchange is the fanout exchange every instance binds a private
// queue to.
const RoomEventsExchange = "chat_room_events"

const (
	relayRetryInitial = 2 * time.Second
	relayRetryMax     = 30 * time.Second
)

type relayEnvelope struct {
	Origin  string          `json:"origin"`
	ChatID  string          `json:"chat_id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RabbitRelay mirrors room broadcasts between server instances through
// RabbitMQ so that two participants connected to different instances still
// see each other's live events.
type RabbitRelay struct {
	rabbitMQ   *util.RabbitMQClient
	hub        *Hub
	instanceID string
	stopChan   chan bool
}

func NewRabbitRelay(rabbitMQ *util.RabbitMQClient, hub *Hub, instanceID string) *RabbitRelay {
	return &RabbitRelay{
		rabbitMQ:   rabbitMQ,
		hub:        hub,
		instanceID: instanceID,
		stopChan:   make(chan bool),
	}
}

// Start declares the exchange and this instance's exclusive queue, then
// consumes in a goroutine. If the broker closes the delivery stream the
// consumer is set up again with backoff until Stop is called.
func (r *RabbitRelay) Start() error {
	if r.rabbitMQ == nil {
		return nil
	}

	msgs, err := r.subscribe()
	if err != nil {
		return err
	}

	go func() {
		log.Printf("Room relay started for instance %s", r.instanceID)
		for {
			if !r.consume(msgs) {
				log.Println("Room relay stopped")
				return
			}
			log.Println("Warning: room relay queue closed, resubscribing")

			msgs = r.resubscribe()
			if msgs == nil {
				log.Println("Room relay stopped")
				return
			}
			log.Println("Room relay resubscribed")
		}
	}()

	return nil
}

// subscribe binds a server-named, exclusive, auto-deleted queue to the
// fanout exchange. The queue lives exactly as long as the connection.
func (r *RabbitRelay) subscribe() (<-chan amqp.Delivery, error) {
	channel := r.rabbitMQ.GetChannel()
	if channel == nil {
		return nil, fmt.Errorf("rabbitmq channel unavailable")
	}

	if err := r.rabbitMQ.DeclareFanout(RoomEventsExchange); err != nil {
		return nil, err
	}

	queue, err := channel.QueueDeclare(
		"",
		false,
		true,
		true,
		false,
		nil,
	)
	if err != nil {
		return nil, err
	}

	if err := channel.QueueBind(queue.Name, "", RoomEventsExchange, false, nil); err != nil {
		return nil, err
	}

	return channel.Consume(
		queue.Name,
		"room_relay_"+r.instanceID,
		false, // auto-ack
		true,
		false,
		false,
		nil,
	)
}

// consume drains msgs. It returns false when the relay was stopped and true
// when the delivery stream closed underneath it.
func (r *RabbitRelay) consume(msgs <-chan amqp.Delivery) bool {
	for {
		select {
		case <-r.stopChan:
			return false
		case msg, ok := <-msgs:
			if !ok {
				return true
			}
			if err := r.processDelivery(msg); err != nil {
				log.Printf("Error processing relayed room event: %v", err)
				// A malformed event will not improve on redelivery.
				msg.Nack(false, false)
			} else {
				msg.Ack(false)
			}
		}
	}
}

// resubscribe retries subscribe with exponential backoff. It returns nil
// once the relay is stopped.
func (r *RabbitRelay) resubscribe() <-chan amqp.Delivery {
	delay := relayRetryInitial
	for {
		select {
		case <-r.stopChan:
			return nil
		case <-time.After(delay):
		}

		msgs, err := r.subscribe()
		if err == nil {
			return msgs
		}
		log.Printf("Warning: room relay resubscribe failed: %v. Retrying in %v...", err, delay)

		delay *= 2
		if delay > relayRetryMax {
			delay = relayRetryMax
		}
	}
}

// Publish implements RoomRelay.
func (r *RabbitRelay) Publish(chatID string, message *Message) error {
	body, err := r.encode(chatID, message)
	if err != nil {
		return err
	}
	return r.rabbitMQ.Publish(RoomEventsExchange, "", body)
}

func (r *RabbitRelay) encode(chatID string, message *Message) ([]byte, error) {
	payload, err := json.Marshal(message.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(relayEnvelope{
		Origin:  r.instanceID,
		ChatID:  chatID,
		Type:    message.Type,
		Payload: payload,
	})
}

// processDelivery hands events from other instances to local room members.
// Events this instance published were already delivered locally.
func (r *RabbitRelay) processDelivery(msg amqp.Delivery) error {
	var env relayEnvelope
	if err := json.Unmarshal(msg.Body, &env); err != nil {
		return err
	}
	if env.Origin == r.instanceID {
		return nil
	}
	if env.ChatID == "" || env.Type == "" {
		return fmt.Errorf("relayed event missing chat_id or type")
	}

	r.hub.deliverLocal(env.ChatID, &Message{
		Type:    env.Type,
		ChatID:  env.ChatID,
		Payload: env.Payload,
	}, nil)
	return nil
}

func (r *RabbitRelay) Stop() {
	close(r.stopChan)
}
