package util

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"carechat/internal/config"

	amqp "github.com/rabbitmq/amqp091-go"
)

type RabbitMQClient struct {
	url     string
	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

func NewRabbitMQClient(cfg *config.Config) (*RabbitMQClient, error) {
	c := &RabbitMQClient{url: cfg.RabbitMQAddr()}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *RabbitMQClient) connect() error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open RabbitMQ channel: %w", err)
	}
	c.conn = conn
	c.channel = ch
	return nil
}

// GetChannel returns the shared channel, reopening the connection when it
// was closed by the broker.
func (c *RabbitMQClient) GetChannel() *amqp.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.conn.IsClosed() || c.channel == nil || c.channel.IsClosed() {
		if c.conn != nil && !c.conn.IsClosed() {
			c.conn.Close()
		}
		if err := c.connect(); err != nil {
			log.Printf("RabbitMQ reconnect failed: %v", err)
			return nil
		}
		log.Println("RabbitMQ reconnected")
	}
	return c.channel
}

// DeclareFanout declares a durable fanout exchange.
func (c *RabbitMQClient) DeclareFanout(exchange string) error {
	ch := c.GetChannel()
	if ch == nil {
		return fmt.Errorf("rabbitmq channel unavailable")
	}
	return ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil)
}

// Publish sends a transient JSON message to an exchange.
func (c *RabbitMQClient) Publish(exchange, routingKey string, body []byte) error {
	ch := c.GetChannel()
	if ch == nil {
		return fmt.Errorf("rabbitmq channel unavailable")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

func (c *RabbitMQClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
