package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

// Routing keys published on the entitlement exchange
const (
	OrderCreated   = "order.created"
	OrderPaid      = "order.paid"
	OrderFailed    = "order.failed"
	OrderCancelled = "order.cancelled"
	OrderRefunded  = "order.refunded"
	TrialActivated = "subscription.trial_activated"
	QuotaConsumed  = "subscription.consumed"
	DeviceClaimed  = "device.claimed"
)

// Event is the envelope every message carries
type Event struct {
	ID         string      `json:"id"`
	Type       string      `json:"type"`
	UserID     string      `json:"user_id"`
	OccurredAt time.Time   `json:"occurred_at"`
	Data       interface{} `json:"data"`
}

// NewEvent stamps an envelope for routingKey
func NewEvent(routingKey, userID string, data interface{}) Event {
	return Event{
		ID:         uuid.New().String(),
		Type:       routingKey,
		UserID:     userID,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}
}

// Publisher sends domain events. Publishing is best effort: callers log a
// failure and carry on, the ledger itself is the source of truth.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close()
}

// AMQPPublisher publishes JSON events to a topic exchange
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	if !strings.HasSuffix(clean, "/") {
		clean += "/"
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewAMQPPublisher dials RabbitMQ and declares the exchange once
func NewAMQPPublisher(amqpURL, exchange string) (*AMQPPublisher, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp091.Dial(cleanURL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	return &AMQPPublisher{
		conn:     conn,
		channel:  channel,
		exchange: exchange,
	}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// amqp channel 不是并发安全的
	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(ctx,
		p.exchange, // exchange
		event.Type, // routing key
		false,      // mandatory
		false,      // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    event.ID,
			Timestamp:    event.OccurredAt,
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	return nil
}

func (p *AMQPPublisher) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

// NoopPublisher stands in when RabbitMQ is not configured or unreachable.
// Connect logs that once; dropped events are silent.
type NoopPublisher struct{}

func (NoopPublisher) Publish(ctx context.Context, event Event) error {
	return nil
}

func (NoopPublisher) Close() {}

// Connect returns an AMQP publisher, or a NoopPublisher when url is empty or
// the broker cannot be reached
func Connect(amqpURL, exchange string) Publisher {
	if amqpURL == "" {
		log.Printf("[events] RABBITMQ_URL not set, events disabled")
		return NoopPublisher{}
	}
	p, err := NewAMQPPublisher(amqpURL, exchange)
	if err != nil {
		log.Printf("[events] RabbitMQ unavailable, events disabled: %v", err)
		return NoopPublisher{}
	}
	log.Printf("[events] Publishing to exchange %s", exchange)
	return p
}
