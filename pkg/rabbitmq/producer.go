/**
 * @description
 * This package provides a small producer/consumer pair for the RabbitMQ topic
 * exchange shared by the platform services. The producer publishes JSON events
 * and reopens its channel once if a publish fails.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

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

// ErrPublisherUnavailable is returned by the fallback publisher.
var ErrPublisherUnavailable = errors.New("rabbitmq publisher unavailable")

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	Close()
}

// EventProducer holds the RabbitMQ connection and channel for publishing messages.
type EventProducer struct {
	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

// EventProducerFallback is used when RabbitMQ is unavailable at startup. It
// reports every publish as failed so callers can surface the miss.
type EventProducerFallback struct{}

func (p *EventProducerFallback) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"publish skipped\" exchange=%s routing_key=%s", exchange, routingKey)
	return ErrPublisherUnavailable
}

func (p *EventProducerFallback) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// If any stray characters precede the scheme, slice from first occurrence of amqp
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", fmt.Errorf("invalid AMQP scheme %q: must be amqp:// or amqps://", u.Scheme)
	}
	return clean, nil
}

// NewEventProducer dials RabbitMQ and opens a publishing channel.
func NewEventProducer(amqpURL string) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &EventProducer{conn: conn, channel: ch}, nil
}

// Publish sends body as JSON to exchange with routingKey. The exchange is
// declared as a durable topic exchange on every call.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		log.Printf("level=error component=rabbitmq_producer msg=\"json marshal failed\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
		return err
	}
	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Body:         jsonBody,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.publishLocked(ctx, exchange, routingKey, msg)
	if err == nil {
		return nil
	}

	log.Printf("level=warn component=rabbitmq_producer msg=\"publish failed; reopening channel\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
	if p.conn == nil || p.conn.IsClosed() {
		return err
	}
	ch, chErr := p.conn.Channel()
	if chErr != nil {
		return chErr
	}
	p.channel = ch
	return p.publishLocked(ctx, exchange, routingKey, msg)
}

func (p *EventProducer) publishLocked(ctx context.Context, exchange, routingKey string, msg amqp091.Publishing) error {
	if err := p.channel.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,      // args
	); err != nil {
		return err
	}
	return p.channel.PublishWithContext(ctx,
		exchange,   // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		msg,
	)
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
