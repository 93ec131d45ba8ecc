package rabbitmq

import (
	"fmt"
	"log"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer binds a durable queue to routing keys on a topic exchange.
type Consumer struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewConsumer(amqpURL string) (*Consumer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch}, nil
}

// ConsumeWithBindings starts delivering messages to the handler registered for
// each routing key. A handler returning false re-queues the message.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]func([]byte) bool) error {
	if len(bindings) == 0 {
		return fmt.Errorf("no bindings provided")
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}

	handlers := make(map[string]func([]byte) bool)
	for routingKey, handler := range bindings {
		if handler == nil {
			continue
		}
		handlers[routingKey] = handler
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return err
		}
	}

	// One unacked message at a time keeps batch flushes for a queue sequential.
	if err := c.ch.Qos(1, 0, false); err != nil {
		return err
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		for d := range msgs {
			handler, ok := handlers[d.RoutingKey]
			if !ok {
				log.Printf("level=warn component=rabbitmq_consumer msg=\"no handler for routing key; dropping\" routing_key=%s", d.RoutingKey)
				d.Ack(false)
				continue
			}
			if handler(d.Body) {
				d.Ack(false)
			} else {
				log.Printf("level=warn component=rabbitmq_consumer msg=\"handler failed; re-queuing\" routing_key=%s", d.RoutingKey)
				d.Nack(false, true)
			}
		}
	}()

	return nil
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
