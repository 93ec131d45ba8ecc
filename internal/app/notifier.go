package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/groupgift/settlement-service/internal/domain"
)

// EmailRequestedRoutingKey is consumed by the mail service.
const EmailRequestedRoutingKey = "notification.email.requested"

// Notifier delivers a resolved email request.
type Notifier interface {
	Send(ctx context.Context, n domain.EmailNotification) error
}

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// EventNotifier publishes email requests to the events exchange.
type EventNotifier struct {
	publisher EventPublisher
	exchange  string
}

func NewEventNotifier(publisher EventPublisher, exchange string) *EventNotifier {
	return &EventNotifier{publisher: publisher, exchange: exchange}
}

func (n *EventNotifier) Send(ctx context.Context, notification domain.EmailNotification) error {
	if strings.TrimSpace(notification.To) == "" {
		return fmt.Errorf("notification %s has no recipient", notification.Template)
	}
	if notification.Data == nil {
		notification.Data = map[string]any{}
	}
	if err := n.publisher.Publish(ctx, n.exchange, EmailRequestedRoutingKey, notification); err != nil {
		return fmt.Errorf("publish %s to %s: %w", notification.Template, notification.To, err)
	}
	return nil
}
