package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"leadflow/internal/models"

	"github.com/segmentio/kafka-go"
)

// EventPublisher handles publishing pipeline domain events. Publishing is
// best-effort: stages log publish failures and continue, persisted state is
// the source of truth.
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishPaymentConfirmed publishes PaymentConfirmed event
func (ep *EventPublisher) PublishPaymentConfirmed(ctx context.Context, event *models.PaymentConfirmedEvent) error {
	return ep.producer.PublishEvent(ctx, searchKey(event.SearchID), event)
}

// PublishEnrichmentStarted publishes EnrichmentStarted event
func (ep *EventPublisher) PublishEnrichmentStarted(ctx context.Context, event *models.EnrichmentStartedEvent) error {
	return ep.producer.PublishEvent(ctx, searchKey(event.SearchID), event)
}

// PublishEnrichmentCompleted publishes EnrichmentCompleted event
func (ep *EventPublisher) PublishEnrichmentCompleted(ctx context.Context, event *models.EnrichmentCompletedEvent) error {
	return ep.producer.PublishEvent(ctx, searchKey(event.SearchID), event)
}

// PublishEnrichmentFailed publishes EnrichmentFailed event
func (ep *EventPublisher) PublishEnrichmentFailed(ctx context.Context, event *models.EnrichmentFailedEvent) error {
	return ep.producer.PublishEvent(ctx, searchKey(event.SearchID), event)
}

// PublishOrderDelivered publishes OrderDelivered event
func (ep *EventPublisher) PublishOrderDelivered(ctx context.Context, event *models.OrderDeliveredEvent) error {
	return ep.producer.PublishEvent(ctx, searchKey(event.SearchID), event)
}

// PublishDeliveryFailed publishes DeliveryFailed event
func (ep *EventPublisher) PublishDeliveryFailed(ctx context.Context, event *models.DeliveryFailedEvent) error {
	return ep.producer.PublishEvent(ctx, searchKey(event.SearchID), event)
}

// PublishSearchCompleted publishes SearchCompleted event
func (ep *EventPublisher) PublishSearchCompleted(ctx context.Context, event *models.SearchCompletedEvent) error {
	return ep.producer.PublishEvent(ctx, searchKey(event.SearchID), event)
}

func searchKey(searchID string) string {
	return fmt.Sprintf("search-%s", searchID)
}

// EventHandler routes incoming pipeline events to registered handlers
type EventHandler struct {
	onPaymentConfirmed func(context.Context, *models.PaymentConfirmedEvent) error
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{}
}

// OnPaymentConfirmed registers a handler for PaymentConfirmed events
func (eh *EventHandler) OnPaymentConfirmed(handler func(context.Context, *models.PaymentConfirmedEvent) error) {
	eh.onPaymentConfirmed = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	switch baseEvent.EventType {
	case models.EventTypePaymentConfirmed:
		if eh.onPaymentConfirmed != nil {
			var event models.PaymentConfirmedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal PaymentConfirmed event: %w", err)
			}
			return eh.onPaymentConfirmed(ctx, &event)
		}

	default:
		// Other pipeline events are informational; nothing to re-trigger.
	}

	return nil
}
