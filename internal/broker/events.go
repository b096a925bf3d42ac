package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventWriter is the part of Producer the publisher needs.
type EventWriter interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
}

// EventPublisher handles publishing checkout domain events. Every event is
// keyed by payment session so a session's events stay on one partition.
type EventPublisher struct {
	producer EventWriter
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer EventWriter) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func sessionKey(sessionID string) string {
	return fmt.Sprintf("session-%s", sessionID)
}

// PublishOrderPlaced publishes OrderPlaced event
func (ep *EventPublisher) PublishOrderPlaced(ctx context.Context, event *models.OrderPlacedEvent) error {
	return ep.producer.PublishEvent(ctx, sessionKey(event.PaymentSessionID), event)
}

// PublishPaymentVerified publishes PaymentVerified event
func (ep *EventPublisher) PublishPaymentVerified(ctx context.Context, event *models.PaymentVerifiedEvent) error {
	return ep.producer.PublishEvent(ctx, sessionKey(event.PaymentSessionID), event)
}

// PublishPaymentReviewRequired publishes PaymentReviewRequired event
func (ep *EventPublisher) PublishPaymentReviewRequired(ctx context.Context, event *models.PaymentReviewRequiredEvent) error {
	return ep.producer.PublishEvent(ctx, sessionKey(event.PaymentSessionID), event)
}

// PublishOrderPersistenceFailed publishes the draft of an order that could
// not be stored after its payment went through.
func (ep *EventPublisher) PublishOrderPersistenceFailed(ctx context.Context, event *models.OrderPersistenceFailedEvent) error {
	return ep.producer.PublishEvent(ctx, sessionKey(event.Draft.PaymentSessionID), event)
}

// PublishCheckoutCancelled publishes CheckoutCancelled event
func (ep *EventPublisher) PublishCheckoutCancelled(ctx context.Context, event *models.CheckoutCancelledEvent) error {
	return ep.producer.PublishEvent(ctx, sessionKey(event.PaymentSessionID), event)
}

// EventHandler handles incoming events
type EventHandler struct {
	onPersistenceFailed func(context.Context, *models.OrderPersistenceFailedEvent) error
	onReviewRequired    func(context.Context, *models.PaymentReviewRequiredEvent) error
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{}
}

// OnOrderPersistenceFailed registers a handler for OrderPersistenceFailed events
func (eh *EventHandler) OnOrderPersistenceFailed(handler func(context.Context, *models.OrderPersistenceFailedEvent) error) {
	eh.onPersistenceFailed = handler
}

// OnPaymentReviewRequired registers a handler for PaymentReviewRequired events
func (eh *EventHandler) OnPaymentReviewRequired(handler func(context.Context, *models.PaymentReviewRequiredEvent) error) {
	eh.onReviewRequired = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("%w: base event: %v", ErrMalformedEvent, err)
	}

	logger := util.GetLogger()
	logger.Debug("Handling event",
		zap.String("event_type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeOrderPersistenceFailed:
		if eh.onPersistenceFailed != nil {
			var event models.OrderPersistenceFailedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("%w: OrderPersistenceFailed event: %v", ErrMalformedEvent, err)
			}
			return eh.onPersistenceFailed(ctx, &event)
		}

	case models.EventTypePaymentReviewRequired:
		if eh.onReviewRequired != nil {
			var event models.PaymentReviewRequiredEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("%w: PaymentReviewRequired event: %v", ErrMalformedEvent, err)
			}
			return eh.onReviewRequired(ctx, &event)
		}

	default:
		// the topic also carries events for downstream consumers
	}

	return nil
}
