package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"checkout-service/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	keys   []string
	events []interface{}
	err    error
}

func (w *recordingWriter) PublishEvent(_ context.Context, key string, event interface{}) error {
	if w.err != nil {
		return w.err
	}
	w.keys = append(w.keys, key)
	w.events = append(w.events, event)
	return nil
}

func TestEventPublisher_KeysBySession(t *testing.T) {
	w := &recordingWriter{}
	ep := NewEventPublisher(w)
	ctx := context.Background()

	require.NoError(t, ep.PublishOrderPlaced(ctx, &models.OrderPlacedEvent{
		BaseEvent:        models.NewBaseEvent(models.EventTypeOrderPlaced),
		PaymentSessionID: "ps_1",
	}))
	require.NoError(t, ep.PublishOrderPersistenceFailed(ctx, &models.OrderPersistenceFailedEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypeOrderPersistenceFailed),
		Draft:     models.OrderDraft{PaymentSessionID: "ps_2"},
	}))

	assert.Equal(t, []string{"session-ps_1", "session-ps_2"}, w.keys)
}

func TestEventPublisher_PropagatesWriteError(t *testing.T) {
	ep := NewEventPublisher(&recordingWriter{err: errors.New("broker down")})

	err := ep.PublishCheckoutCancelled(context.Background(), &models.CheckoutCancelledEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypeCheckoutCancelled),
	})
	assert.EqualError(t, err, "broker down")
}

func TestEventHandler_RoutesPersistenceFailed(t *testing.T) {
	event := models.OrderPersistenceFailedEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypeOrderPersistenceFailed),
		Draft: models.OrderDraft{
			UserID:           "u1",
			PaymentSessionID: "ps_9",
			TotalAmount:      decimal.NewFromInt(1049),
		},
		Error: "connection reset",
	}
	payload, err := json.Marshal(event)
	require.NoError(t, err)

	var got *models.OrderPersistenceFailedEvent
	eh := NewEventHandler()
	eh.OnOrderPersistenceFailed(func(_ context.Context, e *models.OrderPersistenceFailedEvent) error {
		got = e
		return nil
	})

	require.NoError(t, eh.HandleMessage(context.Background(), kafka.Message{Value: payload}))
	require.NotNil(t, got)
	assert.Equal(t, "ps_9", got.Draft.PaymentSessionID)
	assert.True(t, decimal.NewFromInt(1049).Equal(got.Draft.TotalAmount))
	assert.Equal(t, event.EventID, got.EventID)
}

func TestEventHandler_HandlerErrorIsReturned(t *testing.T) {
	payload, _ := json.Marshal(models.PaymentReviewRequiredEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypePaymentReviewRequired),
	})

	eh := NewEventHandler()
	eh.OnPaymentReviewRequired(func(context.Context, *models.PaymentReviewRequiredEvent) error {
		return errors.New("boom")
	})

	assert.EqualError(t, eh.HandleMessage(context.Background(), kafka.Message{Value: payload}), "boom")
}

func TestEventHandler_IgnoresOtherEvents(t *testing.T) {
	payload, _ := json.Marshal(models.OrderPlacedEvent{BaseEvent: models.NewBaseEvent(models.EventTypeOrderPlaced)})

	eh := NewEventHandler()
	eh.OnOrderPersistenceFailed(func(context.Context, *models.OrderPersistenceFailedEvent) error {
		t.Fatal("should not be called")
		return nil
	})

	assert.NoError(t, eh.HandleMessage(context.Background(), kafka.Message{Value: payload}))
}

func TestEventHandler_BadPayload(t *testing.T) {
	eh := NewEventHandler()
	assert.ErrorIs(t, eh.HandleMessage(context.Background(), kafka.Message{Value: []byte("nope")}), ErrMalformedEvent)
}
