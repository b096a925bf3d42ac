package worker

import (
	"context"
	"fmt"

	"checkout-service/internal/broker"
	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// EventSource is the consumer side of the checkout topic.
type EventSource interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// ReconcileStore is what reconciliation needs from persistence.
type ReconcileStore interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
	CreateOrder(ctx context.Context, draft *models.OrderDraft) (*models.Order, error)
	UpdateSessionStatus(ctx context.Context, sessionID, status string) error
}

// OrderPlacedPublisher announces reconciled orders.
type OrderPlacedPublisher interface {
	PublishOrderPlaced(ctx context.Context, event *models.OrderPlacedEvent) error
}

// ReconciliationWorker replays order drafts whose payment went through but
// whose order could not be stored during checkout.
type ReconciliationWorker struct {
	consumer     EventSource
	eventHandler *broker.EventHandler
	store        ReconcileStore
	publisher    OrderPlacedPublisher
	logger       *zap.Logger
}

// NewReconciliationWorker creates a new reconciliation worker
func NewReconciliationWorker(consumer EventSource, store ReconcileStore, publisher OrderPlacedPublisher) *ReconciliationWorker {
	w := &ReconciliationWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		store:        store,
		publisher:    publisher,
		logger:       util.GetLogger(),
	}
	w.eventHandler.OnOrderPersistenceFailed(w.HandlePersistenceFailed)
	w.eventHandler.OnPaymentReviewRequired(w.HandleReviewRequired)
	return w
}

// Start blocks consuming events until ctx is done.
func (w *ReconciliationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting reconciliation worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop closes the consumer.
func (w *ReconciliationWorker) Stop() error {
	w.logger.Info("Stopping reconciliation worker")
	return w.consumer.Close()
}

// HandlePersistenceFailed stores the draft carried by the event. The store
// keys orders by payment session, so a replay of an order that did land
// returns the existing row.
func (w *ReconciliationWorker) HandlePersistenceFailed(ctx context.Context, event *models.OrderPersistenceFailedEvent) error {
	ctx, span := util.StartSpan(ctx, "ReconciliationWorker.HandlePersistenceFailed",
		attribute.String("session_id", event.Draft.PaymentSessionID))
	defer span.End()

	processed, err := w.store.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		w.logger.Info("Event already processed", zap.String("event_id", event.EventID))
		util.OrdersReconciledTotal.WithLabelValues("duplicate").Inc()
		return nil
	}

	draft := event.Draft
	w.logger.Warn("Reconciling payment without order",
		zap.String("session_id", draft.PaymentSessionID),
		zap.String("user_id", draft.UserID),
		zap.String("payment_ref", draft.PaymentRef),
		zap.String("original_error", event.Error))

	order, err := w.store.CreateOrder(ctx, &draft)
	if err != nil {
		util.RecordError(span, err)
		util.OrdersReconciledTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("failed to reconcile order for session %s: %w", draft.PaymentSessionID, err)
	}

	if err := w.store.UpdateSessionStatus(ctx, draft.PaymentSessionID, models.SessionStatusOrdered); err != nil {
		w.logger.Error("Failed to mark payment session ordered",
			zap.String("session_id", draft.PaymentSessionID),
			zap.Error(err))
	}

	if err := w.publisher.PublishOrderPlaced(ctx, &models.OrderPlacedEvent{
		BaseEvent:        models.NewBaseEvent(models.EventTypeOrderPlaced),
		OrderID:          order.ID,
		UserID:           order.UserID,
		TotalAmount:      order.TotalAmount,
		Status:           order.Status,
		PaymentStatus:    order.PaymentStatus,
		PaymentMethod:    order.PaymentMethod,
		PaymentSessionID: order.PaymentSessionID,
		Reconciled:       true,
	}); err != nil {
		w.logger.Error("Failed to publish reconciled order", zap.Error(err))
	}

	if err := w.store.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
		w.logger.Error("Failed to mark event processed", zap.Error(err))
	}

	util.OrdersReconciledTotal.WithLabelValues("created").Inc()
	w.logger.Info("Order reconciled",
		zap.Int64("order_id", order.ID),
		zap.String("session_id", draft.PaymentSessionID))
	return nil
}

// HandleReviewRequired surfaces unverified payments in the logs for the
// operators working the review queue.
func (w *ReconciliationWorker) HandleReviewRequired(ctx context.Context, event *models.PaymentReviewRequiredEvent) error {
	w.logger.Warn("Order awaiting payment review",
		zap.String("session_id", event.PaymentSessionID),
		zap.String("remote_order_id", event.RemoteOrderID),
		zap.String("payment_ref", event.PaymentRef),
		zap.String("reason", event.Reason))
	return nil
}
