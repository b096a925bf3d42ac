package service

import (
	"context"
	"time"

	"checkout-service/internal/gateway"
	"checkout-service/internal/models"
)

// OrderCreator persists orders. CreateOrder must be idempotent on the
// draft's payment session id.
type OrderCreator interface {
	CreateOrder(ctx context.Context, draft *models.OrderDraft) (*models.Order, error)
}

// SessionStore records payment sessions for reconciliation.
type SessionStore interface {
	CreatePaymentSession(ctx context.Context, session *models.PaymentSession) error
	GetPaymentSession(ctx context.Context, sessionID string) (*models.PaymentSession, error)
	AttachRemoteOrder(ctx context.Context, sessionID, remoteOrderID string) error
	AttachPaymentRef(ctx context.Context, sessionID, paymentRef string) error
	UpdateSessionStatus(ctx context.Context, sessionID, status string) error
}

// CartStore is the cart collaborator.
type CartStore interface {
	Snapshot(ctx context.Context, userID string) ([]models.CartLineItem, error)
	Clear(ctx context.Context, userID string) error
}

// PaymentGateway creates remote orders and runs the payment widget.
type PaymentGateway interface {
	CreateRemoteOrder(ctx context.Context, amountMinor int64, receipt string, notes map[string]string) models.RemoteOrderHandle
	OpenPaymentUI(ctx context.Context, req gateway.UIRequest) gateway.Result
	Available() bool
}

// SubmissionLock serializes submissions for a key across instances.
type SubmissionLock interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// EventPublisher publishes checkout events.
type EventPublisher interface {
	PublishOrderPlaced(ctx context.Context, event *models.OrderPlacedEvent) error
	PublishPaymentVerified(ctx context.Context, event *models.PaymentVerifiedEvent) error
	PublishPaymentReviewRequired(ctx context.Context, event *models.PaymentReviewRequiredEvent) error
	PublishOrderPersistenceFailed(ctx context.Context, event *models.OrderPersistenceFailedEvent) error
	PublishCheckoutCancelled(ctx context.Context, event *models.CheckoutCancelledEvent) error
}
