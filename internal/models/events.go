package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeOrderPlaced            = "ORDER_PLACED"
	EventTypePaymentVerified        = "PAYMENT_VERIFIED"
	EventTypePaymentReviewRequired  = "PAYMENT_REVIEW_REQUIRED"
	EventTypeOrderPersistenceFailed = "ORDER_PERSISTENCE_FAILED"
	EventTypeCheckoutCancelled      = "CHECKOUT_CANCELLED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// NewBaseEvent stamps a fresh event id and time.
func NewBaseEvent(eventType string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

// OrderPlacedEvent published once an order is durably stored.
type OrderPlacedEvent struct {
	BaseEvent
	OrderID          int64           `json:"order_id"`
	UserID           string          `json:"user_id"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	Status           string          `json:"status"`
	PaymentStatus    string          `json:"payment_status"`
	PaymentMethod    PaymentMethod   `json:"payment_method"`
	PaymentSessionID string          `json:"payment_session_id"`
	Reconciled       bool            `json:"reconciled,omitempty"`
}

// PaymentVerifiedEvent published when the verifier confirms a payment.
type PaymentVerifiedEvent struct {
	BaseEvent
	PaymentSessionID string `json:"payment_session_id"`
	RemoteOrderID    string `json:"remote_order_id"`
	PaymentRef       string `json:"payment_ref"`
}

// PaymentReviewRequiredEvent published for orders whose payment could not be
// confirmed and needs an operator.
type PaymentReviewRequiredEvent struct {
	BaseEvent
	PaymentSessionID string `json:"payment_session_id"`
	RemoteOrderID    string `json:"remote_order_id,omitempty"`
	PaymentRef       string `json:"payment_ref,omitempty"`
	Reason           string `json:"reason"`
}

// OrderPersistenceFailedEvent carries the draft of an order whose payment
// was attempted but which could not be stored.
type OrderPersistenceFailedEvent struct {
	BaseEvent
	Draft OrderDraft `json:"draft"`
	Error string     `json:"error"`
}

// CheckoutCancelledEvent published when an online attempt ends without an order.
type CheckoutCancelledEvent struct {
	BaseEvent
	PaymentSessionID string `json:"payment_session_id"`
	UserID           string `json:"user_id"`
	Reason           string `json:"reason"`
}
