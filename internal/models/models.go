package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentMethod is the customer's choice for settling an order.
type PaymentMethod string

const (
	PaymentMethodCOD  PaymentMethod = "cod"
	PaymentMethodUPI  PaymentMethod = "upi"
	PaymentMethodCard PaymentMethod = "card"
)

// Valid reports whether m is one of the supported methods.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCOD, PaymentMethodUPI, PaymentMethodCard:
		return true
	}
	return false
}

// Online reports whether m goes through the payment gateway.
func (m PaymentMethod) Online() bool {
	return m == PaymentMethodUPI || m == PaymentMethodCard
}

// Order statuses
const (
	OrderStatusConfirmed     = "confirmed"
	OrderStatusPaymentReview = "payment_review"
)

// Payment statuses
const (
	PaymentStatusPending             = "pending"
	PaymentStatusPaid                = "paid"
	PaymentStatusPendingVerification = "pending_verification"
)

// Payment session statuses
const (
	SessionStatusCreated         = "created"
	SessionStatusAwaitingPayment = "awaiting_payment"
	SessionStatusPaid            = "paid"
	SessionStatusCancelled       = "cancelled"
	SessionStatusAbandoned       = "abandoned"
	SessionStatusOrdered         = "ordered"
	SessionStatusOrphaned        = "orphaned"
)

// CartLineItem is one line of the cart snapshot taken when checkout starts.
type CartLineItem struct {
	ProductID       string          `json:"product_id"`
	Quantity        int             `json:"quantity"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	Size            string          `json:"size,omitempty"`
	Color           string          `json:"color,omitempty"`
	ProductName     string          `json:"product_name"`
	ProductImageRef string          `json:"product_image_ref,omitempty"`
}

// LineTotal is unit price times quantity.
func (li CartLineItem) LineTotal() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

// Validate rejects lines the checkout cannot price.
func (li CartLineItem) Validate() error {
	if li.ProductID == "" {
		return errors.New("line item has no product id")
	}
	if li.Quantity < 1 {
		return fmt.Errorf("product %s: quantity must be at least 1", li.ProductID)
	}
	if li.UnitPrice.IsNegative() {
		return fmt.Errorf("product %s: negative unit price", li.ProductID)
	}
	return nil
}

// ShippingContact holds the delivery address and contact details.
type ShippingContact struct {
	Name        string `json:"name"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	AddressLine string `json:"address_line"`
	City        string `json:"city"`
	State       string `json:"state"`
	PostalCode  string `json:"postal_code"`
}

// Value stores the contact as JSONB.
func (c ShippingContact) Value() (driver.Value, error) {
	return json.Marshal(c)
}

// Scan reads the contact back from JSONB.
func (c *ShippingContact) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, c)
	case string:
		return json.Unmarshal([]byte(v), c)
	case nil:
		*c = ShippingContact{}
		return nil
	}
	return fmt.Errorf("cannot scan %T into ShippingContact", src)
}

// RemoteOrderHandle is the gateway's pending charge intent. Synthesized
// handles were made locally after the remote call failed and can never be
// verified.
type RemoteOrderHandle struct {
	ID          string `json:"id"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	Receipt     string `json:"receipt"`
	Synthesized bool   `json:"synthesized"`
}

// PaymentReference is what the gateway hands back after a completed payment.
type PaymentReference struct {
	PaymentID string `json:"payment_id"`
	OrderID   string `json:"order_id,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// Empty reports whether no gateway payment id is present (manual UPI path).
func (r PaymentReference) Empty() bool {
	return r.PaymentID == ""
}

// PaymentSession correlates one checkout attempt across logs, the gateway and
// the order record.
type PaymentSession struct {
	SessionID         string          `db:"session_id" json:"session_id"`
	UserID            string          `db:"user_id" json:"user_id"`
	Method            PaymentMethod   `db:"method" json:"method"`
	Amount            decimal.Decimal `db:"amount" json:"amount"`
	RemoteOrderID     string          `db:"remote_order_id" json:"remote_order_id,omitempty"`
	GatewayPaymentRef string          `db:"gateway_payment_ref" json:"gateway_payment_ref,omitempty"`
	Status            string          `db:"status" json:"status"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// OrderDraft is everything needed to persist an order once upstream steps
// have succeeded.
type OrderDraft struct {
	UserID           string          `json:"user_id"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	ShippingFee      decimal.Decimal `json:"shipping_fee"`
	Status           string          `json:"status"`
	PaymentStatus    string          `json:"payment_status"`
	PaymentMethod    PaymentMethod   `json:"payment_method"`
	PaymentSessionID string          `json:"payment_session_id"`
	PaymentRef       string          `json:"payment_ref,omitempty"`
	ShippingContact  ShippingContact `json:"shipping_address"`
	Items            []CartLineItem  `json:"items"`
}

// PaymentPending reports whether the order still awaits payment confirmation.
func (d *OrderDraft) PaymentPending() bool {
	return d.PaymentStatus == PaymentStatusPendingVerification
}

// Order represents a persisted customer order
type Order struct {
	ID               int64           `db:"id" json:"id"`
	UserID           string          `db:"user_id" json:"user_id"`
	TotalAmount      decimal.Decimal `db:"total_amount" json:"total_amount"`
	ShippingFee      decimal.Decimal `db:"shipping_fee" json:"shipping_fee"`
	Status           string          `db:"status" json:"status"`
	PaymentStatus    string          `db:"payment_status" json:"payment_status"`
	PaymentMethod    PaymentMethod   `db:"payment_method" json:"payment_method"`
	PaymentSessionID string          `db:"payment_session_id" json:"payment_session_id"`
	PaymentRef       string          `db:"payment_ref" json:"payment_ref,omitempty"`
	ShippingAddress  ShippingContact `db:"shipping_address" json:"shipping_address"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
}

// OrderItem represents items in an order
type OrderItem struct {
	ID              int64           `db:"id" json:"id"`
	OrderID         int64           `db:"order_id" json:"order_id"`
	ProductID       string          `db:"product_id" json:"product_id"`
	ProductName     string          `db:"product_name" json:"product_name"`
	ProductImageRef string          `db:"product_image_ref" json:"product_image_ref,omitempty"`
	Size            string          `db:"size" json:"size,omitempty"`
	Color           string          `db:"color" json:"color,omitempty"`
	Quantity        int             `db:"quantity" json:"quantity"`
	UnitPrice       decimal.Decimal `db:"unit_price" json:"unit_price"`
}

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
