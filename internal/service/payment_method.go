package service

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"checkout-service/internal/models"

	"github.com/shopspring/decimal"
)

// UPI sub-flows.
const (
	UPIModeIntent = "intent"
	UPIModeQR     = "qr"
	UPIModeManual = "manual"
)

// PaymentMethodSelector holds the customer's chosen method.
type PaymentMethodSelector struct {
	method models.PaymentMethod
}

func NewPaymentMethodSelector() *PaymentMethodSelector {
	return &PaymentMethodSelector{method: models.PaymentMethodCOD}
}

func (s *PaymentMethodSelector) Method() models.PaymentMethod {
	return s.method
}

// Select changes the method. Unknown methods are rejected.
func (s *PaymentMethodSelector) Select(m models.PaymentMethod) error {
	if !m.Valid() {
		return fmt.Errorf("%w: unknown payment method %q", ErrValidation, m)
	}
	s.method = m
	return nil
}

// MethodOption is one entry of the payment method list.
type MethodOption struct {
	Method    models.PaymentMethod `json:"method"`
	Label     string               `json:"label"`
	Available bool                 `json:"available"`
	Degraded  bool                 `json:"degraded"`
	Note      string               `json:"note,omitempty"`
}

// Methods lists the payment methods. Online methods are degraded when the
// gateway cannot be used.
func Methods(onlineAvailable bool) []MethodOption {
	online := func(m models.PaymentMethod, label string) MethodOption {
		opt := MethodOption{Method: m, Label: label, Available: true}
		if !onlineAvailable {
			opt.Available = false
			opt.Degraded = true
			opt.Note = "Online payments are temporarily unavailable"
		}
		return opt
	}

	return []MethodOption{
		{Method: models.PaymentMethodCOD, Label: "Cash on Delivery", Available: true},
		online(models.PaymentMethodUPI, "UPI"),
		online(models.PaymentMethodCard, "Credit / Debit Card"),
	}
}

// UPIQRCode is a pay-to-merchant code. Expiry is advisory: a stale code is
// flagged so the customer can regenerate it.
type UPIQRCode struct {
	URI              string            `json:"uri"`
	IntentLinks      map[string]string `json:"intent_links"`
	Amount           decimal.Decimal   `json:"amount"`
	Note             string            `json:"note"`
	IssuedAt         time.Time         `json:"issued_at"`
	ExpiresAt        time.Time         `json:"expires_at"`
	SecondsRemaining int               `json:"seconds_remaining"`
	Stale            bool              `json:"stale"`
}

// NewUPIQRCode builds the code for sessionID. An empty currency means INR.
func NewUPIQRCode(vpa, merchant, currency string, amount decimal.Decimal, sessionID string, now time.Time, expiry time.Duration) UPIQRCode {
	if currency == "" {
		currency = "INR"
	}
	note := "Order " + sessionID
	query := strings.Join([]string{
		"pa=" + url.PathEscape(vpa),
		"pn=" + url.PathEscape(merchant),
		"am=" + amount.StringFixed(2),
		"cu=" + url.PathEscape(currency),
		"tn=" + url.PathEscape(note),
	}, "&")

	q := UPIQRCode{
		URI: "upi://pay?" + query,
		IntentLinks: map[string]string{
			"gpay":    "tez://upi/pay?" + query,
			"phonepe": "phonepe://pay?" + query,
			"paytm":   "paytmmp://pay?" + query,
		},
		Amount:    amount,
		Note:      note,
		IssuedAt:  now,
		ExpiresAt: now.Add(expiry),
	}
	return q.At(now)
}

// At returns q with the countdown evaluated at now.
func (q UPIQRCode) At(now time.Time) UPIQRCode {
	remaining := q.ExpiresAt.Sub(now)
	if remaining <= 0 {
		q.SecondsRemaining = 0
		q.Stale = true
		return q
	}
	q.SecondsRemaining = int(remaining.Round(time.Second) / time.Second)
	q.Stale = false
	return q
}

// UPIOptionsView is what the UPI sub-view shows.
type UPIOptionsView struct {
	SessionID       string          `json:"session_id"`
	Amount          decimal.Decimal `json:"amount"`
	QR              UPIQRCode       `json:"qr"`
	IntentAvailable bool            `json:"intent_available"`
	Modes           []string        `json:"modes"`
}
