package gateway

import (
	"checkout-service/internal/models"
)

// CheckoutOptions is what the storefront passes to the payment widget.
type CheckoutOptions struct {
	Key         string            `json:"key"`
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	OrderID     string            `json:"order_id,omitempty"`
	Prefill     Prefill           `json:"prefill"`
	Notes       map[string]string `json:"notes"`
	Theme       Theme             `json:"theme"`
	ScriptURL   string            `json:"script_url"`
	Method      string            `json:"method,omitempty"`
	SessionID   string            `json:"session_id"`
}

type Prefill struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Contact string `json:"contact"`
}

type Theme struct {
	Color string `json:"color"`
}

// UIRequest describes one widget to open. Method restricts the widget to a
// single payment method ("upi") when set. Only UserID may deliver messages
// to the widget. Present hands the options to whatever shows them to the
// customer.
type UIRequest struct {
	SessionID string
	UserID    string
	Handle    models.RemoteOrderHandle
	Contact   models.ShippingContact
	Method    string
	Present   func(CheckoutOptions)
}

func (c *Client) buildOptions(req UIRequest) CheckoutOptions {
	opts := CheckoutOptions{
		Key:         c.cfg.KeyID,
		Amount:      req.Handle.AmountMinor,
		Currency:    req.Handle.Currency,
		Name:        c.cfg.MerchantName,
		Description: "Order " + req.SessionID,
		Prefill: Prefill{
			Name:    req.Contact.Name,
			Email:   req.Contact.Email,
			Contact: req.Contact.Phone,
		},
		Notes: map[string]string{
			"session_id": req.SessionID,
			"receipt":    req.Handle.Receipt,
		},
		Theme:     Theme{Color: c.cfg.ThemeColor},
		ScriptURL: c.cfg.ScriptURL,
		Method:    req.Method,
		SessionID: req.SessionID,
	}
	if opts.Currency == "" {
		opts.Currency = c.cfg.Currency
	}
	// the widget rejects order ids it did not issue
	if !req.Handle.Synthesized {
		opts.OrderID = req.Handle.ID
	}
	return opts
}
