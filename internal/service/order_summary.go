package service

import (
	"checkout-service/internal/models"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Summary is the priced view of a cart.
type Summary struct {
	Subtotal    decimal.Decimal `json:"subtotal"`
	ShippingFee decimal.Decimal `json:"shipping_fee"`
	Total       decimal.Decimal `json:"total"`
	ItemCount   int             `json:"item_count"`
}

// Project prices items. Shipping is free only when the subtotal is strictly
// above threshold.
func Project(items []models.CartLineItem, threshold, fee decimal.Decimal) Summary {
	subtotal := decimal.Zero
	count := 0
	for _, item := range items {
		subtotal = subtotal.Add(item.LineTotal())
		count += item.Quantity
	}

	shipping := fee
	if subtotal.GreaterThan(threshold) {
		shipping = decimal.Zero
	}

	return Summary{
		Subtotal:    subtotal,
		ShippingFee: shipping,
		Total:       subtotal.Add(shipping),
		ItemCount:   count,
	}
}

// AmountMinor is the total in paise.
func (s Summary) AmountMinor() int64 {
	return s.Total.Mul(hundred).Round(0).IntPart()
}
