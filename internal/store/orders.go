package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
)

// CreateOrder stores draft and its items in one transaction. The payment
// session id is unique, so replaying a draft returns the order created the
// first time instead of inserting a second one.
func (s *Store) CreateOrder(ctx context.Context, draft *models.OrderDraft) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "Store.CreateOrder",
		attribute.String("payment_session_id", draft.PaymentSessionID))
	defer span.End()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO orders (user_id, total_amount, shipping_fee, status, payment_status,
			payment_method, payment_session_id, payment_ref, shipping_address)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (payment_session_id) DO NOTHING
		RETURNING *`

	var order models.Order
	err = tx.GetContext(ctx, &order, query,
		draft.UserID, draft.TotalAmount, draft.ShippingFee, draft.Status, draft.PaymentStatus,
		draft.PaymentMethod, draft.PaymentSessionID, draft.PaymentRef, draft.ShippingContact)
	if errors.Is(err, sql.ErrNoRows) {
		existing, getErr := s.GetOrderBySessionID(ctx, draft.PaymentSessionID)
		if getErr != nil {
			return nil, getErr
		}
		return existing, nil
	}
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to insert order: %w", err)
	}

	for _, item := range draft.Items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, product_id, product_name, product_image_ref, size, color, quantity, unit_price)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			order.ID, item.ProductID, item.ProductName, item.ProductImageRef, item.Size, item.Color,
			item.Quantity, item.UnitPrice)
		if err != nil {
			util.RecordError(span, err)
			return nil, fmt.Errorf("failed to insert order item %s: %w", item.ProductID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit order: %w", err)
	}
	return &order, nil
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderBySessionID retrieves the order created for a payment session.
func (s *Store) GetOrderBySessionID(ctx context.Context, sessionID string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE payment_session_id = $1", sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order for session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrdersByUserID retrieves orders for a user
func (s *Store) GetOrdersByUserID(ctx context.Context, userID string) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders WHERE user_id = $1 ORDER BY created_at DESC", userID)
	return orders, err
}

// GetOrderItemsByOrderID retrieves all items for an order
func (s *Store) GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", orderID)
	return items, err
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks an event as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}
