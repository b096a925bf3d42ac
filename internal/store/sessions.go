package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/models"
)

// CreatePaymentSession records a new checkout attempt.
func (s *Store) CreatePaymentSession(ctx context.Context, session *models.PaymentSession) error {
	query := `
		INSERT INTO payment_sessions (session_id, user_id, method, amount, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`

	return s.db.QueryRowxContext(ctx, query,
		session.SessionID, session.UserID, session.Method, session.Amount, session.Status,
	).Scan(&session.CreatedAt, &session.UpdatedAt)
}

// GetPaymentSession retrieves a session by id.
func (s *Store) GetPaymentSession(ctx context.Context, sessionID string) (*models.PaymentSession, error) {
	var session models.PaymentSession
	err := s.db.GetContext(ctx, &session, "SELECT * FROM payment_sessions WHERE session_id = $1", sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// UpdateSessionStatus moves a session to status.
func (s *Store) UpdateSessionStatus(ctx context.Context, sessionID, status string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE payment_sessions SET status = $1, updated_at = NOW() WHERE session_id = $2",
		status, sessionID)
	return err
}

// AttachRemoteOrder stores the gateway's order handle on the session.
func (s *Store) AttachRemoteOrder(ctx context.Context, sessionID, remoteOrderID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE payment_sessions SET remote_order_id = $1, status = $2, updated_at = NOW() WHERE session_id = $3",
		remoteOrderID, models.SessionStatusAwaitingPayment, sessionID)
	return err
}

// AttachPaymentRef stores the gateway payment reference on the session.
func (s *Store) AttachPaymentRef(ctx context.Context, sessionID, paymentRef string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE payment_sessions SET gateway_payment_ref = $1, status = $2, updated_at = NOW() WHERE session_id = $3",
		paymentRef, models.SessionStatusPaid, sessionID)
	return err
}

// AbandonStaleSessions marks sessions that never reached a payment result as
// abandoned once they have not moved for maxAge.
func (s *Store) AbandonStaleSessions(ctx context.Context, maxAge time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payment_sessions SET status = $1, updated_at = NOW()
		WHERE status IN ($2, $3) AND updated_at < $4`,
		models.SessionStatusAbandoned,
		models.SessionStatusCreated, models.SessionStatusAwaitingPayment,
		time.Now().Add(-maxAge))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
