package service

import (
	"errors"
	"fmt"

	"checkout-service/internal/gateway"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrAuthRequired       = errors.New("authentication required")
	ErrGatewayUnavailable = gateway.ErrGatewayUnavailable
	ErrGatewayTimeout     = gateway.ErrGatewayTimeout
	ErrUserCancelled      = gateway.ErrUserCancelled
	ErrVerificationFailed = errors.New("payment verification failed")
	ErrPersistence        = errors.New("order persistence failed")
	ErrSubmissionInFlight = errors.New("checkout submission already in flight")
	ErrEmptyCart          = errors.New("cart is empty")
	ErrInvalidTransition  = errors.New("invalid checkout state transition")
)

// PersistenceError is an order that could not be stored. PaymentAttempted
// means money may have moved without an order record.
type PersistenceError struct {
	SessionID        string
	PaymentAttempted bool
	Err              error
}

func (e *PersistenceError) Error() string {
	if e.PaymentAttempted {
		return fmt.Sprintf("payment_without_order: session %s: %v", e.SessionID, e.Err)
	}
	return fmt.Sprintf("create order for session %s: %v", e.SessionID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }
