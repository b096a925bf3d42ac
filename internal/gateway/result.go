package gateway

import (
	"errors"

	"checkout-service/internal/models"
)

var (
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrGatewayTimeout     = errors.New("payment gateway did not respond in time")
	ErrUserCancelled      = errors.New("payment cancelled by user")
	ErrGatewayFailed      = errors.New("payment gateway reported an error")
)

// ResultKind tags a Result.
type ResultKind string

const (
	ResultSuccess   ResultKind = "success"
	ResultCancelled ResultKind = "cancelled"
	ResultTimeout   ResultKind = "timeout"
	ResultError     ResultKind = "error"
)

// Result is how a payment widget interaction ended. PaymentRef is only set
// for ResultSuccess; Detail carries technical context for logs.
type Result struct {
	Kind       ResultKind
	PaymentRef models.PaymentReference
	Detail     string
	cause      error
}

func Success(ref models.PaymentReference) Result {
	return Result{Kind: ResultSuccess, PaymentRef: ref}
}

func Cancelled() Result {
	return Result{Kind: ResultCancelled}
}

func Timeout(detail string) Result {
	return Result{Kind: ResultTimeout, Detail: detail}
}

// Failure wraps cause (ErrGatewayUnavailable or ErrGatewayFailed usually).
func Failure(cause error, detail string) Result {
	return Result{Kind: ResultError, Detail: detail, cause: cause}
}

// Err maps the result onto the sentinel errors. Success has no error.
func (r Result) Err() error {
	switch r.Kind {
	case ResultSuccess:
		return nil
	case ResultCancelled:
		return ErrUserCancelled
	case ResultTimeout:
		return ErrGatewayTimeout
	}
	if r.cause != nil {
		return r.cause
	}
	return ErrGatewayFailed
}
