package gateway

import (
	"context"
	"errors"
	"time"
)

var (
	ErrWaitTimeout = errors.New("wait timed out")
	ErrWaitClosed  = errors.New("wait channel closed")
)

// TimerFunc has the shape of time.After; tests swap in a channel they control.
type TimerFunc func(time.Duration) <-chan time.Time

// Await receives one value from ch. A zero timeout waits until ctx is done.
func Await[T any](ctx context.Context, ch <-chan T, timeout time.Duration, after TimerFunc) (T, error) {
	var zero T

	var deadline <-chan time.Time
	if timeout > 0 {
		if after == nil {
			after = time.After
		}
		deadline = after(timeout)
	}

	select {
	case v, ok := <-ch:
		if !ok {
			return zero, ErrWaitClosed
		}
		return v, nil
	case <-deadline:
		return zero, ErrWaitTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
