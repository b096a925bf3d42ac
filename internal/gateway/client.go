package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"checkout-service/config"
	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	razorpay "github.com/razorpay/razorpay-go"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const defaultReadyTimeout = 10 * time.Second

// OrderAPI is the slice of the razorpay orders resource we use.
type OrderAPI interface {
	Create(data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

// ScriptLoader reports and ensures the availability of the checkout script.
type ScriptLoader interface {
	Ensure(ctx context.Context) error
	Status() BootstrapStatus
}

// Client adapts the razorpay gateway: remote order creation and the widget
// round trip through the storefront.
type Client struct {
	cfg          config.PaymentConfig
	orders       OrderAPI
	breaker      *gobreaker.CircuitBreaker[map[string]interface{}]
	bootstrap    ScriptLoader
	listener     *MessageListener
	readyTimeout time.Duration
	after        TimerFunc
}

// NewClient builds a gateway client. Without a key id no razorpay client is
// created and every remote order is synthesized locally.
func NewClient(cfg config.PaymentConfig, bootstrap ScriptLoader, listener *MessageListener) *Client {
	var orders OrderAPI
	if cfg.OnlinePaymentsEnabled() {
		orders = razorpay.NewClient(cfg.KeyID, cfg.KeySecret).Order
	}
	return NewClientWithOrders(cfg, orders, bootstrap, listener)
}

// NewClientWithOrders is NewClient with an explicit orders API.
func NewClientWithOrders(cfg config.PaymentConfig, orders OrderAPI, bootstrap ScriptLoader, listener *MessageListener) *Client {
	readyTimeout := cfg.ReadyTimeout
	if readyTimeout <= 0 {
		readyTimeout = defaultReadyTimeout
	}

	breaker := gobreaker.NewCircuitBreaker[map[string]interface{}](gobreaker.Settings{
		Name:        "razorpay-orders",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			util.GetLogger().Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &Client{
		cfg:          cfg,
		orders:       orders,
		breaker:      breaker,
		bootstrap:    bootstrap,
		listener:     listener,
		readyTimeout: readyTimeout,
		after:        time.After,
	}
}

// WithTimer replaces the timer used for the widget-ready wait.
func (c *Client) WithTimer(after TimerFunc) *Client {
	c.after = after
	return c
}

// BootstrapStatus exposes the script status for the methods listing.
func (c *Client) BootstrapStatus() BootstrapStatus {
	return c.bootstrap.Status()
}

// Available reports whether online payments can be attempted at all.
func (c *Client) Available() bool {
	return c.cfg.OnlinePaymentsEnabled() && c.bootstrap.Status() != BootstrapDegraded
}

// CreateRemoteOrder registers a pending charge with the gateway. It never
// fails: when the gateway cannot be reached the handle is synthesized
// locally and must be treated as unverifiable.
func (c *Client) CreateRemoteOrder(ctx context.Context, amountMinor int64, receipt string, notes map[string]string) models.RemoteOrderHandle {
	ctx, span := util.StartSpan(ctx, "Gateway.CreateRemoteOrder",
		attribute.String("receipt", receipt),
		attribute.Int64("amount_minor", amountMinor))
	defer span.End()

	handle, err := c.createRemoteOrder(ctx, amountMinor, receipt, notes)
	if err == nil {
		util.GatewayRemoteOrdersTotal.WithLabelValues("created").Inc()
		return handle
	}

	util.RecordError(span, err)
	util.GatewayRemoteOrdersTotal.WithLabelValues("synthesized").Inc()
	util.GetLogger().Warn("Remote order creation failed, using local handle",
		zap.String("receipt", receipt),
		zap.Error(err))

	return models.RemoteOrderHandle{
		ID:          "local_" + uuid.New().String(),
		AmountMinor: amountMinor,
		Currency:    c.cfg.Currency,
		Receipt:     receipt,
		Synthesized: true,
	}
}

func (c *Client) createRemoteOrder(ctx context.Context, amountMinor int64, receipt string, notes map[string]string) (models.RemoteOrderHandle, error) {
	if c.orders == nil {
		return models.RemoteOrderHandle{}, errors.New("gateway key not configured")
	}
	if err := ctx.Err(); err != nil {
		return models.RemoteOrderHandle{}, err
	}

	data := map[string]interface{}{
		"amount":   amountMinor,
		"currency": c.cfg.Currency,
		"receipt":  receipt,
	}
	if len(notes) > 0 {
		data["notes"] = notes
	}

	resp, err := c.breaker.Execute(func() (map[string]interface{}, error) {
		return c.orders.Create(data, nil)
	})
	if err != nil {
		return models.RemoteOrderHandle{}, err
	}

	id, _ := resp["id"].(string)
	if id == "" {
		return models.RemoteOrderHandle{}, fmt.Errorf("gateway response without order id: %v", resp)
	}

	currency, _ := resp["currency"].(string)
	if currency == "" {
		currency = c.cfg.Currency
	}

	return models.RemoteOrderHandle{
		ID:          id,
		AmountMinor: amountMinor,
		Currency:    currency,
		Receipt:     receipt,
	}, nil
}

// OpenPaymentUI presents the widget for req and blocks until the customer
// finishes with it. The widget has readyTimeout to report that it opened;
// after that only ctx bounds the wait.
func (c *Client) OpenPaymentUI(ctx context.Context, req UIRequest) Result {
	ctx, span := util.StartSpan(ctx, "Gateway.OpenPaymentUI",
		attribute.String("session_id", req.SessionID),
		attribute.Bool("synthesized_handle", req.Handle.Synthesized))
	defer span.End()

	result := c.openPaymentUI(ctx, req)

	span.SetAttributes(attribute.String("result", string(result.Kind)))
	util.GatewayResultsTotal.WithLabelValues(string(result.Kind)).Inc()
	return result
}

func (c *Client) openPaymentUI(ctx context.Context, req UIRequest) Result {
	if !c.cfg.OnlinePaymentsEnabled() {
		return Failure(ErrGatewayUnavailable, "gateway key not configured")
	}
	if err := c.bootstrap.Ensure(ctx); err != nil {
		if ctx.Err() != nil {
			return waitResult(ctx.Err(), "checkout attempt expired")
		}
		return Failure(ErrGatewayUnavailable, err.Error())
	}

	wait := c.listener.register(req.SessionID, req.UserID)
	defer c.listener.unregister(req.SessionID, wait)

	if req.Present != nil {
		req.Present(c.buildOptions(req))
	}

	if _, err := Await(ctx, wait.ready, c.readyTimeout, c.after); err != nil {
		return waitResult(err, fmt.Sprintf("widget not ready after %s", c.readyTimeout))
	}

	result, err := Await(ctx, wait.result, 0, nil)
	if err != nil {
		return waitResult(err, "checkout attempt expired")
	}
	return result
}

// waitResult turns a failed wait into a Result. A cancelled context means
// the customer walked away from the attempt.
func waitResult(err error, timeoutDetail string) Result {
	switch {
	case errors.Is(err, ErrWaitTimeout), errors.Is(err, context.DeadlineExceeded):
		return Timeout(timeoutDetail)
	case errors.Is(err, context.Canceled):
		return Cancelled()
	}
	return Failure(ErrGatewayFailed, err.Error())
}
