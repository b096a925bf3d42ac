package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"checkout-service/config"
	"checkout-service/internal/gateway"
	"checkout-service/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testUser = "user-42"

type harness struct {
	orders   *MockOrderCreator
	sessions *MockSessionStore
	cart     *MockCartStore
	gw       *MockGateway
	verifier *MockVerifier
	events   *MockPublisher
	orch     *CheckoutOrchestrator

	// sessions the store reports as abandoned
	expired sync.Map
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		orders:   new(MockOrderCreator),
		sessions: new(MockSessionStore),
		cart:     new(MockCartStore),
		gw:       new(MockGateway),
		verifier: new(MockVerifier),
		events:   new(MockPublisher),
	}

	h.sessions.On("CreatePaymentSession", mock.Anything, mock.Anything).Return(nil).Maybe()
	h.sessions.On("GetPaymentSession", mock.Anything, mock.Anything).Return(func(_ context.Context, id string) *models.PaymentSession {
		status := models.SessionStatusCreated
		if _, ok := h.expired.Load(id); ok {
			status = models.SessionStatusAbandoned
		}
		return &models.PaymentSession{SessionID: id, Status: status}
	}, nil).Maybe()
	h.sessions.On("AttachRemoteOrder", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	h.sessions.On("AttachPaymentRef", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	h.sessions.On("UpdateSessionStatus", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	h.gw.On("Available").Return(true).Maybe()
	h.events.On("PublishOrderPlaced", mock.Anything, mock.Anything).Return(nil).Maybe()
	h.events.On("PublishPaymentVerified", mock.Anything, mock.Anything).Return(nil).Maybe()
	h.events.On("PublishPaymentReviewRequired", mock.Anything, mock.Anything).Return(nil).Maybe()
	h.events.On("PublishCheckoutCancelled", mock.Anything, mock.Anything).Return(nil).Maybe()

	h.orch = NewCheckoutOrchestrator(CheckoutDeps{
		Orders:   h.orders,
		Sessions: h.sessions,
		Cart:     h.cart,
		Gateway:  h.gw,
		Verifier: h.verifier,
		Events:   h.events,
	}, config.CheckoutConfig{
		FreeShippingThreshold: decimal.NewFromInt(999),
		ShippingFee:           decimal.NewFromInt(49),
		LockTTL:               time.Minute,
	}, config.PaymentConfig{
		Currency:     "INR",
		MerchantName: "KichoFy",
		UPIPayeeVPA:  "kichofy@okaxis",
		QRExpiry:     10 * time.Minute,
	})
	return h
}

// ready fills a valid contact and picks method.
func (h *harness) ready(t *testing.T, method models.PaymentMethod) {
	t.Helper()
	c := validContact()
	_, err := h.orch.UpdateContact(testUser, map[string]string{
		FieldName: c.Name, FieldEmail: c.Email, FieldPhone: c.Phone,
		FieldAddressLine: c.AddressLine, FieldCity: c.City, FieldState: c.State, FieldPostalCode: c.PostalCode,
	})
	require.NoError(t, err)
	_, err = h.orch.SelectMethod(context.Background(), testUser, method)
	require.NoError(t, err)
}

func (h *harness) withCart(items ...models.CartLineItem) {
	h.cart.On("Snapshot", mock.Anything, testUser).Return(items, nil)
}

func (h *harness) createOrderReturns(id int64) *mock.Call {
	return h.orders.On("CreateOrder", mock.Anything, mock.Anything).Return(func(_ context.Context, d *models.OrderDraft) *models.Order {
		return &models.Order{
			ID: id, UserID: d.UserID, TotalAmount: d.TotalAmount, Status: d.Status,
			PaymentStatus: d.PaymentStatus, PaymentMethod: d.PaymentMethod, PaymentSessionID: d.PaymentSessionID,
		}
	}, nil)
}

func (h *harness) gatewayResult(r gateway.Result) {
	h.gw.On("CreateRemoteOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(models.RemoteOrderHandle{ID: "order_RZP1", AmountMinor: 54900, Currency: "INR"})
	h.gw.On("OpenPaymentUI", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			req := args.Get(1).(gateway.UIRequest)
			if req.Present != nil {
				req.Present(gateway.CheckoutOptions{OrderID: req.Handle.ID, SessionID: req.SessionID})
			}
		}).
		Return(r)
}

func draftArg(t *testing.T, h *harness) *models.OrderDraft {
	t.Helper()
	for _, c := range h.orders.Calls {
		if c.Method == "CreateOrder" {
			return c.Arguments.Get(1).(*models.OrderDraft)
		}
	}
	t.Fatal("CreateOrder was not called")
	return nil
}

func status(t *testing.T, h *harness) StatusView {
	t.Helper()
	v, err := h.orch.Status(testUser)
	require.NoError(t, err)
	return v
}

func TestSubmit_CODEndToEnd(t *testing.T) {
	h := newHarness(t)
	h.ready(t, models.PaymentMethodCOD)
	h.withCart(line("p1", "600", 2))
	h.createOrderReturns(101)
	h.cart.On("Clear", mock.Anything, testUser).Return(nil).Once()

	out := h.orch.Submit(context.Background(), testUser)

	require.Equal(t, OutcomePlaced, out.Kind, out.Message)
	assert.Equal(t, int64(101), out.OrderID)
	assert.False(t, out.PaymentPending)
	assert.Equal(t, "/order-confirmation", out.Redirect)

	draft := draftArg(t, h)
	assert.True(t, decimal.NewFromInt(1200).Equal(draft.TotalAmount))
	assert.True(t, draft.ShippingFee.IsZero())
	assert.Equal(t, models.OrderStatusConfirmed, draft.Status)
	assert.Equal(t, models.PaymentStatusPending, draft.PaymentStatus)
	assert.Equal(t, models.PaymentMethodCOD, draft.PaymentMethod)
	assert.NotEmpty(t, draft.PaymentSessionID)
	assert.Equal(t, "411001", draft.ShippingContact.PostalCode)

	h.gw.AssertNotCalled(t, "CreateRemoteOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	h.gw.AssertNotCalled(t, "OpenPaymentUI", mock.Anything, mock.Anything)
	h.cart.AssertNumberOfCalls(t, "Clear", 1)

	v := status(t, h)
	assert.Equal(t, StateDone, v.State)
	assert.False(t, v.Loading)
	require.NotNil(t, v.Redirect)
	assert.Equal(t, int64(101), v.Redirect.OrderID)
	require.Len(t, v.Notifications, 1)
	assert.Equal(t, Notification{Type: NotifySuccess, Message: msgOrderPlaced}, v.Notifications[0])
}

func TestSubmit_RepeatAfterDoneIsNoop(t *testing.T) {
	h := newHarness(t)
	h.ready(t, models.PaymentMethodCOD)
	h.withCart(line("p1", "600", 2))
	h.createOrderReturns(101)
	h.cart.On("Clear", mock.Anything, testUser).Return(nil)

	require.Equal(t, OutcomePlaced, h.orch.Submit(context.Background(), testUser).Kind)
	again := h.orch.Submit(context.Background(), testUser)

	assert.Equal(t, OutcomeIgnored, again.Kind)
	assert.ErrorIs(t, again.Err, ErrSubmissionInFlight)
	h.orders.AssertNumberOfCalls(t, "CreateOrder", 1)
	h.cart.AssertNumberOfCalls(t, "Clear", 1)
}

func TestSubmit_ConcurrentCallsCoalesce(t *testing.T) {
	h := newHarness(t)
	h.ready(t, models.PaymentMethodCOD)
	h.withCart(line("p1", "100", 1))

	release := make(chan struct{})
	h.createOrderReturns(7).Run(func(mock.Arguments) { <-release })
	h.cart.On("Clear", mock.Anything, testUser).Return(nil)

	const callers = 8
	var wg sync.WaitGroup
	outcomes := make(chan Outcome, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes <- h.orch.Submit(context.Background(), testUser)
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(outcomes)

	placed := 0
	for out := range outcomes {
		switch out.Kind {
		case OutcomePlaced:
			placed++
			assert.Equal(t, int64(7), out.OrderID)
		case OutcomeIgnored:
		default:
			t.Errorf("unexpected outcome %s", out.Kind)
		}
	}
	assert.GreaterOrEqual(t, placed, 1)
	h.orders.AssertNumberOfCalls(t, "CreateOrder", 1)
	h.cart.AssertNumberOfCalls(t, "Clear", 1)
}

func TestSubmit_DistributedLockHeldElsewhere(t *testing.T) {
	h := newHarness(t)
	lock := new(MockLock)
	lock.On("Acquire", mock.Anything, "checkout:"+testUser, time.Minute).Return(false, nil)
	h.orch.lock = lock
	h.ready(t, models.PaymentMethodCOD)

	out := h.orch.Submit(context.Background(), testUser)

	assert.Equal(t, OutcomeIgnored, out.Kind)
	h.cart.AssertNotCalled(t, "Snapshot", mock.Anything, mock.Anything)
	assert.False(t, status(t, h).Loading)
}

func TestSubmit_LockErrorFallsBackToLocalGuard(t *testing.T) {
	h := newHarness(t)
	lock := new(MockLock)
	lock.On("Acquire", mock.Anything, mock.Anything, mock.Anything).Return(false, errors.New("redis down"))
	h.orch.lock = lock
	h.ready(t, models.PaymentMethodCOD)
	h.withCart(line("p1", "100", 1))
	h.createOrderReturns(9)
	h.cart.On("Clear", mock.Anything, testUser).Return(nil)

	assert.Equal(t, OutcomePlaced, h.orch.Submit(context.Background(), testUser).Kind)
}

func TestSubmit_NoIdentity(t *testing.T) {
	h := newHarness(t)

	out := h.orch.Submit(context.Background(), "")

	assert.Equal(t, OutcomeAuthRequired, out.Kind)
	assert.Equal(t, "/login", out.Redirect)
	assert.ErrorIs(t, out.Err, ErrAuthRequired)
	h.cart.AssertNotCalled(t, "Snapshot", mock.Anything, mock.Anything)
	h.gw.AssertNotCalled(t, "CreateRemoteOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSubmit_ValidationFailure(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.UpdateContact(testUser, map[string]string{FieldName: "Asha", FieldPhone: "12345"})
	require.NoError(t, err)

	out := h.orch.Submit(context.Background(), testUser)

	assert.Equal(t, OutcomeInvalid, out.Kind)
	assert.ErrorIs(t, out.Err, ErrValidation)
	assert.NotEmpty(t, out.Errors)
	h.cart.AssertNotCalled(t, "Snapshot", mock.Anything, mock.Anything)

	v := status(t, h)
	assert.Equal(t, StateMethodSelected, v.State)
	assert.False(t, v.OrderSubmitted)
	assert.False(t, v.Loading)
	assert.NotEmpty(t, v.Errors)
}

func TestSubmit_EmptyCart(t *testing.T) {
	h := newHarness(t)
	h.ready(t, models.PaymentMethodCOD)
	h.withCart()

	out := h.orch.Submit(context.Background(), testUser)

	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.Equal(t, msgEmptyCart, out.Message)
	assert.ErrorIs(t, out.Err, ErrEmptyCart)
}

func TestSubmit_CardVerified(t *testing.T) {
	h := newHarness(t)
	h.ready(t, models.PaymentMethodCard)
	h.withCart(line("p1", "250", 2))
	h.gatewayResult(gateway.Success(models.PaymentReference{PaymentID: "pay_1", OrderID: "order_RZP1", Signature: "s"}))
	h.verifier.On("Verify", mock.Anything, mock.Anything, mock.Anything).Return(true)
	h.createOrderReturns(55)
	h.cart.On("Clear", mock.Anything, testUser).Return(nil)

	out := h.orch.Submit(context.Background(), testUser)

	require.Equal(t, OutcomePlaced, out.Kind, out.Message)
	assert.False(t, out.PaymentPending)
	assert.Equal(t, msgOrderPlaced, out.Message)

	draft := draftArg(t, h)
	assert.Equal(t, models.OrderStatusConfirmed, draft.Status)
	assert.Equal(t, models.PaymentStatusPaid, draft.PaymentStatus)
	assert.Equal(t, "pay_1", draft.PaymentRef)
	assert.True(t, decimal.NewFromInt(549).Equal(draft.TotalAmount))

	h.gw.AssertCalled(t, "CreateRemoteOrder", mock.Anything, int64(54900), draft.PaymentSessionID, mock.Anything)
	h.sessions.AssertCalled(t, "AttachRemoteOrder", mock.Anything, draft.PaymentSessionID, "order_RZP1")
	h.sessions.AssertCalled(t, "AttachPaymentRef", mock.Anything, draft.PaymentSessionID, "pay_1")
	h.sessions.AssertCalled(t, "UpdateSessionStatus", mock.Anything, draft.PaymentSessionID, models.SessionStatusOrdered)
	h.events.AssertCalled(t, "PublishPaymentVerified", mock.Anything, mock.Anything)
}

func TestSubmit_CardUnverifiedGoesToReview(t *testing.T) {
	h := newHarness(t)
	h.ready(t, models.PaymentMethodCard)
	h.withCart(line("p1", "1500", 1))
	h.gatewayResult(gateway.Success(models.PaymentReference{PaymentID: "pay_2", OrderID: "order_RZP1"}))
	h.verifier.On("Verify", mock.Anything, mock.Anything, mock.Anything).Return(false)
	h.createOrderReturns(56)
	h.cart.On("Clear", mock.Anything, testUser).Return(nil).Once()

	out := h.orch.Submit(context.Background(), testUser)

	require.Equal(t, OutcomePlaced, out.Kind)
	assert.True(t, out.PaymentPending)
	assert.Equal(t, msgOrderPlacedPending, out.Message)
	assert.NotEqual(t, msgOrderPlaced, out.Message)

	draft := draftArg(t, h)
	assert.Equal(t, models.OrderStatusPaymentReview, draft.Status)
	assert.Equal(t, models.PaymentStatusPendingVerification, draft.PaymentStatus)
	h.events.AssertCalled(t, "PublishPaymentReviewRequired", mock.Anything, mock.Anything)

	v := status(t, h)
	require.NotNil(t, v.Redirect)
	assert.True(t, v.Redirect.PaymentPending)
}

func TestSubmit_SynthesizedHandleSkipsVerifier(t *testing.T) {
	h := newHarness(t)
	h.ready(t, models.PaymentMethodCard)
	h.withCart(line("p1", "1500", 1))
	h.gw.On("CreateRemoteOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(models.RemoteOrderHandle{ID: "local_1", Synthesized: true})
	h.gw.On("OpenPaymentUI", mock.Anything, mock.Anything).
		Return(gateway.Success(models.PaymentReference{PaymentID: "pay_3"}))
	h.createOrderReturns(57)
	h.cart.On("Clear", mock.Anything, testUser).Return(nil)

	out := h.orch.Submit(context.Background(), testUser)

	assert.True(t, out.PaymentPending)
	h.verifier.AssertNotCalled(t, "Verify", mock.Anything, mock.Anything, mock.Anything)
	h.sessions.AssertNotCalled(t, "AttachRemoteOrder", mock.Anything, mock.Anything, mock.Anything)
}

func TestSubmit_CardCancelled(t *testing.T) {
	h := newHarness(t)
	h.ready(t, models.PaymentMethodCard)
	h.withCart(line("p1", "1500", 1))
	h.gatewayResult(gateway.Cancelled())

	out := h.orch.Submit(context.Background(), testUser)

	assert.Equal(t, OutcomeCancelled, out.Kind)
	assert.ErrorIs(t, out.Err, ErrUserCancelled)
	h.orders.AssertNotCalled(t, "CreateOrder", mock.Anything, mock.Anything)
	h.cart.AssertNotCalled(t, "Clear", mock.Anything, mock.Anything)
	h.events.AssertCalled(t, "PublishCheckoutCancelled", mock.Anything, mock.Anything)
	h.sessions.AssertCalled(t, "UpdateSessionStatus", mock.Anything, mock.Anything, models.SessionStatusCancelled)

	v := status(t, h)
	assert.Equal(t, StateMethodSelected, v.State)
	assert.False(t, v.OrderSubmitted)
	assert.False(t, v.Loading)
	assert.Nil(t, v.Widget)
	require.Len(t, v.Notifications, 1)
	assert.Equal(t, NotifyInfo, v.Notifications[0].Type)
}

func TestSubmit_CardCancelledCanRetry(t *testing.T) {
	h := newHarness(t)
	h.ready(t, models.PaymentMethodCard)
	h.withCart(line("p1", "1500", 1))
	h.gw.On("CreateRemoteOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(models.RemoteOrderHandle{ID: "order_RZP1"})
	h.gw.On("OpenPaymentUI", mock.Anything, mock.Anything).Return(gateway.Cancelled()).Once()
	h.gw.On("OpenPaymentUI", mock.Anything, mock.Anything).
		Return(gateway.Success(models.PaymentReference{PaymentID: "pay_9"})).Once()
	h.verifier.On("Verify", mock.Anything, mock.Anything, mock.Anything).Return(true)
	h.createOrderReturns(58)
	h.cart.On("Clear", mock.Anything, testUser).Return(nil)

	assert.Equal(t, OutcomeCancelled, h.orch.Submit(context.Background(), testUser).Kind)
	assert.Equal(t, OutcomePlaced, h.orch.Submit(context.Background(), testUser).Kind)

	h.sessions.AssertNumberOfCalls(t, "CreatePaymentSession", 2)
	h.orders.AssertNumberOfCalls(t, "CreateOrder", 1)
}

func TestSubmit_GatewayTimeout(t *testing.T) {
	h := newHarness(t)
	h.ready(t, models.PaymentMethodCard)
	h.withCart(line("p1", "1500", 1))
	h.gatewayResult(gateway.Timeout("widget not ready after 10s"))

	out := h.orch.Submit(context.Background(), testUser)

	assert.Equal(t, OutcomeTimeout, out.Kind)
	assert.ErrorIs(t, out.Err, ErrGatewayTimeout)
	h.orders.AssertNotCalled(t, "CreateOrder", mock.Anything, mock.Anything)

	v := status(t, h)
	assert.False(t, v.OrderSubmitted)
	require.Len(t, v.Notifications, 1)
	assert.Equal(t, NotifyWarning, v.Notifications[0].Type)
}

func TestSubmit_GatewayUnavailable(t *testing.T) {
	h := newHarness(t)
	h.ready(t, models.PaymentMethodCard)
	h.withCart(line("p1", "1500", 1))
	h.gatewayResult(gateway.Failure(gateway.ErrGatewayUnavailable, "script unreachable"))

	out := h.orch.Submit(context.Background(), testUser)

	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.Equal(t, msgGatewayUnavailable, out.Message)
	assert.ErrorIs(t, out.Err, ErrGatewayUnavailable)
	assert.False(t, status(t, h).OrderSubmitted)
}

func TestSubmit_PersistenceFailureAfterPayment(t *testing.T) {
	h := newHarness(t)
	h.ready(t, models.PaymentMethodCard)
	h.withCart(line("p1", "1500", 1))
	h.gatewayResult(gateway.Success(models.PaymentReference{PaymentID: "pay_4", OrderID: "order_RZP1"}))
	h.verifier.On("Verify", mock.Anything, mock.Anything, mock.Anything).Return(true)
	h.orders.On("CreateOrder", mock.Anything, mock.Anything).Return(nil, errors.New("connection reset"))
	h.events.On("PublishOrderPersistenceFailed", mock.Anything, mock.MatchedBy(func(e *models.OrderPersistenceFailedEvent) bool {
		return e.Draft.PaymentRef == "pay_4" && e.Draft.PaymentStatus == models.PaymentStatusPaid
	})).Return(nil).Once()

	out := h.orch.Submit(context.Background(), testUser)

	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.Equal(t, msgPaidWithoutOrder, out.Message)
	assert.ErrorIs(t, out.Err, ErrPersistence)
	var perr *PersistenceError
	require.ErrorAs(t, out.Err, &perr)
	assert.True(t, perr.PaymentAttempted)

	h.events.AssertExpectations(t)
	h.sessions.AssertCalled(t, "UpdateSessionStatus", mock.Anything, perr.SessionID, models.SessionStatusOrphaned)
	h.cart.AssertNotCalled(t, "Clear", mock.Anything, mock.Anything)

	v := status(t, h)
	assert.False(t, v.OrderSubmitted)
	assert.False(t, v.Loading)
}

func TestSubmit_CODPersistenceFailureIsOrdinary(t *testing.T) {
	h := newHarness(t)
	h.ready(t, models.PaymentMethodCOD)
	h.withCart(line("p1", "100", 1))
	h.orders.On("CreateOrder", mock.Anything, mock.Anything).Return(nil, errors.New("db down"))

	out := h.orch.Submit(context.Background(), testUser)

	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.Equal(t, msgGenericFailure, out.Message)
	assert.ErrorIs(t, out.Err, ErrPersistence)
	h.events.AssertNotCalled(t, "PublishOrderPersistenceFailed", mock.Anything, mock.Anything)
	h.cart.AssertNotCalled(t, "Clear", mock.Anything, mock.Anything)
}

func TestSubmit_PanicIsContained(t *testing.T) {
	h := newHarness(t)
	h.ready(t, models.PaymentMethodCOD)
	h.cart.On("Snapshot", mock.Anything, testUser).Run(func(mock.Arguments) { panic("boom") }).Return(nil, nil)

	out := h.orch.Submit(context.Background(), testUser)

	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.Equal(t, msgGenericFailure, out.Message)

	v := status(t, h)
	assert.False(t, v.Loading)
	assert.False(t, v.OrderSubmitted)
	assert.Equal(t, StateMethodSelected, v.State)
}

func TestSubmit_CartClearFailureStillPlacesOrder(t *testing.T) {
	h := newHarness(t)
	h.ready(t, models.PaymentMethodCOD)
	h.withCart(line("p1", "100", 1))
	h.createOrderReturns(60)
	h.cart.On("Clear", mock.Anything, testUser).Return(errors.New("redis down")).Once()

	out := h.orch.Submit(context.Background(), testUser)

	assert.Equal(t, OutcomePlaced, out.Kind)
	h.cart.AssertNumberOfCalls(t, "Clear", 1)
}

func TestUPI_EntersOptionsWithoutSubmitting(t *testing.T) {
	h := newHarness(t)
	h.ready(t, models.PaymentMethodUPI)
	h.withCart(line("p1", "500", 1))

	out := h.orch.Submit(context.Background(), testUser)

	require.Equal(t, OutcomeUPIOptions, out.Kind)
	require.NotNil(t, out.UPI)
	assert.True(t, decimal.NewFromInt(549).Equal(out.UPI.Amount))
	assert.Contains(t, out.UPI.QR.URI, "am=549.00")
	assert.Contains(t, out.UPI.QR.URI, "tn=Order%20"+out.UPI.SessionID)
	assert.Equal(t, []string{UPIModeIntent, UPIModeQR, UPIModeManual}, out.UPI.Modes)
	h.orders.AssertNotCalled(t, "CreateOrder", mock.Anything, mock.Anything)
	h.gw.AssertNotCalled(t, "CreateRemoteOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	v := status(t, h)
	assert.Equal(t, StateUPIOptions, v.State)
	assert.False(t, v.OrderSubmitted)
}

func TestUPI_ReentryReusesSession(t *testing.T) {
	h := newHarness(t)
	h.ready(t, models.PaymentMethodUPI)
	h.withCart(line("p1", "500", 1))

	first := h.orch.Submit(context.Background(), testUser)
	_, err := h.orch.Back(testUser)
	require.NoError(t, err)
	assert.Equal(t, StateMethodSelected, status(t, h).State)

	second := h.orch.Submit(context.Background(), testUser)

	require.Equal(t, OutcomeUPIOptions, second.Kind)
	assert.Equal(t, first.UPI.SessionID, second.UPI.SessionID)
	h.sessions.AssertNumberOfCalls(t, "CreatePaymentSession", 1)
}

func TestUPI_ExpiredSessionIsNotReused(t *testing.T) {
	h := newHarness(t)
	h.ready(t, models.PaymentMethodUPI)
	h.withCart(line("p1", "500", 1))

	first := h.orch.Submit(context.Background(), testUser)
	require.Equal(t, OutcomeUPIOptions, first.Kind)
	_, err := h.orch.Back(testUser)
	require.NoError(t, err)

	h.expired.Store(first.UPI.SessionID, true)
	second := h.orch.Submit(context.Background(), testUser)

	require.Equal(t, OutcomeUPIOptions, second.Kind)
	assert.NotEqual(t, first.UPI.SessionID, second.UPI.SessionID)
	assert.Contains(t, second.UPI.QR.URI, "Order%20"+second.UPI.SessionID)
	h.sessions.AssertNumberOfCalls(t, "CreatePaymentSession", 2)
	h.sessions.AssertNotCalled(t, "UpdateSessionStatus", mock.Anything, first.UPI.SessionID, models.SessionStatusOrdered)
	assert.Equal(t, second.UPI.SessionID, status(t, h).SessionID)
}

func TestUPI_IntentCancelledClearsOptionsView(t *testing.T) {
	h := newHarness(t)
	h.ready(t, models.PaymentMethodUPI)
	h.withCart(line("p1", "500", 1))
	h.gatewayResult(gateway.Cancelled())

	require.Equal(t, OutcomeUPIOptions, h.orch.Submit(context.Background(), testUser).Kind)
	out := h.orch.HandleUPIPayment(context.Background(), testUser, UPIModeIntent)

	assert.Equal(t, OutcomeCancelled, out.Kind)
	v := status(t, h)
	assert.Equal(t, StateMethodSelected, v.State)
	assert.Nil(t, v.UPI)

	again := h.orch.HandleUPIPayment(context.Background(), testUser, UPIModeQR)
	assert.ErrorIs(t, again.Err, ErrInvalidTransition)
}

func TestUPI_SwitchingMethodAbandonsSession(t *testing.T) {
	h := newHarness(t)
	h.ready(t, models.PaymentMethodUPI)
	h.withCart(line("p1", "500", 1))

	out := h.orch.Submit(context.Background(), testUser)
	_, err := h.orch.SelectMethod(context.Background(), testUser, models.PaymentMethodCOD)
	require.NoError(t, err)

	h.sessions.AssertCalled(t, "UpdateSessionStatus", mock.Anything, out.UPI.SessionID, models.SessionStatusAbandoned)
	v := status(t, h)
	assert.Nil(t, v.UPI)
	assert.Empty(t, v.SessionID)
}

func TestUPI_IntentVerifiedEndToEnd(t *testing.T) {
	h := newHarness(t)
	h.ready(t, models.PaymentMethodUPI)
	h.withCart(line("p1", "500", 1))
	h.gatewayResult(gateway.Success(models.PaymentReference{PaymentID: "pay_upi", OrderID: "order_RZP1", Signature: "s"}))
	h.verifier.On("Verify", mock.Anything, mock.Anything, mock.Anything).Return(true)
	h.createOrderReturns(77)
	h.cart.On("Clear", mock.Anything, testUser).Return(nil).Once()

	options := h.orch.Submit(context.Background(), testUser)
	require.Equal(t, OutcomeUPIOptions, options.Kind)

	out := h.orch.HandleUPIPayment(context.Background(), testUser, UPIModeIntent)

	require.Equal(t, OutcomePlaced, out.Kind, out.Message)
	assert.Equal(t, int64(77), out.OrderID)
	assert.False(t, out.PaymentPending)

	draft := draftArg(t, h)
	assert.True(t, decimal.NewFromInt(549).Equal(draft.TotalAmount))
	assert.Equal(t, models.OrderStatusConfirmed, draft.Status)
	assert.Equal(t, models.PaymentStatusPaid, draft.PaymentStatus)
	assert.Equal(t, models.PaymentMethodUPI, draft.PaymentMethod)
	assert.Equal(t, options.UPI.SessionID, draft.PaymentSessionID)

	h.gw.AssertCalled(t, "OpenPaymentUI", mock.Anything, mock.MatchedBy(func(req gateway.UIRequest) bool {
		return req.Method == "upi" && req.SessionID == options.UPI.SessionID && req.UserID == testUser
	}))
	h.cart.AssertNumberOfCalls(t, "Clear", 1)
}

func TestUPI_ManualConfirmation(t *testing.T) {
	h := newHarness(t)
	h.ready(t, models.PaymentMethodUPI)
	h.withCart(line("p1", "500", 1))
	h.createOrderReturns(78)
	h.cart.On("Clear", mock.Anything, testUser).Return(nil)

	require.Equal(t, OutcomeUPIOptions, h.orch.Submit(context.Background(), testUser).Kind)
	out := h.orch.HandleUPIPayment(context.Background(), testUser, UPIModeManual)

	require.Equal(t, OutcomePlaced, out.Kind)
	assert.True(t, out.PaymentPending)

	draft := draftArg(t, h)
	assert.Equal(t, models.OrderStatusPaymentReview, draft.Status)
	assert.Equal(t, models.PaymentStatusPendingVerification, draft.PaymentStatus)
	assert.Empty(t, draft.PaymentRef)
	h.verifier.AssertNotCalled(t, "Verify", mock.Anything, mock.Anything, mock.Anything)
	h.gw.AssertNotCalled(t, "OpenPaymentUI", mock.Anything, mock.Anything)
	h.events.AssertCalled(t, "PublishPaymentReviewRequired", mock.Anything, mock.MatchedBy(func(e *models.PaymentReviewRequiredEvent) bool {
		return e.Reason == "manual_confirmation"
	}))
}

func TestUPI_ActionsRequireOptionsView(t *testing.T) {
	h := newHarness(t)
	h.ready(t, models.PaymentMethodUPI)

	out := h.orch.HandleUPIPayment(context.Background(), testUser, UPIModeManual)
	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.ErrorIs(t, out.Err, ErrInvalidTransition)

	out = h.orch.HandleUPIPayment(context.Background(), testUser, UPIModeQR)
	assert.ErrorIs(t, out.Err, ErrInvalidTransition)

	out = h.orch.HandleUPIPayment(context.Background(), testUser, "collect")
	assert.Equal(t, OutcomeInvalid, out.Kind)

	assert.Equal(t, OutcomeAuthRequired, h.orch.HandleUPIPayment(context.Background(), "", UPIModeManual).Kind)
	h.orders.AssertNotCalled(t, "CreateOrder", mock.Anything, mock.Anything)
}

func TestUPI_QRRefreshAfterExpiry(t *testing.T) {
	h := newHarness(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	h.orch.WithClock(func() time.Time { return now })
	h.ready(t, models.PaymentMethodUPI)
	h.withCart(line("p1", "500", 1))

	first := h.orch.Submit(context.Background(), testUser)
	require.Equal(t, OutcomeUPIOptions, first.Kind)

	now = now.Add(4 * time.Minute)
	out := h.orch.HandleUPIPayment(context.Background(), testUser, UPIModeQR)
	require.NotNil(t, out.UPI)
	assert.Equal(t, 360, out.UPI.QR.SecondsRemaining)
	assert.Equal(t, first.UPI.QR.IssuedAt, out.UPI.QR.IssuedAt)

	now = now.Add(7 * time.Minute)
	out = h.orch.HandleUPIPayment(context.Background(), testUser, UPIModeQR)
	assert.False(t, out.UPI.QR.Stale)
	assert.Equal(t, now, out.UPI.QR.IssuedAt)
	assert.Equal(t, first.UPI.SessionID, out.UPI.SessionID)
}

func TestBack_CancelsOpenWidget(t *testing.T) {
	h := newHarness(t)
	h.ready(t, models.PaymentMethodCard)
	h.withCart(line("p1", "1500", 1))
	h.gw.On("CreateRemoteOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(models.RemoteOrderHandle{ID: "order_RZP1"})

	opened := make(chan struct{})
	h.gw.On("OpenPaymentUI", mock.Anything, mock.Anything).
		Return(func(ctx context.Context, req gateway.UIRequest) gateway.Result {
			req.Present(gateway.CheckoutOptions{OrderID: req.Handle.ID})
			close(opened)
			<-ctx.Done()
			return gateway.Cancelled()
		})

	done := make(chan Outcome, 1)
	go func() { done <- h.orch.Submit(context.Background(), testUser) }()

	<-opened
	v := status(t, h)
	assert.Equal(t, StateAwaitingGatewayUI, v.State)
	require.NotNil(t, v.Widget)
	assert.Equal(t, "order_RZP1", v.Widget.OrderID)

	_, err := h.orch.Back(testUser)
	require.NoError(t, err)

	select {
	case out := <-done:
		assert.Equal(t, OutcomeCancelled, out.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("Back did not cancel the widget")
	}
	assert.False(t, status(t, h).Loading)
}

func TestSelectMethodAndContact_RejectedWhileInFlight(t *testing.T) {
	h := newHarness(t)
	h.ready(t, models.PaymentMethodCOD)
	h.withCart(line("p1", "100", 1))

	release := make(chan struct{})
	h.createOrderReturns(5).Run(func(mock.Arguments) { <-release })
	h.cart.On("Clear", mock.Anything, testUser).Return(nil)

	done := make(chan Outcome, 1)
	go func() { done <- h.orch.Submit(context.Background(), testUser) }()

	require.Eventually(t, func() bool {
		v, _ := h.orch.Status(testUser)
		return v.Loading
	}, time.Second, 5*time.Millisecond)

	_, err := h.orch.SelectMethod(context.Background(), testUser, models.PaymentMethodCard)
	assert.ErrorIs(t, err, ErrSubmissionInFlight)
	_, err = h.orch.UpdateContact(testUser, map[string]string{FieldCity: "Mumbai"})
	assert.ErrorIs(t, err, ErrSubmissionInFlight)

	close(release)
	assert.Equal(t, OutcomePlaced, (<-done).Kind)
}

func TestUpdateContact_StartsFreshAttemptAfterOrder(t *testing.T) {
	h := newHarness(t)
	h.ready(t, models.PaymentMethodCOD)
	h.withCart(line("p1", "100", 1))
	h.createOrderReturns(5)
	h.cart.On("Clear", mock.Anything, testUser).Return(nil)
	require.Equal(t, OutcomePlaced, h.orch.Submit(context.Background(), testUser).Kind)

	res, err := h.orch.UpdateContact(testUser, map[string]string{FieldCity: "Mumbai"})
	require.NoError(t, err)
	assert.Equal(t, "Mumbai", res.Contact.City)
	assert.Equal(t, "9876543210", res.Contact.Phone)
	assert.True(t, res.Validation.Valid)

	v := status(t, h)
	assert.Equal(t, StateCollectingInfo, v.State)
	assert.False(t, v.OrderSubmitted)
}

func TestUpdateContact_UnknownFieldChangesNothing(t *testing.T) {
	h := newHarness(t)

	_, err := h.orch.UpdateContact(testUser, map[string]string{FieldCity: "Pune", "landmark": "x"})
	assert.ErrorIs(t, err, ErrValidation)
	assert.Empty(t, status(t, h).Contact.City)
}

func TestSummary(t *testing.T) {
	h := newHarness(t)
	h.withCart(line("p1", "250", 2))

	s, err := h.orch.Summary(context.Background(), testUser)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(549).Equal(s.Total))

	_, err = h.orch.Summary(context.Background(), "")
	assert.ErrorIs(t, err, ErrAuthRequired)
}

func TestCheckoutStateTransitions(t *testing.T) {
	assert.True(t, StateCollectingInfo.CanTransitionTo(StateMethodSelected))
	assert.True(t, StateMethodSelected.CanTransitionTo(StateSubmitting))
	assert.True(t, StateAwaitingGatewayUI.CanTransitionTo(StateMethodSelected))
	assert.True(t, StateAwaitingVerification.CanTransitionTo(StateMethodSelected))
	assert.True(t, StateSubmitting.CanTransitionTo(StateDone))

	assert.False(t, StateCollectingInfo.CanTransitionTo(StateSubmitting))
	assert.False(t, StateMethodSelected.CanTransitionTo(StateDone))
	assert.False(t, StateDone.CanTransitionTo(StateMethodSelected))
	assert.False(t, StateAwaitingGatewayUI.CanTransitionTo(StateDone))
}

func TestAttemptRegistry_Prune(t *testing.T) {
	r := NewAttemptRegistry()
	idle := r.get("idle")
	idle.updatedAt = time.Now().Add(-time.Hour)
	busy := r.get("busy")
	busy.updatedAt = time.Now().Add(-time.Hour)
	busy.loading = true
	r.get("recent")

	assert.Equal(t, 1, r.Prune(30*time.Minute))
	assert.Equal(t, 2, r.Len())
}
