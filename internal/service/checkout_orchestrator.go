package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"checkout-service/config"
	"checkout-service/internal/gateway"
	"checkout-service/internal/models"
	"checkout-service/internal/redisclient"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const confirmationPath = "/order-confirmation"
const loginPath = "/login"

const (
	msgOrderPlaced        = "Order placed successfully!"
	msgOrderPlacedPending = "Order placed! We're confirming your payment and will update you shortly."
	msgPaymentCancelled   = "Payment cancelled. You can try again or choose another payment method."
	msgPaymentTimeout     = "The payment window took too long to open. Please try again."
	msgGatewayUnavailable = "Online payment is unavailable right now. Please try another payment method."
	msgPaymentFailed      = "Payment could not be completed. Please try again or choose another payment method."
	msgGenericFailure     = "Something went wrong while placing your order. Please try again."
	msgPaidWithoutOrder   = "We received your payment but could not save your order yet. We'll confirm it shortly, please don't pay again."
	msgEmptyCart          = "Your cart is empty."
	msgFixErrors          = "Please correct the highlighted fields."
	msgLoginRequired      = "Please sign in to place your order."
	msgAlreadyProcessing  = "Your order is already being processed."
	msgChooseUPI          = "Choose UPI and place your order to see UPI payment options."
)

// OutcomeKind classifies how a Submit or UPI action ended.
type OutcomeKind string

const (
	OutcomePlaced       OutcomeKind = "placed"
	OutcomeUPIOptions   OutcomeKind = "upi_options"
	OutcomeInvalid      OutcomeKind = "validation_failed"
	OutcomeAuthRequired OutcomeKind = "auth_required"
	OutcomeCancelled    OutcomeKind = "cancelled"
	OutcomeTimeout      OutcomeKind = "timeout"
	OutcomeFailed       OutcomeKind = "failed"
	OutcomeIgnored      OutcomeKind = "ignored"
)

// Outcome is the result of a checkout action.
type Outcome struct {
	Kind           OutcomeKind     `json:"kind"`
	OrderID        int64           `json:"order_id,omitempty"`
	PaymentPending bool            `json:"payment_pending"`
	Message        string          `json:"message,omitempty"`
	Redirect       string          `json:"redirect,omitempty"`
	Errors         []FieldError    `json:"errors,omitempty"`
	UPI            *UPIOptionsView `json:"upi,omitempty"`
	Err            error           `json:"-"`
}

// CheckoutDeps are the orchestrator's collaborators. Lock, Navigator and
// Notifier are optional.
type CheckoutDeps struct {
	Orders    OrderCreator
	Sessions  SessionStore
	Cart      CartStore
	Gateway   PaymentGateway
	Verifier  PaymentVerifier
	Events    EventPublisher
	Lock      SubmissionLock
	Attempts  *AttemptRegistry
	Navigator Navigator
	Notifier  Notifier
}

// CheckoutOrchestrator drives a user's checkout from contact details to a
// persisted order.
type CheckoutOrchestrator struct {
	orders    OrderCreator
	sessions  SessionStore
	cart      CartStore
	gateway   PaymentGateway
	verifier  PaymentVerifier
	events    EventPublisher
	lock      SubmissionLock
	attempts  *AttemptRegistry
	navigator Navigator
	notifier  Notifier

	checkout config.CheckoutConfig
	payment  config.PaymentConfig
	group    singleflight.Group
	now      func() time.Time
	logger   *zap.Logger
}

func NewCheckoutOrchestrator(deps CheckoutDeps, checkout config.CheckoutConfig, payment config.PaymentConfig) *CheckoutOrchestrator {
	o := &CheckoutOrchestrator{
		orders:    deps.Orders,
		sessions:  deps.Sessions,
		cart:      deps.Cart,
		gateway:   deps.Gateway,
		verifier:  deps.Verifier,
		events:    deps.Events,
		lock:      deps.Lock,
		attempts:  deps.Attempts,
		navigator: deps.Navigator,
		notifier:  deps.Notifier,
		checkout:  checkout,
		payment:   payment,
		now:       time.Now,
		logger:    util.GetLogger(),
	}
	if o.attempts == nil {
		o.attempts = NewAttemptRegistry()
	}
	if o.navigator == nil {
		o.navigator = o.attempts
	}
	if o.notifier == nil {
		o.notifier = o.attempts
	}
	if o.lock == nil {
		o.lock = redisclient.NewMemoryLocker()
	}
	if o.checkout.LockTTL <= 0 {
		o.checkout.LockTTL = 35 * time.Minute
	}
	if o.payment.QRExpiry <= 0 {
		o.payment.QRExpiry = 10 * time.Minute
	}
	return o
}

// WithClock replaces the clock used for QR code expiry.
func (o *CheckoutOrchestrator) WithClock(now func() time.Time) *CheckoutOrchestrator {
	o.now = now
	return o
}

// Attempts exposes the registry, for the sweeper.
func (o *CheckoutOrchestrator) Attempts() *AttemptRegistry {
	return o.attempts
}

// ContactResult is the normalized contact after an update.
type ContactResult struct {
	Contact    models.ShippingContact `json:"contact"`
	Validation ValidationResult       `json:"validation"`
}

// UpdateContact applies shipping form fields for userID.
func (o *CheckoutOrchestrator) UpdateContact(userID string, fields map[string]string) (ContactResult, error) {
	if userID == "" {
		return ContactResult{}, ErrAuthRequired
	}

	a := o.attempts.fresh(userID)
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.loading {
		return ContactResult{}, ErrSubmissionInFlight
	}

	probe := NewCheckoutFormState()
	for name, value := range fields {
		if err := probe.SetField(name, value); err != nil {
			return ContactResult{}, err
		}
	}
	for name, value := range fields {
		_ = a.form.SetField(name, value)
	}

	result := a.form.Validate()
	if result.Valid {
		a.errors = nil
	}
	a.updatedAt = time.Now()
	return ContactResult{Contact: a.form.Contact(), Validation: result}, nil
}

// SelectMethod records the payment method and moves to the method step.
// Leaving UPI abandons its payment session.
func (o *CheckoutOrchestrator) SelectMethod(ctx context.Context, userID string, method models.PaymentMethod) (StatusView, error) {
	if userID == "" {
		return StatusView{}, ErrAuthRequired
	}

	a := o.attempts.fresh(userID)
	a.mu.Lock()

	if a.loading {
		a.mu.Unlock()
		return StatusView{}, ErrSubmissionInFlight
	}
	if err := a.selector.Select(method); err != nil {
		a.mu.Unlock()
		return StatusView{}, err
	}

	var stale *models.PaymentSession
	if a.session != nil && a.session.Method != method {
		stale = a.session
		a.session = nil
	}
	if method != models.PaymentMethodUPI {
		a.upi = nil
	}
	a.orderSubmitted = false
	a.errors = nil
	err := a.transition(StateMethodSelected)
	view := a.view(o.now())
	a.mu.Unlock()

	if stale != nil {
		o.setSessionStatus(ctx, stale, models.SessionStatusAbandoned)
	}
	return view, err
}

// Methods lists the payment methods with their availability.
func (o *CheckoutOrchestrator) Methods() []MethodOption {
	return Methods(o.gateway.Available())
}

// Summary prices the user's current cart.
func (o *CheckoutOrchestrator) Summary(ctx context.Context, userID string) (Summary, error) {
	if userID == "" {
		return Summary{}, ErrAuthRequired
	}
	items, err := o.cart.Snapshot(ctx, userID)
	if err != nil {
		return Summary{}, fmt.Errorf("read cart: %w", err)
	}
	return Project(items, o.checkout.FreeShippingThreshold, o.checkout.ShippingFee), nil
}

// Status returns the polling snapshot for userID. Pending notifications are
// handed out once.
func (o *CheckoutOrchestrator) Status(userID string) (StatusView, error) {
	if userID == "" {
		return StatusView{}, ErrAuthRequired
	}
	a := o.attempts.get(userID)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.view(o.now()), nil
}

// Back leaves the UPI options view, or abandons an open payment widget. The
// UPI payment session is kept so coming back to UPI reuses it.
func (o *CheckoutOrchestrator) Back(userID string) (StatusView, error) {
	if userID == "" {
		return StatusView{}, ErrAuthRequired
	}

	a := o.attempts.get(userID)
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.state {
	case StateUPIOptions:
		if !a.loading {
			a.upi = nil
			a.orderSubmitted = false
			a.errors = nil
			_ = a.transition(StateMethodSelected)
		}
	case StateAwaitingGatewayUI:
		if a.cancelWait != nil {
			a.cancelWait()
		}
	}
	return a.view(o.now()), nil
}

// Submit places the order for the user's current cart with the selected
// method. Concurrent and repeated calls are coalesced into one attempt.
func (o *CheckoutOrchestrator) Submit(ctx context.Context, userID string) Outcome {
	if userID == "" {
		return authRequired()
	}
	return o.coalesce(ctx, "submit:"+userID, userID, o.submit)
}

// HandleUPIPayment runs one of the UPI sub-flows from the UPI options view.
func (o *CheckoutOrchestrator) HandleUPIPayment(ctx context.Context, userID, mode string) Outcome {
	if userID == "" {
		return authRequired()
	}

	switch mode {
	case UPIModeQR:
		return o.refreshQR(userID)
	case UPIModeIntent, UPIModeManual:
		return o.coalesce(ctx, "upi:"+userID, userID, func(ctx context.Context, a *attempt) Outcome {
			return o.handleUPI(ctx, a, mode)
		})
	}
	return Outcome{Kind: OutcomeInvalid, Message: "Unknown UPI option.", Err: fmt.Errorf("%w: upi mode %q", ErrValidation, mode)}
}

func authRequired() Outcome {
	return Outcome{Kind: OutcomeAuthRequired, Message: msgLoginRequired, Redirect: loginPath, Err: ErrAuthRequired}
}

func (o *CheckoutOrchestrator) coalesce(ctx context.Context, key, userID string, run func(context.Context, *attempt) Outcome) Outcome {
	v, _, shared := o.group.Do(key, func() (interface{}, error) {
		return o.guarded(ctx, userID, run), nil
	})
	if shared {
		util.CheckoutSubmissionsCoalesced.Inc()
	}
	return v.(Outcome)
}

// guarded claims the attempt and the distributed lock, runs fn and turns
// any panic into a failed outcome. loading is always cleared on return.
func (o *CheckoutOrchestrator) guarded(ctx context.Context, userID string, run func(context.Context, *attempt) Outcome) (out Outcome) {
	a := o.attempts.get(userID)
	if !a.begin() {
		util.CheckoutSubmissionsCoalesced.Inc()
		return Outcome{Kind: OutcomeIgnored, Message: msgAlreadyProcessing, Err: ErrSubmissionInFlight}
	}
	defer a.endLoading()

	release, ok, err := o.lock.Acquire(ctx, "checkout:"+userID, o.checkout.LockTTL)
	switch {
	case err != nil:
		o.logger.Warn("Submission lock unavailable, continuing with local guard",
			zap.String("user_id", userID),
			zap.Error(err))
	case !ok:
		util.CheckoutSubmissionsCoalesced.Inc()
		return Outcome{Kind: OutcomeIgnored, Message: msgAlreadyProcessing, Err: ErrSubmissionInFlight}
	default:
		defer release()
	}

	defer func() {
		if r := recover(); r != nil {
			out = o.fail(ctx, a, fmt.Errorf("panic: %v", r), msgGenericFailure)
		}
	}()
	return run(ctx, a)
}

func (o *CheckoutOrchestrator) submit(ctx context.Context, a *attempt) Outcome {
	ctx, span := util.StartSpan(ctx, "CheckoutOrchestrator.Submit", attribute.String("user_id", a.userID))
	defer span.End()

	a.mu.Lock()
	method := a.selector.Method()
	validation := a.form.Validate()
	if !validation.Valid {
		a.errors = validation.Errors
		a.orderSubmitted = false
		_ = a.transition(StateMethodSelected)
		a.mu.Unlock()
		util.CheckoutOutcomesTotal.WithLabelValues(string(OutcomeInvalid)).Inc()
		return Outcome{Kind: OutcomeInvalid, Message: msgFixErrors, Errors: validation.Errors, Err: ErrValidation}
	}
	contact := a.form.trimmed()
	if a.state == StateCollectingInfo {
		_ = a.transition(StateMethodSelected)
	}
	a.mu.Unlock()

	span.SetAttributes(attribute.String("method", string(method)))

	items, summary, err := o.priceCart(ctx, a.userID)
	if err != nil {
		util.RecordError(span, err)
		if errors.Is(err, ErrEmptyCart) {
			return o.fail(ctx, a, err, msgEmptyCart)
		}
		return o.fail(ctx, a, err, msgGenericFailure)
	}

	util.CheckoutSubmissionsTotal.WithLabelValues(string(method)).Inc()
	start := time.Now()
	defer func() {
		util.CheckoutSubmitLatency.WithLabelValues(string(method)).Observe(time.Since(start).Seconds())
	}()

	a.mu.Lock()
	a.orderSubmitted = true
	a.mu.Unlock()

	o.logger.Info("Checkout submitted",
		zap.String("user_id", a.userID),
		zap.String("method", string(method)),
		zap.String("total", summary.Total.StringFixed(2)))

	switch method {
	case models.PaymentMethodCOD:
		return o.placeCashOnDelivery(ctx, a, contact, items, summary)
	case models.PaymentMethodUPI:
		return o.enterUPIOptions(ctx, a, summary)
	default:
		return o.payOnline(ctx, a, contact, items, summary, method, "")
	}
}

func (o *CheckoutOrchestrator) priceCart(ctx context.Context, userID string) ([]models.CartLineItem, Summary, error) {
	items, err := o.cart.Snapshot(ctx, userID)
	if err != nil {
		return nil, Summary{}, fmt.Errorf("read cart: %w", err)
	}
	if len(items) == 0 {
		return nil, Summary{}, ErrEmptyCart
	}
	for _, item := range items {
		if err := item.Validate(); err != nil {
			return nil, Summary{}, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	return items, Project(items, o.checkout.FreeShippingThreshold, o.checkout.ShippingFee), nil
}

func (o *CheckoutOrchestrator) placeCashOnDelivery(ctx context.Context, a *attempt, contact models.ShippingContact, items []models.CartLineItem, summary Summary) Outcome {
	session, err := o.openSession(ctx, a, models.PaymentMethodCOD, summary.Total)
	if err != nil {
		return o.fail(ctx, a, err, msgGenericFailure)
	}

	draft := o.draft(a.userID, contact, items, summary, session)
	draft.Status = models.OrderStatusConfirmed
	draft.PaymentStatus = models.PaymentStatusPending

	if err := o.moveTo(a, StateSubmitting); err != nil {
		return o.fail(ctx, a, err, msgGenericFailure)
	}
	return o.persist(ctx, a, draft, false)
}

// openSession returns the attempt's live session when it matches method and
// amount, otherwise abandons it and records a fresh one.
func (o *CheckoutOrchestrator) openSession(ctx context.Context, a *attempt, method models.PaymentMethod, amount decimal.Decimal) (*models.PaymentSession, error) {
	a.mu.Lock()
	current := a.session
	a.mu.Unlock()

	if current != nil && sessionLive(current) {
		if current.Method == method && current.Amount.Equal(amount) && o.stillLive(ctx, current) {
			return current, nil
		}
		if sessionLive(current) {
			o.setSessionStatus(ctx, current, models.SessionStatusAbandoned)
		}
	}

	session := &models.PaymentSession{
		SessionID: "ps_" + uuid.New().String(),
		UserID:    a.userID,
		Method:    method,
		Amount:    amount,
		Status:    models.SessionStatusCreated,
	}
	if err := o.sessions.CreatePaymentSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create payment session: %w", err)
	}

	a.mu.Lock()
	a.session = session
	a.mu.Unlock()

	o.logger.Info("Payment session created",
		zap.String("session_id", session.SessionID),
		zap.String("user_id", a.userID),
		zap.String("method", string(method)))
	return session, nil
}

// stillLive re-reads s so a session the sweeper expired is not reused. A
// failed read keeps the cached status.
func (o *CheckoutOrchestrator) stillLive(ctx context.Context, s *models.PaymentSession) bool {
	stored, err := o.sessions.GetPaymentSession(ctx, s.SessionID)
	if err != nil {
		o.logger.Warn("Failed to re-read payment session",
			zap.String("session_id", s.SessionID),
			zap.Error(err))
		return true
	}
	if sessionLive(stored) {
		return true
	}
	o.logger.Info("Payment session expired, opening a new one",
		zap.String("session_id", s.SessionID),
		zap.String("status", stored.Status))
	s.Status = stored.Status
	return false
}

func sessionLive(s *models.PaymentSession) bool {
	return s.Status == models.SessionStatusCreated || s.Status == models.SessionStatusAwaitingPayment
}

func (o *CheckoutOrchestrator) setSessionStatus(ctx context.Context, s *models.PaymentSession, status string) {
	s.Status = status
	if err := o.sessions.UpdateSessionStatus(ctx, s.SessionID, status); err != nil {
		o.logger.Warn("Failed to update payment session",
			zap.String("session_id", s.SessionID),
			zap.String("status", status),
			zap.Error(err))
	}
}

func (o *CheckoutOrchestrator) enterUPIOptions(ctx context.Context, a *attempt, summary Summary) Outcome {
	session, err := o.openSession(ctx, a, models.PaymentMethodUPI, summary.Total)
	if err != nil {
		return o.fail(ctx, a, err, msgGenericFailure)
	}

	now := o.now()
	a.mu.Lock()
	if a.upi == nil || a.upi.SessionID != session.SessionID || a.upi.QR.At(now).Stale {
		view := o.upiView(session, now)
		a.upi = &view
	}
	a.orderSubmitted = false
	err = a.transition(StateUPIOptions)
	view := *a.upi
	a.mu.Unlock()

	if err != nil {
		return o.fail(ctx, a, err, msgGenericFailure)
	}

	view.QR = view.QR.At(now)
	util.CheckoutOutcomesTotal.WithLabelValues(string(OutcomeUPIOptions)).Inc()
	return Outcome{Kind: OutcomeUPIOptions, UPI: &view}
}

func (o *CheckoutOrchestrator) upiView(session *models.PaymentSession, now time.Time) UPIOptionsView {
	intent := o.gateway.Available()
	modes := []string{UPIModeQR, UPIModeManual}
	if intent {
		modes = append([]string{UPIModeIntent}, modes...)
	}
	return UPIOptionsView{
		SessionID:       session.SessionID,
		Amount:          session.Amount,
		QR:              NewUPIQRCode(o.payment.UPIPayeeVPA, o.payment.MerchantName, o.payment.Currency, session.Amount, session.SessionID, now, o.payment.QRExpiry),
		IntentAvailable: intent,
		Modes:           modes,
	}
}

func (o *CheckoutOrchestrator) refreshQR(userID string) Outcome {
	a := o.attempts.get(userID)
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateUPIOptions || a.upi == nil || a.session == nil {
		return Outcome{Kind: OutcomeFailed, Message: msgChooseUPI, Err: ErrInvalidTransition}
	}

	now := o.now()
	if a.upi.QR.At(now).Stale {
		view := o.upiView(a.session, now)
		a.upi = &view
	}
	view := *a.upi
	view.QR = view.QR.At(now)
	return Outcome{Kind: OutcomeUPIOptions, UPI: &view}
}

func (o *CheckoutOrchestrator) handleUPI(ctx context.Context, a *attempt, mode string) Outcome {
	ctx, span := util.StartSpan(ctx, "CheckoutOrchestrator.HandleUPIPayment",
		attribute.String("user_id", a.userID),
		attribute.String("mode", mode))
	defer span.End()

	a.mu.Lock()
	inOptions := a.state == StateUPIOptions && a.session != nil
	validation := a.form.Validate()
	contact := a.form.trimmed()
	if inOptions && !validation.Valid {
		a.errors = validation.Errors
		_ = a.transition(StateMethodSelected)
	}
	a.mu.Unlock()

	if !inOptions {
		return Outcome{Kind: OutcomeFailed, Message: msgChooseUPI, Err: ErrInvalidTransition}
	}
	if !validation.Valid {
		util.CheckoutOutcomesTotal.WithLabelValues(string(OutcomeInvalid)).Inc()
		return Outcome{Kind: OutcomeInvalid, Message: msgFixErrors, Errors: validation.Errors, Err: ErrValidation}
	}

	items, summary, err := o.priceCart(ctx, a.userID)
	if err != nil {
		util.RecordError(span, err)
		if errors.Is(err, ErrEmptyCart) {
			return o.fail(ctx, a, err, msgEmptyCart)
		}
		return o.fail(ctx, a, err, msgGenericFailure)
	}

	util.CheckoutSubmissionsTotal.WithLabelValues(string(models.PaymentMethodUPI)).Inc()
	start := time.Now()
	defer func() {
		util.CheckoutSubmitLatency.WithLabelValues(string(models.PaymentMethodUPI)).Observe(time.Since(start).Seconds())
	}()

	a.mu.Lock()
	a.orderSubmitted = true
	a.mu.Unlock()

	if mode == UPIModeIntent {
		return o.payOnline(ctx, a, contact, items, summary, models.PaymentMethodUPI, "upi")
	}

	// "I have paid": trusted as a completed payment without a reference
	session, err := o.openSession(ctx, a, models.PaymentMethodUPI, summary.Total)
	if err != nil {
		return o.fail(ctx, a, err, msgGenericFailure)
	}
	return o.settle(ctx, a, contact, items, summary, session, models.RemoteOrderHandle{}, models.PaymentReference{})
}

// payOnline runs the gateway round trip: remote order, widget, verification.
func (o *CheckoutOrchestrator) payOnline(ctx context.Context, a *attempt, contact models.ShippingContact, items []models.CartLineItem, summary Summary, method models.PaymentMethod, widgetMethod string) Outcome {
	session, err := o.openSession(ctx, a, method, summary.Total)
	if err != nil {
		return o.fail(ctx, a, err, msgGenericFailure)
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.mu.Lock()
	err = a.transition(StateAwaitingGatewayUI)
	a.cancelWait = cancel
	a.mu.Unlock()
	if err != nil {
		return o.fail(ctx, a, err, msgGenericFailure)
	}

	handle := o.gateway.CreateRemoteOrder(waitCtx, summary.AmountMinor(), session.SessionID, map[string]string{
		"session_id": session.SessionID,
		"user_id":    a.userID,
	})
	if !handle.Synthesized {
		session.RemoteOrderID = handle.ID
		session.Status = models.SessionStatusAwaitingPayment
		if err := o.sessions.AttachRemoteOrder(ctx, session.SessionID, handle.ID); err != nil {
			o.logger.Warn("Failed to attach remote order to session",
				zap.String("session_id", session.SessionID),
				zap.Error(err))
		}
	}

	result := o.gateway.OpenPaymentUI(waitCtx, gateway.UIRequest{
		SessionID: session.SessionID,
		UserID:    a.userID,
		Handle:    handle,
		Contact:   contact,
		Method:    widgetMethod,
		Present: func(opts gateway.CheckoutOptions) {
			a.mu.Lock()
			a.widget = &opts
			a.mu.Unlock()
		},
	})

	a.mu.Lock()
	a.widget = nil
	a.cancelWait = nil
	a.mu.Unlock()

	if result.Kind != gateway.ResultSuccess {
		return o.abandonPayment(ctx, a, session, result)
	}
	return o.settle(ctx, a, contact, items, summary, session, handle, result.PaymentRef)
}

// abandonPayment ends an attempt whose widget did not produce a payment.
// Nothing is persisted and the customer can retry.
func (o *CheckoutOrchestrator) abandonPayment(ctx context.Context, a *attempt, session *models.PaymentSession, result gateway.Result) Outcome {
	o.setSessionStatus(ctx, session, models.SessionStatusCancelled)
	o.publish("CheckoutCancelled", func() error {
		return o.events.PublishCheckoutCancelled(ctx, &models.CheckoutCancelledEvent{
			BaseEvent:        models.NewBaseEvent(models.EventTypeCheckoutCancelled),
			PaymentSessionID: session.SessionID,
			UserID:           a.userID,
			Reason:           string(result.Kind),
		})
	})

	var kind OutcomeKind
	var note Notification
	switch result.Kind {
	case gateway.ResultCancelled:
		kind, note = OutcomeCancelled, Notification{Type: NotifyInfo, Message: msgPaymentCancelled}
	case gateway.ResultTimeout:
		kind, note = OutcomeTimeout, Notification{Type: NotifyWarning, Message: msgPaymentTimeout}
	default:
		kind, note = OutcomeFailed, Notification{Type: NotifyError, Message: msgPaymentFailed}
		if errors.Is(result.Err(), ErrGatewayUnavailable) {
			note.Message = msgGatewayUnavailable
		}
	}

	o.logger.Info("Payment not completed",
		zap.String("session_id", session.SessionID),
		zap.String("result", string(result.Kind)),
		zap.String("detail", result.Detail))

	a.mu.Lock()
	a.orderSubmitted = false
	a.upi = nil
	_ = a.transition(StateMethodSelected)
	a.mu.Unlock()

	o.notifier.Notify(a.userID, note)
	util.CheckoutOutcomesTotal.WithLabelValues(string(kind)).Inc()
	return Outcome{Kind: kind, Message: note.Message, Err: result.Err()}
}

// settle turns a completed payment into an order draft. Unverified payments
// still produce an order, flagged for review.
func (o *CheckoutOrchestrator) settle(ctx context.Context, a *attempt, contact models.ShippingContact, items []models.CartLineItem, summary Summary, session *models.PaymentSession, handle models.RemoteOrderHandle, ref models.PaymentReference) Outcome {
	if err := o.moveTo(a, StateAwaitingVerification); err != nil {
		return o.fail(ctx, a, err, msgGenericFailure)
	}

	verified := false
	if !ref.Empty() && !handle.Synthesized {
		verified = o.verifier.Verify(ctx, ref, handle)
	}

	if !ref.Empty() {
		session.GatewayPaymentRef = ref.PaymentID
		session.Status = models.SessionStatusPaid
		if err := o.sessions.AttachPaymentRef(ctx, session.SessionID, ref.PaymentID); err != nil {
			o.logger.Warn("Failed to attach payment reference",
				zap.String("session_id", session.SessionID),
				zap.Error(err))
		}
	}

	draft := o.draft(a.userID, contact, items, summary, session)
	draft.PaymentRef = ref.PaymentID
	if verified {
		draft.Status = models.OrderStatusConfirmed
		draft.PaymentStatus = models.PaymentStatusPaid
		o.publish("PaymentVerified", func() error {
			return o.events.PublishPaymentVerified(ctx, &models.PaymentVerifiedEvent{
				BaseEvent:        models.NewBaseEvent(models.EventTypePaymentVerified),
				PaymentSessionID: session.SessionID,
				RemoteOrderID:    handle.ID,
				PaymentRef:       ref.PaymentID,
			})
		})
	} else {
		draft.Status = models.OrderStatusPaymentReview
		draft.PaymentStatus = models.PaymentStatusPendingVerification
		reason := reviewReason(ref, handle)
		o.logger.Warn("Payment not verified, order goes to review",
			zap.String("session_id", session.SessionID),
			zap.String("payment_id", ref.PaymentID),
			zap.String("reason", reason),
			zap.Error(ErrVerificationFailed))
		o.publish("PaymentReviewRequired", func() error {
			return o.events.PublishPaymentReviewRequired(ctx, &models.PaymentReviewRequiredEvent{
				BaseEvent:        models.NewBaseEvent(models.EventTypePaymentReviewRequired),
				PaymentSessionID: session.SessionID,
				RemoteOrderID:    handle.ID,
				PaymentRef:       ref.PaymentID,
				Reason:           reason,
			})
		})
	}

	if err := o.moveTo(a, StateSubmitting); err != nil {
		return o.fail(ctx, a, err, msgGenericFailure)
	}
	return o.persist(ctx, a, draft, true)
}

func reviewReason(ref models.PaymentReference, handle models.RemoteOrderHandle) string {
	switch {
	case ref.Empty():
		return "manual_confirmation"
	case handle.Synthesized:
		return "local_order_handle"
	}
	return "verification_failed"
}

func (o *CheckoutOrchestrator) draft(userID string, contact models.ShippingContact, items []models.CartLineItem, summary Summary, session *models.PaymentSession) *models.OrderDraft {
	return &models.OrderDraft{
		UserID:           userID,
		TotalAmount:      summary.Total,
		ShippingFee:      summary.ShippingFee,
		PaymentMethod:    session.Method,
		PaymentSessionID: session.SessionID,
		ShippingContact:  contact,
		Items:            items,
	}
}

// persist creates the order and, only once it exists, clears the cart and
// sends the customer to the confirmation page.
func (o *CheckoutOrchestrator) persist(ctx context.Context, a *attempt, draft *models.OrderDraft, paymentAttempted bool) Outcome {
	order, err := o.orders.CreateOrder(ctx, draft)
	if err != nil {
		perr := &PersistenceError{SessionID: draft.PaymentSessionID, PaymentAttempted: paymentAttempted, Err: err}
		if paymentAttempted {
			return o.orphaned(ctx, a, draft, perr)
		}
		return o.fail(ctx, a, perr, msgGenericFailure)
	}

	if err := o.sessions.UpdateSessionStatus(ctx, draft.PaymentSessionID, models.SessionStatusOrdered); err != nil {
		o.logger.Warn("Failed to mark payment session ordered",
			zap.String("session_id", draft.PaymentSessionID),
			zap.Error(err))
	}
	util.OrdersCreatedTotal.WithLabelValues(draft.PaymentStatus).Inc()

	if err := o.cart.Clear(ctx, a.userID); err != nil {
		o.logger.Error("Failed to clear cart after order",
			zap.String("user_id", a.userID),
			zap.Int64("order_id", order.ID),
			zap.Error(err))
	}

	o.publish("OrderPlaced", func() error {
		return o.events.PublishOrderPlaced(ctx, &models.OrderPlacedEvent{
			BaseEvent:        models.NewBaseEvent(models.EventTypeOrderPlaced),
			OrderID:          order.ID,
			UserID:           order.UserID,
			TotalAmount:      order.TotalAmount,
			Status:           order.Status,
			PaymentStatus:    order.PaymentStatus,
			PaymentMethod:    order.PaymentMethod,
			PaymentSessionID: order.PaymentSessionID,
		})
	})

	pending := draft.PaymentPending()
	message := msgOrderPlaced
	if pending {
		message = msgOrderPlacedPending
	}
	nav := Navigation{Path: confirmationPath, OrderID: order.ID, PaymentPending: pending, Message: message}

	a.mu.Lock()
	_ = a.transition(StateDone)
	a.orderSubmitted = true
	a.session = nil
	a.upi = nil
	a.errors = nil
	a.mu.Unlock()

	o.navigator.Navigate(a.userID, nav)
	o.notifier.Notify(a.userID, Notification{Type: NotifySuccess, Message: message})

	o.logger.Info("Order placed",
		zap.Int64("order_id", order.ID),
		zap.String("user_id", a.userID),
		zap.String("session_id", draft.PaymentSessionID),
		zap.String("payment_status", draft.PaymentStatus))
	util.CheckoutOutcomesTotal.WithLabelValues(string(OutcomePlaced)).Inc()

	return Outcome{
		Kind:           OutcomePlaced,
		OrderID:        order.ID,
		PaymentPending: pending,
		Message:        message,
		Redirect:       confirmationPath,
	}
}

// orphaned handles a payment whose order could not be stored: the draft is
// handed to reconciliation, which retries it under the same session id.
func (o *CheckoutOrchestrator) orphaned(ctx context.Context, a *attempt, draft *models.OrderDraft, perr *PersistenceError) Outcome {
	o.logger.Error("payment_without_order",
		zap.String("session_id", draft.PaymentSessionID),
		zap.String("user_id", draft.UserID),
		zap.String("payment_ref", draft.PaymentRef),
		zap.String("total", draft.TotalAmount.StringFixed(2)),
		zap.Error(perr.Err))
	util.OrphanedPaymentsTotal.Inc()

	if err := o.sessions.UpdateSessionStatus(ctx, draft.PaymentSessionID, models.SessionStatusOrphaned); err != nil {
		o.logger.Warn("Failed to mark payment session orphaned",
			zap.String("session_id", draft.PaymentSessionID),
			zap.Error(err))
	}
	o.publish("OrderPersistenceFailed", func() error {
		return o.events.PublishOrderPersistenceFailed(ctx, &models.OrderPersistenceFailedEvent{
			BaseEvent: models.NewBaseEvent(models.EventTypeOrderPersistenceFailed),
			Draft:     *draft,
			Error:     perr.Err.Error(),
		})
	})

	a.mu.Lock()
	a.session = nil
	a.upi = nil
	a.mu.Unlock()

	return o.fail(ctx, a, perr, msgPaidWithoutOrder)
}

// fail resets the attempt to the method step with message for the customer.
func (o *CheckoutOrchestrator) fail(ctx context.Context, a *attempt, err error, message string) Outcome {
	o.logger.Error("Checkout attempt failed",
		zap.String("user_id", a.userID),
		zap.Error(err))

	a.mu.Lock()
	a.orderSubmitted = false
	if a.state.CanTransitionTo(StateMethodSelected) {
		_ = a.transition(StateMethodSelected)
	}
	a.mu.Unlock()

	o.notifier.Notify(a.userID, Notification{Type: NotifyError, Message: message})
	util.CheckoutOutcomesTotal.WithLabelValues(string(OutcomeFailed)).Inc()
	return Outcome{Kind: OutcomeFailed, Message: message, Err: err}
}

func (o *CheckoutOrchestrator) moveTo(a *attempt, to CheckoutState) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.transition(to)
}

func (o *CheckoutOrchestrator) publish(name string, fn func() error) {
	if o.events == nil {
		return
	}
	if err := fn(); err != nil {
		o.logger.Warn("Failed to publish event", zap.String("event", name), zap.Error(err))
	}
}
