package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"checkout-service/internal/gateway"
	"checkout-service/internal/models"
)

// CheckoutState of one attempt.
type CheckoutState string

const (
	StateCollectingInfo       CheckoutState = "collecting_info"
	StateMethodSelected       CheckoutState = "method_selected"
	StateUPIOptions           CheckoutState = "upi_options"
	StateAwaitingGatewayUI    CheckoutState = "awaiting_gateway_ui"
	StateAwaitingVerification CheckoutState = "awaiting_verification"
	StateSubmitting           CheckoutState = "submitting"
	StateDone                 CheckoutState = "done"
)

var transitions = map[CheckoutState][]CheckoutState{
	StateCollectingInfo:       {StateMethodSelected},
	StateMethodSelected:       {StateCollectingInfo, StateUPIOptions, StateAwaitingGatewayUI, StateSubmitting},
	StateUPIOptions:           {StateMethodSelected, StateAwaitingGatewayUI, StateAwaitingVerification},
	StateAwaitingGatewayUI:    {StateAwaitingVerification, StateMethodSelected},
	StateAwaitingVerification: {StateSubmitting, StateMethodSelected},
	StateSubmitting:           {StateDone, StateMethodSelected},
	StateDone:                 {},
}

// CanTransitionTo reports whether the state machine allows from -> to.
func (s CheckoutState) CanTransitionTo(to CheckoutState) bool {
	if s == to {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Notification is a toast for the customer.
type Notification struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

const (
	NotifySuccess = "success"
	NotifyError   = "error"
	NotifyInfo    = "info"
	NotifyWarning = "warning"
)

// Navigation is a route change the storefront should follow.
type Navigation struct {
	Path           string `json:"path"`
	OrderID        int64  `json:"order_id,omitempty"`
	PaymentPending bool   `json:"payment_pending"`
	Message        string `json:"message,omitempty"`
}

// Navigator receives route changes for a user.
type Navigator interface {
	Navigate(userID string, nav Navigation)
}

// Notifier receives notifications for a user.
type Notifier interface {
	Notify(userID string, n Notification)
}

// attempt is one user's checkout in progress. All fields are guarded by mu.
type attempt struct {
	mu sync.Mutex

	userID         string
	state          CheckoutState
	form           *CheckoutFormState
	selector       *PaymentMethodSelector
	loading        bool
	orderSubmitted bool
	errors         []FieldError
	message        *Notification
	session        *models.PaymentSession
	upi            *UPIOptionsView
	widget         *gateway.CheckoutOptions
	redirect       *Navigation
	notifications  []Notification
	cancelWait     context.CancelFunc
	updatedAt      time.Time
}

func newAttempt(userID string) *attempt {
	return &attempt{
		userID:    userID,
		state:     StateCollectingInfo,
		form:      NewCheckoutFormState(),
		selector:  NewPaymentMethodSelector(),
		updatedAt: time.Now(),
	}
}

// transition moves to `to` if the table allows it. Callers hold mu.
func (a *attempt) transition(to CheckoutState) error {
	if !a.state.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.state, to)
	}
	a.state = to
	a.updatedAt = time.Now()
	return nil
}

// begin claims the attempt for a submission. It fails when one is already
// running or an order was already placed.
func (a *attempt) begin() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.loading || a.orderSubmitted || a.state == StateDone {
		return false
	}
	a.loading = true
	a.errors = nil
	a.message = nil
	a.updatedAt = time.Now()
	return true
}

func (a *attempt) endLoading() {
	a.mu.Lock()
	a.loading = false
	a.cancelWait = nil
	a.updatedAt = time.Now()
	a.mu.Unlock()
}

// StatusView is what the storefront polls.
type StatusView struct {
	State          CheckoutState            `json:"state"`
	Method         models.PaymentMethod     `json:"method"`
	Loading        bool                     `json:"loading"`
	OrderSubmitted bool                     `json:"order_submitted"`
	Contact        models.ShippingContact   `json:"contact"`
	Errors         []FieldError             `json:"errors,omitempty"`
	Message        *Notification            `json:"message,omitempty"`
	SessionID      string                   `json:"session_id,omitempty"`
	Widget         *gateway.CheckoutOptions `json:"widget,omitempty"`
	UPI            *UPIOptionsView          `json:"upi,omitempty"`
	Redirect       *Navigation              `json:"redirect,omitempty"`
	Notifications  []Notification           `json:"notifications,omitempty"`
}

func (a *attempt) view(now time.Time) StatusView {
	v := StatusView{
		State:          a.state,
		Method:         a.selector.Method(),
		Loading:        a.loading,
		OrderSubmitted: a.orderSubmitted,
		Contact:        a.form.Contact(),
		Errors:         a.errors,
		Message:        a.message,
		Widget:         a.widget,
		Redirect:       a.redirect,
	}
	if a.session != nil {
		v.SessionID = a.session.SessionID
	}
	if a.upi != nil {
		upi := *a.upi
		upi.QR = upi.QR.At(now)
		v.UPI = &upi
	}
	if len(a.notifications) > 0 {
		v.Notifications = a.notifications
		a.notifications = nil
	}
	return v
}

// AttemptRegistry keeps the live checkout attempt of every user. It is also
// the Navigator and Notifier: what it records is returned by Status.
type AttemptRegistry struct {
	mu       sync.Mutex
	attempts map[string]*attempt
}

func NewAttemptRegistry() *AttemptRegistry {
	return &AttemptRegistry{attempts: make(map[string]*attempt)}
}

func (r *AttemptRegistry) get(userID string) *attempt {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.attempts[userID]
	if !ok {
		a = newAttempt(userID)
		r.attempts[userID] = a
	}
	return a
}

// fresh returns the user's attempt, starting a new one if the last one
// already placed an order.
func (r *AttemptRegistry) fresh(userID string) *attempt {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.attempts[userID]
	if ok {
		a.mu.Lock()
		done := a.state == StateDone
		contact := a.form.Contact()
		a.mu.Unlock()
		if !done {
			return a
		}
		next := newAttempt(userID)
		next.form.SetContact(contact)
		r.attempts[userID] = next
		return next
	}
	a = newAttempt(userID)
	r.attempts[userID] = a
	return a
}

func (r *AttemptRegistry) Navigate(userID string, nav Navigation) {
	a := r.get(userID)
	a.mu.Lock()
	n := nav
	a.redirect = &n
	a.mu.Unlock()
}

func (r *AttemptRegistry) Notify(userID string, n Notification) {
	a := r.get(userID)
	a.mu.Lock()
	a.notifications = append(a.notifications, n)
	a.message = &n
	a.mu.Unlock()
}

// Prune drops idle attempts untouched for maxAge. Attempts with a
// submission in flight are kept.
func (r *AttemptRegistry) Prune(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()

	pruned := 0
	for userID, a := range r.attempts {
		a.mu.Lock()
		stale := !a.loading && a.updatedAt.Before(cutoff)
		a.mu.Unlock()
		if stale {
			delete(r.attempts, userID)
			pruned++
		}
	}
	return pruned
}

// Len is the number of tracked attempts.
func (r *AttemptRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.attempts)
}
