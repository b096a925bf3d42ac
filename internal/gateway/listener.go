package gateway

import (
	"sync"

	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// Widget message types reported by the storefront.
const (
	MessageReady   = "ready"
	MessageSuccess = "success"
	MessageDismiss = "dismiss"
	MessageError   = "error"
)

// Message is one event from the payment widget, relayed by the browser.
type Message struct {
	SessionID string `json:"session_id" binding:"required"`
	Type      string `json:"type" binding:"required"`
	PaymentID string `json:"razorpay_payment_id,omitempty"`
	OrderID   string `json:"razorpay_order_id,omitempty"`
	Signature string `json:"razorpay_signature,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// Delivery says what the listener did with a message.
type Delivery string

const (
	Delivered      Delivery = "delivered"
	Untrusted      Delivery = "untrusted"
	UnknownSession Delivery = "unknown_session"
	NotOwner       Delivery = "not_owner"
	UnknownType    Delivery = "unknown_type"
)

type pendingWait struct {
	owner  string
	ready  chan struct{}
	result chan Result
	once   sync.Once
}

func newPendingWait(owner string) *pendingWait {
	return &pendingWait{
		owner:  owner,
		ready:  make(chan struct{}, 1),
		result: make(chan Result, 1),
	}
}

func (p *pendingWait) signalReady() {
	select {
	case p.ready <- struct{}{}:
	default:
	}
}

// finish records the first terminal result; later ones are dropped.
func (p *pendingWait) finish(r Result) {
	p.once.Do(func() {
		p.result <- r
		p.signalReady()
	})
}

// MessageListener is the one receiver of widget messages for the process.
// Each open widget registers its session and gets the messages meant for it.
type MessageListener struct {
	filter *TrustedOriginFilter

	mu      sync.Mutex
	pending map[string]*pendingWait
}

func NewMessageListener(filter *TrustedOriginFilter) *MessageListener {
	return &MessageListener{
		filter:  filter,
		pending: make(map[string]*pendingWait),
	}
}

func (l *MessageListener) register(sessionID, owner string) *pendingWait {
	l.mu.Lock()
	defer l.mu.Unlock()

	p := newPendingWait(owner)
	l.pending[sessionID] = p
	return p
}

func (l *MessageListener) unregister(sessionID string, p *pendingWait) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pending[sessionID] == p {
		delete(l.pending, sessionID)
	}
}

// Waiting reports whether a widget for sessionID is currently open.
func (l *MessageListener) Waiting(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.pending[sessionID]
	return ok
}

// Deliver routes msg from userID to the wait registered for its session.
// Messages from untrusted origins or from anyone but the session's owner
// never reach a wait.
func (l *MessageListener) Deliver(origin, userID string, msg Message) Delivery {
	logger := util.GetLogger()

	if !l.filter.Allow(origin) {
		util.GatewayMessagesRejected.Inc()
		logger.Warn("Dropped widget message from untrusted origin",
			zap.String("origin", origin),
			zap.String("session_id", msg.SessionID),
			zap.String("type", msg.Type))
		return Untrusted
	}

	l.mu.Lock()
	p, ok := l.pending[msg.SessionID]
	l.mu.Unlock()
	if !ok {
		logger.Info("Widget message for unknown session ignored",
			zap.String("session_id", msg.SessionID),
			zap.String("type", msg.Type))
		return UnknownSession
	}
	if p.owner == "" || p.owner != userID {
		util.GatewayMessagesRejected.Inc()
		logger.Warn("Dropped widget message from another user",
			zap.String("session_id", msg.SessionID),
			zap.String("user_id", userID),
			zap.String("type", msg.Type))
		return NotOwner
	}

	switch msg.Type {
	case MessageReady:
		p.signalReady()
	case MessageSuccess:
		if msg.PaymentID == "" {
			p.finish(Failure(ErrGatewayFailed, "success message without payment id"))
			break
		}
		p.finish(Success(models.PaymentReference{
			PaymentID: msg.PaymentID,
			OrderID:   msg.OrderID,
			Signature: msg.Signature,
		}))
	case MessageDismiss:
		p.finish(Cancelled())
	case MessageError:
		p.finish(Failure(ErrGatewayFailed, msg.Detail))
	default:
		return UnknownType
	}
	return Delivered
}
