package service

import (
	"context"
	"time"

	"checkout-service/internal/gateway"
	"checkout-service/internal/models"

	"github.com/stretchr/testify/mock"
)

type MockOrderCreator struct {
	mock.Mock
}

func (m *MockOrderCreator) CreateOrder(ctx context.Context, draft *models.OrderDraft) (*models.Order, error) {
	args := m.Called(ctx, draft)
	if fn, ok := args.Get(0).(func(context.Context, *models.OrderDraft) *models.Order); ok {
		return fn(ctx, draft), args.Error(1)
	}
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Order), args.Error(1)
}

type MockSessionStore struct {
	mock.Mock
}

func (m *MockSessionStore) CreatePaymentSession(ctx context.Context, session *models.PaymentSession) error {
	args := m.Called(ctx, session)
	return args.Error(0)
}

func (m *MockSessionStore) GetPaymentSession(ctx context.Context, sessionID string) (*models.PaymentSession, error) {
	args := m.Called(ctx, sessionID)
	if fn, ok := args.Get(0).(func(context.Context, string) *models.PaymentSession); ok {
		return fn(ctx, sessionID), args.Error(1)
	}
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PaymentSession), args.Error(1)
}

func (m *MockSessionStore) AttachRemoteOrder(ctx context.Context, sessionID, remoteOrderID string) error {
	args := m.Called(ctx, sessionID, remoteOrderID)
	return args.Error(0)
}

func (m *MockSessionStore) AttachPaymentRef(ctx context.Context, sessionID, paymentRef string) error {
	args := m.Called(ctx, sessionID, paymentRef)
	return args.Error(0)
}

func (m *MockSessionStore) UpdateSessionStatus(ctx context.Context, sessionID, status string) error {
	args := m.Called(ctx, sessionID, status)
	return args.Error(0)
}

type MockCartStore struct {
	mock.Mock
}

func (m *MockCartStore) Snapshot(ctx context.Context, userID string) ([]models.CartLineItem, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.CartLineItem), args.Error(1)
}

func (m *MockCartStore) Clear(ctx context.Context, userID string) error {
	args := m.Called(ctx, userID)
	return args.Error(0)
}

type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) CreateRemoteOrder(ctx context.Context, amountMinor int64, receipt string, notes map[string]string) models.RemoteOrderHandle {
	args := m.Called(ctx, amountMinor, receipt, notes)
	return args.Get(0).(models.RemoteOrderHandle)
}

func (m *MockGateway) OpenPaymentUI(ctx context.Context, req gateway.UIRequest) gateway.Result {
	args := m.Called(ctx, req)
	if fn, ok := args.Get(0).(func(context.Context, gateway.UIRequest) gateway.Result); ok {
		return fn(ctx, req)
	}
	return args.Get(0).(gateway.Result)
}

func (m *MockGateway) Available() bool {
	args := m.Called()
	return args.Bool(0)
}

type MockVerifier struct {
	mock.Mock
}

func (m *MockVerifier) Verify(ctx context.Context, ref models.PaymentReference, handle models.RemoteOrderHandle) bool {
	args := m.Called(ctx, ref, handle)
	return args.Bool(0)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) PublishOrderPlaced(ctx context.Context, event *models.OrderPlacedEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockPublisher) PublishPaymentVerified(ctx context.Context, event *models.PaymentVerifiedEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockPublisher) PublishPaymentReviewRequired(ctx context.Context, event *models.PaymentReviewRequiredEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockPublisher) PublishOrderPersistenceFailed(ctx context.Context, event *models.OrderPersistenceFailedEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockPublisher) PublishCheckoutCancelled(ctx context.Context, event *models.CheckoutCancelledEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

type MockLock struct {
	mock.Mock
}

func (m *MockLock) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	args := m.Called(ctx, key, ttl)
	return func() {}, args.Bool(0), args.Error(1)
}
