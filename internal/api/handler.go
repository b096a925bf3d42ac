package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"checkout-service/internal/gateway"
	"checkout-service/internal/models"
	"checkout-service/internal/service"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const userHeader = "X-User-ID"

// Checkout is the orchestrator as seen by the HTTP layer.
type Checkout interface {
	UpdateContact(userID string, fields map[string]string) (service.ContactResult, error)
	SelectMethod(ctx context.Context, userID string, method models.PaymentMethod) (service.StatusView, error)
	Methods() []service.MethodOption
	Summary(ctx context.Context, userID string) (service.Summary, error)
	Status(userID string) (service.StatusView, error)
	Back(userID string) (service.StatusView, error)
	Submit(ctx context.Context, userID string) service.Outcome
	HandleUPIPayment(ctx context.Context, userID, mode string) service.Outcome
}

// CartRepository reads and replaces cart snapshots.
type CartRepository interface {
	Snapshot(ctx context.Context, userID string) ([]models.CartLineItem, error)
	ReplaceCart(ctx context.Context, userID string, items []models.CartLineItem) error
}

// OrderReader loads persisted orders.
type OrderReader interface {
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error)
}

// MessageSink receives payment widget messages.
type MessageSink interface {
	Deliver(origin, userID string, msg gateway.Message) gateway.Delivery
}

// Probe is one readiness dependency.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// Deps wires the handler.
type Deps struct {
	Checkout       Checkout
	Cart           CartRepository
	Orders         OrderReader
	Messages       MessageSink
	Verifier       service.PaymentVerifier
	Probes         []Probe
	SubmitWait     time.Duration
	AttemptTimeout time.Duration
}

// Handler contains HTTP handlers
type Handler struct {
	checkout       Checkout
	cart           CartRepository
	orders         OrderReader
	messages       MessageSink
	verifier       service.PaymentVerifier
	probes         []Probe
	submitWait     time.Duration
	attemptTimeout time.Duration
	logger         *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(deps Deps) *Handler {
	h := &Handler{
		checkout:       deps.Checkout,
		cart:           deps.Cart,
		orders:         deps.Orders,
		messages:       deps.Messages,
		verifier:       deps.Verifier,
		probes:         deps.Probes,
		submitWait:     deps.SubmitWait,
		attemptTimeout: deps.AttemptTimeout,
		logger:         util.GetLogger(),
	}
	if h.submitWait <= 0 {
		h.submitWait = 2 * time.Second
	}
	if h.attemptTimeout <= 0 {
		h.attemptTimeout = 30 * time.Minute
	}
	return h
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/cart", h.getCart)
		v1.PUT("/cart", h.replaceCart)

		checkout := v1.Group("/checkout")
		checkout.PUT("/contact", h.updateContact)
		checkout.PUT("/method", h.selectMethod)
		checkout.GET("/methods", h.listMethods)
		checkout.GET("/summary", h.summary)
		checkout.POST("/submit", h.submit)
		checkout.POST("/upi/:mode", h.upiPayment)
		checkout.POST("/back", h.back)
		checkout.GET("/status", h.status)
		checkout.POST("/gateway/messages", h.gatewayMessage)

		v1.POST("/payments/verify", h.verifyPayment)
		v1.GET("/orders/:id", h.getOrder)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready only when every probe passes
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for _, p := range h.probes {
		if err := p.Check(ctx); err != nil {
			failed[p.Name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "not ready",
			"details": failed,
			"time":    time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

type cartRequest struct {
	Items []models.CartLineItem `json:"items"`
}

func (h *Handler) getCart(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	items, err := h.cart.Snapshot(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to read cart",
			"details": err.Error(),
		})
		return
	}
	if items == nil {
		items = []models.CartLineItem{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *Handler) replaceCart(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	var req cartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}
	for _, item := range req.Items {
		if err := item.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Invalid cart item",
				"details": err.Error(),
			})
			return
		}
	}

	if err := h.cart.ReplaceCart(c.Request.Context(), userID, req.Items); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to save cart",
			"details": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": req.Items})
}

// verifyPayment is the server-side verification endpoint the storefront's
// verifier calls.
func (h *Handler) verifyPayment(c *gin.Context) {
	var req service.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	verified := h.verifier.Verify(c.Request.Context(), req.PaymentRef, req.RemoteOrderHandle)
	c.JSON(http.StatusOK, service.VerifyResponse{Verified: verified})
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	idStr := c.Param("id")
	orderID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid order ID",
		})
		return
	}

	order, err := h.orders.GetOrderByID(c.Request.Context(), orderID)
	if err != nil || order.UserID != userID {
		status := http.StatusNotFound
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			status = http.StatusInternalServerError
		}
		c.JSON(status, gin.H{
			"error": "Order not found",
		})
		return
	}

	items, err := h.orders.GetOrderItemsByOrderID(c.Request.Context(), orderID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to load order items",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order": order,
		"items": items,
	})
}

// requireUser reads the caller's identity, answering 401 when it is absent.
func requireUser(c *gin.Context) (string, bool) {
	userID := c.GetHeader(userHeader)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":    "Authentication required",
			"redirect": "/login",
		})
		return "", false
	}
	return userID, true
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
