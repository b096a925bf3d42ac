package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"checkout-service/internal/gateway"
	"checkout-service/internal/models"
	"checkout-service/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type methodRequest struct {
	Method models.PaymentMethod `json:"method" binding:"required"`
}

func (h *Handler) updateContact(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	var fields map[string]string
	if err := c.ShouldBindJSON(&fields); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	result, err := h.checkout.UpdateContact(userID, fields)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) selectMethod(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	var req methodRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	view, err := h.checkout.SelectMethod(c.Request.Context(), userID, req.Method)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) listMethods(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"methods": h.checkout.Methods()})
}

func (h *Handler) summary(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	s, err := h.checkout.Summary(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *Handler) status(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	view, err := h.checkout.Status(userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) back(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	view, err := h.checkout.Back(userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) submit(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	h.runAttempt(c, userID, func(ctx context.Context) service.Outcome {
		return h.checkout.Submit(ctx, userID)
	})
}

func (h *Handler) upiPayment(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	mode := c.Param("mode")
	h.runAttempt(c, userID, func(ctx context.Context) service.Outcome {
		return h.checkout.HandleUPIPayment(ctx, userID, mode)
	})
}

// runAttempt detaches the attempt from the request, since an online payment
// outlives any reasonable request timeout. The caller gets the outcome if it
// arrives within submitWait, otherwise 202 and the status to poll.
func (h *Handler) runAttempt(c *gin.Context, userID string, run func(ctx context.Context) service.Outcome) {
	done := make(chan service.Outcome, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.attemptTimeout)
		defer cancel()
		done <- run(ctx)
	}()

	timer := time.NewTimer(h.submitWait)
	defer timer.Stop()

	select {
	case out := <-done:
		writeOutcome(c, out)
	case <-timer.C:
		view, err := h.checkout.Status(userID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, view)
	case <-c.Request.Context().Done():
		h.logger.Info("Client left before checkout outcome", zap.String("user_id", userID))
	}
}

// gatewayMessage receives the payment widget's messages relayed by the
// storefront.
func (h *Handler) gatewayMessage(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	var msg gateway.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid message",
			"details": err.Error(),
		})
		return
	}

	switch delivery := h.messages.Deliver(c.GetHeader("Origin"), userID, msg); delivery {
	case gateway.Delivered:
		c.JSON(http.StatusAccepted, gin.H{"delivery": delivery})
	case gateway.Untrusted:
		c.JSON(http.StatusForbidden, gin.H{"delivery": delivery})
	case gateway.UnknownSession, gateway.NotOwner:
		// another user's session looks the same as no session
		c.JSON(http.StatusNotFound, gin.H{"delivery": delivery})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"delivery": delivery})
	}
}

func writeOutcome(c *gin.Context, out service.Outcome) {
	status := http.StatusOK
	switch out.Kind {
	case service.OutcomePlaced:
		status = http.StatusCreated
	case service.OutcomeInvalid:
		status = http.StatusUnprocessableEntity
	case service.OutcomeAuthRequired:
		status = http.StatusUnauthorized
	case service.OutcomeIgnored:
		status = http.StatusConflict
	case service.OutcomeFailed:
		status = errorStatus(out.Err)
	}
	c.JSON(status, out)
}

func writeError(c *gin.Context, err error) {
	status := errorStatus(err)
	body := gin.H{"error": err.Error()}
	if status == http.StatusUnauthorized {
		body["redirect"] = "/login"
	}
	c.JSON(status, body)
}

func errorStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, service.ErrAuthRequired):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrValidation), errors.Is(err, service.ErrEmptyCart):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrSubmissionInFlight), errors.Is(err, service.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, service.ErrGatewayUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, service.ErrGatewayTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, gateway.ErrGatewayFailed):
		return http.StatusPaymentRequired
	case errors.Is(err, service.ErrUserCancelled):
		return http.StatusOK
	}
	return http.StatusInternalServerError
}
