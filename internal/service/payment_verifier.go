package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"github.com/go-resty/resty/v2"
	razorpay "github.com/razorpay/razorpay-go"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// PaymentVerifier confirms a gateway payment reference. Implementations fail
// closed: any doubt is false.
type PaymentVerifier interface {
	Verify(ctx context.Context, ref models.PaymentReference, handle models.RemoteOrderHandle) bool
}

// VerifyRequest is the body of a verification call.
type VerifyRequest struct {
	PaymentRef        models.PaymentReference  `json:"paymentRef"`
	RemoteOrderHandle models.RemoteOrderHandle `json:"remoteOrderHandle"`
}

// VerifyResponse is the verification endpoint's answer.
type VerifyResponse struct {
	Verified bool `json:"verified"`
}

// HTTPVerifier asks a remote verification endpoint.
type HTTPVerifier struct {
	url    string
	client *resty.Client
	logger *zap.Logger
}

func NewHTTPVerifier(url string) *HTTPVerifier {
	return &HTTPVerifier{
		url: url,
		client: resty.New().
			SetTimeout(10 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(500 * time.Millisecond).
			SetRetryMaxWaitTime(2 * time.Second),
		logger: util.GetLogger(),
	}
}

func (v *HTTPVerifier) Verify(ctx context.Context, ref models.PaymentReference, handle models.RemoteOrderHandle) (verified bool) {
	ctx, span := util.StartSpan(ctx, "HTTPVerifier.Verify", attribute.String("payment_id", ref.PaymentID))
	defer span.End()
	defer observeVerification(time.Now(), &verified)
	defer func() {
		if r := recover(); r != nil {
			v.logger.Error("Payment verification panicked", zap.Any("panic", r))
			verified = false
		}
	}()

	if ref.Empty() || handle.Synthesized {
		return false
	}

	var out VerifyResponse
	resp, err := v.client.R().
		SetContext(ctx).
		SetBody(VerifyRequest{PaymentRef: ref, RemoteOrderHandle: handle}).
		SetResult(&out).
		Post(v.url)
	if err != nil {
		util.RecordError(span, err)
		v.logger.Warn("Payment verification call failed", zap.String("payment_id", ref.PaymentID), zap.Error(err))
		return false
	}
	if resp.IsError() {
		v.logger.Warn("Payment verification rejected",
			zap.String("payment_id", ref.PaymentID),
			zap.Int("status", resp.StatusCode()))
		return false
	}
	return out.Verified
}

// PaymentFetcher is the slice of the razorpay payments resource we use.
type PaymentFetcher interface {
	Fetch(paymentID string, queryParams map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

// SignatureVerifier checks the gateway's HMAC signature and, when a fetcher
// is configured, the payment's status at the gateway.
type SignatureVerifier struct {
	secret   []byte
	payments PaymentFetcher
	logger   *zap.Logger
}

// NewSignatureVerifier builds a verifier for keyID/keySecret. fetchPayments
// adds a lookup of every payment at the gateway.
func NewSignatureVerifier(keyID, keySecret string, fetchPayments bool) *SignatureVerifier {
	var payments PaymentFetcher
	if fetchPayments && keyID != "" {
		payments = razorpay.NewClient(keyID, keySecret).Payment
	}
	return NewSignatureVerifierWithFetcher(keySecret, payments)
}

func NewSignatureVerifierWithFetcher(keySecret string, payments PaymentFetcher) *SignatureVerifier {
	return &SignatureVerifier{
		secret:   []byte(keySecret),
		payments: payments,
		logger:   util.GetLogger(),
	}
}

// Sign returns the signature the gateway issues for orderID and paymentID.
func (v *SignatureVerifier) Sign(orderID, paymentID string) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// ValidSignature reports whether signature matches orderID and paymentID.
func (v *SignatureVerifier) ValidSignature(orderID, paymentID, signature string) bool {
	if len(v.secret) == 0 || orderID == "" || paymentID == "" || signature == "" {
		return false
	}
	return hmac.Equal([]byte(v.Sign(orderID, paymentID)), []byte(signature))
}

func (v *SignatureVerifier) Verify(ctx context.Context, ref models.PaymentReference, handle models.RemoteOrderHandle) (verified bool) {
	_, span := util.StartSpan(ctx, "SignatureVerifier.Verify", attribute.String("payment_id", ref.PaymentID))
	defer span.End()
	defer observeVerification(time.Now(), &verified)
	defer func() {
		if r := recover(); r != nil {
			v.logger.Error("Payment verification panicked", zap.Any("panic", r))
			verified = false
		}
	}()

	if ref.Empty() || handle.Synthesized || handle.ID == "" {
		return false
	}
	// the reference must belong to the order we created
	if ref.OrderID != "" && ref.OrderID != handle.ID {
		v.logger.Warn("Payment reference order mismatch",
			zap.String("payment_id", ref.PaymentID),
			zap.String("ref_order_id", ref.OrderID),
			zap.String("handle_order_id", handle.ID))
		return false
	}
	if !v.ValidSignature(handle.ID, ref.PaymentID, ref.Signature) {
		return false
	}
	if v.payments == nil {
		return true
	}

	payment, err := v.payments.Fetch(ref.PaymentID, nil, nil)
	if err != nil {
		util.RecordError(span, err)
		v.logger.Warn("Payment lookup failed", zap.String("payment_id", ref.PaymentID), zap.Error(err))
		return false
	}
	status, _ := payment["status"].(string)
	orderID, _ := payment["order_id"].(string)
	if orderID != handle.ID || (status != "captured" && status != "authorized") {
		v.logger.Warn("Payment not settled at gateway",
			zap.String("payment_id", ref.PaymentID),
			zap.String("status", status))
		return false
	}
	return true
}

func observeVerification(start time.Time, verified *bool) {
	util.PaymentVerificationLatency.Observe(time.Since(start).Seconds())
	result := "unverified"
	if *verified {
		result = "verified"
	}
	util.PaymentVerificationsTotal.WithLabelValues(result).Inc()
}
