package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CheckoutSubmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_submissions_total",
		Help: "Checkout submissions accepted for processing, by payment method",
	}, []string{"method"})

	CheckoutSubmissionsCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_submissions_coalesced_total",
		Help: "Submit calls ignored because an attempt was already in flight or submitted",
	})

	CheckoutOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_outcomes_total",
		Help: "Checkout attempts by final outcome",
	}, []string{"outcome"})

	CheckoutSubmitLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "checkout_submit_latency_seconds",
		Help:    "Time from submit to outcome, by payment method",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"method"})

	OrdersCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Orders persisted, by payment status",
	}, []string{"payment_status"})

	OrphanedPaymentsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_orphaned_payments_total",
		Help: "Payments attempted whose order could not be persisted",
	})

	OrdersReconciledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_orders_reconciled_total",
		Help: "Orphaned payment drafts replayed by the reconciliation worker",
	}, []string{"result"})

	ConsumerRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_consumer_retries_total",
		Help: "Failed event handler runs retried in place by the consumer",
	})

	GatewayRemoteOrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_remote_orders_total",
		Help: "Remote order handle creation, by result (created, synthesized)",
	}, []string{"result"})

	GatewayResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_results_total",
		Help: "Payment widget results, by kind",
	}, []string{"kind"})

	GatewayMessagesRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_messages_rejected_total",
		Help: "Widget messages dropped because of an untrusted origin",
	})

	PaymentVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_verifications_total",
		Help: "Payment verification results (verified, unverified, error)",
	}, []string{"result"})

	PaymentVerificationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payment_verification_latency_seconds",
		Help:    "Latency of payment verification calls",
		Buckets: prometheus.DefBuckets,
	})

	SessionsSweptTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_sessions_swept_total",
		Help: "Payment sessions marked abandoned by the sweeper",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
