package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ramarket_http_requests_total",
		Help: "HTTP requests by handler, method and status code.",
	}, []string{"handler", "method", "code"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ramarket_http_request_duration_seconds",
		Help:    "HTTP request latency by handler.",
		Buckets: prometheus.DefBuckets,
	}, []string{"handler"})

	rentalsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ramarket_rentals_created_total",
		Help: "Rentals created and answered with a payment challenge.",
	})

	paymentsSettled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ramarket_payments_settled_total",
		Help: "Payments settled through the complete-payment flow.",
	})

	paymentFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ramarket_payment_failures_total",
		Help: "Payment completion failures by protocol code.",
	}, []string{"code"})

	sweepCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ramarket_sweep_rentals_completed_total",
		Help: "Rentals finalized by the expiry sweep.",
	})
)
