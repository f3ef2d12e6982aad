package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequestsTotal counts Stripe webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "labeldesk",
		Subsystem: "billing",
		Name:      "webhook_requests_total",
		Help:      "Total Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks Stripe webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "labeldesk",
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// ReconcileEventsTotal counts reconciliation outcomes per event kind.
	ReconcileEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "labeldesk",
		Subsystem: "billing",
		Name:      "reconcile_events_total",
		Help:      "Reconciliation events by kind and outcome (applied/ignored/error).",
	}, []string{"event", "outcome"})

	// LabelValidationsTotal counts label-creation checks by plan and result.
	LabelValidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "labeldesk",
		Subsystem: "billing",
		Name:      "label_validations_total",
		Help:      "Label creation validations by plan and result (allowed/denied).",
	}, []string{"plan", "result"})

	// RateLimitedTotal counts requests refused by a rate limiter.
	RateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "labeldesk",
		Subsystem: "billing",
		Name:      "rate_limited_total",
		Help:      "Requests refused by rate limiting, by scope.",
	}, []string{"scope"})

	// LicensesExpiredTotal counts licenses flipped to expired.
	LicensesExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "labeldesk",
		Subsystem: "billing",
		Name:      "licenses_expired_total",
		Help:      "Licenses moved to expired by lazy checks or the sweep.",
	})
)
