package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AuthorizationsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "chauffeur", Name: "authorizations_total", Help: "Holds placed against customer cards"})
	CapturesTotal       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "chauffeur", Name: "captures_total", Help: "Successful captures recorded"})
	RefundsTotal        = promauto.NewCounter(prometheus.CounterOpts{Namespace: "chauffeur", Name: "refunds_total", Help: "Refund recomputations committed"})
	HoldFailuresTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "chauffeur", Name: "hold_failures_total", Help: "Failed authorization attempts"})
	TipsTotal           = promauto.NewCounter(prometheus.CounterOpts{Namespace: "chauffeur", Name: "tips_total", Help: "Gratuities recorded"})

	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "chauffeur", Name: "webhook_events_total", Help: "Processor webhook events by kind and outcome"},
		[]string{"kind", "outcome"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "chauffeur", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "chauffeur",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
