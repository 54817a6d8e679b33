package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operatorRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aip_weave_operator_request_duration_seconds",
		Help:    "Duration of requests sent to the operator API",
		Buckets: []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"path", "status"})

	billingEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aip_weave_billing_events_total",
		Help: "Billing events grouped by kind and outcome (sent, skipped, failed, coalesced)",
	}, []string{"kind", "outcome"})

	auctionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aip_weave_auctions_total",
		Help: "Platform requests grouped by outcome (installed, empty, failed)",
	}, []string{"outcome"})

	fallbackDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aip_weave_fallback_decisions_total",
		Help: "Settled link evaluations grouped by decision (render, suppress)",
	}, []string{"decision"})

	recommendationFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aip_weave_recommendation_fetches_total",
		Help: "Fallback recommendation fetches grouped by outcome (loaded, empty, error, stale)",
	}, []string{"outcome"})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aip_weave_active_sessions",
		Help: "Number of sessions currently held by the gateway",
	})
)

// ObserveOperatorRequest records the latency of a single operator call.
func ObserveOperatorRequest(path, status string, duration time.Duration) {
	if status == "" {
		status = "error"
	}
	operatorRequestDuration.WithLabelValues(path, status).Observe(duration.Seconds())
}

// BillingEvent counts a billing event outcome.
func BillingEvent(kind, outcome string) {
	if kind == "" {
		kind = "unknown"
	}
	billingEventsTotal.WithLabelValues(kind, outcome).Inc()
}

// Auction counts a platform request outcome.
func Auction(outcome string) {
	auctionsTotal.WithLabelValues(outcome).Inc()
}

// FallbackDecision counts a settled evaluation.
func FallbackDecision(render bool) {
	if render {
		fallbackDecisions.WithLabelValues("render").Inc()
		return
	}
	fallbackDecisions.WithLabelValues("suppress").Inc()
}

// RecommendationFetch counts a recommendation fetch outcome.
func RecommendationFetch(outcome string) {
	recommendationFetches.WithLabelValues(outcome).Inc()
}

// SetActiveSessions records the gateway session count.
func SetActiveSessions(n int) {
	activeSessions.Set(float64(n))
}
