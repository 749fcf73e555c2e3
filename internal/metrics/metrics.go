// Package metrics holds the Prometheus collectors exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealbroker_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dealbroker_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)

	// Negotiation metrics
	NegotiationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealbroker_negotiations_total",
			Help: "Negotiate-and-settle calls by outcome",
		},
		[]string{"outcome"},
	)

	NegotiationRounds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dealbroker_negotiation_rounds",
			Help:    "Rounds used by finished negotiations",
			Buckets: []float64{0, 1, 2, 3, 4, 5, 7, 10},
		},
	)

	StrategyErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealbroker_strategy_errors_total",
			Help: "Proposals rejected as invalid, by role",
		},
		[]string{"role"},
	)

	// Settlement metrics
	SettlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealbroker_settlements_total",
			Help: "Settlement attempts by terminal status and error code",
		},
		[]string{"status", "error"},
	)

	SettlementDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dealbroker_settlement_duration_seconds",
			Help:    "Time spent in the settlement critical section",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dealbroker_rate_limit_hits_total",
			Help: "Requests rejected by the per-buyer rate limiter",
		},
	)

	// Sweeper metrics
	SessionsAbandoned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dealbroker_sessions_abandoned_total",
			Help: "In-progress sessions failed by the sweeper",
		},
	)
)
