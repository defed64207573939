package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker/v2"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "homescout",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Backend API requests by route and outcome",
		},
		[]string{"route", "outcome"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "homescout",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "Backend API request latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	tokenRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "homescout",
			Subsystem: "auth",
			Name:      "token_refresh_total",
			Help:      "Token refresh attempts by result",
		},
		[]string{"result"},
	)

	retriesAfterRefresh = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "homescout",
			Subsystem: "api",
			Name:      "retries_after_refresh_total",
			Help:      "Requests replayed after a 401 triggered a token refresh",
		},
	)

	circuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "homescout",
			Subsystem: "api",
			Name:      "circuit_breaker_state",
			Help:      "Current state of the circuit breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration, tokenRefreshTotal, retriesAfterRefresh, circuitBreakerState)
}

// stateToFloat maps gobreaker states to prometheus gauge values.
func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
