// Package metrics holds the Prometheus collectors shared by the engine and the HTTP layer.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	TransfersTotal     *prometheus.CounterVec
	TransferDuration   prometheus.Histogram
	ChainSubmitLatency prometheus.Histogram
	CommitFailures     prometheus.Counter
	OpenIntents        prometheus.Gauge

	HTTPRequests  *prometheus.CounterVec
	HTTPDuration  *prometheus.HistogramVec
	HTTPInFlight  prometheus.Gauge
	RateLimitHits prometheus.Counter
}

// New registers all collectors on reg. Pass prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TransfersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "custodyx",
			Name:      "transfers_total",
			Help:      "Transfers by final state and reason.",
		}, []string{"state", "reason"}),
		TransferDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "custodyx",
			Name:      "transfer_duration_seconds",
			Help:      "Time from request to final state.",
			Buckets:   prometheus.DefBuckets,
		}),
		ChainSubmitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "custodyx",
			Name:      "chain_submit_duration_seconds",
			Help:      "Latency of signing and broadcasting a transfer.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		CommitFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "custodyx",
			Name:      "commit_failures_total",
			Help:      "Transfers broadcast on chain but not committed to the ledger.",
		}),
		OpenIntents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "custodyx",
			Name:      "open_intents",
			Help:      "Intents still holding funds at the last reconciliation.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "custodyx",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "custodyx",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		HTTPInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "custodyx",
			Name:      "http_requests_in_flight",
			Help:      "Requests currently being served.",
		}),
		RateLimitHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "custodyx",
			Name:      "rate_limited_total",
			Help:      "Requests refused by the rate limiter.",
		}),
	}
	reg.MustRegister(
		m.TransfersTotal, m.TransferDuration, m.ChainSubmitLatency, m.CommitFailures, m.OpenIntents,
		m.HTTPRequests, m.HTTPDuration, m.HTTPInFlight, m.RateLimitHits,
	)
	return m
}

func (m *Metrics) RecordTransfer(state, reason string, started time.Time) {
	m.TransfersTotal.WithLabelValues(state, reason).Inc()
	m.TransferDuration.Observe(time.Since(started).Seconds())
}

func (m *Metrics) RecordHTTPRequest(method, route, status string, d time.Duration) {
	m.HTTPRequests.WithLabelValues(method, route, status).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
