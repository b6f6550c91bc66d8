package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	SweepRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "sweep_runs_total",
			Help:      "Sweep ticks by sweep name",
		},
		[]string{"sweep"},
	)

	SweepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "escrow",
			Name:      "sweep_duration_seconds",
			Help:      "Wall time of one sweep tick",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"sweep"},
	)

	PaymentsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "payments_processed_total",
			Help:      "Payments handled per sweep by outcome",
		},
		[]string{"sweep", "outcome"},
	)

	ChainSubmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "chain_tx_total",
			Help:      "Chain transactions by kind and result",
		},
		[]string{"kind", "result"},
	)

	ProviderCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "provider_calls_total",
			Help:      "Fiat rail calls by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)

	ProviderLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "escrow",
			Name:      "provider_call_duration_seconds",
			Help:      "Fiat rail call latency",
			Buckets:   []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.8, 1.2, 2, 3, 5, 10},
		},
		[]string{"endpoint"},
	)

	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "ops_http_requests_total",
			Help:      "Ops API requests by route and status class",
		},
		[]string{"route", "method", "status"},
	)
)

func init() {
	prometheus.MustRegister(SweepRuns, SweepDuration, PaymentsProcessed, ChainSubmissions, ProviderCalls, ProviderLatency, HTTPRequests)
}

func ObserveSweep(sweep string, seconds float64) {
	SweepRuns.WithLabelValues(sweep).Inc()
	SweepDuration.WithLabelValues(sweep).Observe(seconds)
}

func IncProcessed(sweep, outcome string) {
	PaymentsProcessed.WithLabelValues(sweep, outcome).Inc()
}

func IncChainTx(kind, result string) {
	ChainSubmissions.WithLabelValues(kind, result).Inc()
}

func ObserveProviderCall(endpoint, outcome string, seconds float64) {
	ProviderCalls.WithLabelValues(endpoint, outcome).Inc()
	ProviderLatency.WithLabelValues(endpoint).Observe(seconds)
}

func IncHTTPRequest(route, method, status string) {
	HTTPRequests.WithLabelValues(route, method, status).Inc()
}
