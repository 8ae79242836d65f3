package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the prompt-ops pipeline.
type Metrics struct {
	Registry *prometheus.Registry

	RunsTotal         *prometheus.CounterVec
	RunDuration       *prometheus.HistogramVec
	RunRetries        prometheus.Counter
	TokensTotal       *prometheus.CounterVec
	CostUSDTotal      prometheus.Counter
	ExperimentsTotal  *prometheus.CounterVec
	ExampleScores     prometheus.Histogram
	ExamplesSkipped   prometheus.Counter
	QueueDepth        prometheus.Gauge
	ActiveJobs        prometheus.Gauge
	AdmissionsDenied  prometheus.Counter
	RequestsInFlight  prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "promptops",
				Name:      "runs_total",
				Help:      "Total runs reaching a terminal state, by status.",
			},
			[]string{"status"},
		),

		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "promptops",
				Name:      "run_duration_seconds",
				Help:      "Wall time from pickup to terminal state, by model.",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"model"},
		),

		RunRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "promptops",
				Name:      "run_retries_total",
				Help:      "Transient inference failures retried by the run executor.",
			},
		),

		TokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "promptops",
				Name:      "tokens_total",
				Help:      "Tokens consumed by completed runs, by direction.",
			},
			[]string{"direction"},
		),

		CostUSDTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "promptops",
				Name:      "cost_usd_total",
				Help:      "Accumulated cost of completed runs in USD.",
			},
		),

		ExperimentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "promptops",
				Name:      "experiments_total",
				Help:      "Experiments reaching a terminal state, by status.",
			},
			[]string{"status"},
		),

		ExampleScores: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "promptops",
				Name:      "example_scores",
				Help:      "Distribution of per-example scores during experiments.",
				Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
			},
		),

		ExamplesSkipped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "promptops",
				Name:      "examples_skipped_total",
				Help:      "Golden examples skipped due to render, inference or scoring failures.",
			},
		),

		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "promptops",
				Name:      "queue_depth",
				Help:      "Jobs waiting on the dispatch queue.",
			},
		),

		ActiveJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "promptops",
				Name:      "active_jobs",
				Help:      "Jobs currently being executed by workers.",
			},
		),

		AdmissionsDenied: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "promptops",
				Name:      "admissions_denied_total",
				Help:      "Requests rejected by the rate-limiting admission gate.",
			},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "promptops",
				Name:      "requests_in_flight",
				Help:      "HTTP requests currently being served.",
			},
		),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.RunRetries,
		m.TokensTotal,
		m.CostUSDTotal,
		m.ExperimentsTotal,
		m.ExampleScores,
		m.ExamplesSkipped,
		m.QueueDepth,
		m.ActiveJobs,
		m.AdmissionsDenied,
		m.RequestsInFlight,
	)

	return m
}

// RecordRun records a terminal run with its duration.
func (m *Metrics) RecordRun(status, model string, seconds float64) {
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.WithLabelValues(model).Observe(seconds)
}

// RecordCompletion records the token and cost accounting of a completed run.
func (m *Metrics) RecordCompletion(tokensIn, tokensOut int, costUSD float64) {
	m.TokensTotal.WithLabelValues("in").Add(float64(tokensIn))
	m.TokensTotal.WithLabelValues("out").Add(float64(tokensOut))
	m.CostUSDTotal.Add(costUSD)
}

// RecordExperiment records a terminal experiment.
func (m *Metrics) RecordExperiment(status string) {
	m.ExperimentsTotal.WithLabelValues(status).Inc()
}
