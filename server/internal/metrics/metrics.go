package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bvscope/bvscope/pkg/types"
)

const metricPrefix = "bvscope_"

// Export results.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Metrics owns the server's Prometheus collectors. Each instance has its own
// registry so that tests and multiple servers in one process do not collide.
type Metrics struct {
	reg *prometheus.Registry

	sessions      *prometheus.CounterVec
	rejected      *prometheus.CounterVec
	evalLatency   prometheus.Histogram
	indicators    *prometheus.HistogramVec
	failed        *prometheus.CounterVec
	fallbackDW    prometheus.Counter
	alerts        *prometheus.CounterVec
	exports       *prometheus.CounterVec
	publishErrors prometheus.Counter
}

// New creates and registers all collectors, including the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		sessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "sessions_evaluated_total",
				Help: "Total evaluated sessions by worst severity",
			},
			[]string{"worst"},
		),
		rejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "sessions_rejected_total",
				Help: "Total rejected uploads by error code",
			},
			[]string{"code"},
		),
		evalLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    metricPrefix + "evaluation_latency_seconds",
			Help:    "Time from upload received to report stored.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		indicators: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "indicator_value",
				Help:    "Distribution of computed indicator values",
				Buckets: []float64{-1, -0.1, -0.05, 0, 1, 5, 10, 13, 20, 30, 50},
			},
			[]string{"indicator"},
		),
		failed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "indicator_failures_total",
				Help: "Indicators that could not be computed, by indicator and error kind",
			},
			[]string{"indicator", "kind"},
		),
		fallbackDW: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "dry_weight_fallback_total",
			Help: "Sessions evaluated with the fallback dry weight.",
		}),
		alerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alert_events_total",
				Help: "Alert lifecycle events by rule, severity and state",
			},
			[]string{"rule", "severity", "state"},
		),
		exports: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "report_exports_total",
				Help: "Report exports by format and result",
			},
			[]string{"format", "result"},
		),
		publishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "bus_publish_errors_total",
			Help: "Failed session event publications.",
		}),
	}
	m.reg.MustRegister(
		m.sessions,
		m.rejected,
		m.evalLatency,
		m.indicators,
		m.failed,
		m.fallbackDW,
		m.alerts,
		m.exports,
		m.publishErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// ObserveReport records one successfully evaluated session.
func (m *Metrics) ObserveReport(r *types.Report, took time.Duration) {
	m.sessions.WithLabelValues(r.Worst).Inc()
	m.evalLatency.Observe(took.Seconds())
	if r.DryWeight.Fallback {
		m.fallbackDW.Inc()
	}
	for _, ind := range r.Indicators {
		if ind.OK() {
			m.indicators.WithLabelValues(ind.Name).Observe(*ind.Value)
			continue
		}
		m.failed.WithLabelValues(ind.Name, ind.ErrorKind).Inc()
	}
}

// ObserveRejected records an upload refused with the given error code.
func (m *Metrics) ObserveRejected(code string) {
	m.rejected.WithLabelValues(code).Inc()
}

// ObserveAlert records an alert transition; state is "firing" or "resolved".
func (m *Metrics) ObserveAlert(rule, severity, state string) {
	m.alerts.WithLabelValues(rule, severity, state).Inc()
}

// ObserveExport records one export attempt.
func (m *Metrics) ObserveExport(format string, err error) {
	result := ResultSuccess
	if err != nil {
		result = ResultError
	}
	m.exports.WithLabelValues(format, result).Inc()
}

// ObservePublishError records a failed bus publication.
func (m *Metrics) ObservePublishError() { m.publishErrors.Inc() }

// GaugeFunc registers a gauge whose value is read from fn at scrape time.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: metricPrefix + name,
		Help: help,
	}, fn))
}
