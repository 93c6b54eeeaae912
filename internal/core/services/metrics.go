package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/JeanGrijp/callquota/internal/core/domain"
)

// Metrics contém os coletores Prometheus do núcleo de cotas.
type Metrics struct {
	admissions     *prometheus.CounterVec
	records        *prometheus.CounterVec
	drained        *prometheus.CounterVec
	rotations      *prometheus.CounterVec
	fallbacks      *prometheus.CounterVec
	mirrorFailures prometheus.Counter
	checkDuration  prometheus.Histogram
}

// NewMetrics registra os coletores em reg. Com reg nil as métricas existem
// mas não são expostas (útil nos testes).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		admissions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callquota_admission_decisions_total",
				Help: "Admission decisions by outcome and reason",
			},
			[]string{"allowed", "reason"},
		),
		records: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callquota_record_outcomes_total",
				Help: "Record calls by outcome (admitted, queued, dropped)",
			},
			[]string{"outcome", "reason"},
		),
		drained: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callquota_queue_drain_items_total",
				Help: "Deferred actions handled by drains, by outcome",
			},
			[]string{"outcome"},
		),
		rotations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callquota_window_rotations_total",
				Help: "Window rotations by result",
			},
			[]string{"result"},
		),
		fallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callquota_fast_store_fallbacks_total",
				Help: "Times an operation degraded because of the fast store",
			},
			[]string{"operation"},
		),
		mirrorFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "callquota_durable_mirror_failures_total",
				Help: "Failed asynchronous writes to the durable store",
			},
		),
		checkDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "callquota_admission_check_duration_seconds",
				Help:    "Latency of admission checks",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
			},
		),
	}
}

func (m *Metrics) observeDecision(d domain.Decision, seconds float64) {
	if m == nil {
		return
	}
	allowed := "false"
	if d.Allowed {
		allowed = "true"
	}
	m.admissions.WithLabelValues(allowed, string(d.Reason)).Inc()
	m.checkDuration.Observe(seconds)
}

func (m *Metrics) recordOutcome(outcome string, reason domain.ReasonCode) {
	if m == nil {
		return
	}
	m.records.WithLabelValues(outcome, string(reason)).Inc()
}

func (m *Metrics) drainOutcome(outcome string) {
	if m == nil {
		return
	}
	m.drained.WithLabelValues(outcome).Inc()
}

func (m *Metrics) rotation(result string) {
	if m == nil {
		return
	}
	m.rotations.WithLabelValues(result).Inc()
}

func (m *Metrics) fallback(operation string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(operation).Inc()
}

func (m *Metrics) mirrorFailed() {
	if m == nil {
		return
	}
	m.mirrorFailures.Inc()
}
