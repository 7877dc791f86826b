// Package metrics provides Prometheus-based recording and querying of
// orchestration metrics: invocations, escalations, merges, and validator
// verdicts.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"conductor/pkg/proto"
)

// Recorder is the minimal metrics surface the orchestration core emits to.
type Recorder interface {
	ObserveInvocation(role proto.Role, tier proto.Tier, status string, duration time.Duration)
	SetInFlight(n int)
	IncEscalation(role proto.Role, tier proto.Tier)
	IncMerge(outcome string)
	IncValidation(accepted bool)
	IncInvestigation(state string)
}

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	invocationsTotal   *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec
	inFlightGroups     prometheus.Gauge
	escalationsTotal   *prometheus.CounterVec
	mergesTotal        *prometheus.CounterVec
	validationsTotal   *prometheus.CounterVec
	investigationsEnd  *prometheus.CounterVec
}

// NewPrometheusRecorder creates a Prometheus-based metrics recorder.
func NewPrometheusRecorder() *PrometheusRecorder {
	return &PrometheusRecorder{
		invocationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_invocations_total",
				Help: "Total number of worker invocations by role, tier, and result status",
			},
			[]string{"role", "tier", "status"},
		),
		invocationDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_invocation_duration_seconds",
				Help:    "Duration of worker invocations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"role", "tier"},
		),
		inFlightGroups: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "conductor_in_flight_groups",
				Help: "Task groups currently in flight",
			},
		),
		escalationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_escalations_total",
				Help: "Total number of tier escalations by role and destination tier",
			},
			[]string{"role", "tier"},
		),
		mergesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_merges_total",
				Help: "Total number of merge attempts by outcome",
			},
			[]string{"outcome"},
		),
		validationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_validations_total",
				Help: "Total number of completion validations by verdict",
			},
			[]string{"verdict"},
		),
		investigationsEnd: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_investigations_total",
				Help: "Total number of investigations by terminal state",
			},
			[]string{"state"},
		),
	}
}

// ObserveInvocation records one completed worker invocation.
func (p *PrometheusRecorder) ObserveInvocation(role proto.Role, tier proto.Tier, status string, duration time.Duration) {
	p.invocationsTotal.WithLabelValues(string(role), string(tier), status).Inc()
	p.invocationDuration.WithLabelValues(string(role), string(tier)).Observe(duration.Seconds())
}

// SetInFlight records the current in-flight group count.
func (p *PrometheusRecorder) SetInFlight(n int) {
	p.inFlightGroups.Set(float64(n))
}

// IncEscalation counts a tier bump.
func (p *PrometheusRecorder) IncEscalation(role proto.Role, tier proto.Tier) {
	p.escalationsTotal.WithLabelValues(string(role), string(tier)).Inc()
}

// IncMerge counts a merge attempt by outcome (merged, conflict).
func (p *PrometheusRecorder) IncMerge(outcome string) {
	p.mergesTotal.WithLabelValues(outcome).Inc()
}

// IncValidation counts a completion validation verdict.
func (p *PrometheusRecorder) IncValidation(accepted bool) {
	verdict := "accepted"
	if !accepted {
		verdict = "rejected"
	}
	p.validationsTotal.WithLabelValues(verdict).Inc()
}

// IncInvestigation counts an investigation reaching a terminal state.
func (p *PrometheusRecorder) IncInvestigation(state string) {
	p.investigationsEnd.WithLabelValues(state).Inc()
}

// NopRecorder discards all observations. Used in tests and when metrics
// are disabled.
type NopRecorder struct{}

func (NopRecorder) ObserveInvocation(proto.Role, proto.Tier, string, time.Duration) {}
func (NopRecorder) SetInFlight(int)                                                {}
func (NopRecorder) IncEscalation(proto.Role, proto.Tier)                           {}
func (NopRecorder) IncMerge(string)                                                {}
func (NopRecorder) IncValidation(bool)                                             {}
func (NopRecorder) IncInvestigation(string)                                        {}
