package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the admission and verification flow.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Admission verdicts by outcome and reason
	AdmissionDecisions *prometheus.CounterVec

	// Pending record resolutions by outcome and source (poll, admin, sweep, gate, leave)
	Resolutions *prometheus.CounterVec

	// Verifier status polls by result
	PollResults *prometheus.CounterVec

	// Token validation failures by kind and reason
	TokenFailures *prometheus.CounterVec

	// Chat platform side effects that failed, by action
	SideEffectFailures *prometheus.CounterVec

	// Bot interactions dropped by the per-user limiter, by class
	RateLimited *prometheus.CounterVec

	// Duration of one sweeper pass
	SweepDuration prometheus.Histogram
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		AdmissionDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_admission_decisions_total",
			Help: "Admission decisions by outcome and reason",
		}, []string{"outcome", "reason"}),

		Resolutions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_pending_resolutions_total",
			Help: "Pending verification resolutions by outcome and source",
		}, []string{"outcome", "source"}),

		PollResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_verifier_polls_total",
			Help: "Verifier status polls by result",
		}, []string{"result"}),

		TokenFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_token_failures_total",
			Help: "Deep-link token validation failures by kind and reason",
		}, []string{"kind", "reason"}),

		SideEffectFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_side_effect_failures_total",
			Help: "Chat platform side effects that failed, by action",
		}, []string{"action"}),

		RateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_rate_limited_total",
			Help: "Bot interactions dropped by the per-user rate limiter",
		}, []string{"class"}),

		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gatekeeper_sweep_duration_seconds",
			Help:    "Duration of one expiry sweep pass",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
	}
}

// IncAdmission records an admission verdict.
func (m *Metrics) IncAdmission(outcome, reason string) {
	if m != nil {
		m.AdmissionDecisions.WithLabelValues(outcome, reason).Inc()
	}
}

// IncResolution records a won resolution.
func (m *Metrics) IncResolution(outcome, source string) {
	if m != nil {
		m.Resolutions.WithLabelValues(outcome, source).Inc()
	}
}

// IncPoll records a verifier poll result.
func (m *Metrics) IncPoll(result string) {
	if m != nil {
		m.PollResults.WithLabelValues(result).Inc()
	}
}

// IncTokenFailure records a rejected deep-link token.
func (m *Metrics) IncTokenFailure(kind, reason string) {
	if m != nil {
		m.TokenFailures.WithLabelValues(kind, reason).Inc()
	}
}

// IncSideEffectFailure records a failed chat platform call.
func (m *Metrics) IncSideEffectFailure(action string) {
	if m != nil {
		m.SideEffectFailures.WithLabelValues(action).Inc()
	}
}

// IncRateLimited records a dropped interaction.
func (m *Metrics) IncRateLimited(class string) {
	if m != nil {
		m.RateLimited.WithLabelValues(class).Inc()
	}
}

// ObserveSweep records the duration of a sweep pass.
func (m *Metrics) ObserveSweep(d time.Duration) {
	if m != nil {
		m.SweepDuration.Observe(d.Seconds())
	}
}
