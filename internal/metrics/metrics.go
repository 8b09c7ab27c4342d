// Package metrics exposes Prometheus counters and gauges for the queue,
// the pipeline and the rate limiter.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all collectors, registered on a dedicated registry so tests
// can create isolated instances.
type Metrics struct {
	Registry *prometheus.Registry

	RunsClaimed    prometheus.Counter
	RunsCompleted  prometheus.Counter
	RunsFailed     prometheus.Counter
	RunsBlocked    prometheus.Counter
	RunsRequeued   prometheus.Counter
	StaleReclaimed prometheus.Counter

	FixAttempts *prometheus.CounterVec

	QueueDepth *prometheus.GaugeVec

	LimiterWaits *prometheus.CounterVec

	TokensUsed *prometheus.CounterVec
}

// New creates and registers all collectors
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		RunsClaimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "issuepilot_runs_claimed_total",
			Help: "Runs claimed by this worker process.",
		}),
		RunsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "issuepilot_runs_completed_total",
			Help: "Runs finished with status completed.",
		}),
		RunsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "issuepilot_runs_failed_total",
			Help: "Runs finished with status failed.",
		}),
		RunsBlocked: factory.NewCounter(prometheus.CounterOpts{
			Name: "issuepilot_runs_blocked_total",
			Help: "Runs finished with status blocked.",
		}),
		RunsRequeued: factory.NewCounter(prometheus.CounterOpts{
			Name: "issuepilot_runs_requeued_total",
			Help: "Runs released back to the queue after a transient failure.",
		}),
		StaleReclaimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "issuepilot_stale_runs_reclaimed_total",
			Help: "Runs reclaimed by the stale sweep.",
		}),
		FixAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "issuepilot_fix_attempts_total",
			Help: "Self-heal fix attempts by error category and outcome.",
		}, []string{"category", "outcome"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "issuepilot_queue_depth",
			Help: "Current run count by status.",
		}, []string{"status"}),
		LimiterWaits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "issuepilot_ratelimit_waits_total",
			Help: "Times a caller blocked waiting for rate-limit tokens.",
		}, []string{"service"}),
		TokensUsed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "issuepilot_model_tokens_total",
			Help: "Model tokens consumed, by service and direction.",
		}, []string{"service", "direction"}),
	}
}

// ObserveFinish bumps the counter matching a run's terminal status
func (m *Metrics) ObserveFinish(status string) {
	switch status {
	case "completed":
		m.RunsCompleted.Inc()
	case "failed":
		m.RunsFailed.Inc()
	case "blocked":
		m.RunsBlocked.Inc()
	}
}

// ObserveFixAttempt records one self-heal attempt
func (m *Metrics) ObserveFixAttempt(category string, success bool) {
	outcome := "failed"
	if success {
		outcome = "succeeded"
	}
	m.FixAttempts.WithLabelValues(category, outcome).Inc()
}

// SetQueueDepth replaces the per-status queue gauges
func (m *Metrics) SetQueueDepth(byStatus map[string]int) {
	for status, n := range byStatus {
		m.QueueDepth.WithLabelValues(status).Set(float64(n))
	}
}
