package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the scheduler.
type Metrics struct {
	JobsTotal      *prometheus.CounterVec
	SkippedTotal   *prometheus.CounterVec
	RetriesTotal   *prometheus.CounterVec
	FailuresTotal  *prometheus.CounterVec
	QueueDepth     prometheus.Gauge
	ScheduledRules prometheus.Gauge
}

// NewMetrics registers and returns scheduler metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_scheduler_jobs_total",
			Help: "Scheduled merge jobs by rule and final outcome.",
		}, []string{"rule", "outcome"}),
		SkippedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_scheduler_skipped_total",
			Help: "Scheduled merge jobs not run, by rule and reason.",
		}, []string{"rule", "reason"}),
		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_scheduler_retries_total",
			Help: "Retries of transient merge failures by rule.",
		}, []string{"rule"}),
		FailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_scheduler_failure_alerts_total",
			Help: "Failure alerts recorded for permanently failed merges, by rule.",
		}, []string{"rule"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tally_scheduler_queue_depth",
			Help: "Merge jobs waiting for a worker.",
		}),
		ScheduledRules: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tally_scheduler_rules",
			Help: "Enabled rules in the current catalog.",
		}),
	}

	reg.MustRegister(
		m.JobsTotal,
		m.SkippedTotal,
		m.RetriesTotal,
		m.FailuresTotal,
		m.QueueDepth,
		m.ScheduledRules,
	)

	return m
}

// Hooks returns Hooks that increment the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnJob: func(ruleID, outcome string) {
			m.JobsTotal.WithLabelValues(ruleID, outcome).Inc()
		},
		OnSkip: func(ruleID, reason string) {
			m.SkippedTotal.WithLabelValues(ruleID, reason).Inc()
		},
		OnRetry: func(ruleID string) {
			m.RetriesTotal.WithLabelValues(ruleID).Inc()
		},
		OnFailureRecorded: func(ruleID string) {
			m.FailuresTotal.WithLabelValues(ruleID).Inc()
		},
		OnTick: func(rules, queued int) {
			m.ScheduledRules.Set(float64(rules))
			m.QueueDepth.Set(float64(queued))
		},
	}
}
