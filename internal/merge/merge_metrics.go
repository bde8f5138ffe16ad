package merge

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for merge invocations.
type Metrics struct {
	MergesTotal    *prometheus.CounterVec
	MergeDuration  *prometheus.HistogramVec
	FindingsTotal  *prometheus.CounterVec
	WritesTotal    *prometheus.CounterVec
	IngestedTotal  *prometheus.CounterVec
	WorkingSetSize prometheus.Histogram
}

// NewMetrics registers and returns merge metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MergesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_merges_total",
			Help: "Total merge invocations by rule and outcome.",
		}, []string{"rule", "outcome"}),
		MergeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tally_merge_duration_seconds",
			Help:    "Duration of merge invocations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms .. ~10s
		}, []string{"rule"}),
		FindingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_findings_total",
			Help: "Rows seen by merge invocations by rule and kind.",
		}, []string{"rule", "kind"}),
		WritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_alert_writes_total",
			Help: "Alert rows written by rule and operation.",
		}, []string{"rule", "op"}),
		IngestedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_findings_ingested_total",
			Help: "Raw findings accepted through the ingest API by rule.",
		}, []string{"rule"}),
		WorkingSetSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tally_merge_working_set_size",
			Help:    "Rows in the working set of successful merge invocations.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10), // 1 .. ~262144
		}),
	}

	reg.MustRegister(
		m.MergesTotal,
		m.MergeDuration,
		m.FindingsTotal,
		m.WritesTotal,
		m.IngestedTotal,
		m.WorkingSetSize,
	)

	return m
}

// Hooks returns Hooks that increment the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnMerge: func(ruleID, outcome string, seconds float64) {
			m.MergesTotal.WithLabelValues(ruleID, outcome).Inc()
			m.MergeDuration.WithLabelValues(ruleID).Observe(seconds)
		},
		OnFindings: func(ruleID string, s Stats) {
			m.FindingsTotal.WithLabelValues(ruleID, "existing").Add(float64(s.Existing))
			m.FindingsTotal.WithLabelValues(ruleID, "fresh").Add(float64(s.Fresh))
			m.FindingsTotal.WithLabelValues(ruleID, "folded").Add(float64(s.Folded))
			m.FindingsTotal.WithLabelValues(ruleID, "malformed").Add(float64(s.Malformed))
			m.FindingsTotal.WithLabelValues(ruleID, "out_of_window").Add(float64(s.OutOfWindow))
			m.WorkingSetSize.Observe(float64(s.Existing + s.Fresh))
		},
		OnWrites: func(ruleID string, inserted, updated int) {
			m.WritesTotal.WithLabelValues(ruleID, OpInsert.String()).Add(float64(inserted))
			m.WritesTotal.WithLabelValues(ruleID, OpUpdate.String()).Add(float64(updated))
		},
		OnIngest: func(ruleID string, n int) {
			m.IngestedTotal.WithLabelValues(ruleID).Add(float64(n))
		},
	}
}
