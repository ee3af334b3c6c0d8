package settlement

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	JobsProcessed *prometheus.CounterVec
	DeadLetters   prometheus.Counter
	QueueDepth    *prometheus.GaugeVec
	BatchDuration prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "jobs_processed_total",
			Help:      "Settlement jobs processed by type and outcome.",
		}, []string{"type", "outcome"}),
		DeadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "dead_letter_total",
			Help:      "Jobs parked in dead_letter after exhausting retries.",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "settlement",
			Name:      "queue_depth",
			Help:      "Settlement jobs by status.",
		}, []string{"status"}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "settlement",
			Name:      "batch_duration_seconds",
			Help:      "Wall time spent processing one claimed batch.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	if reg != nil {
		reg.MustRegister(m.JobsProcessed, m.DeadLetters, m.QueueDepth, m.BatchDuration)
	}

	return m
}
