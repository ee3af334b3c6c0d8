package ledger

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Runs         prometheus.Counter
	EventsFolded prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Runs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "aggregation_runs_total",
			Help:      "Completed ledger aggregation runs.",
		}),
		EventsFolded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "events_folded_total",
			Help:      "Revenue events folded into ledger rows.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.Runs, m.EventsFolded)
	}

	return m
}
