package onchain

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Attempts  *prometheus.CounterVec
	Delivered *prometheus.CounterVec
	Failures  *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "onchain",
			Name:      "delivery_attempts_total",
			Help:      "Holder-share delivery attempts by stream.",
		}, []string{"stream"}),
		Delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "onchain",
			Name:      "deliveries_total",
			Help:      "Successful holder-share deliveries by stream.",
		}, []string{"stream"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "onchain",
			Name:      "delivery_failures_total",
			Help:      "Failed holder-share delivery attempts by stream.",
		}, []string{"stream"}),
	}

	if reg != nil {
		reg.MustRegister(m.Attempts, m.Delivered, m.Failures)
	}

	return m
}
