package consensus

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the Prometheus counters exposed for the consensus engine.
type Metrics struct {
	RoundsCommitted prometheus.Counter
	RoundsAborted   prometheus.Counter
}

// NewMetrics registers the consensus counters on reg and returns them.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RoundsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quorumd_rounds_committed_total",
			Help: "Number of consensus rounds that reached a majority decision.",
		}),
		RoundsAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quorumd_rounds_aborted_total",
			Help: "Number of consensus rounds that failed to reach a majority.",
		}),
	}
	reg.MustRegister(m.RoundsCommitted, m.RoundsAborted)
	return m
}
