package replication

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks replication confirmations. A nil *Metrics records nothing.
type Metrics struct {
	confirmations *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	polls         *prometheus.CounterVec
}

// NewMetrics creates Metrics and registers them with reg, if non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		confirmations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cqsmoke_replication_confirmations_total",
			Help: "Total number of replication requests by final stage.",
		}, []string{"agent", "action", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cqsmoke_replication_confirmation_duration_seconds",
			Help:    "Time from preflight to the final stage of a replication request.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"agent", "action"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cqsmoke_replication_snapshot_polls_total",
			Help: "Total number of agent snapshots fetched while waiting for queues to drain.",
		}, []string{"agent"}),
	}
	if reg != nil {
		reg.MustRegister(m.confirmations, m.duration, m.polls)
	}
	return m
}

func (m *Metrics) observe(res *Result) {
	if m == nil {
		return
	}
	m.confirmations.WithLabelValues(res.Agent, string(res.Action), res.Stage.String()).Inc()
	m.duration.WithLabelValues(res.Agent, string(res.Action)).Observe(res.Elapsed.Seconds())
}

func (m *Metrics) poll(agent string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(agent).Inc()
}
