package proposals

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes Prometheus collectors for the proposal workflow.
type Metrics struct {
	transitions *prometheus.CounterVec
	events      *prometheus.CounterVec
}

// NewMetrics registers workflow metrics against the registerer. A nil
// registerer yields unregistered collectors, useful in tests.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_proposal_transitions_total",
		Help: "Proposal status transitions partitioned by source and target status.",
	}, []string{"from", "to"})
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_proposal_events_total",
		Help: "Proposal domain events dispatched, partitioned by event and outcome.",
	}, []string{"event", "status"})
	if registerer != nil {
		registerer.MustRegister(transitions, events)
	}
	return &Metrics{transitions: transitions, events: events}
}

func (m *Metrics) observeTransition(from, to Status) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) observeEvent(name string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.events.WithLabelValues(name, status).Inc()
}
