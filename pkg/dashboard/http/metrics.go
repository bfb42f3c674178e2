package http

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/umiacs/nexus-status/pkg/auth"
	"github.com/umiacs/nexus-status/pkg/cluster"
)

const metricsNamespace = "nexus_dashboard"

// metrics are the dashboard metrics. They implement auth.Observer so that
// every session machine reports its transitions.
type metrics struct {
	transitions *prometheus.CounterVec
	updates     prometheus.Counter
	warnings    *prometheus.CounterVec
	sessions    prometheus.GaugeFunc
	nodes       prometheus.Gauge
	mockData    prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer, live func() float64) *metrics {
	m := &metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "session_transitions_total",
			Help:      "Total number of session state transitions.",
		}, []string{"from", "to"}),
		updates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "session_updates_total",
			Help:      "Total number of session updates without a state transition.",
		}),
		warnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "session_expiry_warnings_total",
			Help:      "Total number of session expiry warnings.",
		}, []string{"threshold"}),
		sessions: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions",
			Help:      "Number of live session machines.",
		}, live),
		nodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "cluster_nodes",
			Help:      "Number of nodes in the latest cluster status.",
		}),
		mockData: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "cluster_mock_data",
			Help:      "1 when the latest cluster status is mock data.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.transitions, m.updates, m.warnings, m.sessions, m.nodes, m.mockData)
	}

	return m
}

// Changed implements auth.Observer.
func (m *metrics) Changed(from auth.State, view auth.View) {
	if from == view.State {
		m.updates.Inc()

		return
	}

	m.transitions.WithLabelValues(from.String(), view.State.String()).Inc()
}

// Warned implements auth.Observer.
func (m *metrics) Warned(threshold time.Duration, _ auth.View) {
	m.warnings.WithLabelValues(threshold.String()).Inc()
}

// clusterUpdated records a cluster refresh.
func (m *metrics) clusterUpdated(snapshot cluster.Snapshot) {
	m.nodes.Set(float64(len(snapshot.Status.Nodes)))

	if snapshot.Source == cluster.SourceMock {
		m.mockData.Set(1)
	} else {
		m.mockData.Set(0)
	}
}
