package iot

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the scanner's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	probes        *prometheus.CounterVec
	probeDuration prometheus.Histogram
	connections   *prometheus.CounterVec
	activeLanes   prometheus.Gauge
	rangesAdded   prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "iotscan",
			Name:      "probes_total",
			Help:      "Hello probes by outcome.",
		}, []string{"outcome"}),
		probeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "iotscan",
			Name:      "probe_duration_seconds",
			Help:      "Time spent on the hello request of each probe.",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.2, 0.4, 0.8},
		}),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "iotscan",
			Name:      "box_connections_total",
			Help:      "Connect attempts by resulting status.",
		}, []string{"status"}),
		activeLanes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "iotscan",
			Name:      "active_lanes",
			Help:      "Probe lanes currently running.",
		}),
		rangesAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "iotscan",
			Name:      "ranges_added_total",
			Help:      "Distinct /24 ranges registered across sessions.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.probes, m.probeDuration, m.connections, m.activeLanes, m.rangesAdded)
	}
	return m
}

func (m *Metrics) observeProbe(res ProbeResult) {
	if m == nil {
		return
	}
	m.probes.WithLabelValues(string(res.Outcome)).Inc()
	m.probeDuration.Observe(res.Latency.Seconds())
}

func (m *Metrics) observeConnection(conn DeviceConnection) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(string(conn.Status)).Inc()
}

func (m *Metrics) laneStarted() {
	if m == nil {
		return
	}
	m.activeLanes.Inc()
}

func (m *Metrics) laneStopped() {
	if m == nil {
		return
	}
	m.activeLanes.Dec()
}

func (m *Metrics) rangeAdded() {
	if m == nil {
		return
	}
	m.rangesAdded.Inc()
}
