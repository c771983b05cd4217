package metrics

import "github.com/prometheus/client_golang/prometheus"

// RelayMetrics holds Prometheus metrics for relayed connections and messages.
// A nil *RelayMetrics is valid and records nothing.
type RelayMetrics struct {
	ActiveConnections prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	MessagesReceived  prometheus.Counter
	MessageBytes      prometheus.Histogram
	Deliveries        *prometheus.CounterVec
}

// NewRelayMetrics creates and registers relay metrics on the given registry.
func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	m := &RelayMetrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of connections currently registered for broadcast.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of connections accepted.",
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total number of messages received for broadcast.",
		}),
		MessageBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_bytes",
			Help:      "Size of received message payloads.",
			Buckets:   prometheus.ExponentialBuckets(16, 4, 8),
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Total number of per-peer send attempts by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.ActiveConnections,
		m.ConnectionsTotal,
		m.MessagesReceived,
		m.MessageBytes,
		m.Deliveries,
	)
	return m
}

// Connected records a newly registered connection.
func (m *RelayMetrics) Connected() {
	if m == nil {
		return
	}
	m.ConnectionsTotal.Inc()
	m.ActiveConnections.Inc()
}

// Disconnected records a deregistered connection.
func (m *RelayMetrics) Disconnected() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

// Received records one inbound message of size n.
func (m *RelayMetrics) Received(n int) {
	if m == nil {
		return
	}
	m.MessagesReceived.Inc()
	m.MessageBytes.Observe(float64(n))
}

// Delivered records the outcome of one broadcast.
func (m *RelayMetrics) Delivered(ok, failed int) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues("ok").Add(float64(ok))
	m.Deliveries.WithLabelValues("failed").Add(float64(failed))
}
