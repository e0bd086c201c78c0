package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the server's collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	reg *prometheus.Registry

	RoomsActive    prometheus.Gauge
	Connections    prometheus.Gauge
	Events         *prometheus.CounterVec
	Rejected       *prometheus.CounterVec
	JoinRequests   *prometheus.CounterVec
	StoreErrors    *prometheus.CounterVec
	PersistDropped prometheus.Counter
	SlowConsumers  prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		RoomsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "whiteboard_rooms_active", Help: "Rooms currently held in memory.",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "whiteboard_connections_active", Help: "Open websocket connections.",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "whiteboard_events_total", Help: "Inbound client events by name.",
		}, []string{"event"}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "whiteboard_events_rejected_total", Help: "Inbound events dropped or refused.",
		}, []string{"reason"}),
		JoinRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "whiteboard_join_requests_total", Help: "Join workflow outcomes.",
		}, []string{"outcome"}),
		StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "whiteboard_store_errors_total", Help: "Failed durable store calls.",
		}, []string{"op"}),
		PersistDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "whiteboard_persist_dropped_total", Help: "Persistence jobs dropped on a full queue.",
		}),
		SlowConsumers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "whiteboard_slow_consumers_total", Help: "Connections closed for a full outbound queue.",
		}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		m.RoomsActive, m.Connections, m.Events, m.Rejected,
		m.JoinRequests, m.StoreErrors, m.PersistDropped, m.SlowConsumers,
	)
	return m
}

// Handler exposes Prometheus metrics at /metrics
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) RoomOpened() {
	if m != nil {
		m.RoomsActive.Inc()
	}
}

func (m *Metrics) RoomClosed() {
	if m != nil {
		m.RoomsActive.Dec()
	}
}

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.Connections.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.Connections.Dec()
	}
}

func (m *Metrics) Event(name string) {
	if m != nil {
		m.Events.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) Reject(reason string) {
	if m != nil {
		m.Rejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Join(outcome string) {
	if m != nil {
		m.JoinRequests.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) StoreError(op string) {
	if m != nil {
		m.StoreErrors.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) Dropped() {
	if m != nil {
		m.PersistDropped.Inc()
	}
}

func (m *Metrics) SlowConsumer() {
	if m != nil {
		m.SlowConsumers.Inc()
	}
}
