package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	EventsIngested   prometheus.Counter
	EventsDispatched *prometheus.CounterVec
	EventsDropped    prometheus.Counter
	QueueDepth       prometheus.Gauge
	CriticalAlerts   prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsIngested: factory.NewCounter(prometheus.CounterOpts{
			Name: "medgate_audit_events_ingested_total",
			Help: "Audit events accepted by the pipeline",
		}),
		EventsDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "medgate_audit_events_dispatched_total",
			Help: "Destination writes by destination and result",
		}, []string{"destination", "result"}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "medgate_audit_events_dropped_total",
			Help: "Audit events discarded because the pipeline was closed",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "medgate_audit_queue_depth",
			Help: "Events waiting for the drain worker",
		}),
		CriticalAlerts: factory.NewCounter(prometheus.CounterOpts{
			Name: "medgate_audit_critical_alerts_total",
			Help: "Alerts raised for critical-severity events",
		}),
	}
}

func (m *Metrics) recordDispatch(destination string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.EventsDispatched.WithLabelValues(destination, result).Inc()
}

func (m *Metrics) setQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) incIngested() {
	if m == nil {
		return
	}
	m.EventsIngested.Inc()
}

func (m *Metrics) incDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

func (m *Metrics) incAlerts() {
	if m == nil {
		return
	}
	m.CriticalAlerts.Inc()
}
