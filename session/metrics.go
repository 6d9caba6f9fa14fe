package session

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the session's Prometheus collectors.
type Metrics struct {
	SocketsBound      prometheus.Gauge
	ActiveConnections prometheus.Gauge

	MessagesQueued prometheus.Counter
	MessagesSent   prometheus.Counter
	SendErrors     *prometheus.CounterVec

	EventsPublished *prometheus.CounterVec

	IterationDuration  prometheus.Histogram
	SlowIterations     prometheus.Counter
	OutboundQueueDepth prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		SocketsBound: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "netsession_sockets_bound",
			Help: "Number of sockets bound by the session",
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "netsession_active_connections",
			Help: "Number of connections tracked by the event pump",
		}),
		MessagesQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netsession_messages_queued_total",
			Help: "Outbound messages handed to the worker",
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netsession_messages_sent_total",
			Help: "Outbound messages accepted by the transport engine",
		}),
		SendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netsession_send_errors_total",
			Help: "Outbound messages that failed, by reason",
		}, []string{"reason"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netsession_events_published_total",
			Help: "Domain events published by the worker, by kind",
		}, []string{"kind"}),
		IterationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "netsession_worker_iteration_duration_seconds",
			Help:    "Time spent in one worker iteration, excluding the sleep",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),
		SlowIterations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netsession_worker_slow_iterations_total",
			Help: "Worker iterations that exceeded the iteration budget",
		}),
		OutboundQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "netsession_outbound_queue_depth",
			Help: "Outbound messages waiting for the worker at the start of an iteration",
		}),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.SocketsBound,
		m.ActiveConnections,
		m.MessagesQueued,
		m.MessagesSent,
		m.SendErrors,
		m.EventsPublished,
		m.IterationDuration,
		m.SlowIterations,
		m.OutboundQueueDepth,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RecordSendError counts a failed outbound message.
func (m *Metrics) RecordSendError(reason string) {
	m.SendErrors.WithLabelValues(reason).Inc()
}

// RecordEvent counts a published domain event.
func (m *Metrics) RecordEvent(kind EventKind) {
	m.EventsPublished.WithLabelValues(kind.String()).Inc()
}

// RecordIteration observes one worker iteration.
func (m *Metrics) RecordIteration(d time.Duration, slow bool) {
	m.IterationDuration.Observe(d.Seconds())
	if slow {
		m.SlowIterations.Inc()
	}
}
