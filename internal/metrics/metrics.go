// Package metrics holds the Prometheus instruments of a node. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ocpp_node"

// Metrics holds Prometheus metrics for the node
type Metrics struct {
	// Correlation
	pending        prometheus.Gauge
	resolvedTotal  *prometheus.CounterVec
	roundTrip      *prometheus.HistogramVec
	lateResponses  prometheus.Counter
	relaysInFlight prometheus.Gauge

	// Forwarding pipeline
	decisionsTotal *prometheus.CounterVec
	filterErrors   *prometheus.CounterVec
	observerPanics prometheus.Counter

	// Transport
	framesIn        *prometheus.CounterVec
	framesOut       *prometheus.CounterVec
	connections     prometheus.Gauge
	duplicatesTotal prometheus.Counter
}

// New creates the instruments and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Requests waiting for a response",
		}),
		resolvedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_resolved_total",
			Help:      "Requests resolved by result code",
		}, []string{"action", "result"}),
		roundTrip: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_round_trip_seconds",
			Help:      "Time from sending a request to its resolution",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
		lateResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "late_responses_total",
			Help:      "Responses that matched no pending request",
		}),
		relaysInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relays_in_flight",
			Help:      "Forwarded requests waiting for their response",
		}),
		decisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forwarding_decisions_total",
			Help:      "Forwarding decisions by action and kind",
		}, []string{"action", "decision"}),
		filterErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "filter_errors_total",
			Help:      "Filters that failed while deciding",
		}, []string{"filter"}),
		observerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observer_panics_total",
			Help:      "Observers or filters that panicked",
		}),
		framesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames received by message type",
		}, []string{"type"}),
		framesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames sent by message type and outcome",
		}, []string{"type", "outcome"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open peer connections",
		}),
		duplicatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_requests_total",
			Help:      "Retransmitted requests that were dropped",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.pending, m.resolvedTotal, m.roundTrip, m.lateResponses, m.relaysInFlight,
		m.decisionsTotal, m.filterErrors, m.observerPanics,
		m.framesIn, m.framesOut, m.connections, m.duplicatesTotal,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) PendingInc() {
	if m != nil {
		m.pending.Inc()
	}
}

func (m *Metrics) PendingDec() {
	if m != nil {
		m.pending.Dec()
	}
}

func (m *Metrics) RecordResolved(action, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.resolvedTotal.WithLabelValues(action, result).Inc()
	m.roundTrip.WithLabelValues(action).Observe(elapsed.Seconds())
}

func (m *Metrics) LateResponse() {
	if m != nil {
		m.lateResponses.Inc()
	}
}

func (m *Metrics) RelayStarted() {
	if m != nil {
		m.relaysInFlight.Inc()
	}
}

func (m *Metrics) RelayFinished() {
	if m != nil {
		m.relaysInFlight.Dec()
	}
}

func (m *Metrics) RecordDecision(action, decision string) {
	if m != nil {
		m.decisionsTotal.WithLabelValues(action, decision).Inc()
	}
}

func (m *Metrics) FilterError(name string) {
	if m != nil {
		m.filterErrors.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) ObserverPanic() {
	if m != nil {
		m.observerPanics.Inc()
	}
}

func (m *Metrics) FrameIn(typ string) {
	if m != nil {
		m.framesIn.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) FrameOut(typ, outcome string) {
	if m != nil {
		m.framesOut.WithLabelValues(typ, outcome).Inc()
	}
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) Duplicate() {
	if m != nil {
		m.duplicatesTotal.Inc()
	}
}
