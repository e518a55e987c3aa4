// Package telemetry holds the Prometheus collectors and logger plumbing
// shared by the protocol packages.
//
// A nil *Metrics is valid and records nothing, so components can take
// metrics as an optional dependency.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "spcomms"

// Request results used as the "result" label.
const (
	ResultOK         = "ok"
	ResultTimeout    = "timeout"
	ResultSpError    = "sp_error"
	ResultUnexpected = "unexpected"
	ResultTransport  = "transport"
	ResultCancelled  = "cancelled"
	ResultError      = "error"
)

// Datagram classes used as the "class" label.
const (
	ClassResponse  = "response"
	ClassEvent     = "event"
	ClassStale     = "stale"
	ClassMalformed = "malformed"
	ClassUnrouted  = "unrouted"
)

// Metrics is the set of collectors for one Manager and everything built on it.
type Metrics struct {
	requests         *prometheus.CounterVec
	attempts         prometheus.Histogram
	retransmissions  prometheus.Counter
	busyRetries      prometheus.Counter
	datagrams        *prometheus.CounterVec
	eventsDropped    prometheus.Counter
	consoleResyncs   prometheus.Counter
	updateBytes      prometheus.Counter
	discoveryRecords prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Requests completed, by request kind and result.",
			},
			[]string{"kind", "result"},
		),
		attempts: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_attempts",
				Help:      "Transmissions used per completed request.",
				Buckets:   prometheus.LinearBuckets(1, 1, 8),
			},
		),
		retransmissions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retransmissions_total",
				Help:      "Requests resent after a per-attempt timeout.",
			},
		),
		busyRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "busy_retries_total",
				Help:      "Requests resent because the SP reported it was busy.",
			},
		),
		datagrams: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "datagrams_total",
				Help:      "Inbound datagrams, by how the receive path classified them.",
			},
			[]string{"class"},
		),
		eventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_dropped_total",
				Help:      "SP events dropped because a subscriber was full.",
			},
		),
		consoleResyncs: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "console_resyncs_total",
				Help:      "Inbound console gaps skipped after the gap timeout.",
			},
		),
		updateBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "update_bytes_total",
				Help:      "Update image bytes acknowledged by SPs.",
			},
		),
		discoveryRecords: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "discovery_records",
				Help:      "SPs found by the most recent completed discovery sweep.",
			},
		),
	}

	collectors := []prometheus.Collector{
		m.requests, m.attempts, m.retransmissions, m.busyRetries, m.datagrams,
		m.eventsDropped, m.consoleResyncs, m.updateBytes, m.discoveryRecords,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// ObserveRequest records one completed request.
func (m *Metrics) ObserveRequest(kind, result string, attempts int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(kind, result).Inc()
	if attempts > 0 {
		m.attempts.Observe(float64(attempts))
	}
}

// Retransmission records one resend after a per-attempt timeout.
func (m *Metrics) Retransmission() {
	if m == nil {
		return
	}
	m.retransmissions.Inc()
}

// BusyRetry records one resend after a busy reply.
func (m *Metrics) BusyRetry() {
	if m == nil {
		return
	}
	m.busyRetries.Inc()
}

// Datagram records one inbound datagram of the given class.
func (m *Metrics) Datagram(class string) {
	if m == nil {
		return
	}
	m.datagrams.WithLabelValues(class).Inc()
}

// EventDropped records one event lost to a full subscriber.
func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

// ConsoleResync records one skipped console gap.
func (m *Metrics) ConsoleResync() {
	if m == nil {
		return
	}
	m.consoleResyncs.Inc()
}

// UpdateBytes records acknowledged update bytes.
func (m *Metrics) UpdateBytes(n int) {
	if m == nil {
		return
	}
	m.updateBytes.Add(float64(n))
}

// DiscoveryRecords sets the size of the current discovery table.
func (m *Metrics) DiscoveryRecords(n int) {
	if m == nil {
		return
	}
	m.discoveryRecords.Set(float64(n))
}
