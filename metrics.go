package deskline

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of one session. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// ConnectionState is the numeric ConnectionState of the session
	// (0 idle, 1 connecting, 2 connected, 3 reconnecting, 4 disconnected).
	ConnectionState prometheus.Gauge

	// ReconnectAttempts counts scheduled reconnect attempts.
	ReconnectAttempts prometheus.Counter

	// DialDuration records how long successful and failed dials take.
	DialDuration prometheus.Histogram

	// EnvelopesReceived counts inbound envelopes, labeled by category.
	EnvelopesReceived *prometheus.CounterVec

	// EnvelopesInvalid counts inbound frames reported to the diagnostic
	// channel, labeled by reason: "malformed" or "unknown_category".
	EnvelopesInvalid *prometheus.CounterVec

	// EnvelopesSent counts envelopes written to the transport, labeled by category.
	EnvelopesSent *prometheus.CounterVec

	// OutboundDropped counts queued envelopes discarded before delivery,
	// labeled by reason: "queue_full" or "expired".
	OutboundDropped *prometheus.CounterVec

	// OutboundQueueDepth tracks the number of envelopes waiting for a connection.
	OutboundQueueDepth prometheus.Gauge

	// SubscriberPanics counts subscriber callbacks that panicked.
	SubscriberPanics prometheus.Counter
}

// NewMetrics creates the session collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "deskline_connection_state",
			Help: "Current connection state (0 idle, 1 connecting, 2 connected, 3 reconnecting, 4 disconnected)",
		}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deskline_reconnect_attempts_total",
			Help: "Total number of scheduled reconnect attempts",
		}),
		DialDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "deskline_dial_duration_seconds",
			Help:    "Time spent establishing the realtime connection",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		EnvelopesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deskline_envelopes_received_total",
			Help: "Total number of inbound envelopes",
		}, []string{"type"}),
		EnvelopesInvalid: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deskline_envelopes_invalid_total",
			Help: "Total number of inbound frames that were malformed or of an unknown category",
		}, []string{"reason"}),
		EnvelopesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deskline_envelopes_sent_total",
			Help: "Total number of envelopes written to the transport",
		}, []string{"type"}),
		OutboundDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deskline_outbound_dropped_total",
			Help: "Total number of queued envelopes discarded before delivery",
		}, []string{"reason"}),
		OutboundQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "deskline_outbound_queue_depth",
			Help: "Number of envelopes waiting for a connection",
		}),
		SubscriberPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deskline_subscriber_panics_total",
			Help: "Total number of subscriber callbacks that panicked",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ConnectionState,
			m.ReconnectAttempts,
			m.DialDuration,
			m.EnvelopesReceived,
			m.EnvelopesInvalid,
			m.EnvelopesSent,
			m.OutboundDropped,
			m.OutboundQueueDepth,
			m.SubscriberPanics,
		)
	}
	return m
}

// Handler returns an HTTP handler exposing the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

var stateValues = map[ConnectionState]float64{
	StateIdle:         0,
	StateConnecting:   1,
	StateConnected:    2,
	StateReconnecting: 3,
	StateDisconnected: 4,
}

func (m *Metrics) setState(s ConnectionState) {
	if m == nil {
		return
	}
	m.ConnectionState.Set(stateValues[s])
}

func (m *Metrics) reconnectScheduled() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

func (m *Metrics) dialObserved(seconds float64) {
	if m == nil {
		return
	}
	m.DialDuration.Observe(seconds)
}

func (m *Metrics) received(c Category) {
	if m == nil {
		return
	}
	m.EnvelopesReceived.WithLabelValues(categoryLabel(c)).Inc()
}

func (m *Metrics) invalid(reason string) {
	if m == nil {
		return
	}
	m.EnvelopesInvalid.WithLabelValues(reason).Inc()
}

func (m *Metrics) sent(c Category) {
	if m == nil {
		return
	}
	m.EnvelopesSent.WithLabelValues(categoryLabel(c)).Inc()
}

func (m *Metrics) dropped(reason DropReason) {
	if m == nil {
		return
	}
	m.OutboundDropped.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) queueDepth(n int) {
	if m == nil {
		return
	}
	m.OutboundQueueDepth.Set(float64(n))
}

func (m *Metrics) subscriberPanic() {
	if m == nil {
		return
	}
	m.SubscriberPanics.Inc()
}

// categoryLabel keeps label cardinality bounded when servers send arbitrary types.
func categoryLabel(c Category) string {
	if c.Known() {
		return string(c)
	}
	return "unknown"
}
