package kestrel

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Prometheus collectors updated by a Transport and its Pool.
// A nil *Metrics disables collection.
type Metrics struct {
	connectionsCreated prometheus.Counter
	connectionsClosed  *prometheus.CounterVec
	idleConnections    prometheus.Gauge
	inUseConnections   prometheus.Gauge
	checkoutDuration   prometheus.Histogram
	messages           *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		connectionsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: "kestrel",
			Subsystem: "pool",
			Name:      "connections_created_total",
			Help:      "SMTP connections opened by the pool.",
		}),
		connectionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kestrel",
			Subsystem: "pool",
			Name:      "connections_closed_total",
			Help:      "SMTP connections closed by the pool, by reason.",
		}, []string{"reason"}),
		idleConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "kestrel",
			Subsystem: "pool",
			Name:      "idle_connections",
			Help:      "Connections parked in the pool.",
		}),
		inUseConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "kestrel",
			Subsystem: "pool",
			Name:      "in_use_connections",
			Help:      "Connections handed out by the pool.",
		}),
		checkoutDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kestrel",
			Subsystem: "pool",
			Name:      "checkout_duration_seconds",
			Help:      "Time spent obtaining a connection from the pool.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "messages_total",
			Help:      "Messages submitted, by outcome.",
		}, []string{"result"}),
	}
}

// Close reasons.
const (
	closeReasonBroken   = "broken"
	closeReasonFull     = "full"
	closeReasonIdle     = "idle_timeout"
	closeReasonProbe    = "probe_failed"
	closeReasonShutdown = "shutdown"
)

func (m *Metrics) connCreated() {
	if m != nil {
		m.connectionsCreated.Inc()
	}
}

func (m *Metrics) connClosed(reason string) {
	if m != nil {
		m.connectionsClosed.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) setIdle(n int) {
	if m != nil {
		m.idleConnections.Set(float64(n))
	}
}

func (m *Metrics) setInUse(n int) {
	if m != nil {
		m.inUseConnections.Set(float64(n))
	}
}

func (m *Metrics) observeCheckout(seconds float64) {
	if m != nil {
		m.checkoutDuration.Observe(seconds)
	}
}

// messageResult records a submission outcome: "accepted", or the kind of the
// error that failed it.
func (m *Metrics) messageResult(err error) {
	if m == nil {
		return
	}
	result := "accepted"
	if err != nil {
		result = KindOf(err).String()
		if KindOf(err) == 0 {
			result = "other"
		}
	}
	m.messages.WithLabelValues(result).Inc()
}
