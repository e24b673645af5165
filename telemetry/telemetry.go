// Package telemetry defines the metrics hooks of a bus connection.
package telemetry

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector receives telemetry events from a bus connection.
//
// Hooks are called inline on the connection's event loop, and must
// not block.
type Collector interface {
	// MessageReceived counts a dispatched incoming message of the
	// given kind ("method_call", "method_return", "error", "signal").
	MessageReceived(kind string)
	// MessageSent counts an outgoing message of the given kind.
	MessageSent(kind string)
	// CallCompleted counts a finished method call by outcome
	// ("ok", "error", "no_reply", "closed").
	CallCompleted(outcome string)
	// PendingCalls reports the number of calls awaiting a reply.
	PendingCalls(n int)
	// Drained reports how many items one event loop wakeup
	// dispatched.
	Drained(n int)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) MessageReceived(string) {}
func (noopCollector) MessageSent(string)     {}
func (noopCollector) CallCompleted(string)   {}
func (noopCollector) PendingCalls(int)       {}
func (noopCollector) Drained(int)            {}

// PrometheusCollector exports connection metrics to Prometheus.
type PrometheusCollector struct {
	received  *prometheus.CounterVec
	sent      *prometheus.CounterVec
	calls     *prometheus.CounterVec
	pending   prometheus.Gauge
	drainSize prometheus.Histogram
}

// NewPrometheusCollector registers the connection metrics with reg,
// or with the default registerer if reg is nil. Metrics that are
// already registered with reg are reused, so several connections can
// share one registry.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	received, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dbus_messages_received_total",
		Help: "Number of messages dispatched from the bus, by message type.",
	}, []string{"type"}))
	if err != nil {
		return nil, err
	}
	sent, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dbus_messages_sent_total",
		Help: "Number of messages sent to the bus, by message type.",
	}, []string{"type"}))
	if err != nil {
		return nil, err
	}
	calls, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dbus_calls_completed_total",
		Help: "Number of completed method calls, by outcome.",
	}, []string{"outcome"}))
	if err != nil {
		return nil, err
	}
	pending, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dbus_pending_calls",
		Help: "Number of method calls awaiting a reply.",
	}))
	if err != nil {
		return nil, err
	}
	drain, err := register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dbus_dispatch_batch_size",
		Help:    "Number of items dispatched per event loop wakeup.",
		Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64},
	}))
	if err != nil {
		return nil, err
	}
	return &PrometheusCollector{
		received:  received,
		sent:      sent,
		calls:     calls,
		pending:   pending,
		drainSize: drain,
	}, nil
}

// register registers c with reg, or returns the equivalent collector
// that reg already has.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(T); ok {
			return existing, nil
		}
	}
	var zero T
	return zero, err
}

func (p *PrometheusCollector) MessageReceived(kind string) {
	if p == nil {
		return
	}
	p.received.WithLabelValues(kind).Inc()
}

func (p *PrometheusCollector) MessageSent(kind string) {
	if p == nil {
		return
	}
	p.sent.WithLabelValues(kind).Inc()
}

func (p *PrometheusCollector) CallCompleted(outcome string) {
	if p == nil {
		return
	}
	p.calls.WithLabelValues(outcome).Inc()
}

func (p *PrometheusCollector) PendingCalls(n int) {
	if p == nil {
		return
	}
	p.pending.Set(float64(n))
}

func (p *PrometheusCollector) Drained(n int) {
	if p == nil {
		return
	}
	p.drainSize.Observe(float64(n))
}
