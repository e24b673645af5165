package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestNoopCollector(t *testing.T) {
	c := Noop()
	require.NotNil(t, c)
	c.MessageReceived("signal")
	c.MessageSent("method_call")
	c.CallCompleted("ok")
	c.PendingCalls(3)
	c.Drained(1)
}

func TestPrometheusCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewPrometheusCollector(reg)
	require.NoError(t, err)

	c.MessageReceived("signal")
	c.MessageReceived("signal")
	c.MessageSent("method_call")
	c.CallCompleted("ok")
	c.PendingCalls(2)
	c.Drained(4)

	families := gather(t, reg)
	require.Equal(t, 2.0, counterValue(t, families["dbus_messages_received_total"], "signal"))
	require.Equal(t, 1.0, counterValue(t, families["dbus_messages_sent_total"], "method_call"))
	require.Equal(t, 1.0, counterValue(t, families["dbus_calls_completed_total"], "ok"))

	pending := families["dbus_pending_calls"]
	require.NotNil(t, pending)
	require.Equal(t, 2.0, pending.Metric[0].GetGauge().GetValue())

	drain := families["dbus_dispatch_batch_size"]
	require.NotNil(t, drain)
	require.Equal(t, uint64(1), drain.Metric[0].GetHistogram().GetSampleCount())
}

func TestPrometheusCollectorReusesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	second, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	require.Same(t, first.received, second.received)

	first.MessageSent("signal")
	second.MessageSent("signal")

	families := gather(t, reg)
	require.Equal(t, 2.0, counterValue(t, families["dbus_messages_sent_total"], "signal"))
}

func TestPrometheusCollectorConflict(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dbus_messages_received_total",
		Help: "Something else entirely.",
	}))
	_, err := NewPrometheusCollector(reg)
	require.Error(t, err)
}

func TestNilPrometheusCollector(t *testing.T) {
	var c *PrometheusCollector
	c.MessageReceived("signal")
	c.PendingCalls(1)
}

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	ret := map[string]*dto.MetricFamily{}
	for _, mf := range mfs {
		ret[mf.GetName()] = mf
	}
	return ret
}

func counterValue(t *testing.T, mf *dto.MetricFamily, label string) float64 {
	t.Helper()
	require.NotNil(t, mf)
	for _, m := range mf.Metric {
		for _, lp := range m.Label {
			if lp.GetValue() == label {
				return m.GetCounter().GetValue()
			}
		}
	}
	t.Fatalf("no %s metric with label %q", mf.GetName(), label)
	return 0
}
