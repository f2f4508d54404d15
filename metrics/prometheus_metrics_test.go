package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func newTestMetrics() *PrometheusMetrics {
	return NewPrometheusMetricsWithRegisterer(prometheus.NewRegistry())
}

func TestRegisterAndRecordCounter(t *testing.T) {
	m := newTestMetrics()
	m.Register("flowq_test_total", "Counter", "test counter")

	m.Record("flowq_test_total", 3)
	m.Record("flowq_test_total", 2)

	c, ok := m.counters["flowq_test_total"]
	require.True(t, ok)
	require.Equal(t, float64(5), testutil.ToFloat64(c))
}

func TestRegisterAndRecordGauge(t *testing.T) {
	m := newTestMetrics()
	m.Register("flowq_test_depth", "Gauge", "test gauge")

	m.Record("flowq_test_depth", 100)
	m.Record("flowq_test_depth", 40)

	g, ok := m.gauges["flowq_test_depth"]
	require.True(t, ok)
	require.Equal(t, float64(40), testutil.ToFloat64(g))
}

func TestRegisterWithLabelsAndRecord(t *testing.T) {
	m := newTestMetrics()
	m.RegisterWithLabels("flowq_test_claimed", "Counter", "claims by flow", []string{"flow"})

	m.RecordWithLabels("flowq_test_claimed", 7, "rpa1")
	m.RecordWithLabels("flowq_test_claimed", 1, "rpa2")

	vec, ok := m.counterVecs["flowq_test_claimed"]
	require.True(t, ok)
	require.Equal(t, float64(7), testutil.ToFloat64(vec.WithLabelValues("rpa1")))
	require.Equal(t, float64(1), testutil.ToFloat64(vec.WithLabelValues("rpa2")))
}

func TestHistogramCustomBuckets(t *testing.T) {
	m := newTestMetrics()
	m.SetCustomBuckets("flowq_test_duration", []float64{0.1, 1, 10})
	m.Register("flowq_test_duration", "Histogram", "test histogram")

	m.Record("flowq_test_duration", 0.5)

	_, ok := m.histograms["flowq_test_duration"]
	require.True(t, ok)
}

func TestUnknownMetricTypeIgnored(t *testing.T) {
	m := newTestMetrics()
	m.Register("flowq_test_bogus", "Summary", "unsupported type")

	require.Empty(t, m.counters)
	require.Empty(t, m.gauges)
	require.Empty(t, m.histograms)

	// recording an unregistered name is a no-op, not a panic
	m.Record("flowq_test_bogus", 1)
}

func TestRegisterWorkerMetricSet(t *testing.T) {
	m := newTestMetrics()
	RegisterWorkerMetrics(m)

	for _, name := range []string{
		RecordsClaimed, RecordsCompleted, RecordsFailed, OrphansRecovered,
	} {
		_, ok := m.counterVecs[name]
		require.True(t, ok, "missing counter %s", name)
	}
	_, ok := m.histogramVecs[BatchDuration]
	require.True(t, ok)
	_, ok = m.gaugeVecs[QueueDepth]
	require.True(t, ok)

	// the set is recordable with a flow label
	m.RecordWithLabels(RecordsClaimed, 10, "rpa1")
	m.RecordWithLabels(QueueDepth, 175, "rpa1")
	require.Equal(t, float64(175), testutil.ToFloat64(m.gaugeVecs[QueueDepth].WithLabelValues("rpa1")))
}

func TestNopImplementsMetrics(t *testing.T) {
	var m Metrics = Nop{}
	m.Register("x", "Counter", "h")
	m.Record("x", 1)
	m.RegisterWithLabels("y", "Gauge", "h", []string{"l"})
	m.RecordWithLabels("y", 1, "v")
}
