package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()
	require.NotNil(t, registry)
	require.NotNil(t, registry.PrometheusRegistry())
	require.NotNil(t, registry.CoreMetrics())
}

func TestRegisterCounter(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_counter_total",
		Help: "test counter",
	})

	err := registry.RegisterCounter("scheduler", "test_counter_total", counter)
	require.NoError(t, err)

	// Duplicate registration under the same key is rejected
	err = registry.RegisterCounter("scheduler", "test_counter_total", counter)
	assert.Error(t, err)
}

func TestRegisterVecTypes(t *testing.T) {
	registry := NewMetricsRegistry()

	counterVec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "test_vec_total",
		Help: "test",
	}, []string{"label"})
	require.NoError(t, registry.RegisterCounterVec("runtime", "test_vec_total", counterVec))

	gaugeVec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "test_gauge_vec",
		Help: "test",
	}, []string{"label"})
	require.NoError(t, registry.RegisterGaugeVec("runtime", "test_gauge_vec", gaugeVec))

	histVec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "test_hist_vec",
		Help: "test",
	}, []string{"label"})
	require.NoError(t, registry.RegisterHistogramVec("runtime", "test_hist_vec", histVec))
}

func TestUnregister(t *testing.T) {
	registry := NewMetricsRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "test_gauge",
		Help: "test",
	})
	require.NoError(t, registry.RegisterGauge("engine", "test_gauge", gauge))

	assert.True(t, registry.Unregister("engine", "test_gauge"))
	assert.False(t, registry.Unregister("engine", "test_gauge"))

	// Re-registration works after unregister
	require.NoError(t, registry.RegisterGauge("engine", "test_gauge", gauge))
}

func TestCoreMetricsUsable(t *testing.T) {
	registry := NewMetricsRegistry()
	m := registry.CoreMetrics()

	// Core metrics are pre-registered and label combinations resolve
	m.FlowsStarted.WithLabelValues("file_finder").Inc()
	m.FlowsTerminal.WithLabelValues("terminated").Inc()
	m.ActiveFlows.Set(3)
	m.BatchesFlushed.WithLabelValues("size").Inc()
	m.PluginBatches.WithLabelValues("webhook", "error").Inc()
	m.CronRunsSkipped.Inc()

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
