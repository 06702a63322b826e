package metric

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/prometheus/common/expfmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semstreams-ros/errors"
)

func gatheredNames(t *testing.T, registry *MetricsRegistry) map[string]bool {
	t.Helper()
	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()

	require.NotNil(t, registry)
	assert.NotNil(t, registry.PrometheusRegistry())
	assert.Same(t, registry.Metrics, registry.CoreMetrics())
}

func TestMetrics_Record(t *testing.T) {
	registry := NewMetricsRegistry()
	m := registry.CoreMetrics()

	m.RecordSampleReceived("/tf")
	m.RecordSampleReceived("/tf")
	m.RecordDecodeError("/tf", "invalid")
	m.RecordHandlerPanic("/tf")
	m.RecordDispatchDuration("/tf", 2*time.Millisecond)
	m.RecordHistoryState("/tf_static", 3)
	m.RecordReplay("/tf_static", "completed")
	m.RecordReplayedSamples("/tf_static", 10)
	m.RecordGapRecovery("/tf_static")
	m.RecordTokensDeclared(4)
	m.RecordTokenEvent("put")
	m.RecordBusStatus(true)
	m.RecordBusReconnect()
	m.RecordCircuitBreakerState(1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SamplesReceived.WithLabelValues("/tf")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecodeErrors.WithLabelValues("/tf", "invalid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HandlerPanics.WithLabelValues("/tf")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.HistoryState.WithLabelValues("/tf_static")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReplayOutcomes.WithLabelValues("/tf_static", "completed")))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.ReplayedSamples.WithLabelValues("/tf_static")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GapRecoveries.WithLabelValues("/tf_static")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.TokensDeclared))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TokenEvents.WithLabelValues("put")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BusConnected))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BusReconnects))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BusCircuitBreaker))

	m.RecordBusStatus(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BusConnected))

	names := gatheredNames(t, registry)
	assert.True(t, names["rosbridge_subscription_samples_received_total"])
	assert.True(t, names["rosbridge_subscription_dispatch_duration_seconds"])
	assert.True(t, names["rosbridge_history_state"])
}

func TestMetricsRegistry_Register(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter", Help: "A test counter"})
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_gauge", Help: "A test gauge"})
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_histogram", Help: "A test histogram"})
	counterVec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_counter_vec", Help: "h"}, []string{"topic"})
	gaugeVec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "test_gauge_vec", Help: "h"}, []string{"topic"})
	histogramVec := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "test_histogram_vec", Help: "h"}, []string{"topic"})

	require.NoError(t, registry.RegisterCounter("svc", "test_counter", counter))
	require.NoError(t, registry.RegisterGauge("svc", "test_gauge", gauge))
	require.NoError(t, registry.RegisterHistogram("svc", "test_histogram", histogram))
	require.NoError(t, registry.RegisterCounterVec("svc", "test_counter_vec", counterVec))
	require.NoError(t, registry.RegisterGaugeVec("svc", "test_gauge_vec", gaugeVec))
	require.NoError(t, registry.RegisterHistogramVec("svc", "test_histogram_vec", histogramVec))

	counter.Inc()
	gauge.Set(1)
	histogram.Observe(0.5)
	counterVec.WithLabelValues("/tf").Inc()
	gaugeVec.WithLabelValues("/tf").Set(1)
	histogramVec.WithLabelValues("/tf").Observe(0.5)

	names := gatheredNames(t, registry)
	for _, name := range []string{"test_counter", "test_gauge", "test_histogram",
		"test_counter_vec", "test_gauge_vec", "test_histogram_vec"} {
		assert.True(t, names[name], "%s should be registered", name)
	}
}

func TestMetricsRegistry_DuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	first := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_total", Help: "h"})
	second := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_total", Help: "h"})

	require.NoError(t, registry.RegisterCounter("svc", "dup_total", first))

	err := registry.RegisterCounter("svc", "dup_total", second)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	err = registry.RegisterCounter("other", "dup_total", second)
	require.Error(t, err, "prometheus rejects a second collector with the same descriptor")
	assert.True(t, errors.IsInvalid(err))
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "gone_total", Help: "h"})
	require.NoError(t, registry.RegisterCounter("svc", "gone_total", counter))
	counter.Inc()

	assert.True(t, registry.Unregister("svc", "gone_total"))
	assert.False(t, registry.Unregister("svc", "gone_total"))
	assert.False(t, gatheredNames(t, registry)["gone_total"])

	// The name is free again after unregistering.
	require.NoError(t, registry.RegisterCounter("svc", "gone_total",
		prometheus.NewCounter(prometheus.CounterOpts{Name: "gone_total", Help: "h"})))
}

func TestServer_Handler(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().RecordSampleReceived("/tf")

	srv := httptest.NewServer(NewServer(0, "", registry).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	received, ok := families["rosbridge_subscription_samples_received_total"]
	require.True(t, ok)
	require.Len(t, received.GetMetric(), 1)
	assert.Equal(t, "/tf", received.GetMetric()[0].GetLabel()[0].GetValue())
	assert.Equal(t, 1.0, received.GetMetric()[0].GetCounter().GetValue())
	assert.Contains(t, families, "go_goroutines")

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "OK", string(body))
}

func TestServer_CustomHealth(t *testing.T) {
	s := NewServer(0, "", NewMetricsRegistry())
	s.SetHealthHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_Defaults(t *testing.T) {
	s := NewServer(0, "", NewMetricsRegistry())
	assert.Equal(t, "http://localhost:9090/metrics", s.Address())

	s = NewServer(9191, "/prom", NewMetricsRegistry())
	assert.Equal(t, "http://localhost:9191/prom", s.Address())
}

func TestServer_StartWithoutRegistry(t *testing.T) {
	s := NewServer(0, "", nil)
	err := s.Start()
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.NoError(t, s.Stop())
}

func TestServer_StopBeforeStart(t *testing.T) {
	s := NewServer(0, "", NewMetricsRegistry())
	require.NoError(t, s.Stop())

	done := make(chan error, 1)
	go func() { done <- s.Start() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Start kept serving after Stop")
	}
}
