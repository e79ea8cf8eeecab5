package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestGetMetrics(t *testing.T) {
	metrics := GetMetrics()
	assert.NotNil(t, metrics, "Metrics should not be nil")

	// Call again to test singleton behavior
	metrics2 := GetMetrics()
	assert.Same(t, metrics, metrics2, "GetMetrics should return the same instance")
}

func TestAllMetricsInitialized(t *testing.T) {
	m := GetMetrics()

	// API metrics
	assert.NotNil(t, m.APIRequestsTotal)
	assert.NotNil(t, m.APIRequestDuration)
	assert.NotNil(t, m.APIErrorsTotal)
	assert.NotNil(t, m.APIActiveConnections)

	// Storage metrics
	assert.NotNil(t, m.NotificationsTotal)
	assert.NotNil(t, m.StorageOperations)
	assert.NotNil(t, m.StorageOperationDuration)
	assert.NotNil(t, m.DBSize)

	// Registry metrics
	assert.NotNil(t, m.ConnectionsActive)
	assert.NotNil(t, m.ConnectionsOpened)
	assert.NotNil(t, m.ConnectionsClosed)
	assert.NotNil(t, m.ReplayLookups)
	assert.NotNil(t, m.ReplayEntriesEvicted)
	assert.NotNil(t, m.HeartbeatsSent)

	// Dispatcher and subscription metrics
	assert.NotNil(t, m.AlarmsDispatched)
	assert.NotNil(t, m.PushesTotal)
	assert.NotNil(t, m.PushDuration)
	assert.NotNil(t, m.FanoutWidth)
	assert.NotNil(t, m.BacklogSize)
	assert.NotNil(t, m.ReplayedEvents)
	assert.NotNil(t, m.MarkReadTotal)
}

func TestCounterVecIncrements(t *testing.T) {
	m := GetMetrics()

	before := testutil.ToFloat64(m.PushesTotal.WithLabelValues("ok"))
	m.PushesTotal.WithLabelValues("ok").Inc()
	m.PushesTotal.WithLabelValues("ok").Add(2)

	assert.Equal(t, before+3, testutil.ToFloat64(m.PushesTotal.WithLabelValues("ok")))
}

func BenchmarkMetricsOperations(b *testing.B) {
	// Isolated registry so the benchmark does not touch the global one
	registry := prometheus.NewRegistry()

	counterVec := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benchmark_counter_vec",
			Help: "Benchmark counter vec",
		},
		[]string{"result"},
	)
	registry.MustRegister(counterVec)

	histogram := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "benchmark_histogram",
			Help:    "Benchmark histogram",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
		},
	)
	registry.MustRegister(histogram)

	b.Run("CounterVec.WithLabelValues", func(b *testing.B) {
		results := []string{"ok", "error", "timeout"}
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			counterVec.WithLabelValues(results[i%len(results)]).Inc()
		}
	})

	b.Run("Histogram.Observe", func(b *testing.B) {
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			histogram.Observe(float64(i) / 1000.0)
		}
	})
}
