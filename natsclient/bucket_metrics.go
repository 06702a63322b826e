package natsclient

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/semstreams-ros/metric"
)

// bucketMetrics reports the size of the KV buckets the client opened. A nil
// *bucketMetrics is valid and records nothing.
type bucketMetrics struct {
	values *prometheus.GaugeVec
	bytes  *prometheus.GaugeVec
	errors *prometheus.CounterVec

	mu      sync.RWMutex
	buckets map[string]jetstream.KeyValue
}

func newBucketMetrics(registry *metric.MetricsRegistry) (*bucketMetrics, error) {
	m := &bucketMetrics{
		values: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "kv",
			Name:      "bucket_values",
			Help:      "Current number of values in a KV bucket",
		}, []string{"bucket"}),
		bytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "kv",
			Name:      "bucket_bytes",
			Help:      "Storage bytes used by a KV bucket",
		}, []string{"bucket"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "kv",
			Name:      "operation_errors_total",
			Help:      "Total number of KV operation errors",
		}, []string{"operation"}),
		buckets: make(map[string]jetstream.KeyValue),
	}

	if err := registry.RegisterGaugeVec("natsclient", "bucket_values", m.values); err != nil {
		return nil, err
	}
	if err := registry.RegisterGaugeVec("natsclient", "bucket_bytes", m.bytes); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("natsclient", "kv_errors", m.errors); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *bucketMetrics) track(name string, bucket jetstream.KeyValue) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.buckets[name] = bucket
	m.mu.Unlock()
}

func (m *bucketMetrics) recordError(operation string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(operation).Inc()
}

func (m *bucketMetrics) update(ctx context.Context) {
	m.mu.RLock()
	buckets := make(map[string]jetstream.KeyValue, len(m.buckets))
	for name, b := range m.buckets {
		buckets[name] = b
	}
	m.mu.RUnlock()

	for name, bucket := range buckets {
		status, err := bucket.Status(ctx)
		if err != nil {
			m.recordError("status")
			continue
		}
		m.values.WithLabelValues(name).Set(float64(status.Values()))
		m.bytes.WithLabelValues(name).Set(float64(status.Bytes()))
	}
}

// startPoller updates the gauges every interval until the returned cancel is called.
func (m *bucketMetrics) startPoller(ctx context.Context, interval time.Duration) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.update(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
	return cancel
}
