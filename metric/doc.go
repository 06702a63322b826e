// Package metric provides Prometheus metrics for the ROS topic bridge and an HTTP
// server that exposes them.
//
// A MetricsRegistry owns a private prometheus.Registry holding the bridge metrics
// (Metrics), the Go runtime collectors and any metrics registered by components
// through the MetricsRegistrar interface. Registrations are keyed by
// "<service>.<metric>" so a component cannot register the same metric twice.
//
// # Basic Usage
//
//	registry := metric.NewMetricsRegistry()
//	server := metric.NewServer(9090, "/metrics", registry)
//
//	go func() {
//	    if err := server.Start(); err != nil {
//	        slog.Error("Metrics server error", "error", err)
//	    }
//	}()
//
//	registry.CoreMetrics().RecordSampleReceived("/tf")
//
// The server exposes OpenMetrics at the configured path and a plain-text health
// check at /health.
//
// # Bridge Metrics
//
//   - subscription: samples_received_total, decode_errors_total, handler_panics_total,
//     dispatch_duration_seconds
//   - history: state, replays_total, replayed_samples_total, gap_recoveries_total
//   - liveliness: tokens_declared, events_total
//   - bus: connected, reconnects_total, circuit_breaker
//
// All names carry the "rosbridge" namespace.
package metric
