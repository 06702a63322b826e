package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every bridge metric.
const Namespace = "rosbridge"

// Metrics contains the bridge-level metrics shared by every subscription.
type Metrics struct {
	// Subscription metrics
	SamplesReceived  *prometheus.CounterVec
	DecodeErrors     *prometheus.CounterVec
	HandlerPanics    *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec

	// Historical replay metrics
	HistoryState    *prometheus.GaugeVec
	ReplayOutcomes  *prometheus.CounterVec
	ReplayedSamples *prometheus.CounterVec
	GapRecoveries   *prometheus.CounterVec

	// Liveliness metrics
	TokensDeclared prometheus.Gauge
	TokenEvents    *prometheus.CounterVec

	// Bus connection metrics
	BusConnected      prometheus.Gauge
	BusReconnects     prometheus.Counter
	BusCircuitBreaker prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all bridge metrics
func NewMetrics() *Metrics {
	return &Metrics{
		SamplesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "subscription",
				Name:      "samples_received_total",
				Help:      "Total number of samples delivered to a subscription",
			},
			[]string{"topic"},
		),

		DecodeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "subscription",
				Name:      "decode_errors_total",
				Help:      "Total number of samples dropped because they could not be decoded",
			},
			[]string{"topic", "class"},
		),

		HandlerPanics: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "subscription",
				Name:      "handler_panics_total",
				Help:      "Total number of recovered handler panics",
			},
			[]string{"topic"},
		),

		DispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "subscription",
				Name:      "dispatch_duration_seconds",
				Help:      "Time spent decoding and handling one sample",
				Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"topic"},
		),

		HistoryState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "history",
				Name:      "state",
				Help:      "Replay state of a transient-local subscription (0=idle, 1=discovering, 2=replaying, 3=live)",
			},
			[]string{"topic"},
		),

		ReplayOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "history",
				Name:      "replays_total",
				Help:      "Total number of history queries by outcome",
			},
			[]string{"topic", "outcome"},
		),

		ReplayedSamples: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "history",
				Name:      "replayed_samples_total",
				Help:      "Total number of samples delivered from publisher caches",
			},
			[]string{"topic"},
		),

		GapRecoveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "history",
				Name:      "gap_recoveries_total",
				Help:      "Total number of missed-sample recovery queries",
			},
			[]string{"topic"},
		),

		TokensDeclared: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "liveliness",
				Name:      "tokens_declared",
				Help:      "Number of liveliness tokens currently declared by this process",
			},
		),

		TokenEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "liveliness",
				Name:      "events_total",
				Help:      "Total number of observed liveliness events",
			},
			[]string{"kind"},
		),

		BusConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "bus",
				Name:      "connected",
				Help:      "Bus connection status (0=disconnected, 1=connected)",
			},
		),

		BusReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "bus",
				Name:      "reconnects_total",
				Help:      "Total number of bus reconnections",
			},
		),

		BusCircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "bus",
				Name:      "circuit_breaker",
				Help:      "Bus circuit breaker status (0=closed, 1=open, 2=half-open)",
			},
		),
	}
}

// RecordSampleReceived increments the received counter of a topic
func (c *Metrics) RecordSampleReceived(topic string) {
	c.SamplesReceived.WithLabelValues(topic).Inc()
}

// RecordDecodeError increments the decode error counter with the error class
func (c *Metrics) RecordDecodeError(topic, class string) {
	c.DecodeErrors.WithLabelValues(topic, class).Inc()
}

// RecordHandlerPanic increments the recovered panic counter
func (c *Metrics) RecordHandlerPanic(topic string) {
	c.HandlerPanics.WithLabelValues(topic).Inc()
}

// RecordDispatchDuration records the time spent on one sample
func (c *Metrics) RecordDispatchDuration(topic string, duration time.Duration) {
	c.DispatchDuration.WithLabelValues(topic).Observe(duration.Seconds())
}

// RecordHistoryState updates the replay state gauge
func (c *Metrics) RecordHistoryState(topic string, state int) {
	c.HistoryState.WithLabelValues(topic).Set(float64(state))
}

// RecordReplay increments the replay outcome counter
func (c *Metrics) RecordReplay(topic, outcome string) {
	c.ReplayOutcomes.WithLabelValues(topic, outcome).Inc()
}

// RecordReplayedSamples adds n replayed samples
func (c *Metrics) RecordReplayedSamples(topic string, n int) {
	c.ReplayedSamples.WithLabelValues(topic).Add(float64(n))
}

// RecordGapRecovery increments the gap recovery counter
func (c *Metrics) RecordGapRecovery(topic string) {
	c.GapRecoveries.WithLabelValues(topic).Inc()
}

// RecordTokensDeclared sets the declared token gauge
func (c *Metrics) RecordTokensDeclared(n int) {
	c.TokensDeclared.Set(float64(n))
}

// RecordTokenEvent increments the liveliness event counter
func (c *Metrics) RecordTokenEvent(kind string) {
	c.TokenEvents.WithLabelValues(kind).Inc()
}

// RecordBusStatus updates bus connection status
func (c *Metrics) RecordBusStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	c.BusConnected.Set(value)
}

// RecordBusReconnect increments reconnection counter
func (c *Metrics) RecordBusReconnect() {
	c.BusReconnects.Inc()
}

// RecordCircuitBreakerState updates circuit breaker status
func (c *Metrics) RecordCircuitBreakerState(state int) {
	c.BusCircuitBreaker.Set(float64(state))
}
