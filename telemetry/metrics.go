package telemetry

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics holds the counters recorded during a run. All methods are safe to
// call on a nil *Metrics.
type Metrics struct {
	Registry *prometheus.Registry

	artifacts   *prometheus.CounterVec
	attempts    *prometheus.CounterVec
	deliveries  *prometheus.CounterVec
	runs        *prometheus.CounterVec
	runDuration prometheus.Gauge
	records     prometheus.Gauge
}

// NewMetrics registers the geosync collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		artifacts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ServiceName,
			Name:      "artifacts_total",
			Help:      "Artifacts processed, by geotag result.",
		}, []string{"geotag"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ServiceName,
			Name:      "transmit_attempts_total",
			Help:      "Batch delivery attempts, by result.",
		}, []string{"result"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ServiceName,
			Name:      "deliveries_total",
			Help:      "Batch delivery outcomes.",
		}, []string{"status"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ServiceName,
			Name:      "runs_total",
			Help:      "Completed runs, by terminal state.",
		}, []string{"state"}),
		runDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ServiceName,
			Name:      "last_run_duration_seconds",
			Help:      "Wall time of the most recent run.",
		}),
		records: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ServiceName,
			Name:      "last_batch_records",
			Help:      "Records in the most recently assembled batch.",
		}),
	}
	m.Registry.MustRegister(m.artifacts, m.attempts, m.deliveries, m.runs, m.runDuration, m.records)
	return m
}

// Geotag results for ObserveArtifact.
const (
	GeotagNone    = "none"
	GeotagDecoded = "decoded"
	GeotagFailed  = "failed"
)

func (m *Metrics) ObserveArtifact(result string) {
	if m == nil {
		return
	}
	m.artifacts.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveAttempt(result string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveDelivery(status string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveBatch(records int) {
	if m == nil {
		return
	}
	m.records.Set(float64(records))
}

func (m *Metrics) ObserveRun(state string, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(state).Inc()
	m.runDuration.Set(d.Seconds())
}

// Push sends the current values to a Prometheus Pushgateway. It is a no-op
// when gatewayURL is empty.
func (m *Metrics) Push(ctx context.Context, gatewayURL, instance string) error {
	if m == nil || gatewayURL == "" {
		return nil
	}
	return push.New(gatewayURL, ServiceName).
		Gatherer(m.Registry).
		Grouping("instance", instance).
		PushContext(ctx)
}
