package rotation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the rotation collectors. Each Orchestrator registers its own
// set, so tests can use throwaway registries.
type Metrics struct {
	attempts            *prometheus.CounterVec
	failures            *prometheus.CounterVec
	rotationDuration    *prometheus.HistogramVec
	healthCheckDuration prometheus.Histogram
	healthCheckStatus   prometheus.Gauge
	poolsOpen           prometheus.Gauge
	lastSuccess         prometheus.Gauge
}

// NewMetrics registers rotation metrics with reg. A nil reg keeps them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		attempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbrotate_rotation_attempts_total",
				Help: "Total number of initialize and rotate attempts",
			},
			[]string{"action", "status"},
		),
		failures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbrotate_rotation_failures_total",
				Help: "Total number of failed attempts by the step that failed",
			},
			[]string{"step"},
		),
		rotationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dbrotate_rotation_duration_seconds",
				Help:    "Duration of initialize and rotate attempts in seconds",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"action"},
		),
		healthCheckDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dbrotate_health_check_duration_seconds",
				Help:    "Duration of candidate pool health checks in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),
		healthCheckStatus: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "dbrotate_health_check_status",
				Help: "Result of the last candidate health check (1=healthy, 0=unhealthy)",
			},
		),
		poolsOpen: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "dbrotate_pools_open",
				Help: "Number of pools built and not yet closed",
			},
		),
		lastSuccess: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "dbrotate_last_success_timestamp_seconds",
				Help: "Unix time of the last successful initialize or rotate",
			},
		),
	}
}

func (m *Metrics) recordAttempt(action string, err error, durationSeconds float64, unixNow float64) {
	status := "success"
	if err != nil {
		status = "failed"
	} else {
		m.lastSuccess.Set(unixNow)
	}
	m.attempts.WithLabelValues(action, status).Inc()
	m.rotationDuration.WithLabelValues(action).Observe(durationSeconds)
}

func (m *Metrics) recordFailure(step string) {
	m.failures.WithLabelValues(step).Inc()
}

func (m *Metrics) recordHealthCheck(healthy bool, durationSeconds float64) {
	m.healthCheckDuration.Observe(durationSeconds)
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.healthCheckStatus.Set(value)
}
