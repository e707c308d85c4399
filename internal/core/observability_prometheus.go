package core

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusConfig configures a PrometheusMetricsRecorder.
type PrometheusConfig struct {
	Namespace string
	Subsystem string
	// Registry defaults to prometheus.DefaultRegisterer.
	Registry prometheus.Registerer
	Buckets  []float64
}

// DefaultPrometheusConfig returns the entitycore namespace with latency buckets
// sized for store round trips.
func DefaultPrometheusConfig() PrometheusConfig {
	return PrometheusConfig{
		Namespace: "entitycore",
		Subsystem: "uow",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}
}

// PrometheusMetricsRecorder exports unit-of-work outcomes as Prometheus
// metrics: a duration histogram and a result counter per operation, and a
// counter of conflicting entities.
type PrometheusMetricsRecorder struct {
	duration  *prometheus.HistogramVec
	results   *prometheus.CounterVec
	conflicts *prometheus.CounterVec
}

var (
	_ MetricsRecorder  = (*PrometheusMetricsRecorder)(nil)
	_ ConflictRecorder = (*PrometheusMetricsRecorder)(nil)
)

// NewPrometheusMetricsRecorder registers the recorder's collectors.
func NewPrometheusMetricsRecorder(cfg PrometheusConfig) (*PrometheusMetricsRecorder, error) {
	if cfg.Namespace == "" {
		return nil, errors.New("prometheus namespace is required")
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.DefaultRegisterer
	}
	if len(cfg.Buckets) == 0 {
		cfg.Buckets = prometheus.DefBuckets
	}
	r := &PrometheusMetricsRecorder{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "operation_duration_seconds",
			Help:      "Duration of unit-of-work operations.",
			Buckets:   cfg.Buckets,
		}, []string{"operation"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "operations_total",
			Help:      "Unit-of-work operations by outcome.",
		}, []string{"operation", "status"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "conflicted_entities_total",
			Help:      "Entities reported by concurrent modification conflicts.",
		}, []string{"operation"}),
	}
	for _, c := range []prometheus.Collector{r.duration, r.results, r.conflicts} {
		if err := cfg.Registry.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *PrometheusMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	status := "error"
	if success {
		status = "success"
	}
	r.duration.WithLabelValues(operation).Observe(duration.Seconds())
	r.results.WithLabelValues(operation, status).Inc()
}

func (r *PrometheusMetricsRecorder) ObserveConflict(_ context.Context, operation string, entities int) {
	r.conflicts.WithLabelValues(operation).Add(float64(entities))
}
