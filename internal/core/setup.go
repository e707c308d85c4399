package core

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"entitycore/internal/config"
)

// NewLogger returns a JSON slog logger at the configured level.
func NewLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
}

// ServiceOptionsFromConfig maps the concurrency and observability sections to
// service options. reg receives Prometheus collectors and defaults to the
// global registerer; traceOut receives JSON trace lines.
func ServiceOptionsFromConfig(cfg *config.Config, logger Logger, reg prometheus.Registerer, traceOut io.Writer) ([]ServiceOption, error) {
	opts := []ServiceOption{
		WithLogger(logger),
		WithMaxRetries(cfg.Concurrency.MaxRetries),
		WithBackoff(cfg.Concurrency.Backoff),
	}
	obs := cfg.Observability
	switch obs.Metrics {
	case "", "none":
	case "expvar":
		opts = append(opts, WithMetricsRecorder(NewExpvarMetricsRecorder(obs.Namespace+"_uow_metrics")))
	case "prometheus":
		pcfg := DefaultPrometheusConfig()
		pcfg.Namespace = obs.Namespace
		pcfg.Registry = reg
		recorder, err := NewPrometheusMetricsRecorder(pcfg)
		if err != nil {
			return nil, fmt.Errorf("prometheus metrics: %w", err)
		}
		opts = append(opts, WithMetricsRecorder(recorder))
	default:
		return nil, fmt.Errorf("unknown metrics exporter %s", obs.Metrics)
	}
	switch obs.Tracing {
	case "", "none":
	case "json":
		opts = append(opts, WithTracer(NewJSONTracer(traceOut)))
	case "otel":
		opts = append(opts, WithTracer(NewOTelTracer(nil)))
	default:
		return nil, fmt.Errorf("unknown tracing exporter %s", obs.Tracing)
	}
	return opts, nil
}
