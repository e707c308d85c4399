package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"entitycore/internal/config"
	"entitycore/pkg/domain"
)

// conflictOnce makes the first attempt of a bump usecase lose to a concurrent
// writer.
func conflictOnce(svc *Service) func(context.Context, *UnitOfWork) error {
	attempts := 0
	return func(ctx context.Context, uow *UnitOfWork) error {
		attempts++
		order, err := uow.Get(ctx, "order-1")
		if err != nil {
			return err
		}
		if attempts == 1 {
			if err := bumpConcurrently(ctx, svc, "order-1"); err != nil {
				return err
			}
		}
		return order.Set("note", "bumped")
	}
}

func TestServicePrometheusMetrics(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "order-1")
	cfg := DefaultPrometheusConfig()
	cfg.Registry = prometheus.NewRegistry()
	recorder, err := NewPrometheusMetricsRecorder(cfg)
	if err != nil {
		t.Fatalf("recorder: %v", err)
	}
	svc := newTestService(t, f, WithMetricsRecorder(recorder))

	if err := svc.RunInUnitOfWork(context.Background(), domain.Usecase{Name: "bump"}, conflictOnce(svc)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := testutil.ToFloat64(recorder.results.WithLabelValues("bump", "success")); got != 1 {
		t.Fatalf("expected 1 success, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.results.WithLabelValues("bump", "error")); got != 1 {
		t.Fatalf("expected 1 error, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.conflicts.WithLabelValues("bump")); got != 1 {
		t.Fatalf("expected 1 conflicted entity, got %v", got)
	}
	if got := testutil.CollectAndCount(recorder.duration); got != 1 {
		t.Fatalf("expected one histogram series, got %d", got)
	}
}

func TestPrometheusRecorderRejectsDuplicateRegistration(t *testing.T) {
	cfg := DefaultPrometheusConfig()
	cfg.Registry = prometheus.NewRegistry()
	if _, err := NewPrometheusMetricsRecorder(cfg); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := NewPrometheusMetricsRecorder(cfg); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
	cfg.Namespace = ""
	if _, err := NewPrometheusMetricsRecorder(cfg); err == nil {
		t.Fatalf("expected namespace error")
	}
}

func TestServiceOTelSpans(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "order-1")
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = provider.Shutdown(context.Background()) }()
	svc := newTestService(t, f, WithTracer(NewOTelTracer(provider)))

	if err := svc.RunInUnitOfWork(context.Background(), domain.Usecase{Name: "bump"}, conflictOnce(svc)); err != nil {
		t.Fatalf("run: %v", err)
	}
	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected a span per attempt, got %d", len(spans))
	}
	failed, succeeded := spans[0], spans[1]
	if failed.Name() != "entitycore.bump" || succeeded.Name() != "entitycore.bump" {
		t.Fatalf("unexpected span names %q %q", failed.Name(), succeeded.Name())
	}
	if failed.Status().Code != codes.Error || succeeded.Status().Code != codes.Ok {
		t.Fatalf("unexpected statuses %v %v", failed.Status(), succeeded.Status())
	}
	found := false
	for _, attr := range failed.Attributes() {
		if string(attr.Key) == "entitycore.conflicts" && attr.Value.AsInt64() == 1 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected conflict attribute on failed span, got %v", failed.Attributes())
	}
}

func TestServiceExpvarMetrics(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "order-1")
	recorder := NewExpvarMetricsRecorder("")
	svc := newTestService(t, f, WithMetricsRecorder(recorder))

	if err := svc.RunInUnitOfWork(context.Background(), domain.Usecase{Name: "bump"}, conflictOnce(svc)); err != nil {
		t.Fatalf("run: %v", err)
	}
	snap := recorder.Snapshot()
	if snap.Results["bump"]["success"] != 1 || snap.Results["bump"]["error"] != 1 {
		t.Fatalf("unexpected results %v", snap.Results)
	}
	if snap.Conflicts["bump"] != 1 {
		t.Fatalf("unexpected conflicts %v", snap.Conflicts)
	}
	published := expvar.Get(recorder.Name())
	if published == nil {
		t.Fatalf("expected %s to be published", recorder.Name())
	}
	var decoded ExpvarMetricsSnapshot
	if err := json.Unmarshal([]byte(published.String()), &decoded); err != nil {
		t.Fatalf("decode published snapshot: %v", err)
	}
	if decoded.Results["bump"]["success"] != 1 {
		t.Fatalf("unexpected published results %v", decoded.Results)
	}
}

func TestServiceJSONTracer(t *testing.T) {
	f := newFixture(t)
	var buf bytes.Buffer
	tracer := NewJSONTracer(&buf)
	svc := newTestService(t, f, WithTracer(tracer))

	boom := errors.New("boom")
	_ = svc.RunInUnitOfWork(context.Background(), domain.Usecase{Name: "fail"}, func(context.Context, *UnitOfWork) error { return boom })
	if err := svc.RunInUnitOfWork(context.Background(), domain.Usecase{Name: "noop"}, func(context.Context, *UnitOfWork) error { return nil }); err != nil {
		t.Fatalf("noop run: %v", err)
	}

	entries := tracer.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Operation != "fail" || entries[0].Status != "error" || entries[0].Error != "boom" {
		t.Fatalf("unexpected failed entry %+v", entries[0])
	}
	if entries[1].Operation != "noop" || entries[1].Status != "success" {
		t.Fatalf("unexpected success entry %+v", entries[1])
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 JSON lines, got %q", buf.String())
	}
	var first JSONTraceEntry
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil || first.Operation != "fail" {
		t.Fatalf("unexpected first line %q: %v", lines[0], err)
	}
}

func TestServiceOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Concurrency.MaxRetries = 7
	cfg.Concurrency.Backoff = 0
	cfg.Observability.Metrics = "prometheus"
	cfg.Observability.Tracing = "json"
	cfg.Observability.Namespace = "optstest"

	var traces bytes.Buffer
	opts, err := ServiceOptionsFromConfig(cfg, noopLogger{}, prometheus.NewRegistry(), &traces)
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	svc := NewService(newFixture(t).check, testModule(t), opts...)
	if svc.maxRetries != 7 || svc.backoff != 0 {
		t.Fatalf("unexpected retry settings %d %v", svc.maxRetries, svc.backoff)
	}
	if _, ok := svc.metrics.(*PrometheusMetricsRecorder); !ok {
		t.Fatalf("expected prometheus recorder, got %T", svc.metrics)
	}
	if _, ok := svc.tracer.(*JSONTraceTracer); !ok {
		t.Fatalf("expected json tracer, got %T", svc.tracer)
	}

	cfg.Observability.Metrics = "expvar"
	cfg.Observability.Tracing = "otel"
	cfg.Observability.Namespace = "optstest_expvar"
	opts, err = ServiceOptionsFromConfig(cfg, nil, nil, nil)
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	svc = NewService(nil, testModule(t), opts...)
	if rec, ok := svc.metrics.(*ExpvarMetricsRecorder); !ok || rec.Name() != "optstest_expvar_uow_metrics" {
		t.Fatalf("expected expvar recorder, got %T", svc.metrics)
	}
	if _, ok := svc.tracer.(*OTelTracer); !ok {
		t.Fatalf("expected otel tracer, got %T", svc.tracer)
	}

	cfg.Observability.Metrics = "statsd"
	if _, err := ServiceOptionsFromConfig(cfg, nil, nil, nil); err == nil {
		t.Fatalf("expected unknown metrics error")
	}
	cfg.Observability.Metrics = "none"
	cfg.Observability.Tracing = "zipkin"
	if _, err := ServiceOptionsFromConfig(cfg, nil, nil, nil); err == nil {
		t.Fatalf("expected unknown tracing error")
	}
}

func TestNewLoggerHonoursLevel(t *testing.T) {
	cfg := config.Default()
	cfg.Observability.LogLevel = "warn"
	var buf bytes.Buffer
	logger := NewLogger(cfg, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "uow", "u1")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, `"uow":"u1"`) {
		t.Fatalf("unexpected log output %q", out)
	}
}
