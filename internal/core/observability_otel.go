package core

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"entitycore/pkg/domain"
)

const otelInstrumentationName = "entitycore/internal/core"

// OTelTracer bridges Tracer onto an OpenTelemetry tracer provider.
type OTelTracer struct {
	tracer trace.Tracer
}

var _ Tracer = (*OTelTracer)(nil)

// NewOTelTracer uses the global provider when provider is nil.
func NewOTelTracer(provider trace.TracerProvider) *OTelTracer {
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	return &OTelTracer{tracer: provider.Tracer(otelInstrumentationName)}
}

func (t *OTelTracer) Start(ctx context.Context, operation string) (context.Context, TraceSpan) {
	ctx, span := t.tracer.Start(ctx, "entitycore."+operation,
		trace.WithAttributes(attribute.String("entitycore.operation", operation)))
	return ctx, otelSpan{span: span}
}

type otelSpan struct {
	span trace.Span
}

func (s otelSpan) End(err error) {
	if err != nil {
		var conflict *domain.ConcurrentModificationError
		if errors.As(err, &conflict) {
			s.span.SetAttributes(attribute.Int("entitycore.conflicts", len(conflict.References)))
		}
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End()
}
