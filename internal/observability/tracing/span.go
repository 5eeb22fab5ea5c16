package tracing

import (
	"context"
	"errors"

	"github.com/smallbiznis/settlement/internal/apperr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/smallbiznis/settlement"

// Start opens an internal span for a settlement operation.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(SafeAttributes(attrs...)...),
	)
}

// End closes span, classifying err by its error kind.
func End(span trace.Span, err error) {
	if err != nil {
		kind := "unclassified"
		if k := apperr.KindOf(err); k != nil {
			kind = k.Error()
		}
		span.SetAttributes(attribute.String("error.kind", kind))
		var coded *apperr.Error
		if errors.As(err, &coded) {
			span.SetAttributes(attribute.String("error.code", coded.Code()))
		}
		span.RecordError(SafeError(err))
		span.SetStatus(codes.Error, kind)
	}
	span.End()
}
