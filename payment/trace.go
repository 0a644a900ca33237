package payment

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	telemetry "loopofwork/observability/otel"
)

var tracer = telemetry.Tracer("payment")

func startSpan(ctx context.Context, name, requestID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if requestID != "" {
		attrs = append(attrs, attribute.String("request.id", requestID))
	}
	return tracer.Start(ctx, "payment."+name, trace.WithAttributes(attrs...))
}
