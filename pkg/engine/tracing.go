package engine

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys for engine operations. Every engine span carries the
// workflow and tenant it acts on; failed spans carry the stable error kind so
// traces can be filtered by failure class without parsing messages.
const (
	attrWorkflowID = attribute.Key("marketflow.workflow.id")
	attrTenantID   = attribute.Key("marketflow.tenant.id")
	attrStepID     = attribute.Key("marketflow.step.id")
	attrBookmarkID = attribute.Key("marketflow.bookmark.id")
	attrMarketRole = attribute.Key("marketflow.market_role")
	attrErrorKind  = attribute.Key("marketflow.error.kind")
)

// startSpan opens an engine-operation span. With no tracer configured it
// returns the span already on the context, so instrumentation calls stay
// unconditional at the call sites.
func (e *Engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if e.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return e.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// fail records a structured engine error on the span, using the stable kind
// as the span status description, and returns the error for surfacing.
func (e *Engine) fail(span trace.Span, err *Error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, string(err.Kind))
	span.SetAttributes(attrErrorKind.String(string(err.Kind)))

	if err.StepID != "" {
		span.SetAttributes(attrStepID.String(err.StepID))
	}

	return err
}
