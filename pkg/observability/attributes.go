package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Semantic attributes for authorization spans.
var (
	AttrStage       = attribute.Key("sentinel.stage")
	AttrPassed      = attribute.Key("sentinel.passed")
	AttrVerdict     = attribute.Key("sentinel.verdict")
	AttrQuadrants   = attribute.Key("sentinel.quadrants.authenticated")
	AttrCapability  = attribute.Key("sentinel.capability")
	AttrRestriction = attribute.Key("sentinel.restriction")
	AttrFallback    = attribute.Key("sentinel.fallback")
	AttrOverride    = attribute.Key("sentinel.override")
	AttrDeviceID    = attribute.Key("sentinel.device.id")
	AttrSessionID   = attribute.Key("sentinel.session.id")
)

func StageOperation(stage string) []attribute.KeyValue {
	return []attribute.KeyValue{AttrStage.String(stage)}
}

// CapabilityOperation labels a pipeline evaluation for metrics. The
// capability set is small and fixed, so it is safe as a metric attribute.
func CapabilityOperation(capability string) []attribute.KeyValue {
	return []attribute.KeyValue{AttrCapability.String(capability)}
}

// CallerAttributes identifies the caller of a pipeline evaluation. They are
// unbounded and belong on spans only, never on metric instruments.
func CallerAttributes(deviceID, sessionID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrDeviceID.String(deviceID),
		AttrSessionID.String(sessionID),
	}
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanAttributes annotates the current span.
func SetSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}

// SetSpanStatus marks the current span failed when err is non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
