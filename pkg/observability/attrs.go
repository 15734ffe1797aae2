package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span names used across the runtime.
const (
	SpanRunPlan  = "ocp.run_plan"
	SpanStep     = "ocp.step"
	SpanDelivery = "ocp.delivery"
)

// Attribute keys for OCP spans and metrics. Attributes carry identifiers and
// outcome codes only, never payloads or secret material.
var (
	AttrRequestID  = attribute.Key("ocp.request_id")
	AttrRunID      = attribute.Key("ocp.run_id")
	AttrStepID     = attribute.Key("ocp.step_id")
	AttrDriverKind = attribute.Key("ocp.driver_kind")
	AttrOutcome    = attribute.Key("ocp.outcome")
	AttrProfileID  = attribute.Key("ocp.profile_id")
	AttrTargetHost = attribute.Key("ocp.target_host")
	AttrStepCount  = attribute.Key("ocp.step_count")
)

// RunAttrs labels a plan run.
func RunAttrs(requestID, runID string, stepCount int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRequestID.String(requestID),
		AttrRunID.String(runID),
		AttrStepCount.Int(stepCount),
	}
}

// StepAttrs labels one plan step.
func StepAttrs(runID, stepID, driverKind string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRunID.String(runID),
		AttrStepID.String(stepID),
		AttrDriverKind.String(driverKind),
	}
}

// DeliveryAttrs labels a webhook delivery.
func DeliveryAttrs(requestID, runID, profileID, targetHost string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRequestID.String(requestID),
		AttrRunID.String(runID),
		AttrProfileID.String(profileID),
		AttrTargetHost.String(targetHost),
	}
}

// SpanFromContext returns the active span, if any.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the active span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// SetSpanOutcome stamps the outcome code on the active span and marks its
// status. Refusals are expected behavior, so only infrastructure errors set
// the span status to Error elsewhere.
func SetSpanOutcome(ctx context.Context, outcome string, ok bool) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.SetAttributes(AttrOutcome.String(outcome))
	if ok {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, outcome)
	}
}
