// Package telemetry integrates connection and stream instrumentation with
// Clue logging and OpenTelemetry metrics/tracing. The interfaces are
// intentionally small so tests can provide lightweight stubs; production code
// uses the Clue-backed implementations and tests the no-ops.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the module.
// Implementations typically delegate to Clue.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter and timer helpers for instrumentation. Tags are
// flat key/value string pairs (k1, v1, k2, v2, ...).
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
}

// Tracer abstracts span creation so lifecycle and sink code stay agnostic of
// the underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
//
//	ctx, span := tracer.Start(ctx, "connection.connect")
//	defer span.End()
//	span.SetStatus(codes.Ok, "authenticated")
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// Metric and counter names recorded by the module. Dashboards key on these.
const (
	// MetricConnectAttempts counts transport dial attempts, tagged with
	// "kind" = "initial" | "retry".
	MetricConnectAttempts = "agentwire.connection.attempts"
	// MetricAuthFailures counts authentication rejections and timeouts.
	MetricAuthFailures = "agentwire.connection.auth_failures"
	// MetricConnectionsFailed counts attempt sequences that exhausted their
	// retry budget.
	MetricConnectionsFailed = "agentwire.connection.failed"
	// MetricEventsNormalized counts canonical events emitted, tagged with
	// "type" = the canonical event type.
	MetricEventsNormalized = "agentwire.normalize.events"
	// MetricPublishDuration times sink publishes.
	MetricPublishDuration = "agentwire.sink.publish"
)
