// Package telemetry defines the logging, metrics, and tracing contracts used
// across the procedure runtime, with implementations backed by
// goa.design/clue and OpenTelemetry plus no-op defaults. Components receive
// these through their Options structs; nothing in the runtime logs through
// the standard library directly.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the runtime. The
// interface is intentionally small so tests can provide lightweight stubs.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter and histogram helpers for runtime instrumentation.
// Tags are alternating key/value strings.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so runtime code stays agnostic of the
// underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span is an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// Metric names emitted by the runtime.
const (
	MetricInvocations        = "tactus.invocations"
	MetricTurns              = "tactus.turns"
	MetricToolCalls          = "tactus.tool_calls"
	MetricCheckpointWrites   = "tactus.checkpoint_writes"
	MetricHITLRequests       = "tactus.hitl_requests"
	MetricTurnDuration       = "tactus.turn_duration"
	MetricInvocationDuration = "tactus.invocation_duration"
)
