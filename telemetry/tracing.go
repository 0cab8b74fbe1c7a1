// OpenTelemetry tracing for environment teardown.
package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps OpenTelemetry tracing with environment-specific helpers.
type Tracer struct {
	tracer trace.Tracer
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
	}
	return globalTracer
}

// NewTracer creates a tracer with the given name from the global provider.
func NewTracer(name string) *Tracer {
	return &Tracer{tracer: otel.Tracer(name)}
}

// NewTracerFromProvider creates a tracer from an explicit provider.
func NewTracerFromProvider(tp trace.TracerProvider, name string) *Tracer {
	return &Tracer{tracer: tp.Tracer(name)}
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Dispose Spans ---

// DisposeSpanOptions contains the outcome of an environment dispose.
type DisposeSpanOptions struct {
	Completed        bool
	InitialTasks     int
	CanceledTasks    int
	CancelFailures   int
	RemainingTasks   int
	WaitingTimeout   time.Duration
	CancelingTimeout time.Duration
}

// StartDisposeSpan starts a span for an environment dispose.
func (t *Tracer) StartDisposeSpan(ctx context.Context, envID, envName string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "environment.dispose", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("environment.id", envID),
		attribute.String("environment.name", envName),
	)
	return ctx, span
}

// EndDisposeSpan ends a dispose span with drain attributes. An incomplete
// drain is recorded as an event, not an error: it is a normal outcome.
func (t *Tracer) EndDisposeSpan(span trace.Span, opts DisposeSpanOptions) {
	span.SetAttributes(
		attribute.Bool("drain.completed", opts.Completed),
		attribute.Int("drain.tasks.initial", opts.InitialTasks),
		attribute.Int("drain.tasks.canceled", opts.CanceledTasks),
		attribute.Int("drain.tasks.cancel_failures", opts.CancelFailures),
		attribute.Int("drain.tasks.remaining", opts.RemainingTasks),
		attribute.String("drain.timeout.waiting", formatTimeout(opts.WaitingTimeout)),
		attribute.String("drain.timeout.canceling", formatTimeout(opts.CancelingTimeout)),
	)

	if opts.Completed {
		span.SetStatus(codes.Ok, "")
	} else {
		span.AddEvent("drain.abandoned", trace.WithAttributes(
			attribute.Int("drain.tasks.remaining", opts.RemainingTasks),
		))
	}

	span.End()
}

// formatTimeout renders negative durations as "infinite".
func formatTimeout(d time.Duration) string {
	if d < 0 {
		return "infinite"
	}
	return d.String()
}
