// Package telemetry traces bridge commands and task lifecycles with
// OpenTelemetry and carries trace context across the event bus.
package telemetry

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// InstrumentationName names the tracer used across the bridge.
const InstrumentationName = "github.com/muryk/ttbridge"

// maxCheckpointLen bounds the checkpoint attribute on task spans.
const maxCheckpointLen = 1000

// Tracer starts and ends the two span kinds the bridge emits: one server
// span per command and one internal span per task.
type Tracer struct {
	tracer trace.Tracer
	// debug adds task checkpoints, which may carry user names, to spans.
	debug bool
}

var global atomic.Pointer[Tracer]

// SetGlobalTracer installs t as the process tracer. Passing nil restores
// the no-op default.
func SetGlobalTracer(t *Tracer) {
	global.Store(t)
}

// GetTracer returns the process tracer, or a no-op tracer when none is set.
func GetTracer() *Tracer {
	if t := global.Load(); t != nil {
		return t
	}
	return &Tracer{tracer: noop.NewTracerProvider().Tracer(InstrumentationName)}
}

// NewTracerFromProvider binds a Tracer to tp.
func NewTracerFromProvider(tp trace.TracerProvider, debug bool) *Tracer {
	return &Tracer{tracer: tp.Tracer(InstrumentationName), debug: debug}
}

// StartSpan starts a plain span.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// StartCommandSpan starts the span for one inbound command.
func (t *Tracer) StartCommandSpan(ctx context.Context, method string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "command."+method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("bridge.method", method)),
	)
}

// EndCommandSpan ends a command span; a rejected command marks it failed.
func (t *Tracer) EndCommandSpan(span trace.Span, err error) {
	finish(span, err)
}

// TaskSpanOptions are recorded on a task span when it ends.
type TaskSpanOptions struct {
	State      string
	Checkpoint string
	Bytes      int
}

// StartTaskSpan starts the span that covers a task from registration until
// its outcome is delivered.
func (t *Tracer) StartTaskSpan(ctx context.Context, taskID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "task",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("task.id", taskID)),
	)
}

// EndTaskSpan records the terminal state and ends the span. The checkpoint
// is only attached in debug mode.
func (t *Tracer) EndTaskSpan(span trace.Span, opts TaskSpanOptions, err error) {
	span.SetAttributes(
		attribute.String("task.state", opts.State),
		attribute.Int("task.bytes", opts.Bytes),
	)
	if t.debug && opts.Checkpoint != "" {
		span.SetAttributes(attribute.String("task.checkpoint", truncate(opts.Checkpoint, maxCheckpointLen)))
	}
	finish(span, err)
}

func finish(span trace.Span, err error) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
	} else {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// InjectContext writes the trace context of ctx into carrier using the
// global propagator.
func InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// ExtractContext returns ctx extended with the trace context in carrier.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// MapCarrier adapts a string map, such as NATS headers flattened to one
// value per key, to propagation.TextMapCarrier.
type MapCarrier map[string]string

func (c MapCarrier) Get(key string) string { return c[key] }

func (c MapCarrier) Set(key, value string) { c[key] = value }

func (c MapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
