package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// SpanRecorder is a SpanProcessor that keeps finished spans in memory so
// tests can check what the agent and server traced.
type SpanRecorder struct {
	mu    sync.Mutex
	ended []sdktrace.ReadOnlySpan
}

func NewSpanRecorder() *SpanRecorder {
	return &SpanRecorder{}
}

// TracerProvider returns a provider that feeds only this recorder.
func (r *SpanRecorder) TracerProvider() *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(r))
}

func (r *SpanRecorder) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (r *SpanRecorder) OnEnd(span sdktrace.ReadOnlySpan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, span)
}

func (r *SpanRecorder) Shutdown(context.Context) error   { return nil }
func (r *SpanRecorder) ForceFlush(context.Context) error { return nil }

// Names lists finished span names in completion order.
func (r *SpanRecorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.ended))
	for i, span := range r.ended {
		names[i] = span.Name()
	}
	return names
}

// Named returns the first finished span called name, or nil.
func (r *SpanRecorder) Named(name string) sdktrace.ReadOnlySpan {
	all := r.All(name)
	if len(all) == 0 {
		return nil
	}
	return all[0]
}

// All returns every finished span called name.
func (r *SpanRecorder) All(name string) []sdktrace.ReadOnlySpan {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sdktrace.ReadOnlySpan
	for _, span := range r.ended {
		if span.Name() == name {
			out = append(out, span)
		}
	}
	return out
}

// Attr looks up one attribute on a finished span.
func Attr(span sdktrace.ReadOnlySpan, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

var _ sdktrace.SpanProcessor = (*SpanRecorder)(nil)
