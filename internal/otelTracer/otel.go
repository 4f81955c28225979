// Package otelTracer adapts pluginrpc.Tracer to OpenTelemetry, following
// the tracer/meter-package-global pattern used throughout
// jinterlante1206-AleutianLocal's trace/dag executor: a package-scoped
// tracer obtained once via otel.Tracer, spans started per event and ended
// immediately since pluginrpc.Tracer.Event models a point-in-time
// occurrence rather than a span with its own lifetime.
package otelTracer

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Tracer implements pluginrpc.Tracer (by structural signature; this package
// does not import pluginrpc to keep the core connection engine's one and
// only OpenTelemetry dependency confined to this adapter).
type Tracer struct {
	tracer       trace.Tracer
	eventCounter metric.Int64Counter
}

// New builds a Tracer scoped to name, the same way executor.go scopes its
// package tracer and meter to "aleutian.dag".
func New(name string) (*Tracer, error) {
	meter := otel.Meter(name)
	counter, err := meter.Int64Counter(
		"pluginrpc_events_total",
		metric.WithDescription("count of structured pluginrpc connection events, by event name"),
	)
	if err != nil {
		return nil, err
	}
	return &Tracer{
		tracer:       otel.Tracer(name),
		eventCounter: counter,
	}, nil
}

// Event starts and immediately ends a span named name, carrying attrs as
// span attributes, and increments the event counter labeled by name.
func (t *Tracer) Event(ctx context.Context, name string, attrs ...slog.Attr) {
	_, span := t.tracer.Start(ctx, name, trace.WithAttributes(toOtelAttrs(attrs)...))
	span.End()
	t.eventCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("event", name)))
}

func toOtelAttrs(attrs []slog.Attr) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, a := range attrs {
		out = append(out, attribute.String(a.Key, a.Value.String()))
	}
	return out
}
