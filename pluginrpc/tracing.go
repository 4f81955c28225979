package pluginrpc

import (
	"context"
	"log/slog"
)

// Tracer is a structured diagnostic hook: an event name plus key/value
// attributes, which an embedder may wire to any backend. It reuses
// slog.Attr rather than inventing a parallel key/value type, since this
// module already uses log/slog for its own logging.
type Tracer interface {
	Event(ctx context.Context, name string, attrs ...slog.Attr)
}

// NoopTracer discards every event. It is the default Tracer when none is
// supplied to NewConnection.
var NoopTracer Tracer = noopTracer{}

type noopTracer struct{}

func (noopTracer) Event(context.Context, string, ...slog.Attr) {}
