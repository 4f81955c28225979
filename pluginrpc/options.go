package pluginrpc

import (
	"log/slog"
	"time"
)

// options configure a Connection at construction.
type options struct {
	framer             Framer
	logger             *slog.Logger
	tracer             Tracer
	handlerConcurrency int64
	protocolVersion    int
	minProtocolVersion int
}

// Option customizes NewConnection.
type Option func(*options)

// WithFramer selects the wire framing strategy. The default is
// JSONStreamFramer.
func WithFramer(f Framer) Option { return func(o *options) { o.framer = f } }

// WithLogger installs a structured logger for lifecycle and fault events.
// The default is slog.Default().
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithTracer installs a structured tracing hook. The default is NoopTracer.
func WithTracer(t Tracer) Option { return func(o *options) { o.tracer = t } }

// WithHandlerConcurrency bounds the number of inbound requests whose
// handlers may run concurrently. The default is unbounded (0).
func WithHandlerConcurrency(n int64) Option {
	return func(o *options) { o.handlerConcurrency = n }
}

// WithProtocolVersion sets the protocol version and minimum protocol
// version this endpoint advertises in its Handshake request. The built-in
// handshake handler does not compare versions; it accepts every peer. The
// default is version 1, minimum 1.
func WithProtocolVersion(version, min int) Option {
	return func(o *options) {
		o.protocolVersion = version
		o.minProtocolVersion = min
	}
}

func defaultOptions() options {
	return options{
		framer:             JSONStreamFramer(),
		logger:             slog.Default(),
		tracer:             NoopTracer,
		protocolVersion:    1,
		minProtocolVersion: 1,
	}
}

// RequestOption customizes a single SendRequest call.
type RequestOption func(*requestConfig)

type requestConfig struct {
	timeout        time.Duration
	keepAlive      bool
	onIntermediate func(raw []byte)
}

// WithTimeout bounds how long SendRequest waits for a terminal response
// before cancelling the request.
func WithTimeout(d time.Duration) RequestOption {
	return func(c *requestConfig) { c.timeout = d }
}

// WithKeepAlive causes every ProgressResponse received for this request to
// reset its timeout timer to its original duration. It has no effect
// without WithTimeout.
func WithKeepAlive() RequestOption {
	return func(c *requestConfig) { c.keepAlive = true }
}

// WithIntermediateHandler registers a callback invoked with the raw payload
// of each IntermediateResultResponse received for this request.
func WithIntermediateHandler(fn func(raw []byte)) RequestOption {
	return func(c *requestConfig) { c.onIntermediate = fn }
}
