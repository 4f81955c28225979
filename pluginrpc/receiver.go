package pluginrpc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
)

// receiver owns the read half of the duplex stream. A single long-lived
// goroutine decodes the next Message and hands it to onMessage
// synchronously; onMessage (the Connection's dispatcher) must return in
// constant time, offloading all real work, so the reader is never stalled
// longer than one dispatch.
type receiver struct {
	reader  MessageReader
	closer  io.Closer // optional: lets Close unblock a pending Read
	logger  *slog.Logger
	tracer  Tracer
	closing atomic.Bool

	onMessage func(Message)
	onFault   func(err error, partial *Message)

	done chan struct{}
}

func newReceiver(r MessageReader, closer io.Closer, logger *slog.Logger, tracer Tracer) *receiver {
	return &receiver{
		reader: r,
		closer: closer,
		logger: logger,
		tracer: tracer,
		done:   make(chan struct{}),
	}
}

// Connect starts the reader goroutine.
func (r *receiver) Connect(ctx context.Context) {
	go r.run(ctx)
}

func (r *receiver) run(ctx context.Context) {
	defer close(r.done)
	for {
		msg, err := r.reader.Read(ctx)
		if err != nil {
			if r.closing.Load() || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				r.logger.Debug("pluginrpc: receiver stopped", "error", err)
				if !r.closing.Load() && r.onFault != nil {
					r.onFault(err, nil)
				}
				return
			}
			r.logger.Error("pluginrpc: decode failed", "error", err)
			r.tracer.Event(ctx, "receiver.fault", slog.Any("error", err))
			if r.onFault != nil {
				r.onFault(err, nil)
			}
			return
		}
		r.tracer.Event(ctx, "receiver.read", slog.String("message_type", string(msg.Header.MessageType)))
		r.onMessage(msg)
	}
}

// Close sets the closing flag and disposes the underlying reader, if it
// supports that, so a blocked read unblocks promptly. It does not wait for
// the reader goroutine to exit: a blocked read on an OS pipe cannot always
// be interrupted portably. Callers observe reader exit via
// the absence of further MessageReceived events and the connection's own
// state transition, not by joining this call.
func (r *receiver) Close() {
	r.closing.Store(true)
	if r.closer != nil {
		r.closer.Close()
	}
}

// Done is closed when the reader goroutine has exited. Connection does not
// expose it or wait on it.
func (r *receiver) Done() <-chan struct{} { return r.done }
