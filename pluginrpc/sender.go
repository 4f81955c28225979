package pluginrpc

import (
	"context"
	"io"
	"log/slog"
	"sync"
)

// sender owns the write half of the duplex stream. A single writer
// goroutine drains an unbounded FIFO of outgoing messages, so that Send
// never blocks its caller on I/O and messages enqueued in order are emitted
// in order without interleaving.
type sender struct {
	writer MessageWriter
	closer io.Closer // optional: closed once the queue is drained
	logger *slog.Logger
	tracer Tracer

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Message
	closed  bool
	started bool

	done    chan struct{}
	err     error
	onFault func(error)
}

func newSender(w MessageWriter, closer io.Closer, logger *slog.Logger, tracer Tracer) *sender {
	s := &sender{
		writer: w,
		closer: closer,
		logger: logger,
		tracer: tracer,
		done:   make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Connect starts the writer goroutine. It is idempotent failure: a second
// call returns ErrAlreadyConnected.
func (s *sender) Connect() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.started = true
	s.mu.Unlock()
	go s.run()
	return nil
}

// Send enqueues msg. It never blocks on I/O; it returns ErrClosedForSend if
// Close has already been called.
func (s *sender) Send(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosedForSend
	}
	s.queue = append(s.queue, msg)
	s.cond.Signal()
	return nil
}

// Close marks the queue complete and blocks until the writer goroutine has
// drained it and exited.
func (s *sender) Close() error {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	<-s.done
	return s.err
}

func (s *sender) run() {
	ctx := context.Background()
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		pending := s.queue
		s.queue = nil
		done := s.closed && len(pending) == 0
		s.mu.Unlock()

		for _, msg := range pending {
			if err := s.writer.Write(ctx, msg); err != nil {
				s.err = err
				s.logger.Error("pluginrpc: write failed", "error", err)
				s.tracer.Event(ctx, "sender.fault", slog.Any("error", err))
				if s.onFault != nil {
					s.onFault(err)
				}
				if s.closer != nil {
					s.closer.Close()
				}
				return
			}
			s.tracer.Event(ctx, "sender.wrote", slog.String("message_type", string(msg.Header.MessageType)))
		}
		if done {
			if s.closer != nil {
				s.closer.Close()
			}
			return
		}
	}
}
