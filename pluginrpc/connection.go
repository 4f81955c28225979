// Package pluginrpc implements a bidirectional, peer-to-peer RPC runtime
// over a duplex byte stream — typically the stdin/stdout pipe of a spawned
// child plugin process. Two endpoints exchange framed JSON messages to
// request work of each other, stream progress and partial results, cancel
// in-flight work, and terminate gracefully.
package pluginrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ConnectionState is a point in a Connection's lifecycle. Transitions are
// monotonic: no state is re-entered.
type ConnectionState int32

const (
	StateReadyToConnect ConnectionState = iota
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateReadyToConnect:
		return "ReadyToConnect"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Connection is the orchestrator binding a Sender, Receiver, and Request
// Table into a bidirectional RPC channel. It is safe for concurrent use by
// multiple goroutines.
type Connection struct {
	sender   *sender
	receiver *receiver
	table    *requestTable
	handlers Registry

	logger *slog.Logger
	tracer Tracer
	sem    *semaphore.Weighted

	protocolVersion    int
	minProtocolVersion int
	peerMethods        atomic.Pointer[[]string]

	state atomic.Int32

	remoteHandshakeReceived chan struct{}
	handshakeLatchOnce      sync.Once

	closeCh   chan struct{}
	closeOnce sync.Once

	inboundMu     sync.Mutex
	inboundCancel map[uuid.UUID]context.CancelFunc
}

// closerFunc adapts a plain function to io.Closer, for streams that are
// only ever half-closed (e.g. a write-only pipe) via a caller-supplied hook.
type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Stream is the duplex transport an embedder supplies: a reader bound to
// the peer's output and a writer bound to the peer's input. The canonical
// embedding wires these to a spawned child process's stdout and stdin.
// ReaderCloser and WriterCloser are optional hooks; when present, they let
// Close unblock a pending read and guarantee the write half is released
// once drained.
type Stream struct {
	Reader io.Reader
	Writer io.Writer
	// ReaderCloser, if set, is closed by Connection.Close to unblock a
	// pending Read on Reader.
	ReaderCloser func() error
	// WriterCloser, if set, is closed once the Sender has drained its
	// queue.
	WriterCloser func() error
}

// NewConnection constructs a Connection over stream with the given handler
// registry. The registry is copied; MethodHandshake is always serviced by
// the built-in handshake handler regardless of what handlers supplies.
// Connect must be called before the connection does any work.
func NewConnection(stream Stream, handlers Registry, opts ...Option) *Connection {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	c := &Connection{
		table:                   newRequestTable(),
		handlers:                handlers.clone(),
		logger:                  o.logger,
		tracer:                  o.tracer,
		protocolVersion:         o.protocolVersion,
		minProtocolVersion:      o.minProtocolVersion,
		remoteHandshakeReceived: make(chan struct{}),
		closeCh:                 make(chan struct{}),
		inboundCancel:           make(map[uuid.UUID]context.CancelFunc),
	}
	if o.handlerConcurrency > 0 {
		c.sem = semaphore.NewWeighted(o.handlerConcurrency)
	}
	c.handlers[MethodHandshake] = c.handshakeHandler

	var readerCloser io.Closer
	if stream.ReaderCloser != nil {
		readerCloser = closerFunc(stream.ReaderCloser)
	}
	var writerCloser io.Closer
	if stream.WriterCloser != nil {
		writerCloser = closerFunc(stream.WriterCloser)
	}

	c.receiver = newReceiver(o.framer.NewReader(stream.Reader), readerCloser, o.logger, o.tracer)
	c.receiver.onMessage = c.dispatch
	c.receiver.onFault = c.onReceiverFault

	c.sender = newSender(o.framer.NewWriter(stream.Writer), writerCloser, o.logger, o.tracer)
	c.sender.onFault = c.onSenderFault

	return c
}

func (c *Connection) State() ConnectionState { return ConnectionState(c.state.Load()) }

// Connect performs the mandatory handshake: it starts the Sender and
// Receiver, concurrently sends a Handshake request and waits for the
// peer's own Handshake request to be serviced by the built-in handler, and
// only returns once both have completed. It fails with ErrHandshakeFailed
// if either direction errors first.
func (c *Connection) Connect(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateReadyToConnect), int32(StateConnecting)) {
		return ErrAlreadyConnected
	}
	c.receiver.Connect(context.WithoutCancel(ctx))
	if err := c.sender.Connect(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := SendRequest[HandshakeResponse](gctx, c, MethodHandshake, HandshakeRequest{
			ProtocolVersion:    c.protocolVersion,
			MinProtocolVersion: c.minProtocolVersion,
			Methods:            c.localMethods(),
		})
		return err
	})
	g.Go(func() error {
		select {
		case <-c.remoteHandshakeReceived:
			return nil
		case <-gctx.Done():
			return gctx.Err()
		}
	})
	if err := g.Wait(); err != nil {
		c.state.Store(int32(StateClosed))
		close(c.closeCh)
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	c.state.Store(int32(StateConnected))
	c.tracer.Event(ctx, "connection.connected")
	return nil
}

func (c *Connection) localMethods() []string {
	methods := make([]string, 0, len(c.handlers))
	for m := range c.handlers {
		if m != MethodHandshake {
			methods = append(methods, m)
		}
	}
	return methods
}

// handshakeHandler is the built-in Handshake handler. It is always bound
// under MethodHandshake, overriding any caller-supplied entry. On
// completion it signals the one-shot remoteHandshakeReceived latch.
func (c *Connection) handshakeHandler(_ context.Context, payload json.RawMessage, _ Responder) (any, error) {
	var req HandshakeRequest
	_ = json.Unmarshal(payload, &req)
	methods := append([]string(nil), req.Methods...)
	c.peerMethods.Store(&methods)
	c.handshakeLatchOnce.Do(func() { close(c.remoteHandshakeReceived) })
	return HandshakeResponse{ProtocolVersion: c.protocolVersion, Accepted: true}, nil
}

// dispatch is the Receiver's onMessage callback: it must return promptly so
// the reader is never stalled, offloading all handler work to goroutines.
func (c *Connection) dispatch(msg Message) {
	ctx := context.Background()
	switch msg.Header.MessageType {
	case MessageTypeRequest:
		c.dispatchRequest(ctx, msg)
	case MessageTypeSuccessResponse:
		c.dispatchTerminal(ctx, msg, nil)
	case MessageTypeErrorResponse:
		c.dispatchTerminal(ctx, msg, decodeErrorPayload(msg))
	case MessageTypeIntermediateResultResponse:
		c.dispatchIntermediate(msg)
	case MessageTypeProgressResponse:
		c.dispatchProgress(ctx, msg)
	case MessageTypeCancel:
		c.dispatchCancel(msg)
	case MessageTypeClose:
		c.tracer.Event(ctx, "connection.close_received")
		go c.Close(context.Background())
	default:
		err := fmt.Errorf("%w: %q", ErrUnknownMessageType, msg.Header.MessageType)
		c.logger.Error("pluginrpc: unknown message type on wire", "error", err)
		c.tracer.Event(ctx, "connection.fault", slog.String("reason", "unknown_message_type"), slog.Any("error", err))
	}
}

func decodeErrorPayload(msg Message) error {
	var p errorPayload
	_ = json.Unmarshal(msg.Payload, &p)
	if p.Message == "" {
		p.Message = "unspecified error"
	}
	return &ProtocolError{Method: msg.Header.Method, RequestId: msg.Header.RequestId.String(), Message: p.Message, Reason: reasonToError(p.Reason)}
}

func (c *Connection) dispatchRequest(ctx context.Context, msg Message) {
	method := msg.Header.Method
	handler, ok := c.handlers[method]
	if !ok {
		c.tracer.Event(ctx, "connection.unknown_method", slog.String("method", method))
		_ = c.sender.Send(newErrorResponse(msg.Header.RequestId, method, fmt.Errorf("unknown method: %q: %w", method, ErrUnknownMethod)))
		return
	}

	reqCtx, cancel := context.WithCancel(ctx)
	id := msg.Header.RequestId
	c.setInboundCancel(id, cancel)

	run := func() {
		defer cancel()
		defer c.clearInboundCancel(id)
		if c.sem != nil {
			if err := c.sem.Acquire(reqCtx, 1); err != nil {
				_ = c.sender.Send(newErrorResponse(id, method, err))
				return
			}
			defer c.sem.Release(1)
		}
		resp := &responder{conn: c, method: method, requestID: id}
		result, err := handler(reqCtx, msg.Payload, resp)
		if err != nil {
			_ = c.sender.Send(newErrorResponse(id, method, err))
			return
		}
		success, err := newSuccessResponse(id, method, result)
		if err != nil {
			_ = c.sender.Send(newErrorResponse(id, method, err))
			return
		}
		_ = c.sender.Send(success)
	}
	go run()
}

func (c *Connection) dispatchTerminal(ctx context.Context, msg Message, faultErr error) {
	id := msg.Header.RequestId
	entry, ok := c.table.remove(id)
	if !ok {
		if !c.table.wasResolved(id) {
			c.logger.Error("pluginrpc: orphan response", "request_id", id, "error", ErrOrphanResponse)
			c.tracer.Event(ctx, "connection.orphan_response", slog.String("request_id", id.String()), slog.Any("error", ErrOrphanResponse))
		} else {
			c.logger.Debug("pluginrpc: late response for resolved request dropped", "request_id", id)
		}
		return
	}
	entry.settle(msg.Payload, faultErr)
}

func (c *Connection) dispatchIntermediate(msg Message) {
	entry, ok := c.table.lookup(msg.Header.RequestId)
	if !ok || entry.onIntermediate == nil {
		return
	}
	entry.onIntermediate(msg.Payload)
}

func (c *Connection) dispatchProgress(ctx context.Context, msg Message) {
	entry, ok := c.table.lookup(msg.Header.RequestId)
	if !ok {
		return
	}
	if entry.keepAlive && entry.timer != nil {
		entry.timer.Reset(entry.timeout)
		c.tracer.Event(ctx, "connection.keepalive_reset", slog.String("request_id", msg.Header.RequestId.String()))
	}
}

func (c *Connection) dispatchCancel(msg Message) {
	c.inboundMu.Lock()
	cancel, ok := c.inboundCancel[msg.Header.RequestId]
	c.inboundMu.Unlock()
	if ok {
		cancel()
	}
}

func (c *Connection) setInboundCancel(id uuid.UUID, cancel context.CancelFunc) {
	c.inboundMu.Lock()
	c.inboundCancel[id] = cancel
	c.inboundMu.Unlock()
}

func (c *Connection) clearInboundCancel(id uuid.UUID) {
	c.inboundMu.Lock()
	delete(c.inboundCancel, id)
	c.inboundMu.Unlock()
}

func (c *Connection) onSenderFault(err error) {
	c.logger.Error("pluginrpc: sender fault", "error", err)
	c.beginClosing()
}

func (c *Connection) onReceiverFault(err error, _ *Message) {
	c.logger.Error("pluginrpc: receiver fault", "error", err)
	c.beginClosing()
}

// beginClosing transitions toward Closing on a transport fault, from
// whatever state the connection is currently in, then asynchronously
// completes the close sequence.
func (c *Connection) beginClosing() {
	for {
		s := ConnectionState(c.state.Load())
		if s == StateClosing || s == StateClosed {
			return
		}
		if c.state.CompareAndSwap(int32(s), int32(StateClosing)) {
			go c.Close(context.Background())
			return
		}
	}
}

// cancelOutbound removes entry from the table (if still present), settles
// it with reason, and sends a single Cancel frame to the peer. The entry
// removal happens-before the settle so that a success/error racing in
// concurrently is guaranteed to observe "already removed" and be dropped,
// never double-resolving the waiter.
func (c *Connection) cancelOutbound(entry *outboundRequest, reason error) {
	if _, ok := c.table.remove(entry.id); !ok {
		return
	}
	entry.settle(nil, reason)
	entry.cancelSendOnce.Do(func() {
		_ = c.sender.Send(newCancelMessage(entry.id))
	})
}

// SendRequest sends a request of the given method and waits for its
// terminal response, decoding the SuccessResponse payload as T. It is a
// free function, not a method, because Go methods cannot carry their own
// type parameters.
func SendRequest[T any](ctx context.Context, c *Connection, method string, payload any, opts ...RequestOption) (T, error) {
	var zero T

	state := c.State()
	if method != MethodHandshake && state != StateConnected {
		return zero, ErrNotConnected
	}

	cfg := requestConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	id := uuid.New()
	reqCtx, cancel := context.WithCancel(ctx)
	entry := newOutboundRequest(id, cancel)
	entry.keepAlive = cfg.keepAlive
	entry.timeout = cfg.timeout
	if cfg.onIntermediate != nil {
		entry.onIntermediate = func(raw json.RawMessage) { cfg.onIntermediate(raw) }
	}

	c.table.insert(entry)
	if cfg.timeout > 0 {
		entry.timer = time.AfterFunc(cfg.timeout, func() {
			c.cancelOutbound(entry, ErrRequestTimeout)
		})
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		c.table.remove(id)
		cancel()
		return zero, fmt.Errorf("pluginrpc: marshaling %q params: %w", method, err)
	}
	msg := Message{Header: Header{MessageType: MessageTypeRequest, Method: method, RequestId: id}, Payload: raw}

	if err := c.sender.Send(msg); err != nil {
		c.table.remove(id)
		entry.settle(nil, err)
		cancel()
		return zero, err
	}

	select {
	case res := <-entry.done:
		cancel()
		if res.err != nil {
			return zero, res.err
		}
		if len(res.raw) > 0 {
			if err := json.Unmarshal(res.raw, &zero); err != nil {
				return zero, fmt.Errorf("pluginrpc: unmarshaling %q result: %w", method, err)
			}
		}
		return zero, nil
	case <-reqCtx.Done():
		c.cancelOutbound(entry, fmt.Errorf("%w: %v", ErrRequestCancelled, reqCtx.Err()))
		<-entry.done
		return zero, ErrRequestCancelled
	}
}

// SendClose enqueues a single Close directive to the peer.
func (c *Connection) SendClose(ctx context.Context) error {
	return c.sender.Send(newCloseMessage())
}

// Close idempotently tears the connection down: every outstanding outbound
// request resolves cancelled with ErrConnectionClosed, the Sender drains
// and closes, the Receiver is signalled to stop, and the state reaches
// Closed. A second call observes the first call's progress and returns
// once it completes, or once ctx is done, whichever is first.
func (c *Connection) Close(ctx context.Context) error {
	for {
		s := ConnectionState(c.state.Load())
		if s == StateClosed {
			return nil
		}
		if s == StateClosing {
			break
		}
		if c.state.CompareAndSwap(int32(s), int32(StateClosing)) {
			break
		}
	}

	go c.closeOnce.Do(func() {
		for _, entry := range c.table.drainAll() {
			entry.settle(nil, ErrConnectionClosed)
		}
		_ = c.sender.Close()
		c.receiver.Close()
		c.state.Store(int32(StateClosed))
		c.tracer.Event(context.Background(), "connection.closed")
		close(c.closeCh)
	})

	select {
	case <-c.closeCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the connection reaches Closed, or ctx is done.
func (c *Connection) Wait(ctx context.Context) error {
	select {
	case <-c.closeCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
