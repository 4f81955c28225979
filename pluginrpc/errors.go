package pluginrpc

import (
	"errors"
	"fmt"
)

// Sentinel errors for the connection's closed taxonomy. Use errors.Is to
// classify an error returned from a public operation.
var (
	// ErrTruncatedFrame is returned by a Framer when end-of-stream occurs
	// between the header and payload of a message.
	ErrTruncatedFrame = errors.New("pluginrpc: truncated frame")

	// ErrMalformedHeader is returned by a Framer when a header cannot be
	// decoded, or names an unknown MessageType.
	ErrMalformedHeader = errors.New("pluginrpc: malformed header")

	// ErrUnknownMessageType is attached to the fault the Connection reports
	// when a MessageReader hands it a message whose MessageType is outside
	// the closed set. The built-in framers reject such a header earlier,
	// with ErrMalformedHeader.
	ErrUnknownMessageType = errors.New("pluginrpc: unknown message type")

	// ErrUnknownMethod is the fault carried back to a requester when the
	// peer has no handler registered for the requested method.
	ErrUnknownMethod = errors.New("pluginrpc: unknown method")

	// ErrOrphanResponse marks a terminal response that arrived for a
	// RequestId the local Connection never sent. Non-terminal responses for
	// an unknown RequestId are dropped without it.
	ErrOrphanResponse = errors.New("pluginrpc: orphan response")

	// ErrRequestTimeout is the resolution reason when a request's timer
	// fires before a terminal response arrives.
	ErrRequestTimeout = errors.New("pluginrpc: request timeout")

	// ErrRequestCancelled is the resolution reason when the caller's
	// context is done before a terminal response arrives.
	ErrRequestCancelled = errors.New("pluginrpc: request cancelled")

	// ErrConnectionClosed is the resolution reason applied to every
	// outstanding outbound request when the connection closes.
	ErrConnectionClosed = errors.New("pluginrpc: connection closed")

	// ErrHandshakeFailed is returned from Connect when either handshake
	// direction fails to complete.
	ErrHandshakeFailed = errors.New("pluginrpc: handshake failed")

	// ErrClosedForSend is returned by Send after the Sender's queue has
	// been marked complete.
	ErrClosedForSend = errors.New("pluginrpc: send on closed queue")

	// ErrAlreadyConnected is returned by Connect (or Sender.Connect) when
	// called more than once.
	ErrAlreadyConnected = errors.New("pluginrpc: already connected")

	// ErrNotConnected is returned by SendRequest when the Connection has
	// not completed its handshake, or has begun closing.
	ErrNotConnected = errors.New("pluginrpc: not connected")
)

// ProtocolError wraps a fault reported by the remote peer in an
// ErrorResponse frame. Method and RequestId identify the call that failed;
// Message is the peer-supplied fault text.
type ProtocolError struct {
	Method    string
	RequestId string
	Message   string
	Reason    error // classifies the fault, e.g. ErrUnknownMethod; may be nil
}

func (e *ProtocolError) Error() string {
	if e.Method != "" {
		return fmt.Sprintf("pluginrpc: %s: %s", e.Method, e.Message)
	}
	return fmt.Sprintf("pluginrpc: %s", e.Message)
}

func (e *ProtocolError) Unwrap() error { return e.Reason }
