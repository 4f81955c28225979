package pluginrpc

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// Responder is the capability a Handler uses to emit intermediate results
// and progress while it is running. It exposes only the two operations a
// handler needs, rather than a back-pointer to the whole Connection, to
// avoid the cyclic handler-to-connection reference that pattern invites.
type Responder interface {
	// SendIntermediateResult emits a non-terminal IntermediateResultResponse
	// carrying payload, marshaled as JSON.
	SendIntermediateResult(ctx context.Context, payload any) error
	// SendProgress emits a non-terminal ProgressResponse. If the requester
	// registered the request with keepAlive, this resets its timeout timer.
	SendProgress(ctx context.Context) error
}

// Handler services one inbound Request. It returns the value to marshal
// into the SuccessResponse payload, or an error to report as an
// ErrorResponse fault. A Handler must not retain responder past return.
type Handler func(ctx context.Context, payload json.RawMessage, responder Responder) (any, error)

// Registry is the immutable Method -> Handler mapping fixed at Connection
// construction. MethodHandshake is always serviced by the
// built-in handler; a caller-supplied handler under that name is ignored.
type Registry map[string]Handler

// clone returns an independent copy so the Connection's registry cannot be
// mutated through the caller's original map after construction.
func (r Registry) clone() Registry {
	out := make(Registry, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

type responder struct {
	conn      *Connection
	method    string
	requestID uuid.UUID
}

func (r *responder) SendIntermediateResult(ctx context.Context, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return r.conn.sender.Send(Message{
		Header: Header{
			MessageType: MessageTypeIntermediateResultResponse,
			Method:      r.method,
			RequestId:   r.requestID,
		},
		Payload: raw,
	})
}

func (r *responder) SendProgress(ctx context.Context) error {
	return r.conn.sender.Send(Message{
		Header: Header{
			MessageType: MessageTypeProgressResponse,
			Method:      r.method,
			RequestId:   r.requestID,
		},
	})
}
