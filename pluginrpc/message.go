package pluginrpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// MessageType is the closed set of frame kinds that can appear on the wire.
// It is rendered as a string in JSON.
type MessageType string

const (
	MessageTypeRequest                     MessageType = "Request"
	MessageTypeSuccessResponse             MessageType = "SuccessResponse"
	MessageTypeErrorResponse               MessageType = "ErrorResponse"
	MessageTypeIntermediateResultResponse  MessageType = "IntermediateResultResponse"
	MessageTypeProgressResponse            MessageType = "ProgressResponse"
	MessageTypeCancel                      MessageType = "Cancel"
	MessageTypeClose                       MessageType = "Close"
)

func (t MessageType) valid() bool {
	switch t {
	case MessageTypeRequest, MessageTypeSuccessResponse, MessageTypeErrorResponse,
		MessageTypeIntermediateResultResponse, MessageTypeProgressResponse,
		MessageTypeCancel, MessageTypeClose:
		return true
	default:
		return false
	}
}

// Header carries the framing metadata of a Message. Field names are
// PascalCase on the wire; unknown fields are ignored on decode and missing
// optional fields take their zero value.
type Header struct {
	MessageType MessageType `json:"MessageType"`
	Method      string      `json:"Method,omitempty"`
	RequestId   uuid.UUID   `json:"RequestId,omitempty"`
	// ContentLength is carried through the wire header unchanged by both
	// framers; neither framer sets it or uses it for framing.
	ContentLength int64 `json:"ContentLength,omitempty"`
}

// Message is an immutable (Header, Payload) pair. Payload is carried
// opaquely; handlers and callers are responsible for its shape.
type Message struct {
	Header  Header
	Payload json.RawMessage
}

func newErrorResponse(requestID uuid.UUID, method string, err error) Message {
	payload, _ := json.Marshal(errorPayload{Message: err.Error(), Reason: classifyReason(err)})
	return Message{
		Header: Header{
			MessageType: MessageTypeErrorResponse,
			Method:      method,
			RequestId:   requestID,
		},
		Payload: payload,
	}
}

func newSuccessResponse(requestID uuid.UUID, method string, result any) (Message, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return Message{}, fmt.Errorf("pluginrpc: marshaling result for %q: %w", method, err)
	}
	return Message{
		Header: Header{
			MessageType: MessageTypeSuccessResponse,
			Method:      method,
			RequestId:   requestID,
		},
		Payload: payload,
	}, nil
}

func newCancelMessage(requestID uuid.UUID) Message {
	return Message{Header: Header{MessageType: MessageTypeCancel, RequestId: requestID}}
}

func newCloseMessage() Message {
	return Message{Header: Header{MessageType: MessageTypeClose}}
}

// errorPayload is the wire shape of an ErrorResponse's payload. Reason
// carries a discriminated fault code so the requester can classify the
// fault against the sentinel error taxonomy without parsing Message, which
// is free text and not a wire contract.
type errorPayload struct {
	Message string `json:"Message"`
	Reason  string `json:"Reason,omitempty"`
}

// reasonUnknownMethod is the wire Reason code for ErrUnknownMethod.
const reasonUnknownMethod = "unknown_method"

// classifyReason maps a fault to its wire Reason code, or "" if it has no
// entry in the closed taxonomy.
func classifyReason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownMethod):
		return reasonUnknownMethod
	default:
		return ""
	}
}

// reasonToError is classifyReason's inverse, used by the requester side to
// recover a sentinel from a peer's wire Reason code.
func reasonToError(reason string) error {
	switch reason {
	case reasonUnknownMethod:
		return ErrUnknownMethod
	default:
		return nil
	}
}

// HandshakeRequest is the payload of the mandatory Handshake request each
// endpoint sends immediately after Connect.
type HandshakeRequest struct {
	ProtocolVersion    int      `json:"ProtocolVersion"`
	MinProtocolVersion int      `json:"MinProtocolVersion"`
	Methods            []string `json:"Methods"`
}

// HandshakeResponse is returned by the built-in Handshake handler.
type HandshakeResponse struct {
	ProtocolVersion int  `json:"ProtocolVersion"`
	Accepted        bool `json:"Accepted"`
}

// MethodHandshake is the reserved method name for the handshake handler;
// registering a handler under this name has no effect, the built-in
// implementation always services it.
const MethodHandshake = "Handshake"
