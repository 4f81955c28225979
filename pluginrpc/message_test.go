package pluginrpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageType_valid(t *testing.T) {
	valid := []MessageType{
		MessageTypeRequest, MessageTypeSuccessResponse, MessageTypeErrorResponse,
		MessageTypeIntermediateResultResponse, MessageTypeProgressResponse,
		MessageTypeCancel, MessageTypeClose,
	}
	for _, mt := range valid {
		assert.True(t, mt.valid(), "%s should be valid", mt)
	}
	assert.False(t, MessageType("Bogus").valid())
	assert.False(t, MessageType("").valid())
}

func TestNewSuccessResponse(t *testing.T) {
	id := uuid.New()
	msg, err := newSuccessResponse(id, "Echo", map[string]string{"Text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, MessageTypeSuccessResponse, msg.Header.MessageType)
	assert.Equal(t, "Echo", msg.Header.Method)
	assert.Equal(t, id, msg.Header.RequestId)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(msg.Payload, &decoded))
	assert.Equal(t, "hi", decoded["Text"])
}

func TestNewSuccessResponse_UnmarshalableResult(t *testing.T) {
	_, err := newSuccessResponse(uuid.New(), "Echo", func() {})
	assert.Error(t, err)
}

func TestNewErrorResponse(t *testing.T) {
	id := uuid.New()
	msg := newErrorResponse(id, "Echo", errors.New("boom"))
	assert.Equal(t, MessageTypeErrorResponse, msg.Header.MessageType)
	assert.Equal(t, id, msg.Header.RequestId)

	var decoded errorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &decoded))
	assert.Equal(t, "boom", decoded.Message)
}

func TestNewErrorResponse_UnknownMethodCarriesReason(t *testing.T) {
	id := uuid.New()
	msg := newErrorResponse(id, "DoesNotExist", fmt.Errorf("unknown method: %q: %w", "DoesNotExist", ErrUnknownMethod))

	var decoded errorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &decoded))
	assert.Equal(t, reasonUnknownMethod, decoded.Reason)
	assert.Same(t, ErrUnknownMethod, reasonToError(decoded.Reason))
}

func TestClassifyReason_NoMatch(t *testing.T) {
	assert.Equal(t, "", classifyReason(errors.New("boom")))
	assert.Nil(t, reasonToError(""))
}

func TestNewCancelAndCloseMessages(t *testing.T) {
	id := uuid.New()
	cancel := newCancelMessage(id)
	assert.Equal(t, MessageTypeCancel, cancel.Header.MessageType)
	assert.Equal(t, id, cancel.Header.RequestId)

	closeMsg := newCloseMessage()
	assert.Equal(t, MessageTypeClose, closeMsg.Header.MessageType)
	assert.Equal(t, uuid.Nil, closeMsg.Header.RequestId)
}

func TestHeader_RoundTrip(t *testing.T) {
	id := uuid.New()
	h := Header{
		MessageType:   MessageTypeRequest,
		Method:        "Echo",
		RequestId:     id,
		ContentLength: 42,
	}
	data, err := json.Marshal(h)
	require.NoError(t, err)

	var decoded Header
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, h, decoded)
}
