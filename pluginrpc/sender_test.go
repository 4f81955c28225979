package pluginrpc

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	mu      sync.Mutex
	written []Message
	failAt  int
	failErr error
}

func (w *recordingWriter) Write(_ context.Context, msg Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failErr != nil && len(w.written) == w.failAt {
		return w.failErr
	}
	w.written = append(w.written, msg)
	return nil
}

func (w *recordingWriter) snapshot() []Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Message(nil), w.written...)
}

func TestSender_SendOrderPreserved(t *testing.T) {
	w := &recordingWriter{}
	s := newSender(w, nil, slog.Default(), NoopTracer)
	require.NoError(t, s.Connect())

	ids := make([]uuid.UUID, 10)
	for i := range ids {
		ids[i] = uuid.New()
		require.NoError(t, s.Send(newCancelMessage(ids[i])))
	}
	require.NoError(t, s.Close())
	written := w.snapshot()
	assert.Len(t, written, 10)
	var got []uuid.UUID
	for _, msg := range written {
		got = append(got, msg.Header.RequestId)
	}
	assert.Equal(t, ids, got)
}

func TestSender_DoubleConnect(t *testing.T) {
	s := newSender(&recordingWriter{}, nil, slog.Default(), NoopTracer)
	require.NoError(t, s.Connect())
	defer s.Close()
	assert.ErrorIs(t, s.Connect(), ErrAlreadyConnected)
}

func TestSender_SendAfterCloseFails(t *testing.T) {
	s := newSender(&recordingWriter{}, nil, slog.Default(), NoopTracer)
	require.NoError(t, s.Connect())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Send(newCloseMessage()), ErrClosedForSend)
}

func TestSender_WriteFaultInvokesOnFault(t *testing.T) {
	boom := errors.New("boom")
	w := &recordingWriter{failAt: 0, failErr: boom}
	s := newSender(w, nil, slog.Default(), NoopTracer)

	faulted := make(chan error, 1)
	s.onFault = func(err error) { faulted <- err }
	require.NoError(t, s.Connect())
	require.NoError(t, s.Send(newCloseMessage()))

	select {
	case err := <-faulted:
		assert.ErrorIs(t, err, boom)
	case <-time.After(time.Second):
		t.Fatal("onFault was never invoked")
	}
}

