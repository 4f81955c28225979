package pluginrpc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pairedConnections wires two Connections together over an in-memory
// net.Pipe duplex, one playing the host and one the plugin side of an
// embedding.
func pairedConnections(t *testing.T, hostHandlers, pluginHandlers Registry, opts ...Option) (*Connection, *Connection) {
	t.Helper()
	hostIn, pluginOut := net.Pipe()
	pluginIn, hostOut := net.Pipe()

	host := NewConnection(Stream{Reader: hostIn, Writer: hostOut}, hostHandlers, opts...)
	plugin := NewConnection(Stream{Reader: pluginIn, Writer: pluginOut}, pluginHandlers, opts...)
	return host, plugin
}

func connectBoth(t *testing.T, host, plugin *Connection) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- host.Connect(ctx) }()
	go func() { errCh <- plugin.Connect(ctx) }()
	require.NoError(t, <-errCh)
	require.NoError(t, <-errCh)
}

func TestConnection_HandshakeHappyPath(t *testing.T) {
	host, plugin := pairedConnections(t, Registry{}, Registry{
		"Echo": func(_ context.Context, payload json.RawMessage, _ Responder) (any, error) {
			var p map[string]string
			_ = json.Unmarshal(payload, &p)
			return map[string]string{"Text": p["Text"]}, nil
		},
	})
	connectBoth(t, host, plugin)
	defer host.Close(context.Background())
	defer plugin.Close(context.Background())

	assert.Equal(t, StateConnected, host.State())
	assert.Equal(t, StateConnected, plugin.State())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := SendRequest[map[string]string](ctx, host, "Echo", map[string]string{"Text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", result["Text"])
}

func TestConnection_UnknownMethod(t *testing.T) {
	host, plugin := pairedConnections(t, Registry{}, Registry{})
	connectBoth(t, host, plugin)
	defer host.Close(context.Background())
	defer plugin.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := SendRequest[map[string]string](ctx, host, "DoesNotExist", map[string]string{})
	require.Error(t, err)
	var protoErr *ProtocolError
	require.True(t, errors.As(err, &protoErr))
	assert.ErrorIs(t, protoErr, ErrUnknownMethod)
}

func TestConnection_RequestTimeoutWithoutKeepAlive(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	host, plugin := pairedConnections(t, Registry{}, Registry{
		"Slow": func(ctx context.Context, _ json.RawMessage, _ Responder) (any, error) {
			select {
			case <-block:
			case <-ctx.Done():
			}
			return nil, ctx.Err()
		},
	})
	connectBoth(t, host, plugin)
	defer host.Close(context.Background())
	defer plugin.Close(context.Background())

	_, err := SendRequest[map[string]string](context.Background(), host, "Slow", map[string]string{},
		WithTimeout(50*time.Millisecond))
	assert.ErrorIs(t, err, ErrRequestTimeout)
}

func TestConnection_KeepAliveResetsTimeout(t *testing.T) {
	host, plugin := pairedConnections(t, Registry{}, Registry{
		"Ticker": func(ctx context.Context, _ json.RawMessage, resp Responder) (any, error) {
			for i := 0; i < 3; i++ {
				time.Sleep(30 * time.Millisecond)
				if err := resp.SendProgress(ctx); err != nil {
					return nil, err
				}
			}
			return map[string]string{"Done": "yes"}, nil
		},
	})
	connectBoth(t, host, plugin)
	defer host.Close(context.Background())
	defer plugin.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := SendRequest[map[string]string](ctx, host, "Ticker", map[string]string{},
		WithTimeout(50*time.Millisecond), WithKeepAlive())
	require.NoError(t, err, "progress keep-alives should repeatedly reset the timeout")
	assert.Equal(t, "yes", result["Done"])
}

func TestConnection_IntermediateResults(t *testing.T) {
	host, plugin := pairedConnections(t, Registry{}, Registry{
		"Count": func(ctx context.Context, _ json.RawMessage, resp Responder) (any, error) {
			for i := 1; i <= 3; i++ {
				if err := resp.SendIntermediateResult(ctx, map[string]int{"Count": i}); err != nil {
					return nil, err
				}
			}
			return map[string]int{"Total": 3}, nil
		},
	})
	connectBoth(t, host, plugin)
	defer host.Close(context.Background())
	defer plugin.Close(context.Background())

	var seen []int
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := SendRequest[map[string]int](ctx, host, "Count", map[string]string{},
		WithIntermediateHandler(func(raw []byte) {
			var step map[string]int
			_ = json.Unmarshal(raw, &step)
			seen = append(seen, step["Count"])
		}))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, seen)
	assert.Equal(t, 3, result["Total"])
}

func TestConnection_GracefulClose(t *testing.T) {
	host, plugin := pairedConnections(t, Registry{}, Registry{})
	connectBoth(t, host, plugin)

	require.NoError(t, host.Close(context.Background()))
	assert.Equal(t, StateClosed, host.State())

	// a second Close is a no-op, not an error
	require.NoError(t, host.Close(context.Background()))

	plugin.Close(context.Background())
}

func TestConnection_SendRequestBeforeConnect(t *testing.T) {
	host, _ := pairedConnections(t, Registry{}, Registry{})
	_, err := SendRequest[map[string]string](context.Background(), host, "Echo", map[string]string{})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConnection_DoubleConnect(t *testing.T) {
	host, plugin := pairedConnections(t, Registry{}, Registry{})
	connectBoth(t, host, plugin)
	defer host.Close(context.Background())
	defer plugin.Close(context.Background())

	err := host.Connect(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestConnection_OrphanResponse(t *testing.T) {
	host, plugin := pairedConnections(t, Registry{}, Registry{})
	connectBoth(t, host, plugin)
	defer host.Close(context.Background())
	defer plugin.Close(context.Background())

	// plugin sends a SuccessResponse for a RequestId host never issued.
	msg, err := newSuccessResponse(uuid.New(), "Nonexistent", map[string]string{"Text": "surprise"})
	require.NoError(t, err)
	require.NoError(t, plugin.sender.Send(msg))

	require.Eventually(t, func() bool {
		return host.State() == StateConnected
	}, time.Second, 10*time.Millisecond, "an orphan response must not disturb connection state")
}

func TestConnection_PeerInitiatedClose(t *testing.T) {
	host, plugin := pairedConnections(t, Registry{}, Registry{
		"Slow": func(ctx context.Context, _ json.RawMessage, _ Responder) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	connectBoth(t, host, plugin)
	defer plugin.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		_, err := SendRequest[map[string]string](ctx, host, "Slow", map[string]string{})
		errCh <- err
	}()

	// give the request time to be in flight before the peer closes.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, plugin.SendClose(context.Background()))

	require.ErrorIs(t, <-errCh, ErrConnectionClosed)
	require.Eventually(t, func() bool {
		return host.State() == StateClosed
	}, time.Second, 10*time.Millisecond, "a peer-sent Close must resolve all outstanding waiters and close the connection")
}

func TestConnectionState_String(t *testing.T) {
	cases := map[ConnectionState]string{
		StateReadyToConnect: "ReadyToConnect",
		StateConnecting:     "Connecting",
		StateConnected:      "Connected",
		StateClosing:        "Closing",
		StateClosed:         "Closed",
		ConnectionState(99): "Unknown",
	}
	for state, want := range cases {
		assert.Equal(t, want, state.String())
	}
}
