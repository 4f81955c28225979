package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/go-pluginrpc/pluginrpc/pluginrpc"
)

var pluginCmd = &cobra.Command{
	Use:   "plugin",
	Short: "Run as the plugin (child process) end of a connection",
	RunE:  runPlugin,
}

func init() {
	rootCmd.AddCommand(pluginCmd)
}

func runPlugin(cmd *cobra.Command, args []string) error {
	handlers := pluginrpc.Registry{
		"Echo":  echoHandler,
		"Count": countHandler,
	}

	conn := pluginrpc.NewConnection(
		pluginrpc.Stream{Reader: os.Stdin, Writer: os.Stdout},
		handlers,
		pluginrpc.WithFramer(pluginrpc.LineFramer()),
		pluginrpc.WithHandlerConcurrency(8),
	)

	ctx := context.Background()
	if err := conn.Connect(ctx); err != nil {
		return fmt.Errorf("plugin handshake: %w", err)
	}
	return conn.Wait(ctx)
}

func echoHandler(_ context.Context, payload json.RawMessage, _ pluginrpc.Responder) (any, error) {
	var params EchoParams
	if err := json.Unmarshal(payload, &params); err != nil {
		return nil, fmt.Errorf("decoding Echo params: %w", err)
	}
	return EchoResult{Text: params.Text}, nil
}

func countHandler(ctx context.Context, payload json.RawMessage, resp pluginrpc.Responder) (any, error) {
	var params CountParams
	if err := json.Unmarshal(payload, &params); err != nil {
		return nil, fmt.Errorf("decoding Count params: %w", err)
	}
	for i := 1; i <= params.N; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
		if err := resp.SendIntermediateResult(ctx, map[string]int{"Count": i}); err != nil {
			return nil, err
		}
		if err := resp.SendProgress(ctx); err != nil {
			return nil, err
		}
	}
	return CountResult{Total: params.N}, nil
}
