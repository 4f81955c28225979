package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/go-pluginrpc/pluginrpc/internal/otelTracer"
	"github.com/go-pluginrpc/pluginrpc/pluginrpc"
)

var (
	hostManifestDir string
	hostCountTo     int
)

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Spawn the plugin child process and exercise the connection",
	RunE:  runHost,
}

func init() {
	hostCmd.Flags().StringVar(&hostManifestDir, "manifest-dir", "", "directory of *.json manifests to watch for handler registration")
	hostCmd.Flags().IntVar(&hostCountTo, "count-to", 5, "argument to the demo Count method")
	rootCmd.AddCommand(hostCmd)
}

// manifestHandler services any method registered purely from a manifest
// entry: it has no real behavior of its own, it exists to prove the method
// became callable once its manifest appeared.
func manifestHandler(method string) pluginrpc.Handler {
	return func(_ context.Context, _ json.RawMessage, _ pluginrpc.Responder) (any, error) {
		return map[string]string{"Method": method, "Source": "manifest"}, nil
	}
}

// buildManifestRegistry turns the current manifest method list into a
// Registry binding each one to manifestHandler. It is rebuilt, never
// mutated in place, because Registry is immutable once a Connection is
// constructed from it.
func buildManifestRegistry(methods []string) pluginrpc.Registry {
	registry := make(pluginrpc.Registry, len(methods))
	for _, m := range methods {
		registry[m] = manifestHandler(m)
	}
	return registry
}

func runHost(cmd *cobra.Command, args []string) error {
	logger := slog.Default()
	ctx := context.Background()

	shutdownTelemetry, err := setupTelemetry(ctx)
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer shutdownTelemetry(ctx)

	tracer, err := otelTracer.New("pluginrpc-demo")
	if err != nil {
		return fmt.Errorf("building tracer: %w", err)
	}

	registry := pluginrpc.Registry{}
	var watcher *fsnotify.Watcher
	var methodsCh chan []string

	if hostManifestDir != "" {
		methods, err := readManifests(hostManifestDir)
		if err != nil {
			return fmt.Errorf("reading initial manifests: %w", err)
		}
		registry = buildManifestRegistry(methods)

		methodsCh = make(chan []string, 1)
		watcher, err = watchManifests(hostManifestDir, logger, func(methods []string) {
			// keep only the most recent manifest snapshot pending; an older
			// one queued behind a slow connect cycle is stale by definition.
			select {
			case methodsCh <- methods:
			default:
				select {
				case <-methodsCh:
				default:
				}
				methodsCh <- methods
			}
		})
		if err != nil {
			return fmt.Errorf("watching manifest dir: %w", err)
		}
		defer watcher.Close()
	}

	for {
		if err := runHostConnection(ctx, logger, tracer, registry); err != nil {
			return err
		}
		if methodsCh == nil {
			return nil
		}
		select {
		case methods := <-methodsCh:
			logger.Info("pluginrpc-demo: manifest methods updated, reconnecting with new registry", "methods", methods)
			registry = buildManifestRegistry(methods)
		default:
			return nil
		}
	}
}

// runHostConnection spawns one plugin child process, runs the handshake and
// demo request exchange over it, and tears it down. registry is the set of
// methods this host exposes to the plugin for this connection only — the
// way a manifest-driven method list takes effect is by rebuilding registry
// and calling runHostConnection again, not by mutating a live Connection.
func runHostConnection(ctx context.Context, logger *slog.Logger, tracer pluginrpc.Tracer, registry pluginrpc.Registry) error {
	self, err := os.Executable()
	if err != nil {
		return err
	}
	child := exec.Command(self, "plugin")
	childIn, err := child.StdinPipe()
	if err != nil {
		return err
	}
	childOut, err := child.StdoutPipe()
	if err != nil {
		return err
	}
	child.Stderr = os.Stderr
	if err := child.Start(); err != nil {
		return fmt.Errorf("starting plugin process: %w", err)
	}
	defer child.Wait()

	conn := pluginrpc.NewConnection(
		pluginrpc.Stream{
			Reader:       childOut,
			Writer:       childIn,
			ReaderCloser: childOut.Close,
			WriterCloser: childIn.Close,
		},
		registry,
		pluginrpc.WithFramer(pluginrpc.LineFramer()),
		pluginrpc.WithTracer(tracer),
		pluginrpc.WithLogger(logger),
	)

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := conn.Connect(connectCtx); err != nil {
		return fmt.Errorf("handshake with plugin: %w", err)
	}
	defer conn.Close(context.Background())

	echoResult, err := pluginrpc.SendRequest[EchoResult](connectCtx, conn, "Echo", EchoParams{Text: "hello from host"})
	if err != nil {
		return fmt.Errorf("Echo request: %w", err)
	}
	fmt.Printf("Echo: %s\n", echoResult.Text)

	var progressSeen int
	countResult, err := pluginrpc.SendRequest[CountResult](connectCtx, conn, "Count", CountParams{N: hostCountTo},
		pluginrpc.WithTimeout(5*time.Second),
		pluginrpc.WithKeepAlive(),
		pluginrpc.WithIntermediateHandler(func(raw []byte) {
			var step struct{ Count int }
			_ = json.Unmarshal(raw, &step)
			progressSeen++
			fmt.Printf("Count progress: %d\n", step.Count)
		}),
	)
	if err != nil {
		return fmt.Errorf("Count request: %w", err)
	}
	fmt.Printf("Count total: %d (observed %d progress steps)\n", countResult.Total, progressSeen)

	return conn.SendClose(connectCtx)
}
