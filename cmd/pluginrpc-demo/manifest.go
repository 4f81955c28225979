package main

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// manifestEntry declares one method a future plugin connection should
// advertise support for; see gopls/internal/filewatcher.Watcher for the
// fsnotify-batching pattern this reapplies.
type manifestEntry struct {
	Method string `json:"Method"`
}

// watchManifests watches dir for *.json manifest files and invokes onChange
// with the current method list whenever one is added, written, or removed.
// The registry used by an already-open Connection is immutable by design;
// this only affects which methods the *next* connection advertises during
// handshake.
func watchManifests(dir string, logger *slog.Logger, onChange func(methods []string)) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Ext(event.Name) != ".json" {
					continue
				}
				logger.Info("pluginrpc-demo: manifest directory changed", "event", event.Op.String(), "file", event.Name)
				methods, err := readManifests(dir)
				if err != nil {
					logger.Error("pluginrpc-demo: reading manifests failed", "error", err)
					continue
				}
				onChange(methods)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error("pluginrpc-demo: manifest watch error", "error", err)
			}
		}
	}()

	return watcher, nil
}

func readManifests(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var methods []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		var m manifestEntry
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		if m.Method != "" {
			methods = append(methods, m.Method)
		}
	}
	return methods, nil
}
