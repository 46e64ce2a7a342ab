package server

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 100 * time.Millisecond

// StateWatcher broadcasts a state_changed event whenever the state document
// is rewritten on disk, so dashboards pick up mutations made by other
// processes (a second CLI invocation, a manual edit).
type StateWatcher struct {
	hub       *Hub
	statePath string
	logger    *slog.Logger
}

// NewStateWatcher creates a watcher for the state document at statePath.
// logger may be nil.
func NewStateWatcher(hub *Hub, statePath string, logger *slog.Logger) *StateWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateWatcher{hub: hub, statePath: statePath, logger: logger}
}

// Run watches until the context is done. The store writes via
// temp-write-rename, so the parent directory is watched and events are
// filtered by name; rapid bursts collapse into one broadcast.
func (w *StateWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.statePath)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	var debounce *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.statePath) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			evt, err := NewEvent(MsgStateChanged, map[string]string{"path": w.statePath})
			if err != nil {
				w.logger.Warn("building state_changed event", "error", err)
				continue
			}
			w.hub.Broadcast(evt)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("state watcher error", "error", err)
		}
	}
}
