package mcptools

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/drosthq/drost/internal/bus"
	"github.com/drosthq/drost/internal/tools"
	"github.com/drosthq/drost/pkg/protocol"
)

const watchDebounce = 200 * time.Millisecond

// Watcher marks the tool registry stale when the tools config directory
// changes on disk. There is no hot swap: the stale flag surfaces in status
// and operators restart the gateway to pick up edited manifests.
type Watcher struct {
	dir      string
	registry *tools.Registry
	events   bus.EventPublisher
	fs       *fsnotify.Watcher
	stop     chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	debounce *time.Timer
}

// NewWatcher creates a watcher for dir. Start must be called to begin
// receiving events.
func NewWatcher(dir string, registry *tools.Registry, events bus.EventPublisher) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		dir:      dir,
		registry: registry,
		events:   events,
		fs:       fs,
		stop:     make(chan struct{}),
	}, nil
}

// Start adds the directory to the watch set and begins processing events.
func (w *Watcher) Start() error {
	if err := w.fs.Add(w.dir); err != nil {
		_ = w.fs.Close()
		return err
	}
	go w.run()
	return nil
}

// Stop ends the watch. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		w.mu.Lock()
		if w.debounce != nil {
			w.debounce.Stop()
		}
		w.mu.Unlock()
		_ = w.fs.Close()
	})
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.schedule(ev.Name)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			slog.Warn("tools.watch.error", "error", err)
		}
	}
}

// schedule coalesces bursts of filesystem events into one stale marking.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(watchDebounce, func() { w.fire(path) })
}

func (w *Watcher) fire(path string) {
	if w.registry.Stale() {
		return
	}
	w.registry.MarkStale()
	slog.Warn("tools.config.changed", "path", path, "action", "restart the gateway to reload tools")
	if w.events != nil {
		w.events.Broadcast(bus.Event{
			Name:    protocol.EventToolsStale,
			Payload: map[string]interface{}{"path": path},
		})
	}
}
