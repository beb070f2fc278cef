// Package watch reports debounced changes to source files and directories.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// EventType represents the type of file system event.
type EventType string

// Watch event types.
const (
	EventCreate EventType = "create"
	EventWrite  EventType = "write"
	EventRemove EventType = "remove"
	EventRename EventType = "rename"
)

// Event represents a settled change to a watched path.
type Event struct {
	Path      string
	Type      EventType
	Timestamp time.Time
}

// Config holds configuration for the file watcher.
type Config struct {
	DebounceDuration time.Duration
	BufferSize       int
	// Filter, when set, drops events for paths it rejects.
	Filter func(path string) bool
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		DebounceDuration: 2 * time.Second,
		BufferSize:       100,
	}
}

// Watcher monitors files and directories for changes. Bursts of writes to
// the same path are collapsed into one event once the path has been quiet
// for the debounce duration.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	config    Config
	events    chan Event
	errors    chan error

	// files holds watched file paths; their parent directories are watched
	// and events for siblings are dropped.
	files map[string]bool
	dirs  map[string]bool

	pending   map[string]pendingEvent
	pendingMu sync.Mutex

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	closed  bool
	mu      sync.Mutex
}

type pendingEvent struct {
	eventType EventType
	timestamp time.Time
}

// NewWatcher creates a new file watcher with the given configuration.
func NewWatcher(cfg Config) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 100
	}
	if cfg.DebounceDuration <= 0 {
		cfg.DebounceDuration = 100 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Watcher{
		fsWatcher: fsWatcher,
		config:    cfg,
		events:    make(chan Event, cfg.BufferSize),
		errors:    make(chan error, cfg.BufferSize),
		files:     make(map[string]bool),
		dirs:      make(map[string]bool),
		pending:   make(map[string]pendingEvent),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Watch starts watching the given paths. A directory is watched as a whole;
// a file is watched through its parent directory so that editors replacing
// it by rename are still seen. Paths that do not exist are skipped.
func (w *Watcher) Watch(paths ...string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}

	added := 0
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		info, err := os.Stat(abs)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return err
		}

		dir := abs
		if !info.IsDir() {
			dir = filepath.Dir(abs)
			w.files[abs] = true
		} else {
			w.dirs[abs] = true
		}
		if err := w.fsWatcher.Add(dir); err != nil {
			return err
		}
		added++
	}

	if added == 0 || w.started {
		return nil
	}

	w.started = true
	w.wg.Add(2)
	go w.processEvents()
	go w.debounceProcessor()

	return nil
}

// Events returns the channel for receiving watch events.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Errors returns the channel for receiving watcher errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Close stops the watcher and releases resources.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	w.cancel()
	err := w.fsWatcher.Close()
	w.wg.Wait()

	close(w.events)
	close(w.errors)

	return err
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !w.interested(event.Name) {
				continue
			}

			eventType := convertEventType(event.Op)
			if eventType == "" {
				continue
			}

			w.pendingMu.Lock()
			w.pending[event.Name] = pendingEvent{
				eventType: eventType,
				timestamp: time.Now(),
			}
			w.pendingMu.Unlock()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			default:
			}
		}
	}
}

// interested reports whether path is a watched file or lies in a watched
// directory, and passes the configured filter.
func (w *Watcher) interested(path string) bool {
	w.mu.Lock()
	ok := w.files[path] || w.dirs[filepath.Dir(path)]
	w.mu.Unlock()
	if !ok {
		return false
	}
	return w.config.Filter == nil || w.config.Filter(path)
}

func (w *Watcher) debounceProcessor() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.DebounceDuration / 2)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return

		case <-ticker.C:
			w.emitStableEvents()
		}
	}
}

func (w *Watcher) emitStableEvents() {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	now := time.Now()
	for path, pending := range w.pending {
		if now.Sub(pending.timestamp) < w.config.DebounceDuration {
			continue
		}
		delete(w.pending, path)

		select {
		case w.events <- Event{Path: path, Type: pending.eventType, Timestamp: pending.timestamp}:
		default:
			// Drop event if channel is full
		}
	}
}

// convertEventType converts fsnotify event operation to EventType.
func convertEventType(op fsnotify.Op) EventType {
	switch {
	case op&fsnotify.Create == fsnotify.Create:
		return EventCreate
	case op&fsnotify.Write == fsnotify.Write:
		return EventWrite
	case op&fsnotify.Remove == fsnotify.Remove:
		return EventRemove
	case op&fsnotify.Rename == fsnotify.Rename:
		return EventRename
	default:
		return ""
	}
}

// HasExtension returns a Filter accepting paths with one of the extensions.
func HasExtension(exts ...string) func(string) bool {
	return func(path string) bool {
		ext := filepath.Ext(path)
		for _, e := range exts {
			if strings.EqualFold(ext, e) {
				return true
			}
		}
		return false
	}
}
