package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestWatcher(t *testing.T, filter func(string) bool) *Watcher {
	t.Helper()
	w, err := NewWatcher(Config{DebounceDuration: 50 * time.Millisecond, BufferSize: 10, Filter: filter})
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func waitEvent(t *testing.T, w *Watcher) Event {
	t.Helper()
	select {
	case event := <-w.Events():
		return event
	case err := <-w.Errors():
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return Event{}
}

func TestWatcher_Directory(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t, HasExtension(".csv"))
	if err := w.Watch(dir); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	// Filtered out
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "parcels.csv")
	if err := os.WriteFile(path, []byte("id\n1\n"), 0644); err != nil {
		t.Fatal(err)
	}

	event := waitEvent(t, w)
	if event.Path != path {
		t.Errorf("expected path %q, got %q", path, event.Path)
	}
	if event.Type != EventCreate && event.Type != EventWrite {
		t.Errorf("expected create or write event, got %q", event.Type)
	}
}

func TestWatcher_SingleFile(t *testing.T) {
	dir := t.TempDir()
	watched := filepath.Join(dir, "source.db")
	if err := os.WriteFile(watched, []byte("v1"), 0644); err != nil {
		t.Fatal(err)
	}

	w := newTestWatcher(t, nil)
	if err := w.Watch(watched); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	// A sibling in the same directory is ignored
	if err := os.WriteFile(filepath.Join(dir, "other.db"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	// Several writes collapse into one event
	for i := 0; i < 3; i++ {
		if err := os.WriteFile(watched, []byte("v2"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	event := waitEvent(t, w)
	if event.Path != watched {
		t.Errorf("expected path %q, got %q", watched, event.Path)
	}

	select {
	case extra := <-w.Events():
		t.Errorf("unexpected second event %+v", extra)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcher_MissingPathsAreSkipped(t *testing.T) {
	w := newTestWatcher(t, nil)
	if err := w.Watch(filepath.Join(t.TempDir(), "absent")); err != nil {
		t.Errorf("Watch() of a missing path error = %v", err)
	}
}

func TestWatcher_CloseIsIdempotent(t *testing.T) {
	w, err := NewWatcher(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("first Close() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if _, ok := <-w.Events(); ok {
		t.Error("events channel should be closed")
	}
}

func TestHasExtension(t *testing.T) {
	f := HasExtension(".csv", ".json")
	tests := map[string]bool{
		"a/parcels.csv":  true,
		"a/PARCELS.CSV":  true,
		"a/export.json":  true,
		"a/source.db":    false,
		"a/no-extension": false,
	}
	for path, want := range tests {
		if got := f(path); got != want {
			t.Errorf("HasExtension(%q) = %v, want %v", path, got, want)
		}
	}
}
