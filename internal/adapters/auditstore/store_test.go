package auditstore

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/terrafusion/syncservice/internal/adapters/database"
	"github.com/terrafusion/syncservice/internal/application/ports"
	"github.com/terrafusion/syncservice/internal/domain/audit"
	"github.com/terrafusion/syncservice/internal/domain/errors"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func event(id, jobID string, t audit.EventType, at time.Time) audit.Event {
	e := audit.NewEvent(t, audit.ComponentSync, jobID)
	e.EventID = id
	e.Timestamp = at
	e.TableName = "parcels"
	e.Data["count"] = float64(1)
	return e
}

func newDatabaseStore(t *testing.T) *DatabaseStore {
	t.Helper()
	ctx := context.Background()
	conn, err := database.Open(ctx, database.Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "audit.db")})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	s, err := NewDatabaseStore(ctx, conn, "")
	if err != nil {
		t.Fatalf("NewDatabaseStore() error = %v", err)
	}
	// Creating it again must be a no-op.
	if _, err := NewDatabaseStore(ctx, conn, ""); err != nil {
		t.Fatalf("second NewDatabaseStore() error = %v", err)
	}
	return s
}

func newFileStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(FileConfig{Directory: t.TempDir()})
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	return s
}

type prunableStore interface {
	ports.AuditStorePort
	ports.AuditPruner
}

// TestStores runs the shared contract against every store.
func TestStores(t *testing.T) {
	factories := map[string]func(t *testing.T) prunableStore{
		"memory":   func(t *testing.T) prunableStore { return NewMemoryStore(100) },
		"database": func(t *testing.T) prunableStore { return newDatabaseStore(t) },
		"file":     func(t *testing.T) prunableStore { return newFileStore(t) },
	}

	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			events := []audit.Event{
				event("e1", "job-1", audit.EventJobStart, base),
				event("e2", "job-1", audit.EventOperation, base.Add(time.Second)),
				event("e3", "job-2", audit.EventJobStart, base.Add(2*time.Second)),
				event("e4", "job-1", audit.EventJobEnd, base.Add(3*time.Second)),
			}
			events[1].Success = false
			events[1].ErrorMessage = "constraint violated"
			for _, e := range events {
				if err := s.StoreEvent(ctx, e); err != nil {
					t.Fatalf("StoreEvent(%s) error = %v", e.EventID, err)
				}
			}

			got, err := s.GetEvents(ctx, audit.Filter{JobID: "job-1"}, 0, 0)
			if err != nil {
				t.Fatalf("GetEvents() error = %v", err)
			}
			if len(got) != 3 || got[0].EventID != "e4" || got[2].EventID != "e1" {
				t.Errorf("GetEvents() order = %v", ids(got))
			}

			paged, _ := s.GetEvents(ctx, audit.Filter{}, 2, 1)
			if len(paged) != 2 || paged[0].EventID != "e3" || paged[1].EventID != "e2" {
				t.Errorf("GetEvents(limit 2, offset 1) = %v", ids(paged))
			}

			failed := false
			failures, _ := s.GetEvents(ctx, audit.Filter{Success: &failed}, 0, 0)
			if len(failures) != 1 || failures[0].ErrorMessage != "constraint violated" {
				t.Errorf("failure filter = %v", ids(failures))
			}

			typed, _ := s.GetEvents(ctx, audit.Filter{EventTypes: []audit.EventType{audit.EventJobStart}}, 0, 0)
			if len(typed) != 2 {
				t.Errorf("event type filter = %v", ids(typed))
			}

			e, err := s.GetEvent(ctx, "e2")
			if err != nil {
				t.Fatalf("GetEvent() error = %v", err)
			}
			if e.TableName != "parcels" || e.Data["count"] != float64(1) || !e.Timestamp.Equal(events[1].Timestamp) {
				t.Errorf("GetEvent() = %+v", e)
			}

			if _, err := s.GetEvent(ctx, "missing"); !stderrors.Is(err, errors.ErrEventNotFound) {
				t.Errorf("GetEvent(missing) error = %v", err)
			}

			n, err := s.DeleteBefore(ctx, base.Add(1500*time.Millisecond))
			if err != nil || n != 2 {
				t.Fatalf("DeleteBefore() = %d, %v", n, err)
			}
			rest, _ := s.GetEvents(ctx, audit.Filter{}, 0, 0)
			if len(rest) != 2 {
				t.Errorf("after DeleteBefore() = %v", ids(rest))
			}
		})
	}
}

func ids(events []audit.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.EventID
	}
	return out
}

func TestMemoryStore_Eviction(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(3)
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		_ = s.StoreEvent(ctx, event(id, "j", audit.EventOperation, base.Add(time.Duration(i)*time.Second)))
	}
	if s.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", s.Len())
	}
	if _, err := s.GetEvent(ctx, "a"); err == nil {
		t.Error("oldest event should have been evicted")
	}
	if e, err := s.GetEvent(ctx, "e"); err != nil || e.EventID != "e" {
		t.Errorf("GetEvent(e) = %v, %v", e, err)
	}
}

func TestFileStore_Rotation(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewFileStore(FileConfig{Directory: dir, MaxFiles: 2, IndexSize: 2})
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	s.SetMaxFileSize(400)

	for i := 0; i < 12; i++ {
		id := string(rune('a' + i))
		if err := s.StoreEvent(ctx, event(id, "j", audit.EventOperation, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("StoreEvent() error = %v", err)
		}
	}

	shards, _ := s.shards()
	if len(shards) != 2 {
		t.Fatalf("shards = %v, want 2 files", shards)
	}
	for _, n := range shards {
		if _, err := os.Stat(s.path(n)); err != nil {
			t.Errorf("missing shard %d: %v", n, err)
		}
	}

	// The newest event is found through the offset index.
	e, err := s.GetEvent(ctx, "l")
	if err != nil || e.EventID != "l" {
		t.Fatalf("GetEvent(l) = %v, %v", e, err)
	}
	// Evicted from the small index but still on disk.
	all, _ := s.GetEvents(ctx, audit.Filter{}, 0, 0)
	oldest := all[len(all)-1].EventID
	if e, err := s.GetEvent(ctx, oldest); err != nil || e.EventID != oldest {
		t.Errorf("GetEvent(%s) = %v, %v", oldest, e, err)
	}
	// The first event lived in a deleted shard.
	if _, err := s.GetEvent(ctx, "a"); err == nil {
		t.Error("event from a deleted shard should be gone")
	}

	reopened, err := NewFileStore(FileConfig{Directory: dir, MaxFiles: 2})
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	if reopened.current != shards[len(shards)-1] {
		t.Errorf("reopened current shard = %d, want %d", reopened.current, shards[len(shards)-1])
	}
}

func TestFileStore_RotatesAfterThresholdIsCrossed(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(FileConfig{Directory: t.TempDir(), MaxFiles: 10})
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}

	store := func(id string, i int) {
		t.Helper()
		if err := s.StoreEvent(ctx, event(id, "j", audit.EventOperation, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("StoreEvent(%s) error = %v", id, err)
		}
	}
	shardCount := func() int {
		t.Helper()
		shards, err := s.shards()
		if err != nil {
			t.Fatalf("shards() error = %v", err)
		}
		return len(shards)
	}

	store("a", 0)
	first, err := fileSize(s.path(s.current))
	if err != nil {
		t.Fatal(err)
	}
	limit := first + 1
	s.SetMaxFileSize(limit)

	store("b", 1)
	if n := shardCount(); n != 1 {
		t.Fatalf("after crossing write: shards = %d, want 1", n)
	}
	crossed, _ := fileSize(s.path(s.current))
	if crossed <= limit {
		t.Fatalf("shard size %d should exceed limit %d", crossed, limit)
	}

	store("c", 2)
	if n := shardCount(); n != 2 {
		t.Fatalf("after threshold: shards = %d, want 2", n)
	}
	events, err := s.GetEvents(ctx, audit.Filter{}, 0, 0)
	if err != nil || len(events) != 3 {
		t.Fatalf("GetEvents() = %d events, %v", len(events), err)
	}
}

type failingStore struct{ MemoryStore }

func (f *failingStore) StoreEvent(context.Context, audit.Event) error {
	return stderrors.New("unavailable")
}

func TestMultiStore(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore(10)
	bad := &failingStore{}

	m, err := NewMultiStore(mem, bad)
	if err != nil {
		t.Fatalf("NewMultiStore() error = %v", err)
	}
	if err := m.StoreEvent(ctx, event("x", "j", audit.EventJobStart, base)); err != nil {
		t.Errorf("StoreEvent() should succeed when one store succeeds: %v", err)
	}
	if got, _ := m.GetEvent(ctx, "x"); got == nil {
		t.Error("GetEvent() should read from the first store")
	}

	allBad, _ := NewMultiStore(bad, &failingStore{})
	if err := allBad.StoreEvent(ctx, event("y", "j", audit.EventJobStart, base)); err == nil {
		t.Error("StoreEvent() should fail when every store fails")
	}

	if _, err := NewMultiStore(); err == nil {
		t.Error("NewMultiStore() without stores should fail")
	}
}
