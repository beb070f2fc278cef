package auditlog

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/terrafusion/syncservice/internal/application/ports"
	"github.com/terrafusion/syncservice/internal/domain/audit"
	"github.com/terrafusion/syncservice/internal/domain/record"
)

type mockStore struct {
	mu      sync.Mutex
	events  []audit.Event
	failErr error
	pruned  time.Time
}

func (m *mockStore) StoreEvent(_ context.Context, e audit.Event) error {
	if m.failErr != nil {
		return m.failErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *mockStore) GetEvents(_ context.Context, f audit.Filter, limit, offset int) ([]audit.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []audit.Event
	for i := len(m.events) - 1; i >= 0; i-- {
		if f.Matches(m.events[i]) {
			out = append(out, m.events[i])
		}
	}
	return out, nil
}

func (m *mockStore) GetEvent(_ context.Context, id string) (*audit.Event, error) {
	for _, e := range m.events {
		if e.EventID == id {
			return &e, nil
		}
	}
	return nil, errors.New("not found")
}

type pruningStore struct {
	mockStore
}

func (p *pruningStore) DeleteBefore(_ context.Context, cutoff time.Time) (int, error) {
	p.pruned = cutoff
	return 2, nil
}

var _ ports.AuditPruner = (*pruningStore)(nil)

func TestSystem_LevelFiltering(t *testing.T) {
	ctx := context.Background()
	store := &mockStore{}
	sys := New(store, Config{Level: audit.LevelMinimal})

	_ = sys.JobStart(ctx, "job", nil)
	_ = sys.Operation(ctx, Subject{JobID: "job", Table: "t", Operation: "insert"}, nil, nil, nil)
	_ = sys.RecordRead(ctx, Subject{JobID: "job", Table: "t"}, "src", 10)
	_ = sys.Error(ctx, Subject{JobID: "job"}, errors.New("boom"), nil)
	_ = sys.JobEnd(ctx, "job", true, nil, "")

	if len(store.events) != 3 {
		t.Fatalf("minimal level stored %d events, want 3", len(store.events))
	}
	for _, e := range store.events {
		if e.EventType == audit.EventOperation || e.EventType == audit.EventRecordRead {
			t.Errorf("minimal level kept %s", e.EventType)
		}
	}
}

func TestSystem_StrictlyIncreasingTimestamps(t *testing.T) {
	ctx := context.Background()
	store := &mockStore{}
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sys := New(store, Config{Level: audit.LevelDetailed, Now: func() time.Time { return fixed }})

	_ = sys.JobStart(ctx, "job", nil)
	for i := 0; i < 5; i++ {
		_ = sys.Operation(ctx, Subject{JobID: "job", Operation: "insert"}, nil, nil, nil)
	}
	_ = sys.JobEnd(ctx, "job", true, nil, "")

	for i := 1; i < len(store.events); i++ {
		if !store.events[i].Timestamp.After(store.events[i-1].Timestamp) {
			t.Fatalf("timestamp %d not after %d", i, i-1)
		}
	}

	sorted := append([]audit.Event(nil), store.events...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })
	if sorted[0].EventType != audit.EventJobStart || sorted[len(sorted)-1].EventType != audit.EventJobEnd {
		t.Error("job_start must sort first and job_end last")
	}
}

func TestSystem_DataElision(t *testing.T) {
	ctx := context.Background()
	source := record.Record{"id": 1, "v": 10, "owner": "Smith", "ssn": "123"}
	target := record.Record{"id": 1, "v": 99, "owner": "Smith", "ssn": "123"}
	diffs := record.Diff(source, target, []string{"v", "owner", "ssn"})

	t.Run("without data", func(t *testing.T) {
		store := &mockStore{}
		sys := New(store, Config{Level: audit.LevelStandard})

		_ = sys.Operation(ctx, Subject{JobID: "j", Operation: "insert"}, source, nil, nil)
		_ = sys.Conflict(ctx, Subject{JobID: "j", RecordID: "1"}, []string{"id"}, source, target, diffs)

		if _, ok := store.events[0].Data[KeyRecord]; ok {
			t.Error("operation record payload should be elided")
		}
		src, ok := store.events[1].Data[KeySource].(record.Record)
		if !ok {
			t.Fatalf("conflict source missing: %v", store.events[1].Data)
		}
		if _, has := src["ssn"]; has {
			t.Error("conflict source should only keep key and changed fields")
		}
		if src["id"] != 1 || src["v"] != 10 {
			t.Errorf("conflict source subset = %v", src)
		}
	})

	t.Run("with data", func(t *testing.T) {
		store := &mockStore{}
		sys := New(store, Config{Level: audit.LevelStandard, IncludeData: true})
		_ = sys.Operation(ctx, Subject{JobID: "j", Operation: "insert"}, source, nil, nil)
		rec, ok := store.events[0].Data[KeyRecord].(record.Record)
		if !ok || rec["ssn"] != "123" {
			t.Errorf("full record expected, got %v", store.events[0].Data)
		}
	})
}

func TestSystem_ValidationError(t *testing.T) {
	store := &mockStore{}
	sys := New(store, Config{})
	err := sys.ValidationError(context.Background(), Subject{JobID: "j", Table: "t", RecordID: "1"},
		record.Record{"id": 1}, []string{"email must be a valid email", "x is required"})
	if err != nil {
		t.Fatalf("ValidationError() error = %v", err)
	}
	e := store.events[0]
	if e.Component != audit.ComponentValidator || e.Success || e.EventType != audit.EventError {
		t.Errorf("event = %+v", e)
	}
	if e.ErrorMessage != "email must be a valid email; x is required" {
		t.Errorf("ErrorMessage = %q", e.ErrorMessage)
	}
}

func TestSystem_StoreFailure(t *testing.T) {
	store := &mockStore{failErr: errors.New("disk full")}
	sys := New(store, Config{})
	if err := sys.JobStart(context.Background(), "j", nil); err == nil {
		t.Fatal("expected store error to propagate")
	}
}

func TestSystem_GenerateReport(t *testing.T) {
	ctx := context.Background()
	store := &mockStore{}
	sys := New(store, Config{})
	_ = sys.JobStart(ctx, "j", nil)
	_ = sys.Operation(ctx, Subject{JobID: "j", Table: "t", Operation: "insert"}, nil, nil, nil)
	_ = sys.Operation(ctx, Subject{JobID: "j", Table: "t", Operation: "update"}, nil, nil, errors.New("x"))

	r, err := sys.GenerateReport(ctx, audit.Filter{JobID: "j"})
	if err != nil {
		t.Fatalf("GenerateReport() error = %v", err)
	}
	if r.TotalEvents != 3 || r.Failures != 1 || r.ByTable["t"] != 2 || r.ByOperation["update"] != 1 {
		t.Errorf("report = %+v", r)
	}
}

func TestSystem_CleanupOldEvents(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)

	plain := New(&mockStore{}, Config{Now: func() time.Time { return now }})
	if n, err := plain.CleanupOldEvents(ctx, 7); err != nil || n != 0 {
		t.Errorf("unsupported store: n=%d err=%v", n, err)
	}

	ps := &pruningStore{}
	pruning := New(ps, Config{Now: func() time.Time { return now }})
	n, err := pruning.CleanupOldEvents(ctx, 7)
	if err != nil || n != 2 {
		t.Fatalf("CleanupOldEvents() = %d, %v", n, err)
	}
	if !ps.pruned.Equal(now.AddDate(0, 0, -7)) {
		t.Errorf("cutoff = %v", ps.pruned)
	}

	if _, err := pruning.CleanupOldEvents(ctx, 0); err == nil {
		t.Error("expected error for non-positive retention")
	}
}
