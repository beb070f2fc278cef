package testutil

import (
	"context"
	"sort"
	"sync"

	"github.com/terrafusion/syncservice/internal/application/ports"
	"github.com/terrafusion/syncservice/internal/domain/errors"
	"github.com/terrafusion/syncservice/internal/domain/job"
	"github.com/terrafusion/syncservice/internal/domain/record"
)

// NewTableSpec creates a table spec keyed on "id".
func NewTableSpec(name string, fields ...string) job.TableSpec {
	return job.TableSpec{
		Name:        name,
		PrimaryKeys: []string{"id"},
		Fields:      append([]string{"id"}, fields...),
	}
}

// Rows builds one record per value list using the given column order.
func Rows(cols []string, values ...[]any) []record.Record {
	out := make([]record.Record, 0, len(values))
	for _, v := range values {
		r := make(record.Record, len(cols))
		for i, c := range cols {
			r[c] = v[i]
		}
		out = append(out, r)
	}
	return out
}

// WriteHook is consulted before a MemoryStore write. A non-nil error aborts the write.
type WriteHook func(op job.OperationType, table string, rec record.Record) error

// MemoryStore is an in-memory ports.DataStore for tests.
type MemoryStore struct {
	mu     sync.Mutex
	name   string
	tables map[string]map[string]record.Record

	// BeforeWrite, when set, runs before every write.
	BeforeWrite WriteHook
	// AfterScan, when set, runs after a full ScanRows of a table.
	AfterScan func(table string)

	writes []string
}

var _ ports.DataStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(name string) *MemoryStore {
	return &MemoryStore{name: name, tables: make(map[string]map[string]record.Record)}
}

// Seed loads rows into a table.
func (m *MemoryStore) Seed(spec job.TableSpec, rows ...record.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(spec.Name)
	for _, r := range rows {
		t[r.ID(spec.PrimaryKeys)] = r.Clone()
	}
}

// Put writes a row directly, bypassing hooks.
func (m *MemoryStore) Put(spec job.TableSpec, r record.Record) {
	m.Seed(spec, r)
}

// Rows returns a copy of a table keyed by record ID.
func (m *MemoryStore) Rows(table string) map[string]record.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]record.Record, len(m.tables[table]))
	for k, v := range m.tables[table] {
		out[k] = v.Clone()
	}
	return out
}

// Writes returns a log of "op table id" entries for every applied write.
func (m *MemoryStore) Writes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.writes...)
}

// Name implements ports.DataStore.
func (m *MemoryStore) Name() string { return m.name }

// ScanRows implements ports.DataStore.
func (m *MemoryStore) ScanRows(ctx context.Context, spec job.TableSpec, fn ports.ScanFunc) error {
	m.mu.Lock()
	t := m.tables[spec.Name]
	ids := make([]string, 0, len(t))
	for id := range t {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if spec.Limit > 0 && len(ids) > spec.Limit {
		ids = ids[:spec.Limit]
	}
	rows := make([]record.Record, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, t[id].Project(spec.Fields))
	}
	m.mu.Unlock()

	size := spec.EffectiveBatchSize()
	for start := 0; start < len(rows); start += size {
		end := min(start+size, len(rows))
		if err := fn(rows[start:end]); err != nil {
			return err
		}
	}
	if m.AfterScan != nil {
		m.AfterScan(spec.Name)
	}
	return nil
}

// GetRow implements ports.DataStore.
func (m *MemoryStore) GetRow(ctx context.Context, spec job.TableSpec, key record.Record) (record.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.tables[spec.Name][key.ID(spec.PrimaryKeys)]
	if !ok {
		return nil, nil
	}
	return r.Clone(), nil
}

// Insert implements ports.DataStore.
func (m *MemoryStore) Insert(ctx context.Context, spec job.TableSpec, rec record.Record) error {
	if err := m.hook(job.OperationInsert, spec.Name, rec); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := rec.ID(spec.PrimaryKeys)
	t := m.table(spec.Name)
	if _, exists := t[id]; exists {
		return errors.NewError(errors.CodeConflict, "duplicate key "+id, nil)
	}
	t[id] = rec.Clone()
	m.writes = append(m.writes, "insert "+spec.Name+" "+id)
	return nil
}

// Update implements ports.DataStore.
func (m *MemoryStore) Update(ctx context.Context, spec job.TableSpec, rec record.Record) error {
	if err := m.hook(job.OperationUpdate, spec.Name, rec); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := rec.ID(spec.PrimaryKeys)
	existing, ok := m.table(spec.Name)[id]
	if !ok {
		return errors.NewError(errors.CodeConflict, "no row "+id, nil)
	}
	for k, v := range rec {
		existing[k] = v
	}
	m.writes = append(m.writes, "update "+spec.Name+" "+id)
	return nil
}

// Delete implements ports.DataStore.
func (m *MemoryStore) Delete(ctx context.Context, spec job.TableSpec, rec record.Record) error {
	if err := m.hook(job.OperationDelete, spec.Name, rec); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := rec.ID(spec.PrimaryKeys)
	delete(m.table(spec.Name), id)
	m.writes = append(m.writes, "delete "+spec.Name+" "+id)
	return nil
}

// Close implements ports.DataStore.
func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) hook(op job.OperationType, table string, rec record.Record) error {
	if m.BeforeWrite == nil {
		return nil
	}
	return m.BeforeWrite(op, table, rec)
}

func (m *MemoryStore) table(name string) map[string]record.Record {
	t, ok := m.tables[name]
	if !ok {
		t = make(map[string]record.Record)
		m.tables[name] = t
	}
	return t
}
