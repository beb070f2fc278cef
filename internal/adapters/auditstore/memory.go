// Package auditstore provides audit event stores: in-memory, database, sharded
// JSON files and a fan-out multi store.
package auditstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/terrafusion/syncservice/internal/application/ports"
	"github.com/terrafusion/syncservice/internal/domain/audit"
	"github.com/terrafusion/syncservice/internal/domain/errors"
)

// DefaultMaxEvents bounds a MemoryStore created with a non-positive limit.
const DefaultMaxEvents = 10000

// MemoryStore keeps the most recent events in memory. The oldest event is
// dropped once MaxEvents is reached.
type MemoryStore struct {
	mu        sync.RWMutex
	events    []audit.Event
	byID      map[string]int
	maxEvents int
}

var (
	_ ports.AuditStorePort = (*MemoryStore)(nil)
	_ ports.AuditPruner    = (*MemoryStore)(nil)
)

// NewMemoryStore creates a MemoryStore holding at most maxEvents events.
func NewMemoryStore(maxEvents int) *MemoryStore {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	return &MemoryStore{
		byID:      make(map[string]int),
		maxEvents: maxEvents,
	}
}

// StoreEvent appends an event, evicting the oldest when full.
func (m *MemoryStore) StoreEvent(_ context.Context, e audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.events) >= m.maxEvents {
		drop := len(m.events) - m.maxEvents + 1
		m.events = append([]audit.Event(nil), m.events[drop:]...)
		m.reindex()
	}
	m.events = append(m.events, e)
	m.byID[e.EventID] = len(m.events) - 1
	return nil
}

// GetEvents returns matching events newest first.
func (m *MemoryStore) GetEvents(_ context.Context, filter audit.Filter, limit, offset int) ([]audit.Event, error) {
	m.mu.RLock()
	matched := make([]audit.Event, 0)
	for _, e := range m.events {
		if filter.Matches(e) {
			matched = append(matched, e)
		}
	}
	m.mu.RUnlock()
	return page(matched, limit, offset), nil
}

// GetEvent returns an event by ID.
func (m *MemoryStore) GetEvent(_ context.Context, id string) (*audit.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.byID[id]
	if !ok {
		return nil, notFound(id)
	}
	e := m.events[idx]
	return &e, nil
}

// DeleteBefore removes events older than cutoff.
func (m *MemoryStore) DeleteBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.events[:0]
	deleted := 0
	for _, e := range m.events {
		if e.Timestamp.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	m.events = kept
	m.reindex()
	return deleted, nil
}

// Len returns the number of stored events.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

func (m *MemoryStore) reindex() {
	m.byID = make(map[string]int, len(m.events))
	for i, e := range m.events {
		m.byID[e.EventID] = i
	}
}

// page sorts events newest first and applies offset and limit.
// A non-positive limit returns everything after offset.
func page(events []audit.Event, limit, offset int) []audit.Event {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
	if offset > 0 {
		if offset >= len(events) {
			return []audit.Event{}
		}
		events = events[offset:]
	}
	if limit > 0 && limit < len(events) {
		events = events[:limit]
	}
	return events
}

func notFound(id string) error {
	return errors.WithContext(
		errors.NewError(errors.CodeNotFound, "audit event not found", errors.ErrEventNotFound),
		"event_id", id)
}
