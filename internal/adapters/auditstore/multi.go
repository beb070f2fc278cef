package auditstore

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/terrafusion/syncservice/internal/application/ports"
	"github.com/terrafusion/syncservice/internal/domain/audit"
	"github.com/terrafusion/syncservice/internal/domain/errors"
)

// MultiStore writes every event to all of its stores and reads from the first.
type MultiStore struct {
	stores []ports.AuditStorePort
}

var (
	_ ports.AuditStorePort = (*MultiStore)(nil)
	_ ports.AuditPruner    = (*MultiStore)(nil)
)

// NewMultiStore creates a fan-out store. At least one store is required.
func NewMultiStore(stores ...ports.AuditStorePort) (*MultiStore, error) {
	if len(stores) == 0 {
		return nil, errors.NewError(errors.CodeConfiguration, "multi audit store needs at least one store", nil)
	}
	return &MultiStore{stores: stores}, nil
}

// Stores returns the wrapped stores.
func (m *MultiStore) Stores() []ports.AuditStorePort {
	return m.stores
}

// StoreEvent succeeds when at least one store accepted the event.
func (m *MultiStore) StoreEvent(ctx context.Context, e audit.Event) error {
	var errs []error
	for _, s := range m.stores {
		if err := s.StoreEvent(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(m.stores) {
		return stderrors.Join(errs...)
	}
	return nil
}

// GetEvents reads from the first store.
func (m *MultiStore) GetEvents(ctx context.Context, filter audit.Filter, limit, offset int) ([]audit.Event, error) {
	return m.stores[0].GetEvents(ctx, filter, limit, offset)
}

// GetEvent reads from the first store.
func (m *MultiStore) GetEvent(ctx context.Context, id string) (*audit.Event, error) {
	return m.stores[0].GetEvent(ctx, id)
}

// DeleteBefore prunes every store that supports retention and returns the
// count reported by the first store.
func (m *MultiStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	first := -1
	var errs []error
	for _, s := range m.stores {
		p, ok := s.(ports.AuditPruner)
		if !ok {
			continue
		}
		n, err := p.DeleteBefore(ctx, cutoff)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if first < 0 {
			first = n
		}
	}
	if first < 0 {
		first = 0
	}
	return first, stderrors.Join(errs...)
}
