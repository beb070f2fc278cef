package ports

import (
	"context"
	"time"

	"github.com/terrafusion/syncservice/internal/domain/audit"
)

// -----------------------------------------------------------------------------
// Audit Storage Port
// -----------------------------------------------------------------------------

// AuditStorePort is an append-only store of audit events.
type AuditStorePort interface {
	// StoreEvent appends an event.
	StoreEvent(ctx context.Context, event audit.Event) error

	// GetEvents returns the events matching filter, newest first.
	// A limit of 0 means no limit.
	GetEvents(ctx context.Context, filter audit.Filter, limit, offset int) ([]audit.Event, error)

	// GetEvent returns a single event.
	// Returns a NOT_FOUND error wrapping errors.ErrEventNotFound when absent.
	GetEvent(ctx context.Context, eventID string) (*audit.Event, error)
}

// AuditPruner is implemented by audit stores that support retention.
type AuditPruner interface {
	// DeleteBefore removes events older than cutoff and returns how many were removed.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// -----------------------------------------------------------------------------
// Metrics Port
// -----------------------------------------------------------------------------

// MetricsPort receives sync engine measurements.
type MetricsPort interface {
	RecordOutcome(table, outcome string)
	RecordRetry(table string)
	RecordConflict(table, strategy string)
	ObserveOperation(table, operation string, d time.Duration)
	SetActiveJobs(n int)
	RecordJob(status string)
	RecordAuditEvent(eventType string)
}
