// Package ports defines the application layer port interfaces following hexagonal architecture.
package ports

import (
	"context"

	"github.com/terrafusion/syncservice/internal/domain/job"
	"github.com/terrafusion/syncservice/internal/domain/record"
)

// -----------------------------------------------------------------------------
// Data Store Port
// -----------------------------------------------------------------------------

// ScanFunc receives one page of rows. Returning an error stops the scan.
type ScanFunc func(rows []record.Record) error

// DataStore is a relational table store acting as a sync source or target.
//
// Every write runs in its own single-statement transaction. Errors are
// classified *errors.SyncError values so callers can decide whether to retry.
type DataStore interface {
	// Name identifies the store in logs and job state (never contains credentials).
	Name() string

	// ScanRows streams the spec's fields ordered by primary key in pages of
	// spec.EffectiveBatchSize(). spec.Limit caps the total number of rows when set.
	ScanRows(ctx context.Context, spec job.TableSpec, fn ScanFunc) error

	// GetRow reads a single row by primary key. Returns nil, nil when absent.
	GetRow(ctx context.Context, spec job.TableSpec, key record.Record) (record.Record, error)

	// Insert writes a new row.
	Insert(ctx context.Context, spec job.TableSpec, rec record.Record) error

	// Update sets the non-key columns present in rec on the row matching its
	// primary key. It is a no-op when rec carries only key columns.
	Update(ctx context.Context, spec job.TableSpec, rec record.Record) error

	// Delete removes the row matching the primary key of rec.
	Delete(ctx context.Context, spec job.TableSpec, rec record.Record) error

	// Close releases the underlying connection pool.
	Close() error
}
