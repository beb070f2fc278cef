package ports

import (
	"context"
	"time"

	"github.com/terrafusion/syncservice/internal/domain/record"
)

// -----------------------------------------------------------------------------
// Migration Ports
// -----------------------------------------------------------------------------

// SourceQuery describes what a RowSource should read for one table.
type SourceQuery struct {
	// Table is the source table name (or file-relative name for file sources).
	Table string

	// Query is an explicit SQL query; it takes precedence over Table.
	Query string

	// ModifiedTimeColumn restricts an incremental read when Since is set.
	ModifiedTimeColumn string

	// Since is the last successful sync time; zero means a full read.
	Since time.Time

	// Limit caps the number of rows (0 for unlimited).
	Limit int
}

// RowSource reads rows for a migration.
type RowSource interface {
	// Read returns every matching row.
	Read(ctx context.Context, q SourceQuery) ([]record.Record, error)

	// Close releases the source.
	Close() error
}

// LastSync is the incremental tracking record of one source/target pair.
type LastSync struct {
	SourceType    string
	SourceTable   string
	TargetSchema  string
	TargetTable   string
	LastSyncTime  time.Time
	SyncKeyColumn string
	LastKeyValue  string
	RecordCount   int
}

// TransactionRecord is appended after each successful, non dry-run table migration.
type TransactionRecord struct {
	ID           string
	Timestamp    time.Time
	Operation    string
	SourceType   string
	TargetSchema string
	TargetTable  string
	RecordCount  int
	Metadata     map[string]any
}

// Sink is the target of a migration.
type Sink interface {
	// EnsureTracking creates the tracking tables when they do not exist.
	EnsureTracking(ctx context.Context) error

	// Write inserts a batch. When keyColumn is set and upsert is true, rows
	// that collide on keyColumn are merged instead of rejected.
	Write(ctx context.Context, schema, table string, rows []record.Record, keyColumn string, upsert bool) error

	// GetLastSync returns the tracking record or nil when there is none.
	GetLastSync(ctx context.Context, sourceType, sourceTable, targetSchema, targetTable string) (*LastSync, error)

	// SetLastSync upserts the tracking record.
	SetLastSync(ctx context.Context, ls LastSync) error

	// RecordTransaction appends a rollback tracing record.
	RecordTransaction(ctx context.Context, tx TransactionRecord) error

	// Close releases the sink.
	Close() error
}
