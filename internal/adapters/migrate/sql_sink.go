package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/terrafusion/syncservice/internal/adapters/database"
	"github.com/terrafusion/syncservice/internal/application/ports"
	"github.com/terrafusion/syncservice/internal/domain/errors"
	"github.com/terrafusion/syncservice/internal/domain/record"
)

// TrackingSchema holds the transaction log and the last sync table.
const TrackingSchema = "sync"

const (
	transactionsTable = "transactions"
	lastSyncTable     = "last_sync"
)

// TrackingDDL returns the statements creating the tracking tables. On SQLite
// the schema is flattened into the table names.
func TrackingDDL(d database.Dialect) []string {
	tx := d.Qualify(TrackingSchema, transactionsTable)
	ls := d.Qualify(TrackingSchema, lastSyncTable)
	if d == database.SQLite {
		return []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				timestamp TEXT NOT NULL,
				operation TEXT NOT NULL,
				source_type TEXT NOT NULL,
				target_schema TEXT NOT NULL,
				target_table TEXT NOT NULL,
				record_count INTEGER NOT NULL,
				metadata TEXT,
				rollback_executed INTEGER NOT NULL DEFAULT 0
			)`, tx),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				source_type TEXT NOT NULL,
				source_table TEXT NOT NULL,
				target_schema TEXT NOT NULL,
				target_table TEXT NOT NULL,
				last_sync_time TEXT NOT NULL,
				sync_key_column TEXT,
				last_key_value TEXT,
				record_count INTEGER NOT NULL DEFAULT 0
			)`, ls),
		}
	}
	return []string{
		"CREATE SCHEMA IF NOT EXISTS " + d.Quote(TrackingSchema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id UUID PRIMARY KEY,
			timestamp TIMESTAMPTZ NOT NULL,
			operation TEXT NOT NULL,
			source_type TEXT NOT NULL,
			target_schema TEXT NOT NULL,
			target_table TEXT NOT NULL,
			record_count INTEGER NOT NULL,
			metadata JSONB,
			rollback_executed BOOLEAN NOT NULL DEFAULT FALSE
		)`, tx),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id SERIAL PRIMARY KEY,
			source_type TEXT NOT NULL,
			source_table TEXT NOT NULL,
			target_schema TEXT NOT NULL,
			target_table TEXT NOT NULL,
			last_sync_time TIMESTAMPTZ NOT NULL,
			sync_key_column TEXT,
			last_key_value TEXT,
			record_count INTEGER NOT NULL DEFAULT 0
		)`, ls),
	}
}

// SQLSink writes migrated rows to a PostgreSQL or SQLite database.
type SQLSink struct {
	conn *database.Connection
}

var _ ports.Sink = (*SQLSink)(nil)

// NewSQLSink wraps an open PostgreSQL or SQLite connection.
func NewSQLSink(conn *database.Connection) (*SQLSink, error) {
	if d := conn.Dialect(); d != database.Postgres && d != database.SQLite {
		return nil, errors.WithContext(
			errors.NewError(errors.CodeConfiguration, "migration target must be postgres or sqlite", errors.ErrUnsupportedDriver),
			"driver", string(d))
	}
	return &SQLSink{conn: conn}, nil
}

// EnsureTracking implements ports.Sink.
func (s *SQLSink) EnsureTracking(ctx context.Context) error {
	err := s.conn.Migrate(ctx, "tracking", []database.Migration{
		{Version: 1, Name: "create_tracking_tables", SQL: TrackingDDL},
	})
	if err != nil {
		return errors.NewError(errors.CodeFatal, "could not create tracking tables", err)
	}
	return nil
}

// table qualifies a target table; SQLite keeps public tables unprefixed.
func (s *SQLSink) table(schema, table string) string {
	d := s.conn.Dialect()
	if d == database.SQLite && (schema == "public" || schema == "main") {
		schema = ""
	}
	return d.Qualify(schema, table)
}

// Write implements ports.Sink. The batch is written in one transaction.
func (s *SQLSink) Write(ctx context.Context, schema, table string, rows []record.Record, keyColumn string, upsert bool) error {
	if len(rows) == 0 {
		return nil
	}
	db, err := s.conn.DB()
	if err != nil {
		return err
	}
	d := s.conn.Dialect()
	target := s.table(schema, table)
	op := "write " + table

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return database.Classify(err, op)
	}
	stmts := make(map[string]string)
	for _, row := range rows {
		cols := row.Columns()
		sig := strings.Join(cols, "\x00")
		q, ok := stmts[sig]
		if !ok {
			if upsert && keyColumn != "" {
				q = d.Upsert(target, cols, []string{keyColumn})
			} else {
				q = d.Insert(target, cols)
			}
			stmts[sig] = q
		}
		args := make([]any, len(cols))
		for i, c := range cols {
			args[i] = bindValue(row[c])
		}
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			tx.Rollback()
			return annotate(database.Classify(err, op), "table", table)
		}
	}
	return database.Classify(tx.Commit(), op)
}

// GetLastSync implements ports.Sink.
func (s *SQLSink) GetLastSync(ctx context.Context, sourceType, sourceTable, targetSchema, targetTable string) (*ports.LastSync, error) {
	db, err := s.conn.DB()
	if err != nil {
		return nil, err
	}
	d := s.conn.Dialect()
	q := fmt.Sprintf(`SELECT last_sync_time, sync_key_column, last_key_value, record_count FROM %s
		WHERE source_type = %s AND source_table = %s AND target_schema = %s AND target_table = %s
		ORDER BY id DESC LIMIT 1`,
		d.Qualify(TrackingSchema, lastSyncTable),
		d.Placeholder(1), d.Placeholder(2), d.Placeholder(3), d.Placeholder(4))

	var (
		at       any
		keyCol   sql.NullString
		keyValue sql.NullString
		count    int
	)
	err = db.QueryRowContext(ctx, q, sourceType, sourceTable, targetSchema, targetTable).Scan(&at, &keyCol, &keyValue, &count)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, database.Classify(err, "get last sync")
	}
	t, ok := record.ParseTime(at)
	if !ok {
		return nil, errors.NewError(errors.CodeData, fmt.Sprintf("unreadable last_sync_time %v", at), nil)
	}
	return &ports.LastSync{
		SourceType:    sourceType,
		SourceTable:   sourceTable,
		TargetSchema:  targetSchema,
		TargetTable:   targetTable,
		LastSyncTime:  t.UTC(),
		SyncKeyColumn: keyCol.String,
		LastKeyValue:  keyValue.String,
		RecordCount:   count,
	}, nil
}

// SetLastSync implements ports.Sink.
func (s *SQLSink) SetLastSync(ctx context.Context, ls ports.LastSync) error {
	db, err := s.conn.DB()
	if err != nil {
		return err
	}
	d := s.conn.Dialect()
	table := d.Qualify(TrackingSchema, lastSyncTable)
	at := s.timeValue(ls.LastSyncTime)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return database.Classify(err, "set last sync")
	}
	update := fmt.Sprintf(`UPDATE %s SET last_sync_time = %s, sync_key_column = %s, last_key_value = %s, record_count = %s
		WHERE source_type = %s AND source_table = %s AND target_schema = %s AND target_table = %s`,
		table, d.Placeholder(1), d.Placeholder(2), d.Placeholder(3), d.Placeholder(4),
		d.Placeholder(5), d.Placeholder(6), d.Placeholder(7), d.Placeholder(8))
	res, err := tx.ExecContext(ctx, update, at, ls.SyncKeyColumn, ls.LastKeyValue, ls.RecordCount,
		ls.SourceType, ls.SourceTable, ls.TargetSchema, ls.TargetTable)
	if err != nil {
		tx.Rollback()
		return database.Classify(err, "set last sync")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		insert := d.Insert(table, []string{"source_type", "source_table", "target_schema", "target_table",
			"last_sync_time", "sync_key_column", "last_key_value", "record_count"})
		if _, err := tx.ExecContext(ctx, insert, ls.SourceType, ls.SourceTable, ls.TargetSchema, ls.TargetTable,
			at, ls.SyncKeyColumn, ls.LastKeyValue, ls.RecordCount); err != nil {
			tx.Rollback()
			return database.Classify(err, "set last sync")
		}
	}
	return database.Classify(tx.Commit(), "set last sync")
}

// RecordTransaction implements ports.Sink.
func (s *SQLSink) RecordTransaction(ctx context.Context, t ports.TransactionRecord) error {
	db, err := s.conn.DB()
	if err != nil {
		return err
	}
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return errors.NewError(errors.CodeData, "could not encode transaction metadata", err)
	}
	d := s.conn.Dialect()
	q := d.Insert(d.Qualify(TrackingSchema, transactionsTable), []string{"id", "timestamp", "operation", "source_type",
		"target_schema", "target_table", "record_count", "metadata"})
	_, err = db.ExecContext(ctx, q, t.ID, s.timeValue(t.Timestamp), t.Operation, t.SourceType,
		t.TargetSchema, t.TargetTable, t.RecordCount, string(meta))
	return database.Classify(err, "record transaction")
}

// Transactions returns the recorded transactions, newest first.
func (s *SQLSink) Transactions(ctx context.Context) ([]ports.TransactionRecord, error) {
	db, err := s.conn.DB()
	if err != nil {
		return nil, err
	}
	d := s.conn.Dialect()
	rows, err := db.QueryContext(ctx, fmt.Sprintf(
		"SELECT id, timestamp, operation, source_type, target_schema, target_table, record_count, metadata FROM %s",
		d.Qualify(TrackingSchema, transactionsTable)))
	if err != nil {
		return nil, database.Classify(err, "list transactions")
	}
	defer rows.Close()

	recs, err := database.ScanRecords(rows)
	if err != nil {
		return nil, database.Classify(err, "list transactions")
	}
	out := make([]ports.TransactionRecord, 0, len(recs))
	for _, r := range recs {
		t := ports.TransactionRecord{
			ID:           fmt.Sprint(r["id"]),
			Operation:    fmt.Sprint(r["operation"]),
			SourceType:   fmt.Sprint(r["source_type"]),
			TargetSchema: fmt.Sprint(r["target_schema"]),
			TargetTable:  fmt.Sprint(r["target_table"]),
		}
		t.Timestamp, _ = record.ParseTime(r["timestamp"])
		if n, ok := record.ToFloat(r["record_count"]); ok {
			t.RecordCount = int(n)
		}
		if m, ok := r["metadata"].(string); ok && m != "" {
			_ = json.Unmarshal([]byte(m), &t.Metadata)
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

// Close implements ports.Sink.
func (s *SQLSink) Close() error {
	return s.conn.Close()
}

func (s *SQLSink) timeValue(t time.Time) any {
	if s.conn.Dialect() == database.SQLite {
		return t.UTC().Format(time.RFC3339Nano)
	}
	return t.UTC()
}

// bindValue encodes nested values as JSON text.
func bindValue(v any) any {
	switch v.(type) {
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
	return v
}
