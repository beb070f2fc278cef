package auditstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/terrafusion/syncservice/internal/adapters/database"
	"github.com/terrafusion/syncservice/internal/application/ports"
	"github.com/terrafusion/syncservice/internal/domain/audit"
	"github.com/terrafusion/syncservice/internal/domain/errors"
)

const migrationSet = "audit"

// DefaultTable is the audit events table name.
const DefaultTable = "sync_audit_events"

// DatabaseStore persists events in a SQL table.
type DatabaseStore struct {
	conn  *database.Connection
	table string
}

var (
	_ ports.AuditStorePort = (*DatabaseStore)(nil)
	_ ports.AuditPruner    = (*DatabaseStore)(nil)
)

// NewDatabaseStore creates the audit table and indexes if needed.
func NewDatabaseStore(ctx context.Context, conn *database.Connection, table string) (*DatabaseStore, error) {
	if table == "" {
		table = DefaultTable
	}
	if conn.Dialect() == database.SQLServer {
		return nil, errors.NewError(errors.CodeConfiguration, "audit database store supports sqlite and postgres", errors.ErrUnsupportedDriver)
	}
	s := &DatabaseStore{conn: conn, table: table}
	if err := conn.Migrate(ctx, migrationSet+":"+table, s.migrations()); err != nil {
		return nil, errors.NewError(errors.CodeFatal, "could not create audit table", err)
	}
	return s, nil
}

func (s *DatabaseStore) migrations() []database.Migration {
	return []database.Migration{
		{Version: 1, Name: "create_audit_events", SQL: func(d database.Dialect) []string {
			dataType, tsType := "TEXT", "TIMESTAMP"
			if d == database.Postgres {
				dataType, tsType = "JSONB", "TIMESTAMPTZ"
			}
			return []string{fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				event_id TEXT PRIMARY KEY,
				event_type TEXT NOT NULL,
				component TEXT NOT NULL,
				job_id TEXT NOT NULL,
				table_name TEXT,
				record_id TEXT,
				operation TEXT,
				user_id TEXT,
				data %s,
				%s %s NOT NULL,
				success BOOLEAN NOT NULL,
				error_message TEXT
			)`, d.Quote(s.table), dataType, d.Quote("timestamp"), tsType)}
		}},
		{Version: 2, Name: "create_audit_indices", SQL: func(d database.Dialect) []string {
			var stmts []string
			for _, col := range []string{"job_id", "event_type", "timestamp", "table_name", "success"} {
				stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
					d.Quote("idx_"+s.table+"_"+col), d.Quote(s.table), d.Quote(col)))
			}
			return stmts
		}},
	}
}

// StoreEvent inserts an event.
func (s *DatabaseStore) StoreEvent(ctx context.Context, e audit.Event) error {
	db, err := s.conn.DB()
	if err != nil {
		return err
	}
	data, err := json.Marshal(e.Data)
	if err != nil {
		return errors.NewError(errors.CodeData, "could not encode audit data", err)
	}
	d := s.conn.Dialect()
	cols := []string{"event_id", "event_type", "component", "job_id", "table_name", "record_id",
		"operation", "user_id", "data", "timestamp", "success", "error_message"}
	_, err = db.ExecContext(ctx, d.Insert(d.Quote(s.table), cols),
		e.EventID, string(e.EventType), e.Component, e.JobID, e.TableName, e.RecordID,
		e.Operation, e.UserID, string(data), e.Timestamp.UTC(), e.Success, e.ErrorMessage)
	return database.Classify(err, "store audit event")
}

// GetEvents returns matching events newest first.
func (s *DatabaseStore) GetEvents(ctx context.Context, filter audit.Filter, limit, offset int) ([]audit.Event, error) {
	db, err := s.conn.DB()
	if err != nil {
		return nil, err
	}
	d := s.conn.Dialect()
	where, args := s.where(d, filter)
	q := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY %s DESC", selectCols, d.Quote(s.table), where, d.Quote("timestamp"))
	switch {
	case limit > 0:
		q += fmt.Sprintf(" LIMIT %d", limit)
	case offset > 0 && d == database.SQLite:
		// SQLite only accepts OFFSET after a LIMIT.
		q += " LIMIT -1"
	}
	if offset > 0 {
		q += fmt.Sprintf(" OFFSET %d", offset)
	}

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, database.Classify(err, "query audit events")
	}
	defer rows.Close()

	events := []audit.Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, database.Classify(rows.Err(), "query audit events")
}

// GetEvent returns an event by ID.
func (s *DatabaseStore) GetEvent(ctx context.Context, id string) (*audit.Event, error) {
	db, err := s.conn.DB()
	if err != nil {
		return nil, err
	}
	d := s.conn.Dialect()
	q := fmt.Sprintf("SELECT %s FROM %s WHERE event_id = %s", selectCols, d.Quote(s.table), d.Placeholder(1))
	rows, err := db.QueryContext(ctx, q, id)
	if err != nil {
		return nil, database.Classify(err, "get audit event")
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, database.Classify(err, "get audit event")
		}
		return nil, notFound(id)
	}
	e, err := scanEvent(rows)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// DeleteBefore removes events older than cutoff.
func (s *DatabaseStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	db, err := s.conn.DB()
	if err != nil {
		return 0, err
	}
	d := s.conn.Dialect()
	q := fmt.Sprintf("DELETE FROM %s WHERE %s < %s", d.Quote(s.table), d.Quote("timestamp"), d.Placeholder(1))
	res, err := db.ExecContext(ctx, q, cutoff.UTC())
	if err != nil {
		return 0, database.Classify(err, "delete audit events")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

const selectCols = `event_id, event_type, component, job_id, table_name, record_id, operation, user_id, data, "timestamp", success, error_message`

func (s *DatabaseStore) where(d database.Dialect, f audit.Filter) (string, []any) {
	var preds []string
	var args []any
	add := func(col string, v any) {
		args = append(args, v)
		preds = append(preds, fmt.Sprintf("%s = %s", d.Quote(col), d.Placeholder(len(args))))
	}
	if f.JobID != "" {
		add("job_id", f.JobID)
	}
	if f.Component != "" {
		add("component", f.Component)
	}
	if f.TableName != "" {
		add("table_name", f.TableName)
	}
	if f.RecordID != "" {
		add("record_id", f.RecordID)
	}
	if f.Operation != "" {
		add("operation", f.Operation)
	}
	if f.UserID != "" {
		add("user_id", f.UserID)
	}
	if f.Success != nil {
		add("success", *f.Success)
	}
	if len(f.EventTypes) > 0 {
		ps := make([]string, len(f.EventTypes))
		for i, t := range f.EventTypes {
			args = append(args, string(t))
			ps[i] = d.Placeholder(len(args))
		}
		preds = append(preds, "event_type IN ("+strings.Join(ps, ", ")+")")
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since.UTC())
		preds = append(preds, fmt.Sprintf("%s >= %s", d.Quote("timestamp"), d.Placeholder(len(args))))
	}
	if !f.Until.IsZero() {
		args = append(args, f.Until.UTC())
		preds = append(preds, fmt.Sprintf("%s <= %s", d.Quote("timestamp"), d.Placeholder(len(args))))
	}
	if len(preds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(preds, " AND "), args
}

func scanEvent(rows *sql.Rows) (audit.Event, error) {
	var (
		e                                            audit.Event
		eventType                                    string
		tableName, recordID, operation, userID, errM sql.NullString
		data                                         sql.NullString
	)
	if err := rows.Scan(&e.EventID, &eventType, &e.Component, &e.JobID, &tableName, &recordID,
		&operation, &userID, &data, &e.Timestamp, &e.Success, &errM); err != nil {
		return e, database.Classify(err, "scan audit event")
	}
	e.EventType = audit.EventType(eventType)
	e.TableName = tableName.String
	e.RecordID = recordID.String
	e.Operation = operation.String
	e.UserID = userID.String
	e.ErrorMessage = errM.String
	e.Timestamp = e.Timestamp.UTC()
	e.Data = map[string]any{}
	if data.Valid && data.String != "" {
		if err := json.Unmarshal([]byte(data.String), &e.Data); err != nil {
			return e, errors.NewError(errors.CodeData, "could not decode audit data", err)
		}
	}
	return e, nil
}
