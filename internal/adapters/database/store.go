package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/terrafusion/syncservice/internal/application/ports"
	"github.com/terrafusion/syncservice/internal/domain/errors"
	"github.com/terrafusion/syncservice/internal/domain/job"
	"github.com/terrafusion/syncservice/internal/domain/record"
)

// Store implements ports.DataStore over a Connection.
type Store struct {
	conn *Connection
	name string
}

var _ ports.DataStore = (*Store)(nil)

// NewStore wraps an open connection. An empty name uses the connection's name.
func NewStore(conn *Connection, name string) *Store {
	if name == "" {
		name = conn.Name()
	}
	return &Store{conn: conn, name: name}
}

// Name implements ports.DataStore.
func (s *Store) Name() string { return s.name }

// Connection returns the underlying connection.
func (s *Store) Connection() *Connection { return s.conn }

// Close implements ports.DataStore.
func (s *Store) Close() error { return s.conn.Close() }

// ScanRows implements ports.DataStore. Each page is fully read and the cursor
// closed before fn runs, so fn may issue queries on the same pool.
func (s *Store) ScanRows(ctx context.Context, spec job.TableSpec, fn ports.ScanFunc) error {
	db, err := s.conn.DB()
	if err != nil {
		return err
	}
	d := s.conn.dialect
	base := fmt.Sprintf("SELECT %s FROM %s", d.QuoteAll(spec.Fields), d.Qualify(spec.Schema, spec.Name))
	batch := spec.EffectiveBatchSize()

	offset := 0
	for {
		size := batch
		if spec.Limit > 0 {
			if offset >= spec.Limit {
				return nil
			}
			if remaining := spec.Limit - offset; remaining < size {
				size = remaining
			}
		}

		page, err := s.query(ctx, db, base+d.Page(spec.PrimaryKeys, size, offset))
		if err != nil {
			return errors.WithContext(asSyncError(Classify(err, "scan "+spec.Name)), "table", spec.Name)
		}
		if len(page) > 0 {
			if err := fn(page); err != nil {
				return err
			}
		}
		if len(page) < size {
			return nil
		}
		offset += len(page)
	}
}

// GetRow implements ports.DataStore.
func (s *Store) GetRow(ctx context.Context, spec job.TableSpec, key record.Record) (record.Record, error) {
	db, err := s.conn.DB()
	if err != nil {
		return nil, err
	}
	d := s.conn.dialect
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		d.QuoteAll(spec.Fields), d.Qualify(spec.Schema, spec.Name), d.Where(spec.PrimaryKeys, 1))

	rows, err := s.query(ctx, db, q, keyArgs(spec, key)...)
	if err != nil {
		return nil, Classify(err, "get "+spec.Name)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// Insert implements ports.DataStore.
func (s *Store) Insert(ctx context.Context, spec job.TableSpec, rec record.Record) error {
	if missing := rec.Missing(spec.PrimaryKeys); len(missing) > 0 {
		return missingKey(spec, missing)
	}
	cols := presentColumns(spec.Fields, rec)
	args := make([]any, len(cols))
	for i, c := range cols {
		args[i] = rec[c]
	}
	d := s.conn.dialect
	_, err := s.exec(ctx, "insert "+spec.Name, d.Insert(d.Qualify(spec.Schema, spec.Name), cols), args...)
	return err
}

// Update implements ports.DataStore. An update that matches no row is a
// CodeConflict: the row was deleted after detection.
func (s *Store) Update(ctx context.Context, spec job.TableSpec, rec record.Record) error {
	if missing := rec.Missing(spec.PrimaryKeys); len(missing) > 0 {
		return missingKey(spec, missing)
	}
	cols := presentColumns(spec.NonKeyFields(), rec)
	if len(cols) == 0 {
		return nil
	}
	d := s.conn.dialect
	set := make([]string, len(cols))
	args := make([]any, 0, len(cols)+len(spec.PrimaryKeys))
	for i, c := range cols {
		set[i] = fmt.Sprintf("%s = %s", d.Quote(c), d.Placeholder(i+1))
		args = append(args, rec[c])
	}
	args = append(args, keyArgs(spec, rec)...)

	q := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		d.Qualify(spec.Schema, spec.Name), strings.Join(set, ", "), d.Where(spec.PrimaryKeys, len(cols)+1))
	n, err := s.exec(ctx, "update "+spec.Name, q, args...)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.WithContext(
			errors.NewError(errors.CodeConflict, "update "+spec.Name+": no row matches the primary key", nil),
			"table_name", spec.Name)
	}
	return nil
}

// Delete implements ports.DataStore.
func (s *Store) Delete(ctx context.Context, spec job.TableSpec, rec record.Record) error {
	if missing := rec.Missing(spec.PrimaryKeys); len(missing) > 0 {
		return missingKey(spec, missing)
	}
	d := s.conn.dialect
	q := fmt.Sprintf("DELETE FROM %s WHERE %s", d.Qualify(spec.Schema, spec.Name), d.Where(spec.PrimaryKeys, 1))
	_, err := s.exec(ctx, "delete "+spec.Name, q, keyArgs(spec, rec)...)
	return err
}

// Columns returns the column names of a table, read from an empty result set.
func (s *Store) Columns(ctx context.Context, schema, table string) ([]string, error) {
	db, err := s.conn.DB()
	if err != nil {
		return nil, err
	}
	d := s.conn.dialect
	q := fmt.Sprintf("SELECT * FROM %s WHERE 1 = 0", d.Qualify(schema, table))
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, Classify(err, "columns "+table)
	}
	defer rows.Close()
	return rows.Columns()
}

// exec runs a single statement in its own transaction and returns the number
// of rows it affected.
func (s *Store) exec(ctx context.Context, op, q string, args ...any) (int64, error) {
	db, err := s.conn.DB()
	if err != nil {
		return 0, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, Classify(err, op)
	}
	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		tx.Rollback()
		return 0, Classify(err, op)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return 0, Classify(err, op)
	}
	if err := tx.Commit(); err != nil {
		return 0, Classify(err, op)
	}
	return n, nil
}

func (s *Store) query(ctx context.Context, db *sql.DB, q string, args ...any) ([]record.Record, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return ScanRecords(rows)
}

// ScanRecords reads every row into records. []byte values become strings.
func ScanRecords(rows *sql.Rows) ([]record.Record, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []record.Record
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		rec := make(record.Record, len(cols))
		for i, c := range cols {
			if b, ok := values[i].([]byte); ok {
				rec[c] = string(b)
				continue
			}
			rec[c] = values[i]
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func presentColumns(fields []string, rec record.Record) []string {
	cols := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, ok := rec[f]; ok {
			cols = append(cols, f)
		}
	}
	return cols
}

func keyArgs(spec job.TableSpec, rec record.Record) []any {
	args := make([]any, len(spec.PrimaryKeys))
	for i, pk := range spec.PrimaryKeys {
		args[i] = rec[pk]
	}
	return args
}

func missingKey(spec job.TableSpec, missing []string) error {
	return errors.WithContext(
		errors.NewError(errors.CodeSchema, fmt.Sprintf("%s: record is missing primary key %v", spec.Name, missing), errors.ErrMissingPrimaryKey),
		"table", spec.Name)
}

func asSyncError(err error) *errors.SyncError {
	var se *errors.SyncError
	if errors.As(err, &se) {
		return se
	}
	return errors.NewError(errors.CodeData, err.Error(), err)
}
