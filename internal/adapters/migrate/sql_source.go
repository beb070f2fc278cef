// Package migrate provides the row sources and sinks used by the one-shot
// migrator: SQL databases, CSV and JSON files on the reading side, and a SQL
// database or a Supabase PostgREST endpoint on the writing side.
package migrate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/terrafusion/syncservice/internal/adapters/database"
	"github.com/terrafusion/syncservice/internal/application/ports"
	"github.com/terrafusion/syncservice/internal/domain/errors"
	"github.com/terrafusion/syncservice/internal/domain/record"
)

// LastSyncPlaceholder is substituted with the last sync time in source queries.
const LastSyncPlaceholder = "%LAST_SYNC_TIME%"

// sqlTimeLayout is understood by SQLite, PostgreSQL and SQL Server literals.
const sqlTimeLayout = "2006-01-02 15:04:05"

// epoch replaces the placeholder when there is no prior sync.
var epoch = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

// SQLSource reads rows from a SQLite, PostgreSQL or SQL Server database.
type SQLSource struct {
	conn *database.Connection
}

var _ ports.RowSource = (*SQLSource)(nil)

// NewSQLSource wraps an open connection.
func NewSQLSource(conn *database.Connection) *SQLSource {
	return &SQLSource{conn: conn}
}

// OpenSQLSource opens a connection for driver and dsn.
func OpenSQLSource(ctx context.Context, driver, dsn string) (*SQLSource, error) {
	conn, err := database.Open(ctx, database.Config{Driver: driver, DSN: dsn})
	if err != nil {
		return nil, err
	}
	return &SQLSource{conn: conn}, nil
}

// Read implements ports.RowSource.
func (s *SQLSource) Read(ctx context.Context, q ports.SourceQuery) ([]record.Record, error) {
	db, err := s.conn.DB()
	if err != nil {
		return nil, err
	}
	stmt, args, err := BuildQuery(s.conn.Dialect(), q)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, annotate(database.Classify(err, "read source"), "query", stmt)
	}
	defer rows.Close()

	recs, err := database.ScanRecords(rows)
	if err != nil {
		return nil, database.Classify(err, "read source")
	}
	if q.Limit > 0 && len(recs) > q.Limit {
		recs = recs[:q.Limit]
	}
	return recs, nil
}

// Close implements ports.RowSource.
func (s *SQLSource) Close() error {
	return s.conn.Close()
}

// BuildQuery renders the SELECT for q. An explicit query has the placeholder
// substituted; otherwise an incremental read appends a predicate on the
// modified time column.
func BuildQuery(d database.Dialect, q ports.SourceQuery) (string, []any, error) {
	if strings.TrimSpace(q.Query) != "" {
		stmt := strings.TrimRight(strings.TrimSpace(q.Query), ";")
		if strings.Contains(stmt, LastSyncPlaceholder) {
			since := q.Since
			if since.IsZero() {
				since = epoch
			}
			return strings.ReplaceAll(stmt, LastSyncPlaceholder, since.UTC().Format(sqlTimeLayout)), nil, nil
		}
		if q.Since.IsZero() || q.ModifiedTimeColumn == "" {
			return stmt, nil, nil
		}
		return fmt.Sprintf("SELECT * FROM (%s) src WHERE %s > %s",
			stmt, d.Quote(q.ModifiedTimeColumn), d.Placeholder(1)), []any{timeArg(d, q.Since)}, nil
	}

	if strings.TrimSpace(q.Table) == "" {
		return "", nil, errors.New("migrate", "source table or query is required")
	}
	schema, table := splitTable(q.Table)
	top := ""
	if d == database.SQLServer && q.Limit > 0 {
		top = fmt.Sprintf("TOP %d ", q.Limit)
	}
	stmt := fmt.Sprintf("SELECT %s* FROM %s", top, d.Qualify(schema, table))

	var args []any
	if !q.Since.IsZero() && q.ModifiedTimeColumn != "" {
		stmt += fmt.Sprintf(" WHERE %s > %s", d.Quote(q.ModifiedTimeColumn), d.Placeholder(1))
		args = append(args, timeArg(d, q.Since))
	}
	if d != database.SQLServer && q.Limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	return stmt, args, nil
}

// timeArg binds SQLite times as text so they compare with text columns.
func timeArg(d database.Dialect, t time.Time) any {
	if d == database.SQLite {
		return t.UTC().Format(sqlTimeLayout)
	}
	return t.UTC()
}

func splitTable(name string) (string, string) {
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		return name[:i], name[i+1:]
	}
	return "", name
}

// annotate adds a context value to the SyncError in err's chain.
func annotate(err error, key string, value any) error {
	var se *errors.SyncError
	if errors.As(err, &se) {
		errors.WithContext(se, key, value)
		return err
	}
	return errors.WithContext(errors.NewError(errors.CodeOf(err), err.Error(), err), key, value)
}
