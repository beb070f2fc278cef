// Package database provides the SQL DataStore used as sync source and target,
// with dialect-aware SQL generation for SQLite, PostgreSQL and SQL Server.
package database

import (
	"fmt"
	"strings"

	"github.com/terrafusion/syncservice/internal/domain/errors"
)

// Dialect identifies a SQL flavour.
type Dialect string

const (
	SQLite    Dialect = "sqlite"
	Postgres  Dialect = "postgres"
	SQLServer Dialect = "sqlserver"
)

// ParseDialect maps a configured driver name to a Dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pgx", "supabase":
		return Postgres, nil
	case "sqlserver", "mssql":
		return SQLServer, nil
	}
	return "", errors.WithContext(
		errors.NewError(errors.CodeConfiguration, "unsupported database driver "+driver, errors.ErrUnsupportedDriver),
		"driver", driver)
}

// DriverName returns the database/sql driver registered for the dialect.
func (d Dialect) DriverName() string {
	switch d {
	case Postgres:
		return "pgx"
	case SQLServer:
		return "sqlserver"
	default:
		return "sqlite3"
	}
}

// Placeholder returns the n-th (1-based) bind parameter.
func (d Dialect) Placeholder(n int) string {
	switch d {
	case Postgres:
		return fmt.Sprintf("$%d", n)
	case SQLServer:
		return fmt.Sprintf("@p%d", n)
	default:
		return "?"
	}
}

// Placeholders returns count bind parameters starting at start, comma separated.
func (d Dialect) Placeholders(start, count int) string {
	ps := make([]string, count)
	for i := range ps {
		ps[i] = d.Placeholder(start + i)
	}
	return strings.Join(ps, ", ")
}

// Quote quotes an identifier.
func (d Dialect) Quote(ident string) string {
	if d == SQLServer {
		return "[" + strings.ReplaceAll(ident, "]", "]]") + "]"
	}
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// Qualify returns the quoted, schema-qualified table name. SQLite has no
// schemas, so a schema other than main is flattened into the table name.
func (d Dialect) Qualify(schema, table string) string {
	if schema == "" {
		return d.Quote(table)
	}
	if d == SQLite {
		if schema == "main" {
			return d.Quote(table)
		}
		return d.Quote(schema + "_" + table)
	}
	return d.Quote(schema) + "." + d.Quote(table)
}

// QuoteAll quotes every identifier and joins them with commas.
func (d Dialect) QuoteAll(idents []string) string {
	q := make([]string, len(idents))
	for i, id := range idents {
		q[i] = d.Quote(id)
	}
	return strings.Join(q, ", ")
}

// Page appends an ORDER BY with row paging to a SELECT.
func (d Dialect) Page(orderBy []string, limit, offset int) string {
	order := " ORDER BY " + d.QuoteAll(orderBy)
	if d == SQLServer {
		return order + fmt.Sprintf(" OFFSET %d ROWS FETCH NEXT %d ROWS ONLY", offset, limit)
	}
	return order + fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
}

// Insert builds an INSERT of cols into table.
func (d Dialect) Insert(table string, cols []string) string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, d.QuoteAll(cols), d.Placeholders(1, len(cols)))
}

// Upsert builds an insert that updates the non-conflict columns when a row
// with the same conflict columns exists.
func (d Dialect) Upsert(table string, cols, conflictCols []string) string {
	var updates []string
	for _, c := range cols {
		if contains(conflictCols, c) {
			continue
		}
		switch d {
		case SQLServer:
			updates = append(updates, fmt.Sprintf("tgt.%s = src.%s", d.Quote(c), d.Quote(c)))
		default:
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", d.Quote(c), d.Quote(c)))
		}
	}

	if d == SQLServer {
		srcCols := make([]string, len(cols))
		insertVals := make([]string, len(cols))
		for i, c := range cols {
			srcCols[i] = fmt.Sprintf("%s AS %s", d.Placeholder(i+1), d.Quote(c))
			insertVals[i] = "src." + d.Quote(c)
		}
		on := make([]string, len(conflictCols))
		for i, c := range conflictCols {
			on[i] = fmt.Sprintf("tgt.%s = src.%s", d.Quote(c), d.Quote(c))
		}
		stmt := fmt.Sprintf("MERGE INTO %s AS tgt USING (SELECT %s) AS src ON %s",
			table, strings.Join(srcCols, ", "), strings.Join(on, " AND "))
		if len(updates) > 0 {
			stmt += " WHEN MATCHED THEN UPDATE SET " + strings.Join(updates, ", ")
		}
		return stmt + fmt.Sprintf(" WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s);", d.QuoteAll(cols), strings.Join(insertVals, ", "))
	}

	stmt := d.Insert(table, cols) + " ON CONFLICT (" + d.QuoteAll(conflictCols) + ")"
	if len(updates) == 0 {
		return stmt + " DO NOTHING"
	}
	return stmt + " DO UPDATE SET " + strings.Join(updates, ", ")
}

// Where builds an AND-ed equality predicate on cols with parameters from start.
func (d Dialect) Where(cols []string, start int) string {
	preds := make([]string, len(cols))
	for i, c := range cols {
		preds[i] = fmt.Sprintf("%s = %s", d.Quote(c), d.Placeholder(start+i))
	}
	return strings.Join(preds, " AND ")
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
