package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	stderrors "errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	mssql "github.com/microsoft/go-mssqldb"

	"github.com/terrafusion/syncservice/internal/domain/errors"
)

// Classify converts a driver error into a *errors.SyncError whose code tells
// the orchestrator whether the failure is worth retrying. Errors that are
// already classified are returned unchanged.
func Classify(err error, op string) error {
	if err == nil {
		return nil
	}
	var se *errors.SyncError
	if stderrors.As(err, &se) {
		return err
	}
	code := classifyCode(err)
	return errors.WithContext(errors.NewError(code, op+" failed", err), "operation", op)
}

func classifyCode(err error) errors.ErrorCode {
	switch {
	case stderrors.Is(err, context.DeadlineExceeded), stderrors.Is(err, context.Canceled):
		return errors.CodeTransient
	case stderrors.Is(err, driver.ErrBadConn), stderrors.Is(err, sql.ErrConnDone):
		return errors.CodeTransient
	case stderrors.Is(err, sql.ErrNoRows):
		return errors.CodeNotFound
	}

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		return classifySQLState(pgErr.Code)
	}

	var liteErr sqlite3.Error
	if stderrors.As(err, &liteErr) {
		return classifySQLite(liteErr)
	}

	var msErr mssql.Error
	if stderrors.As(err, &msErr) {
		return classifySQLServer(msErr.Number)
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return errors.CodeTransient
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "database is locked"):
		return errors.CodeTransient
	case strings.Contains(msg, "no such column"),
		strings.Contains(msg, "no such table"):
		return errors.CodeSchema
	}
	return errors.CodeData
}

// classifySQLState maps PostgreSQL SQLSTATE codes.
func classifySQLState(state string) errors.ErrorCode {
	switch state {
	case "40001", "40P01", "57P01", "57P02", "57P03", "53300":
		return errors.CodeTransient
	case "42703", "42P01", "3F000":
		return errors.CodeSchema
	case "23505":
		return errors.CodeConflict
	}
	switch {
	case strings.HasPrefix(state, "08"):
		return errors.CodeTransient
	case strings.HasPrefix(state, "23"), strings.HasPrefix(state, "22"):
		return errors.CodeData
	case strings.HasPrefix(state, "42"):
		return errors.CodeSchema
	}
	return errors.CodeData
}

func classifySQLite(e sqlite3.Error) errors.ErrorCode {
	switch e.Code {
	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		return errors.CodeTransient
	case sqlite3.ErrConstraint:
		if e.ExtendedCode == sqlite3.ErrConstraintUnique || e.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return errors.CodeConflict
		}
		return errors.CodeData
	}
	msg := e.Error()
	if strings.Contains(msg, "no such column") || strings.Contains(msg, "no such table") ||
		strings.Contains(msg, "has no column named") {
		return errors.CodeSchema
	}
	return errors.CodeData
}

// classifySQLServer maps SQL Server error numbers.
func classifySQLServer(number int32) errors.ErrorCode {
	switch number {
	case 1205, -2, 233, 10053, 10054, 40613, 40501:
		return errors.CodeTransient
	case 2627, 2601:
		return errors.CodeConflict
	case 207, 208:
		return errors.CodeSchema
	}
	return errors.CodeData
}
