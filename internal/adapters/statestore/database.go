package statestore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/terrafusion/syncservice/internal/adapters/database"
	"github.com/terrafusion/syncservice/internal/application/ports"
	"github.com/terrafusion/syncservice/internal/domain/errors"
	"github.com/terrafusion/syncservice/internal/domain/job"
)

// Compile-time check that DatabaseStore implements StateStorePort.
var _ ports.StateStorePort = (*DatabaseStore)(nil)

const stateTable = "sync_job_states"

// DatabaseStore keeps job states as JSON documents in a SQL table.
type DatabaseStore struct {
	conn *database.Connection
}

// NewDatabaseStore creates the state table if needed.
func NewDatabaseStore(ctx context.Context, conn *database.Connection) (*DatabaseStore, error) {
	migrations := []database.Migration{
		{Version: 1, Name: "create_sync_job_states", SQL: func(d database.Dialect) []string {
			text, ts := "TEXT", "TIMESTAMP"
			switch d {
			case database.SQLServer:
				return []string{fmt.Sprintf(`
				IF OBJECT_ID(N'%s', N'U') IS NULL
				CREATE TABLE %s (
					job_id NVARCHAR(64) PRIMARY KEY,
					status NVARCHAR(32) NOT NULL,
					state NVARCHAR(MAX) NOT NULL,
					created_at DATETIME2 NOT NULL,
					updated_at DATETIME2 NOT NULL
				)`, stateTable, d.Quote(stateTable))}
			case database.Postgres:
				ts = "TIMESTAMPTZ"
			}
			return []string{fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				job_id %s PRIMARY KEY,
				status %s NOT NULL,
				state %s NOT NULL,
				created_at %s NOT NULL,
				updated_at %s NOT NULL
			)`, d.Quote(stateTable), text, text, text, ts, ts)}
		}},
	}
	if err := conn.Migrate(ctx, "state", migrations); err != nil {
		return nil, errors.NewError(errors.CodeFatal, "could not create state table", err)
	}
	return &DatabaseStore{conn: conn}, nil
}

// Save upserts the state.
func (s *DatabaseStore) Save(ctx context.Context, state *job.SyncState) error {
	db, err := s.conn.DB()
	if err != nil {
		return err
	}
	data, err := json.Marshal(state.StripRecords())
	if err != nil {
		return errors.NewError(errors.CodeData, "could not encode job state", err)
	}
	d := s.conn.Dialect()
	q := d.Upsert(d.Quote(stateTable), []string{"job_id", "status", "state", "created_at", "updated_at"}, []string{"job_id"})
	_, err = db.ExecContext(ctx, q, state.JobID, string(state.Status), string(data), state.CreatedAt.UTC(), state.UpdatedAt.UTC())
	return database.Classify(err, "save job state")
}

// Load reads the state of a job.
func (s *DatabaseStore) Load(ctx context.Context, jobID string) (*job.SyncState, error) {
	db, err := s.conn.DB()
	if err != nil {
		return nil, err
	}
	d := s.conn.Dialect()
	var data string
	q := fmt.Sprintf("SELECT state FROM %s WHERE job_id = %s", d.Quote(stateTable), d.Placeholder(1))
	err = db.QueryRowContext(ctx, q, jobID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, jobNotFound(jobID)
	}
	if err != nil {
		return nil, database.Classify(err, "load job state")
	}
	return decodeState([]byte(data), stateTable)
}

// List returns every persisted state, most recently updated first.
func (s *DatabaseStore) List(ctx context.Context) ([]*job.SyncState, error) {
	db, err := s.conn.DB()
	if err != nil {
		return nil, err
	}
	d := s.conn.Dialect()
	rows, err := db.QueryContext(ctx, fmt.Sprintf("SELECT state FROM %s ORDER BY updated_at DESC", d.Quote(stateTable)))
	if err != nil {
		return nil, database.Classify(err, "list job states")
	}
	defer rows.Close()

	var states []*job.SyncState
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, database.Classify(err, "list job states")
		}
		st, err := decodeState([]byte(data), stateTable)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, database.Classify(err, "list job states")
	}
	sortNewestFirst(states)
	return states, nil
}

// Delete removes the state of a job.
func (s *DatabaseStore) Delete(ctx context.Context, jobID string) error {
	db, err := s.conn.DB()
	if err != nil {
		return err
	}
	d := s.conn.Dialect()
	res, err := db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE job_id = %s", d.Quote(stateTable), d.Placeholder(1)), jobID)
	if err != nil {
		return database.Classify(err, "delete job state")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return database.Classify(err, "delete job state")
	}
	if n == 0 {
		return jobNotFound(jobID)
	}
	return nil
}
