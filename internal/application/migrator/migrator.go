package migrator

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/terrafusion/syncservice/internal/application/auditlog"
	"github.com/terrafusion/syncservice/internal/application/ports"
	"github.com/terrafusion/syncservice/internal/application/transform"
	"github.com/terrafusion/syncservice/internal/application/validate"
	"github.com/terrafusion/syncservice/internal/domain/audit"
	"github.com/terrafusion/syncservice/internal/domain/errors"
	"github.com/terrafusion/syncservice/internal/domain/record"
	"github.com/terrafusion/syncservice/internal/infrastructure/logging"
)

// previewRows is how many records of each batch a dry run keeps.
const previewRows = 3

// Options are the optional collaborators of a Migrator.
type Options struct {
	Registry *transform.Registry
	Audit    *auditlog.System
	Logger   *logging.Logger
	// WriteAttempts bounds retries of a batch that failed transiently.
	WriteAttempts uint
	RetryInterval time.Duration
	Now           func() time.Time
}

// Migrator runs one migration.
type Migrator struct {
	cfg       *Config
	source    ports.RowSource
	sink      ports.Sink
	registry  *transform.Registry
	validator *validate.Validator
	audit     *auditlog.System
	logger    *logging.Logger
	attempts  uint
	interval  time.Duration
	now       func() time.Time
}

// BatchPreview is what a dry run would have written for one batch.
type BatchPreview struct {
	Index  int             `json:"index"`
	Count  int             `json:"count"`
	Sample []record.Record `json:"sample"`
}

// TableResult is the outcome of one table.
type TableResult struct {
	SourceTable   string         `json:"source_table"`
	TargetSchema  string         `json:"target_schema"`
	TargetTable   string         `json:"target_table"`
	Since         time.Time      `json:"since,omitempty"`
	Read          int            `json:"read"`
	Invalid       int            `json:"invalid"`
	Warnings      int            `json:"warnings"`
	Written       int            `json:"written"`
	Batches       int            `json:"batches"`
	Previews      []BatchPreview `json:"previews,omitempty"`
	TransactionID string         `json:"transaction_id,omitempty"`
	Error         string         `json:"error,omitempty"`
	Duration      time.Duration  `json:"duration"`
}

// Result is the outcome of a run.
type Result struct {
	RunID       string        `json:"run_id"`
	DryRun      bool          `json:"dry_run"`
	Incremental bool          `json:"incremental"`
	Tables      []TableResult `json:"tables"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
}

// Failed reports whether any table failed.
func (r *Result) Failed() bool {
	for _, t := range r.Tables {
		if t.Error != "" {
			return true
		}
	}
	return false
}

// Totals sums read, written and invalid rows over every table.
func (r *Result) Totals() (read, written, invalid int) {
	for _, t := range r.Tables {
		read += t.Read
		written += t.Written
		invalid += t.Invalid
	}
	return read, written, invalid
}

// New creates a Migrator for a validated config.
func New(cfg *Config, source ports.RowSource, sink ports.Sink, opts Options) (*Migrator, error) {
	if cfg == nil || source == nil || sink == nil {
		return nil, errors.NewError(errors.CodeConfiguration, "migrator needs a config, a source and a sink", nil)
	}
	if opts.Registry == nil {
		opts.Registry = transform.NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.WriteAttempts == 0 {
		opts.WriteAttempts = 3
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 500 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(opts.Registry); err != nil {
		return nil, err
	}

	rules := make(map[string]validate.TableRules)
	for _, t := range cfg.Tables {
		if t.Validation != nil {
			rules[t.TargetTable] = *t.Validation
		}
	}
	v, err := validate.New(rules)
	if err != nil {
		return nil, err
	}

	return &Migrator{
		cfg:       cfg,
		source:    source,
		sink:      sink,
		registry:  opts.Registry,
		validator: v,
		audit:     opts.Audit,
		logger:    opts.Logger.With("component", audit.ComponentMigrator),
		attempts:  opts.WriteAttempts,
		interval:  opts.RetryInterval,
		now:       opts.Now,
	}, nil
}

// Run migrates every table. Tables run concurrently up to the configured
// parallelism; a failing table does not stop the others. The returned error
// joins the failures of every table.
func (m *Migrator) Run(ctx context.Context) (*Result, error) {
	res := &Result{
		RunID:       uuid.NewString(),
		DryRun:      m.cfg.Sync.DryRun,
		Incremental: m.cfg.Sync.Incremental,
		Tables:      make([]TableResult, len(m.cfg.Tables)),
		StartedAt:   m.now().UTC(),
	}
	ctx = logging.WithJobID(ctx, res.RunID)
	m.logger.InfoContext(ctx, "migration started",
		"source_type", m.cfg.SourceType,
		"tables", len(m.cfg.Tables),
		"dry_run", res.DryRun,
		"incremental", res.Incremental)
	m.auditStart(ctx, res)

	if !res.DryRun {
		if err := m.sink.EnsureTracking(ctx); err != nil {
			res.Duration = m.now().Sub(res.StartedAt)
			m.auditEnd(ctx, res, err)
			return res, err
		}
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Sync.Parallelism)
	for i, t := range m.cfg.Tables {
		g.Go(func() error {
			tr, err := m.migrateTable(gctx, res.RunID, t)
			res.Tables[i] = tr
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", t.TargetTable, err))
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	res.Duration = m.now().Sub(res.StartedAt)
	err := stderrors.Join(errs...)
	read, written, invalid := res.Totals()
	if err != nil {
		m.logger.ErrorContext(ctx, "migration failed", "error", err, "failed_tables", len(errs))
	} else {
		m.logger.InfoContext(ctx, "migration completed",
			"read", read, "written", written, "invalid", invalid, "duration_ms", res.Duration.Milliseconds())
	}
	m.auditEnd(ctx, res, err)
	return res, err
}

func (m *Migrator) migrateTable(ctx context.Context, runID string, t TableConfig) (TableResult, error) {
	start := m.now()
	tr := TableResult{SourceTable: t.SourceName(), TargetSchema: t.TargetSchema, TargetTable: t.TargetTable}
	ctx = logging.WithTable(ctx, t.TargetTable)
	subj := auditlog.Subject{JobID: runID, Component: audit.ComponentMigrator, Table: t.TargetTable}

	err := m.runTable(ctx, subj, t, &tr)
	tr.Duration = m.now().Sub(start)
	if err != nil {
		tr.Error = err.Error()
		m.logger.ErrorContext(ctx, "table migration failed", "error", err, "error_code", string(errors.CodeOf(err)))
		if m.audit != nil {
			m.audit.Error(ctx, subj, err, map[string]any{"error_code": string(errors.CodeOf(err))})
		}
		return tr, err
	}
	m.logger.InfoContext(ctx, "table migrated",
		"read", tr.Read, "written", tr.Written, "invalid", tr.Invalid, "batches", tr.Batches)
	return tr, nil
}

func (m *Migrator) runTable(ctx context.Context, subj auditlog.Subject, t TableConfig, tr *TableResult) error {
	syncStarted := m.now().UTC()
	tracking := m.cfg.Sync.Incremental || m.cfg.Sync.EnableChangeTracking

	if m.cfg.Sync.Incremental {
		ls, err := m.sink.GetLastSync(ctx, m.cfg.SourceType, t.SourceName(), t.TargetSchema, t.TargetTable)
		switch {
		case err != nil && m.cfg.Sync.DryRun:
			m.logger.WarnContext(ctx, "could not read last sync, previewing a full read", "error", err)
		case err != nil:
			return err
		case ls != nil:
			tr.Since = ls.LastSyncTime
		}
	}

	rows, err := m.source.Read(ctx, ports.SourceQuery{
		Table:              t.SourceTable,
		Query:              t.SourceQuery,
		ModifiedTimeColumn: t.ModifiedTimeColumn,
		Since:              tr.Since,
		Limit:              t.Limit,
	})
	if err != nil {
		return err
	}
	tr.Read = len(rows)
	if m.audit != nil {
		m.audit.RecordRead(ctx, subj, m.cfg.SourceType, len(rows))
	}

	valid := m.prepare(ctx, subj, t, rows, tr)
	upsert := t.KeyColumn != "" && (t.UpsertOnKey || m.cfg.Sync.Incremental)

	for i := 0; i < len(valid); i += t.BatchSize {
		end := min(i+t.BatchSize, len(valid))
		batch := valid[i:end]
		tr.Batches++

		if m.cfg.Sync.DryRun {
			sample := make([]record.Record, 0, previewRows)
			for _, r := range batch[:min(previewRows, len(batch))] {
				sample = append(sample, r.Normalized())
			}
			tr.Previews = append(tr.Previews, BatchPreview{Index: tr.Batches, Count: len(batch), Sample: sample})
			m.logger.InfoContext(ctx, "dry run: would write batch",
				"batch", tr.Batches, "records", len(batch), "upsert", upsert, "key_column", t.KeyColumn)
			continue
		}

		if err := m.writeBatch(ctx, t, batch, upsert); err != nil {
			return errors.WithContext(errors.NewError(errors.CodeOf(err), fmt.Sprintf("batch %d failed", tr.Batches), err),
				"written", tr.Written)
		}
		tr.Written += len(batch)
		m.logger.DebugContext(ctx, "batch written", "batch", tr.Batches, "records", len(batch))
	}

	if m.cfg.Sync.DryRun {
		return nil
	}

	if tracking {
		err := m.sink.SetLastSync(ctx, ports.LastSync{
			SourceType:    m.cfg.SourceType,
			SourceTable:   t.SourceName(),
			TargetSchema:  t.TargetSchema,
			TargetTable:   t.TargetTable,
			LastSyncTime:  syncStarted,
			SyncKeyColumn: t.KeyColumn,
			LastKeyValue:  lastKey(valid, t.KeyColumn),
			RecordCount:   tr.Written,
		})
		if err != nil {
			return err
		}
	}

	tr.TransactionID = uuid.NewString()
	err = m.sink.RecordTransaction(ctx, ports.TransactionRecord{
		ID:           tr.TransactionID,
		Timestamp:    m.now().UTC(),
		Operation:    operationName(m.cfg.Sync.Incremental, upsert),
		SourceType:   m.cfg.SourceType,
		TargetSchema: t.TargetSchema,
		TargetTable:  t.TargetTable,
		RecordCount:  tr.Written,
		Metadata: map[string]any{
			"run_id":          subj.JobID,
			"source_table":    t.SourceName(),
			"key_column":      t.KeyColumn,
			"since":           tr.Since,
			"enable_rollback": m.cfg.Sync.EnableRollback,
		},
	})
	if err != nil {
		tr.TransactionID = ""
		return err
	}
	return nil
}

// prepare transforms and validates rows and returns the ones to write.
func (m *Migrator) prepare(ctx context.Context, subj auditlog.Subject, t TableConfig, rows []record.Record, tr *TableResult) []record.Record {
	tf := transform.NewTransformer(t.FieldMapping, m.registry)
	valid := make([]record.Record, 0, len(rows))
	for i, row := range rows {
		out, warnings := tf.TransformRecord(i, row)
		for field, name := range t.Transformers {
			v, ok := out[field]
			if !ok {
				continue
			}
			converted, err := m.registry.Apply(name, v)
			if err != nil {
				warnings = append(warnings, transform.Warning{Index: i, Field: field, Message: err.Error()})
				continue
			}
			out[field] = converted
		}
		for _, w := range warnings {
			m.logger.DebugContext(ctx, "transform warning", "warning", w.String())
		}
		tr.Warnings += len(warnings)

		if t.KeyColumn != "" && out[t.KeyColumn] == nil {
			tr.Invalid++
			m.logger.WarnContext(ctx, "record skipped", "index", i, "reason", "missing key column "+t.KeyColumn)
			if m.audit != nil {
				m.audit.ValidationError(ctx, subj, out, []string{"missing key column " + t.KeyColumn})
			}
			continue
		}
		if msgs := m.validator.ValidateRecord(t.TargetTable, out); len(msgs) > 0 {
			tr.Invalid++
			m.logger.WarnContext(ctx, "record failed validation", "index", i, "errors", msgs)
			if m.audit != nil {
				s := subj
				if t.KeyColumn != "" {
					s.RecordID = record.FormatValue(out[t.KeyColumn])
				}
				m.audit.ValidationError(ctx, s, out, msgs)
			}
			continue
		}
		valid = append(valid, out)
	}
	return valid
}

// writeBatch retries transient failures with exponential backoff.
func (m *Migrator) writeBatch(ctx context.Context, t TableConfig, batch []record.Record, upsert bool) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.interval
	b.MaxInterval = 10 * time.Second

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := m.sink.Write(ctx, t.TargetSchema, t.TargetTable, batch, t.KeyColumn, upsert)
		if err == nil {
			return struct{}{}, nil
		}
		if !errors.IsRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		m.logger.WarnContext(ctx, "batch write failed, retrying", "attempt", attempt, "error", err)
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(m.attempts))
	return err
}

func (m *Migrator) auditData(res *Result) map[string]any {
	return map[string]any{
		"component":   audit.ComponentMigrator,
		"source_type": m.cfg.SourceType,
		"dry_run":     res.DryRun,
		"incremental": res.Incremental,
		"tables":      len(m.cfg.Tables),
	}
}

func (m *Migrator) auditStart(ctx context.Context, res *Result) {
	if m.audit != nil {
		m.audit.JobStart(ctx, res.RunID, m.auditData(res))
	}
}

func (m *Migrator) auditEnd(ctx context.Context, res *Result, runErr error) {
	if m.audit == nil {
		return
	}
	data := m.auditData(res)
	read, written, invalid := res.Totals()
	data["read_records"] = read
	data["written_records"] = written
	data["invalid_records"] = invalid
	data["duration_ms"] = res.Duration.Milliseconds()
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	m.audit.JobEnd(ctx, res.RunID, runErr == nil, data, msg)
}

// lastKey returns the key of the last written row.
func lastKey(rows []record.Record, keyColumn string) string {
	if keyColumn == "" || len(rows) == 0 {
		return ""
	}
	return record.FormatValue(rows[len(rows)-1][keyColumn])
}

func operationName(incremental, upsert bool) string {
	switch {
	case incremental:
		return "incremental_sync"
	case upsert:
		return "upsert"
	default:
		return "insert"
	}
}
