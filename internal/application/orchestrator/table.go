package orchestrator

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/terrafusion/syncservice/internal/application/auditlog"
	"github.com/terrafusion/syncservice/internal/application/detect"
	"github.com/terrafusion/syncservice/internal/application/transform"
	"github.com/terrafusion/syncservice/internal/domain/errors"
	"github.com/terrafusion/syncservice/internal/domain/job"
	"github.com/terrafusion/syncservice/internal/domain/record"
	"github.com/terrafusion/syncservice/internal/infrastructure/logging"
	"github.com/terrafusion/syncservice/internal/infrastructure/tracing"
)

// change is one detected difference to apply to the target.
type change struct {
	opType job.OperationType
	id     string
	rec    record.Record
	base   record.Record
}

// tableRun is the processing of one table within a job.
type tableRun struct {
	o     *Orchestrator
	run   *jobRun
	spec  job.TableSpec
	queue *retryQueue

	// ioCtx carries writes. stopCtx is cancelled on stop or on a fatal error.
	ioCtx   context.Context
	stopCtx context.Context
	abort   context.CancelFunc

	errMu sync.Mutex
	err   error
}

// fail records the first error that ends the table early.
func (t *tableRun) fail(err error) {
	t.errMu.Lock()
	if t.err == nil || (stderrors.Is(t.err, errors.ErrShutdown) && !stderrors.Is(err, errors.ErrShutdown)) {
		t.err = err
	}
	t.errMu.Unlock()
	t.abort()
}

func (t *tableRun) failure() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

// processTable applies the changes of one table. Table-level failures are
// recorded in the table checkpoint; only fatal errors and errors.ErrShutdown
// are returned.
func (o *Orchestrator) processTable(ctx context.Context, run *jobRun, spec job.TableSpec) error {
	ctx = logging.WithTable(ctx, spec.Name)

	var prev *job.Checkpoint
	run.update(func(s *job.SyncState) {
		if cp, ok := s.TableCheckpoints[spec.Name]; ok {
			c := *cp
			prev = &c
		}
	})
	if prev != nil {
		switch prev.Status {
		case job.CheckpointCompleted:
			o.logger.DebugContext(ctx, "table already completed, skipping")
			return nil
		case job.CheckpointError:
			run.update(func(s *job.SyncState) { s.ResetTable(spec.Name) })
		}
	}

	start := time.Now()
	logging.LogTableStart(ctx, o.logger, spec.Name)
	ctx, span := o.tracer.StartTableSpan(ctx, spec.Name)

	if err := o.setCheckpoint(ctx, run, spec.Name, job.CheckpointStarted, ""); err != nil {
		span.EndWithError(err)
		return err
	}
	_ = o.audit.SchemaRead(ctx, auditlog.Subject{JobID: run.id, Table: spec.Name}, spec.Fields)

	var detectOpts []detect.Option
	if tr := o.transformers[spec.Name]; tr != nil {
		detectOpts = append(detectOpts, detect.WithMapper(o.mapper(ctx, spec, tr)))
	}
	cs, err := o.detector.Detect(ctx, o.source, o.target, spec, detectOpts...)
	if err != nil {
		return o.tableFailed(ctx, run, spec, span, err)
	}
	planned := o.plan(run, spec, cs)
	span.SetChanges(len(planned[0]), len(planned[1]), len(planned[2]))
	if err := o.persist(ctx, run); err != nil {
		span.EndWithError(err)
		return err
	}

	stopCtx, abort := context.WithCancel(run.stopCtx)
	defer abort()
	t := &tableRun{
		o:           o,
		run:         run,
		spec:    spec,
		queue:   newRetryQueue(),
		ioCtx:   ctx,
		stopCtx: stopCtx,
		abort:   abort,
	}

	workerDone := make(chan error, 1)
	go func() {
		workerDone <- t.queue.Run(t.stopCtx, t.retry)
	}()
	// New records first, then modified, then deleted.
	for _, changes := range planned {
		if err := t.processAll(changes); err != nil {
			break
		}
	}
	t.queue.Close()
	if err := <-workerDone; err != nil {
		t.fail(errors.ErrShutdown)
	}
	if dropped := t.queue.Drain(); len(dropped) > 0 {
		o.logger.DebugContext(ctx, "dropped pending retries",
			"count", len(dropped),
		)
	}

	if err := t.failure(); err != nil {
		if stderrors.Is(err, errors.ErrShutdown) {
			span.End()
			return errors.ErrShutdown
		}
		return o.tableFailed(ctx, run, spec, span, err)
	}

	if err := o.setCheckpoint(ctx, run, spec.Name, job.CheckpointCompleted, ""); err != nil {
		span.EndWithError(err)
		return err
	}
	span.End()
	logging.LogTableComplete(ctx, o.logger, spec.Name, cs.Total(), time.Since(start))
	return nil
}

// mapper applies the table's field mapping to source rows during detection,
// so changes carry the rows that will be written.
func (o *Orchestrator) mapper(ctx context.Context, spec job.TableSpec, tr *transform.Transformer) detect.Mapper {
	return func(rec record.Record) record.Record {
		out, warnings := tr.TransformRecord(0, rec)
		for _, w := range warnings {
			o.logger.DebugContext(ctx, "transform warning",
				"record_id", out.ID(spec.PrimaryKeys),
				"warning", w.String(),
			)
		}
		return out
	}
}

// processAll runs the first attempt of each change, serially or with up to
// MaxParallelOperations at a time. Each record has a single operation so
// per-record ordering holds either way.
func (t *tableRun) processAll(changes []change) error {
	if t.o.opts.MaxParallelOperations <= 1 {
		for _, ch := range changes {
			if err := t.processChange(ch); err != nil {
				t.fail(err)
				return err
			}
		}
		return nil
	}

	var g errgroup.Group
	g.SetLimit(t.o.opts.MaxParallelOperations)
	for _, ch := range changes {
		g.Go(func() error {
			err := t.processChange(ch)
			if err != nil {
				t.fail(err)
			}
			return err
		})
	}
	return g.Wait()
}

// tableFailed records a table-level error. Fatal errors are returned to stop the job.
func (o *Orchestrator) tableFailed(ctx context.Context, run *jobRun, spec job.TableSpec, span *tracing.TableSpan, err error) error {
	if run.stopping() {
		span.End()
		return errors.ErrShutdown
	}
	span.EndWithError(err)
	o.logger.ErrorContext(ctx, "table sync failed",
		"error", err.Error(),
	)
	_ = o.audit.Error(ctx, auditlog.Subject{JobID: run.id, Table: spec.Name}, err, map[string]any{
		"error_code": string(errors.CodeOf(err)),
	})
	if cpErr := o.setCheckpoint(ctx, run, spec.Name, job.CheckpointError, err.Error()); cpErr != nil {
		return cpErr
	}
	if errors.CodeOf(err) == errors.CodeFatal {
		return err
	}
	return nil
}

// plan turns a change set into the changes still to apply and sets the table
// counters. Keys whose operation already reached a terminal status are skipped,
// which is what makes resuming a table in place safe.
func (o *Orchestrator) plan(run *jobRun, spec job.TableSpec, cs *detect.ChangeSet) [3][]change {
	var planned [3][]change
	run.update(func(s *job.SyncState) {
		done := make(map[string]bool)
		for key, op := range s.Operations {
			if op.TableName == spec.Name && op.Status.IsTerminal() {
				done[key] = true
			}
		}

		live := make(map[string]bool)
		add := func(i int, opType job.OperationType, rec, base record.Record) {
			id := rec.ID(spec.PrimaryKeys)
			key := job.OperationKey(spec.Name, id)
			if done[key] {
				return
			}
			live[key] = true
			planned[i] = append(planned[i], change{opType: opType, id: id, rec: rec, base: base})
		}
		for _, r := range cs.New {
			add(0, job.OperationInsert, r, nil)
		}
		for _, r := range cs.Modified {
			add(1, job.OperationUpdate, r, cs.Base[r.ID(spec.PrimaryKeys)])
		}
		for _, r := range cs.Deleted {
			add(2, job.OperationDelete, r, nil)
		}

		// Unfinished operations whose change is gone reached the target before
		// the state was last saved.
		for key, op := range s.Operations {
			if op.TableName == spec.Name && !op.Status.IsTerminal() && !live[key] {
				delete(s.Operations, key)
			}
		}

		terminal := s.TerminalOperations(spec.Name)
		ts := s.TableStat(spec.Name)
		before := ts.Detected()
		ts.New = terminal[job.OperationInsert] + len(planned[0])
		ts.Modified = terminal[job.OperationUpdate] + len(planned[1])
		ts.Deleted = terminal[job.OperationDelete] + len(planned[2])
		s.Stats.TotalRecords += ts.Detected() - before

		s.SetCheckpoint(spec.Name, job.CheckpointChangesDetected, ts.Detected(), "")
		cp := s.TableCheckpoints[spec.Name]
		cp.ProcessedChanges = ts.Applied()
		s.Checkpoint = *cp
	})
	return planned
}
