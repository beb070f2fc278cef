package orchestrator

import (
	"context"
	"time"

	"github.com/terrafusion/syncservice/internal/application/auditlog"
	"github.com/terrafusion/syncservice/internal/application/conflict"
	"github.com/terrafusion/syncservice/internal/domain/errors"
	"github.com/terrafusion/syncservice/internal/domain/job"
	"github.com/terrafusion/syncservice/internal/domain/record"
	"github.com/terrafusion/syncservice/internal/infrastructure/logging"
	"github.com/terrafusion/syncservice/internal/infrastructure/tracing"
)

// processChange prepares the operation for a change and runs its first attempt.
func (t *tableRun) processChange(ch change) error {
	if t.stopCtx.Err() != nil {
		return errors.ErrShutdown
	}
	spec := t.spec

	rec := ch.rec
	var invalid []string
	if ch.opType == job.OperationDelete {
		rec = rec.Project(spec.PrimaryKeys)
	} else {
		invalid = t.o.validator.ValidateRecord(spec.Name, rec)
	}

	key := job.OperationKey(spec.Name, ch.id)
	var op *job.SyncOperation
	t.run.update(func(s *job.SyncState) {
		op = s.Operations[key]
		if op == nil {
			op = job.NewOperation(spec.Name, ch.opType, ch.id, rec)
			s.Operations[key] = op
			return
		}
		// Resumed operations keep their ID and retry count.
		op.OperationType = ch.opType
		op.Records = []record.Record{rec}
	})

	if len(invalid) > 0 {
		_ = t.o.audit.ValidationError(t.ioCtx, t.subject(op), rec, invalid)
		err := errors.WithContext(
			errors.NewError(errors.CodeData, "record failed validation: "+invalid[0], nil),
			"record_id", ch.id)
		return t.failOperation(op, err)
	}
	if missing := rec.Missing(spec.PrimaryKeys); len(missing) > 0 {
		err := errors.WithContext(
			errors.NewError(errors.CodeSchema, spec.Name+": record is missing primary key "+missing[0], errors.ErrMissingPrimaryKey),
			"record_id", ch.id)
		_ = t.o.audit.Error(t.ioCtx, t.subject(op), err, nil)
		return t.failOperation(op, err)
	}

	return t.attempt(&retryItem{op: op, base: ch.base})
}

// retry is the retry queue callback.
func (t *tableRun) retry(it *retryItem) {
	if t.stopCtx.Err() != nil {
		t.queue.Push(it)
		return
	}
	t.run.update(func(*job.SyncState) { it.op.MarkRetrying() })
	if err := t.attempt(it); err != nil {
		t.fail(err)
	}
}

// attempt writes an operation once. Transient failures are scheduled on the
// retry queue; every other outcome is terminal. Only fatal errors and
// errors.ErrShutdown are returned.
func (t *tableRun) attempt(it *retryItem) error {
	op := it.op
	ctx := logging.WithOperationID(t.ioCtx, op.OperationID)
	ctx, span := t.o.tracer.StartOperationSpan(ctx, t.spec.Name, string(op.OperationType), op.RecordID(), op.RetryCount)

	start := time.Now()
	err := t.write(ctx, it)
	t.o.metrics.ObserveOperation(t.spec.Name, string(op.OperationType), time.Since(start))

	if err != nil {
		span.EndWithError(err)
	} else {
		span.End()
	}
	return err
}

// write applies the operation to the target and settles the result.
func (t *tableRun) write(ctx context.Context, it *retryItem) error {
	op := it.op
	rec := op.Record()
	target := t.o.target

	switch op.OperationType {
	case job.OperationInsert:
		err := target.Insert(ctx, t.spec, rec)
		if err != nil && !it.resolved && errors.CodeOf(err) == errors.CodeConflict && ctx.Err() == nil {
			// The row appeared after detection: a conflict with no base.
			current, getErr := target.GetRow(ctx, t.spec, rec)
			if getErr != nil {
				return t.settle(ctx, it, getErr, job.OutcomeInserted)
			}
			return t.resolve(ctx, it, current)
		}
		return t.settle(ctx, it, err, job.OutcomeInserted)

	case job.OperationUpdate:
		if !it.resolved && it.base != nil {
			current, err := target.GetRow(ctx, t.spec, rec)
			if err != nil {
				return t.settle(ctx, it, err, job.OutcomeUpdated)
			}
			if conflict.Detect(it.base, current, t.spec.NonKeyFields()) {
				return t.resolve(ctx, it, current)
			}
		}
		err := target.Update(ctx, t.spec, rec)
		if err != nil && !it.resolved && errors.CodeOf(err) == errors.CodeConflict && ctx.Err() == nil {
			// The row was deleted after detection.
			return t.resolve(ctx, it, nil)
		}
		return t.settle(ctx, it, err, job.OutcomeUpdated)

	default:
		return t.settle(ctx, it, target.Delete(ctx, t.spec, rec), job.OutcomeDeleted)
	}
}

// resolve hands a conflict to the resolver. A resolution that needs a write
// replaces the operation with a fresh one; one that keeps the target counts as
// a conflict and an unresolvable one as an error.
func (t *tableRun) resolve(ctx context.Context, it *retryItem, current record.Record) error {
	op := it.op
	subj := t.subject(op)
	c := conflict.Conflict{
		Table:    t.spec,
		RecordID: op.RecordID(),
		Source:   op.Record(),
		Target:   current,
		Base:     it.base,
	}
	_ = t.o.audit.Conflict(ctx, subj, t.spec.PrimaryKeys, c.Source, c.Target, c.Differences())

	res, err := t.o.resolver.Resolve(ctx, c)
	if err != nil {
		strategy := t.o.resolver.StrategyFor(t.spec.Name).Name()
		tracing.AddConflictEvent(ctx, strategy, "unresolved", len(c.Differences()))
		logging.LogConflict(ctx, t.o.logger, c.RecordID, strategy, "unresolved")
		_ = t.o.audit.Error(ctx, subj, err, map[string]any{"error_code": string(errors.CodeOf(err))})
		return t.failOperation(op, err)
	}
	_ = t.o.audit.ConflictResolution(ctx, subj, res.Strategy, string(res.Winner), res.Record, res.Write)
	t.o.metrics.RecordConflict(t.spec.Name, res.Strategy)
	tracing.AddConflictEvent(ctx, res.Strategy, string(res.Winner), len(c.Differences()))

	if !res.Write {
		logging.LogConflict(ctx, t.o.logger, c.RecordID, res.Strategy, string(res.Winner))
		return t.o.recordOutcome(ctx, t.run, op, job.OutcomeConflict, (*job.SyncOperation).MarkCompleted)
	}

	opType := job.OperationUpdate
	if current == nil {
		opType = job.OperationInsert
	}
	fresh := job.NewOperation(t.spec.Name, opType, op.RecordID(), res.Record)
	t.run.update(func(s *job.SyncState) {
		s.Operations[job.OperationKey(t.spec.Name, op.RecordID())] = fresh
	})
	logging.LogConflict(ctx, t.o.logger, c.RecordID, res.Strategy, string(res.Winner))
	return t.write(logging.WithOperationID(ctx, fresh.OperationID), &retryItem{op: fresh, resolved: true})
}

// settle records the result of a write.
func (t *tableRun) settle(ctx context.Context, it *retryItem, err error, outcome job.Outcome) error {
	op := it.op
	subj := t.subject(op)
	if err == nil {
		_ = t.o.audit.Operation(ctx, subj, op.Record(), map[string]any{"retry_count": op.RetryCount}, nil)
		return t.o.recordOutcome(ctx, t.run, op, outcome, (*job.SyncOperation).MarkCompleted)
	}

	// A cancelled write leaves the operation unfinished for resume.
	if ctx.Err() != nil {
		t.run.update(func(*job.SyncState) { op.LastError = err.Error() })
		return errors.ErrShutdown
	}

	code := errors.CodeOf(err)
	if code == errors.CodeFatal {
		return err
	}
	_ = t.o.audit.Error(ctx, subj, err, map[string]any{
		"error_code":  string(code),
		"retry_count": op.RetryCount,
	})

	policy := t.o.opts.Retry
	if code == errors.CodeTransient && !policy.Exhausted(op.RetryCount) {
		var delay time.Duration
		t.run.update(func(s *job.SyncState) {
			op.MarkRetry(err)
			s.Stats.Retries++
			delay = policy.Delay(op.RetryCount - 1)
		})
		t.o.metrics.RecordRetry(t.spec.Name)
		logging.LogOperationRetry(ctx, t.o.logger, op.OperationID, op.RetryCount, delay, err)
		t.queue.Push(&retryItem{op: op, base: it.base, resolved: it.resolved, due: time.Now().Add(delay)})
		return nil
	}
	return t.failOperation(op, err)
}

// failOperation marks an operation failed and counts it as an error record.
func (t *tableRun) failOperation(op *job.SyncOperation, err error) error {
	logging.LogOperationFailed(t.ioCtx, t.o.logger, op.OperationID, op.RecordID(), err)
	return t.o.recordOutcome(t.ioCtx, t.run, op, job.OutcomeError, func(op *job.SyncOperation) {
		op.MarkFailed(err)
	})
}

func (t *tableRun) subject(op *job.SyncOperation) auditlog.Subject {
	return auditlog.Subject{
		JobID:       t.run.id,
		Table:       t.spec.Name,
		RecordID:    op.RecordID(),
		Operation:   string(op.OperationType),
		OperationID: op.OperationID,
	}
}
