package orchestrator

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/terrafusion/syncservice/internal/domain/errors"
	"github.com/terrafusion/syncservice/internal/domain/job"
	"github.com/terrafusion/syncservice/internal/infrastructure/logging"
)

// jobRun is the in-process execution of one job.
type jobRun struct {
	id      string
	resumed bool

	// ctx carries I/O and is cancelled only when a stop exceeds its grace period.
	ctx    context.Context
	cancel context.CancelFunc
	// stopCtx is cancelled as soon as a stop is requested; loops check it at boundaries.
	stopCtx     context.Context
	requestStop context.CancelFunc

	mu              sync.Mutex
	state           *job.SyncState
	sinceCheckpoint int
	finished        bool

	persistMu sync.Mutex

	done     chan struct{}
	doneOnce sync.Once
}

func newJobRun(parent context.Context, state *job.SyncState, resumed bool) *jobRun {
	ctx, cancel := context.WithCancel(logging.WithJobID(parent, state.JobID))
	stopCtx, requestStop := context.WithCancel(ctx)
	return &jobRun{
		id:          state.JobID,
		resumed:     resumed,
		ctx:         ctx,
		cancel:      cancel,
		stopCtx:     stopCtx,
		requestStop: requestStop,
		state:       state,
		done:        make(chan struct{}),
	}
}

func (r *jobRun) stopping() bool {
	return r.stopCtx.Err() != nil
}

// update mutates the state under the job lock.
func (r *jobRun) update(fn func(s *job.SyncState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.state)
}

func (r *jobRun) snapshot() *job.SyncState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.StripRecords()
}

func (r *jobRun) close() {
	r.doneOnce.Do(func() {
		r.cancel()
		close(r.done)
	})
}

// execute runs every table of the job and records the final status.
func (o *Orchestrator) execute(run *jobRun) error {
	ctx := run.ctx
	start := time.Now()

	var tables []job.TableSpec
	run.update(func(s *job.SyncState) {
		if s.Status == job.StatusPending {
			s.Transition(job.StatusRunning)
		}
		tables = append(tables, s.Tables...)
	})
	logging.LogJobStart(ctx, o.logger, run.id, len(tables), run.resumed)

	ctx, span := o.tracer.StartJobSpan(ctx, run.id, len(tables), run.resumed)
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = t.Name
	}
	_ = o.audit.JobStart(ctx, run.id, map[string]any{
		"tables":  names,
		"source":  o.source.Name(),
		"target":  o.target.Name(),
		"resumed": run.resumed,
	})

	if err := o.persist(ctx, run); err != nil {
		o.finish(run, job.StatusFailed, err)
		span.EndWithError(err)
		logging.LogJobFailed(ctx, o.logger, run.id, err, time.Since(start))
		return err
	}

	fatal := o.runTables(ctx, run, tables)

	status, jobErr := o.outcome(run, fatal)
	o.finish(run, status, jobErr)

	final := run.snapshot()
	span.SetResult(string(status), final.Stats.ProcessedRecords, final.Stats.ErrorRecords, final.Stats.ConflictRecords)
	if jobErr != nil && status == job.StatusFailed {
		span.EndWithError(jobErr)
		logging.LogJobFailed(ctx, o.logger, run.id, jobErr, time.Since(start))
		return jobErr
	}
	span.End()
	logging.LogJobComplete(ctx, o.logger, run.id, string(status), final.Stats.ProcessedRecords, time.Since(start))
	return nil
}

// runTables processes the tables sequentially, or with up to MaxParallelTables
// at a time. Only fatal errors are returned.
func (o *Orchestrator) runTables(ctx context.Context, run *jobRun, tables []job.TableSpec) error {
	if o.opts.MaxParallelTables <= 1 || len(tables) <= 1 {
		for _, spec := range tables {
			if run.stopping() {
				return nil
			}
			if err := o.processTable(ctx, run, spec); err != nil {
				return err
			}
		}
		return nil
	}

	var g errgroup.Group
	g.SetLimit(o.opts.MaxParallelTables)
	for _, spec := range tables {
		g.Go(func() error {
			if run.stopping() {
				return nil
			}
			err := o.processTable(ctx, run, spec)
			if err != nil {
				// Other tables stop at their next boundary.
				run.requestStop()
			}
			return err
		})
	}
	return g.Wait()
}

// outcome decides the final status of a job.
func (o *Orchestrator) outcome(run *jobRun, fatal error) (job.Status, error) {
	if fatal != nil && !stderrors.Is(fatal, errors.ErrShutdown) {
		return job.StatusFailed, fatal
	}
	if run.stopping() {
		return job.StatusStopped, nil
	}

	run.mu.Lock()
	defer run.mu.Unlock()
	for _, spec := range run.state.Tables {
		cp, ok := run.state.TableCheckpoints[spec.Name]
		if ok && cp.Status == job.CheckpointError {
			return job.StatusFailed, errors.WithContext(
				errors.NewError(errors.CodeData, "table "+spec.Name+" failed: "+cp.Error, nil),
				"table_name", spec.Name)
		}
	}
	return job.StatusCompleted, nil
}

// finish transitions the job to its final status once, persists it, emits
// job_end and releases the job.
func (o *Orchestrator) finish(run *jobRun, status job.Status, jobErr error) {
	run.mu.Lock()
	if run.finished {
		run.mu.Unlock()
		return
	}
	run.finished = true
	if !run.state.Transition(status) {
		o.logger.Warn("unexpected job status transition",
			"job_id", run.id,
			"from", string(run.state.Status),
			"to", string(status),
		)
		run.state.Status = status
	}
	if jobErr != nil {
		run.state.Stats.Error = jobErr.Error()
	}
	stats := run.state.Stats
	run.mu.Unlock()

	// The job context may already be cancelled; the final save must still happen.
	ctx := context.WithoutCancel(run.ctx)
	if err := o.persist(ctx, run); err != nil {
		o.logger.ErrorContext(ctx, "failed to persist final job state",
			"job_id", run.id,
			"error", err.Error(),
		)
	}

	errMsg := ""
	if jobErr != nil {
		errMsg = jobErr.Error()
	}
	_ = o.audit.JobEnd(ctx, run.id, status == job.StatusCompleted, map[string]any{
		"status":            string(status),
		"processed_records": stats.ProcessedRecords,
		"inserted_records":  stats.InsertedRecords,
		"updated_records":   stats.UpdatedRecords,
		"deleted_records":   stats.DeletedRecords,
		"error_records":     stats.ErrorRecords,
		"conflict_records":  stats.ConflictRecords,
		"retries":           stats.Retries,
	}, errMsg)
	o.metrics.RecordJob(string(status))

	o.unregister(run)
	run.close()
}
