// Package orchestrator runs sync jobs: it detects changes per table, writes
// them to the target with retries and conflict resolution, and checkpoints job
// state so that stopped or failed jobs can be resumed.
package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/terrafusion/syncservice/internal/application/auditlog"
	"github.com/terrafusion/syncservice/internal/application/conflict"
	"github.com/terrafusion/syncservice/internal/application/detect"
	"github.com/terrafusion/syncservice/internal/application/ports"
	"github.com/terrafusion/syncservice/internal/application/transform"
	"github.com/terrafusion/syncservice/internal/application/validate"
	"github.com/terrafusion/syncservice/internal/domain/errors"
	"github.com/terrafusion/syncservice/internal/domain/job"
	"github.com/terrafusion/syncservice/internal/infrastructure/logging"
	"github.com/terrafusion/syncservice/internal/infrastructure/metrics"
	"github.com/terrafusion/syncservice/internal/infrastructure/tracing"
)

// DefaultStopGracePeriod is how long StopSync waits for a job to reach a
// boundary before cancelling its in-flight writes.
const DefaultStopGracePeriod = 10 * time.Second

// DefaultCheckpointInterval is the number of processed records between state saves.
const DefaultCheckpointInterval = 100

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Source ports.DataStore
	Target ports.DataStore
	States ports.StateStorePort
	Audit  *auditlog.System

	// Optional. Defaults are used when nil.
	Detector  *detect.Detector
	Validator *validate.Validator
	Resolver  *conflict.Resolver
	Metrics   ports.MetricsPort
	Tracer    *tracing.Tracer
	Logger    *logging.Logger

	// Transformers maps table names to their field mapping.
	// Tables without an entry are written as detected.
	Transformers map[string]*transform.Transformer
}

// Options tune job execution.
type Options struct {
	Retry                 job.RetryPolicy
	CheckpointInterval    int
	MaxParallelTables     int
	MaxParallelOperations int
	StopGracePeriod       time.Duration
}

// DefaultOptions returns sequential execution with the default retry policy.
func DefaultOptions() Options {
	return Options{
		Retry:                 job.DefaultRetryPolicy(),
		CheckpointInterval:    DefaultCheckpointInterval,
		MaxParallelTables:     1,
		MaxParallelOperations: 1,
		StopGracePeriod:       DefaultStopGracePeriod,
	}
}

func (o Options) withDefaults() Options {
	if o.CheckpointInterval <= 0 {
		o.CheckpointInterval = DefaultCheckpointInterval
	}
	if o.MaxParallelTables <= 0 {
		o.MaxParallelTables = 1
	}
	if o.MaxParallelOperations <= 0 {
		o.MaxParallelOperations = 1
	}
	if o.StopGracePeriod <= 0 {
		o.StopGracePeriod = DefaultStopGracePeriod
	}
	return o
}

// StartRequest describes a new job.
type StartRequest struct {
	Tables []job.TableSpec
	// Inline runs the job on the caller's goroutine and returns when it ends.
	Inline bool
}

// ResumeRequest describes the resume of a persisted job.
type ResumeRequest struct {
	JobID  string
	Inline bool
}

// Orchestrator owns the sync jobs of this process.
type Orchestrator struct {
	source       ports.DataStore
	target       ports.DataStore
	states       ports.StateStorePort
	audit        *auditlog.System
	detector     *detect.Detector
	validator    *validate.Validator
	resolver     *conflict.Resolver
	metrics      ports.MetricsPort
	tracer       *tracing.Tracer
	logger       *logging.Logger
	transformers map[string]*transform.Transformer
	opts         Options

	mu   sync.Mutex
	jobs map[string]*jobRun

	// claimed holds job IDs a resume has reserved but not yet registered.
	claimed map[string]bool
}

// New creates an Orchestrator. Source, target, state store and audit system are required.
func New(deps Deps, opts Options) (*Orchestrator, error) {
	switch {
	case deps.Source == nil || deps.Target == nil:
		return nil, errors.NewError(errors.CodeConfiguration, "source and target stores are required", nil)
	case deps.States == nil:
		return nil, errors.NewError(errors.CodeConfiguration, "state store is required", nil)
	case deps.Audit == nil:
		return nil, errors.NewError(errors.CodeConfiguration, "audit system is required", nil)
	}

	o := &Orchestrator{
		source:       deps.Source,
		target:       deps.Target,
		states:       deps.States,
		audit:        deps.Audit,
		detector:     deps.Detector,
		validator:    deps.Validator,
		resolver:     deps.Resolver,
		metrics:      deps.Metrics,
		tracer:       deps.Tracer,
		logger:       deps.Logger,
		transformers: deps.Transformers,
		opts:         opts.withDefaults(),
		jobs:         make(map[string]*jobRun),
		claimed:      make(map[string]bool),
	}
	if o.detector == nil {
		o.detector = detect.New()
	}
	if o.validator == nil {
		o.validator, _ = validate.New(nil)
	}
	if o.resolver == nil {
		o.resolver = conflict.NewResolver(nil)
	}
	if o.metrics == nil {
		o.metrics = metrics.Nop{}
	}
	if o.tracer == nil {
		o.tracer = tracing.Default()
	}
	if o.logger == nil {
		o.logger = logging.Default()
	}
	if o.transformers == nil {
		o.transformers = make(map[string]*transform.Transformer)
	}
	return o, nil
}

// StartSync creates and persists a pending job, then runs it. The job ID is
// returned as soon as the state is saved unless the request is inline.
func (o *Orchestrator) StartSync(ctx context.Context, req StartRequest) (string, error) {
	if len(req.Tables) == 0 {
		return "", errors.New("sync", "at least one table is required")
	}
	seen := make(map[string]bool, len(req.Tables))
	for _, spec := range req.Tables {
		if err := spec.Validate(); err != nil {
			return "", err
		}
		if seen[spec.Name] {
			return "", errors.New("sync", "duplicate table "+spec.Name)
		}
		seen[spec.Name] = true
	}

	state := job.NewSyncState(o.source.Name(), o.target.Name(), req.Tables)
	if err := o.states.Save(ctx, state); err != nil {
		return "", errors.NewError(errors.CodeFatal, "could not persist new job", err)
	}

	run := o.register(ctx, state, false, req.Inline)
	if req.Inline {
		return state.JobID, o.execute(run)
	}
	go o.execute(run)
	return state.JobID, nil
}

// ResumeSync continues a failed, stopped or interrupted job. Completed tables
// are skipped, tables that ended in error restart from scratch and the table
// that was in progress continues without re-applying completed operations.
func (o *Orchestrator) ResumeSync(ctx context.Context, req ResumeRequest) error {
	if !o.claim(req.JobID) {
		return errors.NewError(errors.CodeConflict, "job "+req.JobID+" is running", errors.ErrJobActive)
	}
	registered := false
	defer func() {
		if !registered {
			o.release(req.JobID)
		}
	}()

	state, err := o.states.Load(ctx, req.JobID)
	if err != nil {
		return err
	}
	if !state.Transition(job.StatusResuming) {
		return errors.WithContext(
			errors.NewError(errors.CodeValidation, "job "+req.JobID+" cannot be resumed from "+string(state.Status), errors.ErrNotResumable),
			"status", string(state.Status))
	}
	state.Stats.Error = ""
	if err := o.states.Save(ctx, state); err != nil {
		return errors.NewError(errors.CodeFatal, "could not persist resumed job", err)
	}

	run := o.register(ctx, state, true, req.Inline)
	registered = true
	if req.Inline {
		return o.execute(run)
	}
	go o.execute(run)
	return nil
}

// RequestStop asks a running job to stop at its next boundary and returns immediately.
func (o *Orchestrator) RequestStop(jobID string) error {
	run := o.active(jobID)
	if run == nil {
		return errors.NewError(errors.CodeNotFound, "job "+jobID+" is not running", errors.ErrJobNotFound)
	}
	run.requestStop()
	return nil
}

// StopSync stops a job and waits for it. Jobs that do not reach a boundary
// within the grace period have their in-flight writes cancelled and are marked
// stopped. Stopping a job that already ended is a no-op.
func (o *Orchestrator) StopSync(ctx context.Context, jobID string) error {
	run := o.active(jobID)
	if run == nil {
		state, err := o.states.Load(ctx, jobID)
		if err != nil {
			return err
		}
		if state.Status.IsActive() && state.Transition(job.StatusStopped) {
			return o.states.Save(ctx, state)
		}
		return nil
	}

	run.requestStop()
	grace := time.NewTimer(o.opts.StopGracePeriod)
	defer grace.Stop()
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-grace.C:
	}

	o.logger.WarnContext(ctx, "stop grace period exceeded, cancelling job",
		"job_id", jobID,
		"grace_period_ms", o.opts.StopGracePeriod.Milliseconds(),
	)
	run.cancel()
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(o.opts.StopGracePeriod):
	}
	o.finish(run, job.StatusStopped, nil)
	return nil
}

// GetSyncStatus returns a copy of the job state without record payloads.
func (o *Orchestrator) GetSyncStatus(ctx context.Context, jobID string) (*job.SyncState, error) {
	if run := o.active(jobID); run != nil {
		return run.snapshot(), nil
	}
	return o.states.Load(ctx, jobID)
}

// ListJobs returns the summaries of every known job, most recently updated first.
func (o *Orchestrator) ListJobs(ctx context.Context) ([]*job.SyncState, error) {
	persisted, err := o.states.List(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*job.SyncState, len(persisted))
	for _, st := range persisted {
		byID[st.JobID] = st.Summary()
	}
	o.mu.Lock()
	for id, run := range o.jobs {
		byID[id] = run.snapshot().Summary()
	}
	o.mu.Unlock()

	out := make([]*job.SyncState, 0, len(byID))
	for _, st := range byID {
		out = append(out, st)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// Wait blocks until the job is no longer running in this process and returns its state.
func (o *Orchestrator) Wait(ctx context.Context, jobID string) (*job.SyncState, error) {
	if run := o.active(jobID); run != nil {
		select {
		case <-run.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return o.GetSyncStatus(ctx, jobID)
}

// RecoverInterrupted marks persisted jobs that claim to be active but are not
// running in this process as interrupted so they can be resumed. It returns
// the number of jobs it changed.
func (o *Orchestrator) RecoverInterrupted(ctx context.Context) (int, error) {
	states, err := o.states.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, st := range states {
		if !st.Status.IsActive() || o.owned(st.JobID) {
			continue
		}
		to := job.StatusInterrupted
		if st.Status == job.StatusPending {
			to = job.StatusFailed
			st.Stats.Error = "job was interrupted before it started"
		}
		if !st.Transition(to) {
			continue
		}
		if err := o.states.Save(ctx, st); err != nil {
			return n, errors.NewError(errors.CodeFatal, "could not persist recovered job", err)
		}
		o.logger.InfoContext(ctx, "recovered interrupted job",
			"job_id", st.JobID,
			"status", string(st.Status),
		)
		n++
	}
	return n, nil
}

// ActiveJobs returns the IDs of jobs running in this process.
func (o *Orchestrator) ActiveJobs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.jobs))
	for id := range o.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Shutdown stops every running job.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	var firstErr error
	for _, id := range o.ActiveJobs() {
		if err := o.StopSync(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (o *Orchestrator) active(jobID string) *jobRun {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.jobs[jobID]
}

// claim reserves jobID for a resume. It fails while the job runs here or
// another resume holds the claim.
func (o *Orchestrator) claim(jobID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.jobs[jobID] != nil || o.claimed[jobID] {
		return false
	}
	o.claimed[jobID] = true
	return true
}

func (o *Orchestrator) release(jobID string) {
	o.mu.Lock()
	delete(o.claimed, jobID)
	o.mu.Unlock()
}

// owned reports whether this process runs or is about to run jobID.
func (o *Orchestrator) owned(jobID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.jobs[jobID] != nil || o.claimed[jobID]
}

func (o *Orchestrator) register(ctx context.Context, state *job.SyncState, resumed, inline bool) *jobRun {
	parent := ctx
	if !inline {
		parent = context.WithoutCancel(ctx)
	}
	run := newJobRun(parent, state, resumed)

	o.mu.Lock()
	o.jobs[state.JobID] = run
	delete(o.claimed, state.JobID)
	active := len(o.jobs)
	o.mu.Unlock()
	o.metrics.SetActiveJobs(active)
	return run
}

func (o *Orchestrator) unregister(run *jobRun) {
	o.mu.Lock()
	if o.jobs[run.id] == run {
		delete(o.jobs, run.id)
	}
	active := len(o.jobs)
	o.mu.Unlock()
	o.metrics.SetActiveJobs(active)
}
