package orchestrator

import (
	"context"

	"github.com/terrafusion/syncservice/internal/domain/errors"
	"github.com/terrafusion/syncservice/internal/domain/job"
)

// persist saves a snapshot of the job state. Saves are serialized so an older
// snapshot never overwrites a newer one.
func (o *Orchestrator) persist(ctx context.Context, run *jobRun) error {
	run.persistMu.Lock()
	defer run.persistMu.Unlock()

	snap := run.snapshot()
	if err := o.states.Save(context.WithoutCancel(ctx), snap); err != nil {
		return errors.WithContext(
			errors.NewError(errors.CodeFatal, "could not write job state", err),
			"job_id", run.id)
	}
	return nil
}

// setCheckpoint records a table status transition and persists the state.
func (o *Orchestrator) setCheckpoint(ctx context.Context, run *jobRun, table string, status job.CheckpointStatus, errMsg string) error {
	run.update(func(s *job.SyncState) {
		s.SetCheckpoint(table, status, 0, errMsg)
		if status == job.CheckpointCompleted {
			s.Stats.ProcessedTables = completedTables(s)
		}
	})
	return o.persist(ctx, run)
}

// recordOutcome counts a terminal operation and persists the state every
// CheckpointInterval outcomes.
func (o *Orchestrator) recordOutcome(ctx context.Context, run *jobRun, op *job.SyncOperation, outcome job.Outcome, terminal func(op *job.SyncOperation)) error {
	due := false
	run.update(func(s *job.SyncState) {
		terminal(op)
		s.RecordOutcome(op.TableName, outcome)
		run.sinceCheckpoint++
		if run.sinceCheckpoint >= o.opts.CheckpointInterval {
			run.sinceCheckpoint = 0
			due = true
		}
	})
	o.metrics.RecordOutcome(op.TableName, string(outcome))
	if due {
		return o.persist(ctx, run)
	}
	return nil
}

func completedTables(s *job.SyncState) int {
	n := 0
	for _, spec := range s.Tables {
		if cp, ok := s.TableCheckpoints[spec.Name]; ok && cp.Status == job.CheckpointCompleted {
			n++
		}
	}
	return n
}
