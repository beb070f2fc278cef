package auditlog

import (
	"context"
	"sort"

	"github.com/terrafusion/syncservice/internal/domain/audit"
	"github.com/terrafusion/syncservice/internal/domain/record"
)

// Subject identifies what an event is about.
type Subject struct {
	JobID       string
	Component   string
	Table       string
	RecordID    string
	Operation   string
	OperationID string
	UserID      string
}

func (s Subject) event(t audit.EventType, defaultComponent string) audit.Event {
	component := s.Component
	if component == "" {
		component = defaultComponent
	}
	e := audit.NewEvent(t, component, s.JobID)
	e.TableName = s.Table
	e.RecordID = s.RecordID
	e.Operation = s.Operation
	e.UserID = s.UserID
	if s.OperationID != "" {
		e.Data["operation_id"] = s.OperationID
	}
	return e
}

func merge(dst, src map[string]any) {
	for k, v := range src {
		dst[k] = v
	}
}

// JobStart records the start or resume of a job.
func (s *System) JobStart(ctx context.Context, jobID string, data map[string]any) error {
	e := Subject{JobID: jobID}.event(audit.EventJobStart, audit.ComponentSync)
	merge(e.Data, data)
	return s.Log(ctx, e)
}

// JobEnd records the end of a job. errMsg is empty for successful jobs.
func (s *System) JobEnd(ctx context.Context, jobID string, success bool, data map[string]any, errMsg string) error {
	e := Subject{JobID: jobID}.event(audit.EventJobEnd, audit.ComponentSync)
	merge(e.Data, data)
	e.Success = success
	e.ErrorMessage = errMsg
	return s.Log(ctx, e)
}

// Operation records the outcome of a write attempt.
func (s *System) Operation(ctx context.Context, subj Subject, rec record.Record, data map[string]any, opErr error) error {
	e := subj.event(audit.EventOperation, audit.ComponentSync)
	merge(e.Data, data)
	if rec != nil {
		e.Data[KeyRecord] = rec.Normalized()
	}
	if opErr != nil {
		e.Success = false
		e.ErrorMessage = opErr.Error()
	}
	return s.Log(ctx, e)
}

// Conflict records a diverged target row.
func (s *System) Conflict(ctx context.Context, subj Subject, pk []string, source, target record.Record, diffs map[string]record.Difference) error {
	e := subj.event(audit.EventConflict, audit.ComponentResolver)
	changed := make([]string, 0, len(diffs))
	for f := range diffs {
		changed = append(changed, f)
	}
	sort.Strings(changed)

	e.Data[KeyPrimaryKey] = source.Project(pk)
	e.Data[KeyChangedFields] = changed
	e.Data[KeyDifferences] = diffs
	if source != nil {
		e.Data[KeySource] = source.Normalized()
	}
	if target != nil {
		e.Data[KeyTarget] = target.Normalized()
	}
	return s.Log(ctx, e)
}

// ConflictResolution records how a conflict was resolved.
func (s *System) ConflictResolution(ctx context.Context, subj Subject, strategy, winner string, resolved record.Record, write bool) error {
	e := subj.event(audit.EventConflictResolution, audit.ComponentResolver)
	e.Data["resolution_strategy"] = strategy
	e.Data["winner"] = winner
	e.Data["write"] = write
	if resolved != nil {
		e.Data[KeyResolved] = resolved.Normalized()
	}
	return s.Log(ctx, e)
}

// Error records a failure. The component defaults to Sync.
func (s *System) Error(ctx context.Context, subj Subject, err error, data map[string]any) error {
	e := subj.event(audit.EventError, audit.ComponentSync)
	merge(e.Data, data)
	e.Success = false
	if err != nil {
		e.ErrorMessage = err.Error()
	}
	return s.Log(ctx, e)
}

// ValidationError records a record rejected by the validator.
func (s *System) ValidationError(ctx context.Context, subj Subject, rec record.Record, messages []string) error {
	subj.Component = audit.ComponentValidator
	e := subj.event(audit.EventError, audit.ComponentValidator)
	e.Success = false
	e.Data[KeyValidationErrs] = messages
	if rec != nil {
		e.Data[KeyRecord] = rec.Normalized()
	}
	if len(messages) > 0 {
		e.ErrorMessage = messages[0]
		for _, m := range messages[1:] {
			e.ErrorMessage += "; " + m
		}
	}
	return s.Log(ctx, e)
}

// SchemaChange records a schema change such as tracking table creation.
func (s *System) SchemaChange(ctx context.Context, subj Subject, data map[string]any) error {
	e := subj.event(audit.EventSchemaChange, audit.ComponentSync)
	merge(e.Data, data)
	return s.Log(ctx, e)
}

// RecordRead records a read of source or target rows.
func (s *System) RecordRead(ctx context.Context, subj Subject, store string, count int) error {
	e := subj.event(audit.EventRecordRead, audit.ComponentDetector)
	e.Data["store"] = store
	e.Data["count"] = count
	return s.Log(ctx, e)
}

// SchemaRead records that a table's column set was read.
func (s *System) SchemaRead(ctx context.Context, subj Subject, columns []string) error {
	e := subj.event(audit.EventSchemaRead, audit.ComponentDetector)
	e.Data["columns"] = columns
	return s.Log(ctx, e)
}
