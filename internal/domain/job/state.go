package job

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle status of a sync job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusResuming  Status = "resuming"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
	// StatusInterrupted marks a persisted job that was running when its process went away.
	StatusInterrupted Status = "interrupted"
)

// transitions lists the allowed next statuses for each status.
var transitions = map[Status][]Status{
	StatusPending:     {StatusRunning, StatusFailed, StatusStopped},
	StatusRunning:     {StatusCompleted, StatusFailed, StatusStopped, StatusInterrupted},
	StatusResuming:    {StatusCompleted, StatusFailed, StatusStopped, StatusInterrupted},
	StatusFailed:      {StatusResuming},
	StatusStopped:     {StatusResuming},
	StatusInterrupted: {StatusResuming},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanResume reports whether a job in this status may be resumed.
func (s Status) CanResume() bool {
	return CanTransition(s, StatusResuming)
}

// IsActive reports whether a job in this status is being processed.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusRunning || s == StatusResuming
}

// IsTerminal reports whether the job has finished one way or another.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped || s == StatusInterrupted
}

// CheckpointStatus is the progress marker of a single table.
type CheckpointStatus string

const (
	CheckpointStarted         CheckpointStatus = "started"
	CheckpointChangesDetected CheckpointStatus = "changes_detected"
	CheckpointCompleted       CheckpointStatus = "completed"
	CheckpointError           CheckpointStatus = "error"
)

// Checkpoint records the progress of one table.
type Checkpoint struct {
	CurrentTable     string           `json:"current_table"`
	TotalChanges     int              `json:"total_changes"`
	ProcessedChanges int              `json:"processed_changes"`
	Status           CheckpointStatus `json:"status"`
	Error            string           `json:"error,omitempty"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Advance bumps ProcessedChanges without exceeding TotalChanges.
func (c *Checkpoint) Advance(n int) {
	c.ProcessedChanges += n
	if c.ProcessedChanges > c.TotalChanges {
		c.ProcessedChanges = c.TotalChanges
	}
}

// Stats aggregates job-wide counters.
type Stats struct {
	TotalTables      int    `json:"total_tables"`
	ProcessedTables  int    `json:"processed_tables"`
	TotalRecords     int    `json:"total_records"`
	ProcessedRecords int    `json:"processed_records"`
	InsertedRecords  int    `json:"inserted_records"`
	UpdatedRecords   int    `json:"updated_records"`
	DeletedRecords   int    `json:"deleted_records"`
	ErrorRecords     int    `json:"error_records"`
	ConflictRecords  int    `json:"conflict_records"`
	Retries          int    `json:"retries"`
	Error            string `json:"error,omitempty"`
}

// TableStats holds the per-table detected and applied counters.
type TableStats struct {
	New      int `json:"new"`
	Modified int `json:"modified"`
	Deleted  int `json:"deleted"`

	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Removed   int `json:"removed"`
	Errors    int `json:"errors"`
	Conflicts int `json:"conflicts"`
}

// Detected returns the number of changes found by detection.
func (t TableStats) Detected() int {
	return t.New + t.Modified + t.Deleted
}

// Applied returns the number of changes that reached an outcome.
func (t TableStats) Applied() int {
	return t.Inserted + t.Updated + t.Removed + t.Errors + t.Conflicts
}

// Outcome classifies how a single change ended up.
type Outcome string

const (
	OutcomeInserted Outcome = "inserted"
	OutcomeUpdated  Outcome = "updated"
	OutcomeDeleted  Outcome = "deleted"
	OutcomeError    Outcome = "error"
	OutcomeConflict Outcome = "conflict"
)

// SyncState is the complete, persistable state of a sync job.
type SyncState struct {
	JobID            string                    `json:"job_id"`
	SourceConnection string                    `json:"source_connection"`
	TargetConnection string                    `json:"target_connection"`
	Tables           []TableSpec               `json:"tables"`
	Status           Status                    `json:"status"`
	Stats            Stats                     `json:"stats"`
	Operations       map[string]*SyncOperation `json:"operations"`
	Checkpoint       Checkpoint                `json:"checkpoint"`
	TableCheckpoints map[string]*Checkpoint    `json:"table_checkpoints"`
	TableStats       map[string]*TableStats    `json:"table_stats"`
	CreatedAt        time.Time                 `json:"created_at"`
	UpdatedAt        time.Time                 `json:"updated_at"`
	StartTime        *time.Time                `json:"start_time,omitempty"`
	EndTime          *time.Time                `json:"end_time,omitempty"`
}

// NewSyncState creates a pending job state with a fresh job ID.
func NewSyncState(source, target string, tables []TableSpec) *SyncState {
	now := time.Now().UTC()
	return &SyncState{
		JobID:            uuid.New().String(),
		SourceConnection: source,
		TargetConnection: target,
		Tables:           tables,
		Status:           StatusPending,
		Stats:            Stats{TotalTables: len(tables)},
		Operations:       make(map[string]*SyncOperation),
		TableCheckpoints: make(map[string]*Checkpoint),
		TableStats:       make(map[string]*TableStats),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// OperationKey returns the key of a record's operation in SyncState.Operations.
func OperationKey(table, recordID string) string {
	return table + ":" + recordID
}

// Transition moves the job to a new status if allowed and reports whether it did.
func (s *SyncState) Transition(to Status) bool {
	if !CanTransition(s.Status, to) {
		return false
	}
	now := time.Now().UTC()
	s.Status = to
	s.UpdatedAt = now
	switch to {
	case StatusRunning, StatusResuming:
		s.StartTime = &now
		s.EndTime = nil
	case StatusCompleted, StatusFailed, StatusStopped, StatusInterrupted:
		s.EndTime = &now
	}
	return true
}

// TableCheckpoint returns the checkpoint for a table, creating it when absent.
func (s *SyncState) TableCheckpoint(table string) *Checkpoint {
	if s.TableCheckpoints == nil {
		s.TableCheckpoints = make(map[string]*Checkpoint)
	}
	cp, ok := s.TableCheckpoints[table]
	if !ok {
		cp = &Checkpoint{CurrentTable: table}
		s.TableCheckpoints[table] = cp
	}
	return cp
}

// TableStat returns the counters for a table, creating them when absent.
func (s *SyncState) TableStat(table string) *TableStats {
	if s.TableStats == nil {
		s.TableStats = make(map[string]*TableStats)
	}
	ts, ok := s.TableStats[table]
	if !ok {
		ts = &TableStats{}
		s.TableStats[table] = ts
	}
	return ts
}

// SetCheckpoint records a table status transition in both the table checkpoint
// and the job-level current checkpoint.
func (s *SyncState) SetCheckpoint(table string, status CheckpointStatus, total int, errMsg string) {
	cp := s.TableCheckpoint(table)
	cp.Status = status
	cp.Error = errMsg
	if status == CheckpointChangesDetected {
		cp.TotalChanges = total
		cp.ProcessedChanges = 0
	}
	if status == CheckpointStarted {
		cp.TotalChanges = 0
		cp.ProcessedChanges = 0
	}
	cp.UpdatedAt = time.Now().UTC()
	s.Checkpoint = *cp
	s.UpdatedAt = cp.UpdatedAt
}

// RecordOutcome counts one change outcome in the job and table stats.
func (s *SyncState) RecordOutcome(table string, outcome Outcome) {
	ts := s.TableStat(table)
	switch outcome {
	case OutcomeInserted:
		s.Stats.InsertedRecords++
		ts.Inserted++
	case OutcomeUpdated:
		s.Stats.UpdatedRecords++
		ts.Updated++
	case OutcomeDeleted:
		s.Stats.DeletedRecords++
		ts.Removed++
	case OutcomeError:
		s.Stats.ErrorRecords++
		ts.Errors++
	case OutcomeConflict:
		s.Stats.ConflictRecords++
		ts.Conflicts++
	}
	s.Stats.ProcessedRecords++
	cp := s.TableCheckpoint(table)
	cp.Advance(1)
	if s.Checkpoint.CurrentTable == table {
		s.Checkpoint.ProcessedChanges = cp.ProcessedChanges
		s.Checkpoint.TotalChanges = cp.TotalChanges
	}
	s.UpdatedAt = time.Now().UTC()
}

// ResetTable clears the counters of a table that is about to be reprocessed
// from the beginning and removes them from the job totals.
func (s *SyncState) ResetTable(table string) {
	ts := s.TableStat(table)
	s.Stats.InsertedRecords -= ts.Inserted
	s.Stats.UpdatedRecords -= ts.Updated
	s.Stats.DeletedRecords -= ts.Removed
	s.Stats.ErrorRecords -= ts.Errors
	s.Stats.ConflictRecords -= ts.Conflicts
	s.Stats.ProcessedRecords -= ts.Applied()
	s.Stats.TotalRecords -= ts.Detected()
	*ts = TableStats{}
	for key, op := range s.Operations {
		if op.TableName == table {
			delete(s.Operations, key)
		}
	}
}

// TerminalOperations counts the finished operations of a table by type.
func (s *SyncState) TerminalOperations(table string) map[OperationType]int {
	counts := make(map[OperationType]int, 3)
	for _, op := range s.Operations {
		if op.TableName == table && op.Status.IsTerminal() {
			counts[op.OperationType]++
		}
	}
	return counts
}

// StripRecords returns a copy of the state with operation record payloads removed.
func (s *SyncState) StripRecords() *SyncState {
	c := *s
	c.Tables = append([]TableSpec(nil), s.Tables...)
	c.Operations = make(map[string]*SyncOperation, len(s.Operations))
	for k, op := range s.Operations {
		cp := *op
		cp.RecordIDs = append([]string(nil), op.RecordIDs...)
		cp.Records = nil
		c.Operations[k] = &cp
	}
	c.TableCheckpoints = make(map[string]*Checkpoint, len(s.TableCheckpoints))
	for k, v := range s.TableCheckpoints {
		cp := *v
		c.TableCheckpoints[k] = &cp
	}
	c.TableStats = make(map[string]*TableStats, len(s.TableStats))
	for k, v := range s.TableStats {
		ts := *v
		c.TableStats[k] = &ts
	}
	if s.StartTime != nil {
		t := *s.StartTime
		c.StartTime = &t
	}
	if s.EndTime != nil {
		t := *s.EndTime
		c.EndTime = &t
	}
	return &c
}

// Summary returns a copy of the state without the operations map.
func (s *SyncState) Summary() *SyncState {
	c := s.StripRecords()
	c.Operations = nil
	return c
}
