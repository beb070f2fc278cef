package output

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/terrafusion/syncservice/internal/application/migrator"
	"github.com/terrafusion/syncservice/internal/domain/audit"
	"github.com/terrafusion/syncservice/internal/domain/job"
)

// Renderer renders sync engine results in the formatter's format.
type Renderer struct {
	formatter *Formatter
}

// NewRenderer creates a new renderer with the given formatter.
func NewRenderer(formatter *Formatter) *Renderer {
	return &Renderer{formatter: formatter}
}

// JobState renders a job with its per-table progress.
func (r *Renderer) JobState(state *job.SyncState) error {
	if r.formatter.Format() == FormatJSON {
		return r.formatter.JSON(state)
	}

	f := r.formatter
	_ = f.Header("Sync Job " + state.JobID)
	_ = f.Item("Status", r.status(state.Status))
	_ = f.Item("Source", state.SourceConnection)
	_ = f.Item("Target", state.TargetConnection)
	_ = f.Item("Created", state.CreatedAt.Format(time.RFC3339))
	if state.StartTime != nil && state.EndTime != nil {
		_ = f.Item("Duration", state.EndTime.Sub(*state.StartTime).Round(time.Millisecond).String())
	}
	s := state.Stats
	_ = f.Item("Tables", fmt.Sprintf("%d/%d", s.ProcessedTables, s.TotalTables))
	_ = f.Item("Records", fmt.Sprintf("%d/%d", s.ProcessedRecords, s.TotalRecords))
	_ = f.Item("Outcomes", fmt.Sprintf("%d inserted, %d updated, %d deleted, %d errors, %d conflicts",
		s.InsertedRecords, s.UpdatedRecords, s.DeletedRecords, s.ErrorRecords, s.ConflictRecords))
	if s.Retries > 0 {
		_ = f.Item("Retries", strconv.Itoa(s.Retries))
	}
	if s.Error != "" {
		_ = f.Item("Error", f.Colorize(s.Error, ColorRed))
	}

	if len(state.Tables) == 0 {
		return nil
	}
	_ = f.Println("")
	table := TableData{
		Columns: []TableColumn{
			{Header: "TABLE"},
			{Header: "STATUS"},
			{Header: "PROGRESS", Align: AlignRight},
			{Header: "INS", Align: AlignRight},
			{Header: "UPD", Align: AlignRight},
			{Header: "DEL", Align: AlignRight},
			{Header: "ERR", Align: AlignRight},
			{Header: "CONFLICT", Align: AlignRight},
		},
	}
	for _, spec := range state.Tables {
		status, progress := "pending", "-"
		if cp := state.TableCheckpoints[spec.Name]; cp != nil {
			status = string(cp.Status)
			progress = fmt.Sprintf("%d/%d", cp.ProcessedChanges, cp.TotalChanges)
		}
		var ts job.TableStats
		if st := state.TableStats[spec.Name]; st != nil {
			ts = *st
		}
		table.Rows = append(table.Rows, []string{
			spec.Name, status, progress,
			strconv.Itoa(ts.Inserted), strconv.Itoa(ts.Updated), strconv.Itoa(ts.Removed),
			strconv.Itoa(ts.Errors), strconv.Itoa(ts.Conflicts),
		})
	}
	return f.Table(table)
}

// Jobs renders a job listing.
func (r *Renderer) Jobs(states []*job.SyncState) error {
	if r.formatter.Format() == FormatJSON {
		return r.formatter.JSON(states)
	}
	if len(states) == 0 {
		return r.formatter.Info("No sync jobs found")
	}

	table := TableData{
		Columns: []TableColumn{
			{Header: "JOB ID"},
			{Header: "STATUS"},
			{Header: "TABLES", Align: AlignRight},
			{Header: "PROCESSED", Align: AlignRight},
			{Header: "ERRORS", Align: AlignRight},
			{Header: "UPDATED"},
		},
	}
	for _, s := range states {
		table.Rows = append(table.Rows, []string{
			s.JobID,
			r.status(s.Status),
			fmt.Sprintf("%d/%d", s.Stats.ProcessedTables, s.Stats.TotalTables),
			strconv.Itoa(s.Stats.ProcessedRecords),
			strconv.Itoa(s.Stats.ErrorRecords),
			s.UpdatedAt.Format(time.RFC3339),
		})
	}
	return r.formatter.Table(table)
}

// Events renders audit events, one row each.
func (r *Renderer) Events(events []audit.Event) error {
	if r.formatter.Format() == FormatJSON {
		return r.formatter.JSON(events)
	}
	if len(events) == 0 {
		return r.formatter.Info("No audit events found")
	}

	table := TableData{
		Columns: []TableColumn{
			{Header: "TIMESTAMP"},
			{Header: "TYPE"},
			{Header: "COMPONENT"},
			{Header: "TABLE"},
			{Header: "RECORD"},
			{Header: "OK"},
			{Header: "EVENT ID"},
		},
	}
	for _, e := range events {
		ok := "yes"
		if !e.Success {
			ok = "no"
		}
		table.Rows = append(table.Rows, []string{
			e.Timestamp.Format(time.RFC3339Nano),
			string(e.EventType),
			e.Component,
			e.TableName,
			e.RecordID,
			ok,
			e.EventID,
		})
	}
	return r.formatter.Table(table)
}

// Event renders a single audit event with its data.
func (r *Renderer) Event(e *audit.Event) error {
	if r.formatter.Format() == FormatJSON {
		return r.formatter.JSON(e)
	}

	f := r.formatter
	_ = f.Header("Audit Event " + e.EventID)
	_ = f.Item("Type", string(e.EventType))
	_ = f.Item("Component", e.Component)
	_ = f.Item("Job", e.JobID)
	_ = f.Item("Timestamp", e.Timestamp.Format(time.RFC3339Nano))
	if e.TableName != "" {
		_ = f.Item("Table", e.TableName)
	}
	if e.RecordID != "" {
		_ = f.Item("Record", e.RecordID)
	}
	if e.Operation != "" {
		_ = f.Item("Operation", e.Operation)
	}
	if !e.Success {
		_ = f.Item("Error", f.Colorize(e.ErrorMessage, ColorRed))
	}
	if len(e.Data) == 0 {
		return nil
	}
	_ = f.Println("")
	_ = f.SubHeader("Data")
	return f.JSON(e.Data)
}

// Report renders aggregated audit counts.
func (r *Renderer) Report(rep *audit.Report) error {
	if r.formatter.Format() == FormatJSON {
		return r.formatter.JSON(rep)
	}

	f := r.formatter
	_ = f.Header("Audit Report")
	_ = f.Item("Events", strconv.Itoa(rep.TotalEvents))
	_ = f.Item("Failures", strconv.Itoa(rep.Failures))
	if rep.Earliest != nil && rep.Latest != nil {
		_ = f.Item("Range", rep.Earliest.Format(time.RFC3339)+" - "+rep.Latest.Format(time.RFC3339))
	}
	r.counts("By event type", rep.ByEventType)
	r.counts("By operation", rep.ByOperation)
	r.counts("By component", rep.ByComponent)
	r.counts("By table", rep.ByTable)
	return nil
}

func (r *Renderer) counts(title string, m map[string]int) {
	if len(m) == 0 {
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	_ = r.formatter.Println("")
	_ = r.formatter.SubHeader(title)
	for _, k := range keys {
		_ = r.formatter.Item(k, strconv.Itoa(m[k]))
	}
}

// Migration renders the outcome of a migration run.
func (r *Renderer) Migration(res *migrator.Result) error {
	if r.formatter.Format() == FormatJSON {
		return r.formatter.JSON(res)
	}

	f := r.formatter
	title := "Migration"
	if res.DryRun {
		title += " (dry run)"
	}
	_ = f.Header(title)
	_ = f.Item("Run", res.RunID)
	_ = f.Item("Incremental", strconv.FormatBool(res.Incremental))
	_ = f.Item("Duration", res.Duration.Round(time.Millisecond).String())
	_ = f.Println("")

	table := TableData{
		Columns: []TableColumn{
			{Header: "SOURCE"},
			{Header: "TARGET"},
			{Header: "READ", Align: AlignRight},
			{Header: "INVALID", Align: AlignRight},
			{Header: "WRITTEN", Align: AlignRight},
			{Header: "BATCHES", Align: AlignRight},
			{Header: "RESULT"},
		},
	}
	for _, t := range res.Tables {
		result := "ok"
		if t.Error != "" {
			result = t.Error
		}
		table.Rows = append(table.Rows, []string{
			t.SourceTable,
			t.TargetSchema + "." + t.TargetTable,
			strconv.Itoa(t.Read),
			strconv.Itoa(t.Invalid),
			strconv.Itoa(t.Written),
			strconv.Itoa(t.Batches),
			result,
		})
	}
	if err := f.Table(table); err != nil {
		return err
	}

	read, written, invalid := res.Totals()
	_ = f.Println("")
	if res.Failed() {
		return f.Error("Migration finished with errors: %d read, %d written, %d invalid", read, written, invalid)
	}
	return f.Success("Migration finished: %d read, %d written, %d invalid", read, written, invalid)
}

func (r *Renderer) status(s job.Status) string {
	switch s {
	case job.StatusCompleted:
		return r.formatter.Colorize(string(s), ColorGreen)
	case job.StatusFailed, job.StatusInterrupted:
		return r.formatter.Colorize(string(s), ColorRed)
	case job.StatusStopped:
		return r.formatter.Colorize(string(s), ColorYellow)
	default:
		return r.formatter.Colorize(string(s), ColorCyan)
	}
}
