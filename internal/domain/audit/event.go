// Package audit provides the immutable audit event model, audit levels and filters.
package audit

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/terrafusion/syncservice/internal/domain/errors"
)

// EventType identifies what an audit event describes.
type EventType string

const (
	EventJobStart           EventType = "job_start"
	EventJobEnd             EventType = "job_end"
	EventOperation          EventType = "operation"
	EventConflict           EventType = "conflict"
	EventConflictResolution EventType = "conflict_resolution"
	EventError              EventType = "error"
	EventSchemaChange       EventType = "schema_change"
	EventRecordRead         EventType = "record_read"
	EventSchemaRead         EventType = "schema_read"
)

// Component names used by the sync engine.
const (
	ComponentSync         = "Sync"
	ComponentOrchestrator = "Orchestrator"
	ComponentDetector     = "ChangeDetector"
	ComponentValidator    = "Validator"
	ComponentResolver     = "ConflictResolver"
	ComponentMigrator     = "Migrator"
	ComponentAuditSystem  = "AuditSystem"
)

// Event is a single immutable audit log entry.
type Event struct {
	EventID      string         `json:"event_id"`
	EventType    EventType      `json:"event_type"`
	Component    string         `json:"component"`
	JobID        string         `json:"job_id"`
	TableName    string         `json:"table_name,omitempty"`
	RecordID     string         `json:"record_id,omitempty"`
	Operation    string         `json:"operation,omitempty"`
	UserID       string         `json:"user_id,omitempty"`
	Data         map[string]any `json:"data"`
	Timestamp    time.Time      `json:"timestamp"`
	Success      bool           `json:"success"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// NewEvent creates a successful event with a fresh ID and the current time.
func NewEvent(eventType EventType, component, jobID string) Event {
	return Event{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Component: component,
		JobID:     jobID,
		Data:      map[string]any{},
		Timestamp: time.Now().UTC(),
		Success:   true,
	}
}

// Level controls which event types are retained.
type Level string

const (
	LevelMinimal  Level = "minimal"
	LevelStandard Level = "standard"
	LevelDetailed Level = "detailed"
)

var (
	minimalTypes  = []EventType{EventJobStart, EventJobEnd, EventConflict, EventError}
	standardTypes = []EventType{EventOperation, EventConflictResolution, EventSchemaChange}
	detailedTypes = []EventType{EventRecordRead, EventSchemaRead}
)

// ParseLevel converts a string to a Level.
func ParseLevel(s string) (Level, error) {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case LevelMinimal:
		return LevelMinimal, nil
	case LevelStandard, "":
		return LevelStandard, nil
	case LevelDetailed:
		return LevelDetailed, nil
	default:
		return "", errors.New("audit", "unknown audit level "+s)
	}
}

// Retains reports whether events of the given type are kept at this level.
func (l Level) Retains(t EventType) bool {
	if containsType(minimalTypes, t) {
		return true
	}
	switch l {
	case LevelStandard:
		return containsType(standardTypes, t)
	case LevelDetailed:
		return containsType(standardTypes, t) || containsType(detailedTypes, t)
	}
	return false
}

func containsType(types []EventType, t EventType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

// Filter selects events. Zero-valued fields match everything.
type Filter struct {
	JobID      string      `json:"job_id,omitempty"`
	EventTypes []EventType `json:"event_types,omitempty"`
	Component  string      `json:"component,omitempty"`
	TableName  string      `json:"table_name,omitempty"`
	RecordID   string      `json:"record_id,omitempty"`
	Operation  string      `json:"operation,omitempty"`
	UserID     string      `json:"user_id,omitempty"`
	Success    *bool       `json:"success,omitempty"`
	Since      time.Time   `json:"since,omitempty"`
	Until      time.Time   `json:"until,omitempty"`
}

// Matches reports whether the event satisfies every set field of the filter.
func (f Filter) Matches(e Event) bool {
	if f.JobID != "" && e.JobID != f.JobID {
		return false
	}
	if len(f.EventTypes) > 0 && !containsType(f.EventTypes, e.EventType) {
		return false
	}
	if f.Component != "" && e.Component != f.Component {
		return false
	}
	if f.TableName != "" && e.TableName != f.TableName {
		return false
	}
	if f.RecordID != "" && e.RecordID != f.RecordID {
		return false
	}
	if f.Operation != "" && e.Operation != f.Operation {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.Success != nil && e.Success != *f.Success {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// Report aggregates counts over a set of events.
type Report struct {
	TotalEvents int            `json:"total_events"`
	Failures    int            `json:"failures"`
	ByEventType map[string]int `json:"by_event_type"`
	ByOperation map[string]int `json:"by_operation"`
	ByComponent map[string]int `json:"by_component"`
	ByTable     map[string]int `json:"by_table"`
	Earliest    *time.Time     `json:"earliest,omitempty"`
	Latest      *time.Time     `json:"latest,omitempty"`
	GeneratedAt time.Time      `json:"generated_at"`
	Filter      Filter         `json:"filter"`
}

// NewReport builds a report from the given events.
func NewReport(filter Filter, events []Event) *Report {
	r := &Report{
		ByEventType: make(map[string]int),
		ByOperation: make(map[string]int),
		ByComponent: make(map[string]int),
		ByTable:     make(map[string]int),
		GeneratedAt: time.Now().UTC(),
		Filter:      filter,
	}
	for _, e := range events {
		r.Add(e)
	}
	return r
}

// Add counts one event into the report.
func (r *Report) Add(e Event) {
	r.TotalEvents++
	if !e.Success {
		r.Failures++
	}
	r.ByEventType[string(e.EventType)]++
	if e.Operation != "" {
		r.ByOperation[e.Operation]++
	}
	if e.Component != "" {
		r.ByComponent[e.Component]++
	}
	if e.TableName != "" {
		r.ByTable[e.TableName]++
	}
	ts := e.Timestamp
	if r.Earliest == nil || ts.Before(*r.Earliest) {
		r.Earliest = &ts
	}
	if r.Latest == nil || ts.After(*r.Latest) {
		r.Latest = &ts
	}
}
