// Package auditlog records sync engine audit events through a configured store.
package auditlog

import (
	"context"
	"sync"
	"time"

	"github.com/terrafusion/syncservice/internal/application/ports"
	"github.com/terrafusion/syncservice/internal/domain/audit"
	"github.com/terrafusion/syncservice/internal/domain/errors"
	"github.com/terrafusion/syncservice/internal/domain/record"
	"github.com/terrafusion/syncservice/internal/infrastructure/logging"
)

// Data keys that carry full record payloads.
const (
	KeyRecord         = "record"
	KeySource         = "source"
	KeyTarget         = "target"
	KeyResolved       = "resolved_record"
	KeyDifferences    = "differences"
	KeyPrimaryKey     = "primary_key"
	KeyChangedFields  = "changed_fields"
	KeyValidationErrs = "validation_errors"
)

// Config configures a System.
type Config struct {
	Level       audit.Level
	IncludeData bool
	Logger      *logging.Logger
	Metrics     ports.MetricsPort
	// Now overrides the clock; used by tests.
	Now func() time.Time
}

// System filters, enriches and stores audit events.
type System struct {
	store       ports.AuditStorePort
	level       audit.Level
	includeData bool
	logger      *logging.Logger
	metrics     ports.MetricsPort
	now         func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// New creates a System writing to store.
func New(store ports.AuditStorePort, cfg Config) *System {
	level := cfg.Level
	if level == "" {
		level = audit.LevelStandard
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &System{
		store:       store,
		level:       level,
		includeData: cfg.IncludeData,
		logger:      logger,
		metrics:     cfg.Metrics,
		now:         now,
		last:        make(map[string]time.Time),
	}
}

// Level returns the configured audit level.
func (s *System) Level() audit.Level {
	return s.level
}

// Store returns the underlying store.
func (s *System) Store() ports.AuditStorePort {
	return s.store
}

// Log stores an event if the audit level retains its type. Events of the same
// job receive strictly increasing timestamps.
func (s *System) Log(ctx context.Context, e audit.Event) error {
	if !s.level.Retains(e.EventType) {
		return nil
	}
	if e.EventID == "" {
		fresh := audit.NewEvent(e.EventType, e.Component, e.JobID)
		e.EventID = fresh.EventID
	}
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	e.Data = s.elide(e)
	e.Timestamp = s.stamp(e.JobID, e.Timestamp)

	if err := s.store.StoreEvent(ctx, e); err != nil {
		s.logger.WarnContext(ctx, "failed to store audit event",
			"event_type", string(e.EventType),
			"error", err.Error(),
		)
		return err
	}
	if s.metrics != nil {
		s.metrics.RecordAuditEvent(string(e.EventType))
	}
	if e.EventType == audit.EventJobEnd {
		s.mu.Lock()
		delete(s.last, e.JobID)
		s.mu.Unlock()
	}
	return nil
}

func (s *System) stamp(jobID string, ts time.Time) time.Time {
	if ts.IsZero() {
		ts = s.now()
	}
	ts = ts.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.last[jobID]; ok && !ts.After(prev) {
		ts = prev.Add(time.Microsecond)
	}
	s.last[jobID] = ts
	return ts
}

// elide drops record payloads when data is not included. Conflict events keep
// the primary key and the changed fields of each side.
func (s *System) elide(e audit.Event) map[string]any {
	if s.includeData {
		return e.Data
	}
	out := make(map[string]any, len(e.Data))
	for k, v := range e.Data {
		switch k {
		case KeyRecord, KeyResolved:
			continue
		case KeySource, KeyTarget:
			if e.EventType != audit.EventConflict {
				continue
			}
			rec, ok := v.(record.Record)
			if !ok {
				continue
			}
			out[k] = rec.Project(conflictColumns(e.Data))
		default:
			out[k] = v
		}
	}
	return out
}

func conflictColumns(data map[string]any) []string {
	var cols []string
	if pk, ok := data[KeyPrimaryKey].(record.Record); ok {
		cols = append(cols, pk.Columns()...)
	}
	if changed, ok := data[KeyChangedFields].([]string); ok {
		cols = append(cols, changed...)
	}
	return cols
}

// GetEvents returns events matching filter, newest first.
func (s *System) GetEvents(ctx context.Context, filter audit.Filter, limit, offset int) ([]audit.Event, error) {
	return s.store.GetEvents(ctx, filter, limit, offset)
}

// GetEvent returns a single event.
func (s *System) GetEvent(ctx context.Context, id string) (*audit.Event, error) {
	return s.store.GetEvent(ctx, id)
}

// GenerateReport aggregates every event matching filter.
func (s *System) GenerateReport(ctx context.Context, filter audit.Filter) (*audit.Report, error) {
	events, err := s.store.GetEvents(ctx, filter, 0, 0)
	if err != nil {
		return nil, err
	}
	return audit.NewReport(filter, events), nil
}

// CleanupOldEvents deletes events older than retentionDays. Stores without
// retention support are left untouched and 0 is returned.
func (s *System) CleanupOldEvents(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, errors.New("audit", "retention days must be positive")
	}
	pruner, ok := s.store.(ports.AuditPruner)
	if !ok {
		s.logger.WarnContext(ctx, "audit store does not support retention; nothing deleted",
			"retention_days", retentionDays,
		)
		return 0, nil
	}
	cutoff := s.now().UTC().AddDate(0, 0, -retentionDays)
	n, err := pruner.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	s.logger.InfoContext(ctx, "audit events pruned",
		"deleted", n,
		"cutoff", cutoff.Format(time.RFC3339),
	)
	return n, nil
}
