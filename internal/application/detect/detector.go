// Package detect classifies source and target rows into new, modified and deleted changes.
package detect

import (
	"context"
	"fmt"
	"sort"

	"github.com/terrafusion/syncservice/internal/application/ports"
	"github.com/terrafusion/syncservice/internal/domain/errors"
	"github.com/terrafusion/syncservice/internal/domain/job"
	"github.com/terrafusion/syncservice/internal/domain/record"
)

// ChangeSet is the result of comparing a table across source and target.
type ChangeSet struct {
	New      []record.Record
	Modified []record.Record
	Deleted  []record.Record

	// Base holds the target row seen at detection time for each modified record ID.
	// Updates compare it against the current target row to detect conflicts.
	Base map[string]record.Record
}

// Total returns the number of detected changes.
func (c *ChangeSet) Total() int {
	return len(c.New) + len(c.Modified) + len(c.Deleted)
}

// Detector compares a source table against a target table.
type Detector struct{}

// New creates a Detector.
func New() *Detector {
	return &Detector{}
}

// Mapper turns a source row into the row that would be written to the target.
type Mapper func(record.Record) record.Record

// Option configures a single Detect call.
type Option func(*options)

type options struct {
	mapper Mapper
}

// WithMapper maps every source row before it is keyed and compared, so that
// rows written through a field mapping compare equal to their source. The
// change set then holds mapped rows.
func WithMapper(m Mapper) Option {
	return func(o *options) { o.mapper = m }
}

// Detect scans both stores and classifies every key. A key only in source is
// new, a key in both with at least one differing non-key field is modified and
// a key only in target is deleted. Each list is sorted by record ID.
func (d *Detector) Detect(ctx context.Context, source, target ports.DataStore, spec job.TableSpec, opts ...Option) (*ChangeSet, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	sourceRows, err := d.index(ctx, source, spec, o.mapper)
	if err != nil {
		return nil, fmt.Errorf("scan source %s: %w", spec.Name, err)
	}
	targetRows, err := d.index(ctx, target, spec, nil)
	if err != nil {
		return nil, fmt.Errorf("scan target %s: %w", spec.Name, err)
	}

	compare := spec.NonKeyFields()
	cs := &ChangeSet{Base: make(map[string]record.Record)}

	for _, id := range sortedKeys(sourceRows) {
		src := sourceRows[id]
		tgt, ok := targetRows[id]
		switch {
		case !ok:
			cs.New = append(cs.New, src)
		case record.Differs(src, tgt, compare):
			cs.Modified = append(cs.Modified, src)
			cs.Base[id] = tgt
		}
	}
	for _, id := range sortedKeys(targetRows) {
		if _, ok := sourceRows[id]; !ok {
			cs.Deleted = append(cs.Deleted, targetRows[id])
		}
	}
	return cs, nil
}

func (d *Detector) index(ctx context.Context, store ports.DataStore, spec job.TableSpec, mapper Mapper) (map[string]record.Record, error) {
	rows := make(map[string]record.Record)
	err := store.ScanRows(ctx, spec, func(batch []record.Record) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, r := range batch {
			if mapper != nil {
				r = mapper(r)
			}
			if missing := r.Missing(spec.PrimaryKeys); len(missing) > 0 {
				return errors.WithContext(
					errors.NewError(errors.CodeSchema, "row from "+store.Name()+" lacks primary key columns", errors.ErrMissingPrimaryKey),
					"missing", missing)
			}
			rows[r.ID(spec.PrimaryKeys)] = r
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func sortedKeys(m map[string]record.Record) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
