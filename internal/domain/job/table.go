// Package job provides the sync job model: table specs, operations, state and retry policy.
package job

import (
	"slices"
	"strings"

	"github.com/terrafusion/syncservice/internal/domain/errors"
)

// DefaultBatchSize is used when a table spec does not set its own batch size.
const DefaultBatchSize = 1000

// TableSpec describes one table to synchronize.
type TableSpec struct {
	Name               string   `json:"name" yaml:"name" toml:"name"`
	Schema             string   `json:"schema,omitempty" yaml:"schema,omitempty" toml:"schema"`
	PrimaryKeys        []string `json:"primary_keys" yaml:"primary_keys" toml:"primary_keys"`
	Fields             []string `json:"fields" yaml:"fields" toml:"fields"`
	ModifiedTimeColumn string   `json:"modified_time_column,omitempty" yaml:"modified_time_column,omitempty" toml:"modified_time_column"`
	KeyColumn          string   `json:"key_column,omitempty" yaml:"key_column,omitempty" toml:"key_column"`
	UpsertOnKey        bool     `json:"upsert_on_key,omitempty" yaml:"upsert_on_key,omitempty" toml:"upsert_on_key"`
	BatchSize          int      `json:"batch_size,omitempty" yaml:"batch_size,omitempty" toml:"batch_size"`
	Limit              int      `json:"limit,omitempty" yaml:"limit,omitempty" toml:"limit"`
}

// Validate checks that the spec names a table, has primary keys and that
// every primary key is one of the fields.
func (t TableSpec) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return errors.New("table_spec", "table name is required")
	}
	if len(t.PrimaryKeys) == 0 {
		return errors.New("table_spec", "primary keys are required for table "+t.Name)
	}
	if len(t.Fields) == 0 {
		return errors.New("table_spec", "fields are required for table "+t.Name)
	}
	for _, pk := range t.PrimaryKeys {
		if !slices.Contains(t.Fields, pk) {
			return errors.New("table_spec", "primary key "+pk+" is not a field of table "+t.Name)
		}
	}
	if t.BatchSize < 0 || t.Limit < 0 {
		return errors.New("table_spec", "batch size and limit must not be negative")
	}
	return nil
}

// NonKeyFields returns the fields that are not primary keys, in declaration order.
func (t TableSpec) NonKeyFields() []string {
	out := make([]string, 0, len(t.Fields))
	for _, f := range t.Fields {
		if !slices.Contains(t.PrimaryKeys, f) {
			out = append(out, f)
		}
	}
	return out
}

// EffectiveBatchSize returns the configured batch size or DefaultBatchSize.
func (t TableSpec) EffectiveBatchSize() int {
	if t.BatchSize > 0 {
		return t.BatchSize
	}
	return DefaultBatchSize
}

// IsKey reports whether col is one of the primary keys.
func (t TableSpec) IsKey(col string) bool {
	return slices.Contains(t.PrimaryKeys, col)
}
