// Package record provides the column-keyed row type moved between stores.
package record

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// NullID is how a nil primary-key value is rendered inside a record ID.
const NullID = "None"

// idSeparator joins primary-key values into a record ID.
const idSeparator = "|"

// Record maps column names to scalar values (string, integer, float, boolean,
// time, UUID string or nested map). The column set is table specific.
type Record map[string]any

// Difference holds the source and target values of one diverging column.
type Difference struct {
	Source any `json:"source"`
	Target any `json:"target"`
}

// ID builds the canonical record ID from the primary-key columns.
func (r Record) ID(primaryKeys []string) string {
	parts := make([]string, len(primaryKeys))
	for i, pk := range primaryKeys {
		parts[i] = FormatValue(r[pk])
	}
	return strings.Join(parts, idSeparator)
}

// Clone returns a shallow copy of the record. Nested maps are copied one level deep.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		if m, ok := v.(map[string]any); ok {
			nested := make(map[string]any, len(m))
			for nk, nv := range m {
				nested[nk] = nv
			}
			out[k] = nested
			continue
		}
		out[k] = v
	}
	return out
}

// Project returns a copy containing only the given columns that are present.
func (r Record) Project(cols []string) Record {
	out := make(Record, len(cols))
	for _, c := range cols {
		if v, ok := r[c]; ok {
			out[c] = v
		}
	}
	return out
}

// Missing returns the columns from cols that the record does not carry.
func (r Record) Missing(cols []string) []string {
	var missing []string
	for _, c := range cols {
		if _, ok := r[c]; !ok {
			missing = append(missing, c)
		}
	}
	return missing
}

// Columns returns the record's column names in sorted order.
func (r Record) Columns() []string {
	cols := make([]string, 0, len(r))
	for c := range r {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// Normalized returns a JSON-friendly copy: times become RFC3339Nano strings and
// byte slices become strings.
func (r Record) Normalized() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = Normalize(v)
	}
	return out
}

// Diff compares the given columns of source and target and returns the diverging ones.
func Diff(source, target Record, cols []string) map[string]Difference {
	diffs := make(map[string]Difference)
	for _, c := range cols {
		sv, sok := source[c]
		tv, tok := target[c]
		if !sok && !tok {
			continue
		}
		if !ValuesEqual(sv, tv) {
			diffs[c] = Difference{Source: Normalize(sv), Target: Normalize(tv)}
		}
	}
	return diffs
}

// Differs reports whether any of the given columns differ between a and b.
func Differs(a, b Record, cols []string) bool {
	for _, c := range cols {
		if !ValuesEqual(a[c], b[c]) {
			return true
		}
	}
	return false
}

// FormatValue renders a value for use inside a record ID.
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return NullID
	case string:
		return val
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1e15 {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return FormatValue(float64(val))
	default:
		return fmt.Sprint(val)
	}
}

// Normalize converts driver-specific values into JSON-friendly scalars.
func Normalize(v any) any {
	switch val := v.(type) {
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case []byte:
		return string(val)
	default:
		return v
	}
}
