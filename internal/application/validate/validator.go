// Package validate checks records against per-table field and relationship rules.
package validate

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/terrafusion/syncservice/internal/domain/errors"
	"github.com/terrafusion/syncservice/internal/domain/record"
)

// Field types understood by FieldRules.Type.
const (
	TypeString   = "string"
	TypeInteger  = "integer"
	TypeNumber   = "number"
	TypeBoolean  = "boolean"
	TypeDate     = "date"
	TypeDatetime = "datetime"
	TypeEmail    = "email"
	TypeUUID     = "uuid"
	TypePhone    = "phone"
	TypeArray    = "array"
	TypeObject   = "object"
)

var (
	emailPattern = regexp.MustCompile(`^[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}$`)
	phonePattern = regexp.MustCompile(`^\+?[0-9 ()\-.]{7,20}$`)
)

// FieldRules are the checks applied to one field.
type FieldRules struct {
	Type      string   `json:"type,omitempty" yaml:"type,omitempty" toml:"type"`
	Required  bool     `json:"required,omitempty" yaml:"required,omitempty" toml:"required"`
	Min       *float64 `json:"min,omitempty" yaml:"min,omitempty" toml:"min"`
	Max       *float64 `json:"max,omitempty" yaml:"max,omitempty" toml:"max"`
	MinLength *int     `json:"minLength,omitempty" yaml:"minLength,omitempty" toml:"minLength"`
	MaxLength *int     `json:"maxLength,omitempty" yaml:"maxLength,omitempty" toml:"maxLength"`
	Enum      []any    `json:"enum,omitempty" yaml:"enum,omitempty" toml:"enum"`
	Pattern   string   `json:"pattern,omitempty" yaml:"pattern,omitempty" toml:"pattern"`
}

// Relationship compares two fields of the same record, e.g. land_value <= total_value.
type Relationship struct {
	Left  string `json:"left" yaml:"left" toml:"left"`
	Op    string `json:"op" yaml:"op" toml:"op"`
	Right string `json:"right" yaml:"right" toml:"right"`
}

func (r Relationship) String() string {
	return r.Left + " " + r.Op + " " + r.Right
}

// TableRules are the rules for one table.
type TableRules struct {
	Fields        map[string]FieldRules `json:"fields,omitempty" yaml:"fields,omitempty" toml:"fields"`
	Relationships []Relationship        `json:"relationships,omitempty" yaml:"relationships,omitempty" toml:"relationships"`
}

// Invalid is a record that failed validation along with its messages.
type Invalid struct {
	Index  int
	Record record.Record
	Errors []string
}

// Validator holds compiled rules per table. Tables without rules accept every record.
type Validator struct {
	mu       sync.RWMutex
	tables   map[string]TableRules
	patterns map[string]*regexp.Regexp
}

// New creates a Validator from per-table rules. Invalid patterns and
// relationship operators are rejected.
func New(rules map[string]TableRules) (*Validator, error) {
	v := &Validator{tables: make(map[string]TableRules), patterns: make(map[string]*regexp.Regexp)}
	for table, r := range rules {
		if err := v.SetRules(table, r); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// SetRules installs or replaces the rules for a table.
func (v *Validator) SetRules(table string, rules TableRules) error {
	compiled := make(map[string]*regexp.Regexp)
	for field, fr := range rules.Fields {
		if fr.Type != "" && !knownType(fr.Type) {
			return errors.New("validation", fmt.Sprintf("unknown type %q for %s.%s", fr.Type, table, field))
		}
		if fr.Pattern == "" {
			continue
		}
		re, err := regexp.Compile(fr.Pattern)
		if err != nil {
			return errors.NewError(errors.CodeValidation, fmt.Sprintf("invalid pattern for %s.%s", table, field), err)
		}
		compiled[field] = re
	}
	for _, rel := range rules.Relationships {
		if _, ok := comparators[rel.Op]; !ok {
			return errors.New("validation", fmt.Sprintf("unknown relationship operator %q in %s", rel.Op, table))
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.tables[table] = rules
	for field, re := range compiled {
		v.patterns[table+"."+field] = re
	}
	return nil
}

// ValidateRecords checks every record and returns whether all passed plus the
// messages of each failing record keyed by its index in batch.
func (v *Validator) ValidateRecords(table string, batch []record.Record) (bool, map[int][]string) {
	errs := make(map[int][]string)
	for i, rec := range batch {
		if msgs := v.ValidateRecord(table, rec); len(msgs) > 0 {
			errs[i] = msgs
		}
	}
	return len(errs) == 0, errs
}

// Filter splits a batch into valid records and invalid ones.
func (v *Validator) Filter(table string, batch []record.Record) ([]record.Record, []Invalid) {
	_, errs := v.ValidateRecords(table, batch)
	valid := make([]record.Record, 0, len(batch)-len(errs))
	var invalid []Invalid
	for i, rec := range batch {
		if msgs, bad := errs[i]; bad {
			invalid = append(invalid, Invalid{Index: i, Record: rec, Errors: msgs})
			continue
		}
		valid = append(valid, rec)
	}
	return valid, invalid
}

// ValidateRecord returns the validation messages for a single record.
func (v *Validator) ValidateRecord(table string, rec record.Record) []string {
	v.mu.RLock()
	rules, ok := v.tables[table]
	v.mu.RUnlock()
	if !ok {
		return nil
	}

	var msgs []string
	fields := make([]string, 0, len(rules.Fields))
	for f := range rules.Fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	for _, field := range fields {
		msgs = append(msgs, v.checkField(table, field, rules.Fields[field], rec)...)
	}
	for _, rel := range rules.Relationships {
		if msg := checkRelationship(rel, rec); msg != "" {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

func (v *Validator) checkField(table, field string, fr FieldRules, rec record.Record) []string {
	value, present := rec[field]
	if !present || value == nil || value == "" {
		if fr.Required {
			return []string{fmt.Sprintf("%s is required", field)}
		}
		return nil
	}

	var msgs []string
	if fr.Type != "" {
		if msg := checkType(field, fr.Type, value); msg != "" {
			return []string{msg}
		}
	}

	if fr.Min != nil || fr.Max != nil {
		if n, ok := record.ToFloat(value); ok {
			if fr.Min != nil && n < *fr.Min {
				msgs = append(msgs, fmt.Sprintf("%s must be at least %v", field, *fr.Min))
			}
			if fr.Max != nil && n > *fr.Max {
				msgs = append(msgs, fmt.Sprintf("%s must be at most %v", field, *fr.Max))
			}
		} else {
			msgs = append(msgs, fmt.Sprintf("%s must be numeric for range checks", field))
		}
	}

	if fr.MinLength != nil || fr.MaxLength != nil {
		s := record.FormatValue(record.Normalize(value))
		n := utf8.RuneCountInString(s)
		if fr.MinLength != nil && n < *fr.MinLength {
			msgs = append(msgs, fmt.Sprintf("%s must be at least %d characters", field, *fr.MinLength))
		}
		if fr.MaxLength != nil && n > *fr.MaxLength {
			msgs = append(msgs, fmt.Sprintf("%s must be at most %d characters", field, *fr.MaxLength))
		}
	}

	if len(fr.Enum) > 0 {
		allowed := false
		for _, e := range fr.Enum {
			if record.ValuesEqual(value, e) {
				allowed = true
				break
			}
		}
		if !allowed {
			msgs = append(msgs, fmt.Sprintf("%s must be one of %v", field, fr.Enum))
		}
	}

	if fr.Pattern != "" {
		v.mu.RLock()
		re := v.patterns[table+"."+field]
		v.mu.RUnlock()
		if re != nil && !re.MatchString(record.FormatValue(record.Normalize(value))) {
			msgs = append(msgs, fmt.Sprintf("%s does not match pattern %s", field, fr.Pattern))
		}
	}
	return msgs
}

func knownType(t string) bool {
	switch t {
	case TypeString, TypeInteger, TypeNumber, TypeBoolean, TypeDate, TypeDatetime,
		TypeEmail, TypeUUID, TypePhone, TypeArray, TypeObject:
		return true
	}
	return false
}

func checkType(field, typ string, value any) string {
	ok := true
	switch typ {
	case TypeString:
		_, ok = value.(string)
	case TypeInteger:
		f, isNum := record.ToFloat(value)
		ok = isNum && f == float64(int64(f))
		if _, isBool := value.(bool); isBool {
			ok = false
		}
	case TypeNumber:
		_, ok = record.ToFloat(value)
		if _, isBool := value.(bool); isBool {
			ok = false
		}
	case TypeBoolean:
		_, ok = value.(bool)
	case TypeDate, TypeDatetime:
		_, ok = record.ParseTime(value)
	case TypeEmail:
		s, isStr := value.(string)
		ok = isStr && emailPattern.MatchString(s)
	case TypeUUID:
		s, isStr := value.(string)
		if isStr {
			_, err := uuid.Parse(s)
			ok = err == nil
		} else {
			_, ok = value.(uuid.UUID)
		}
	case TypePhone:
		s, isStr := value.(string)
		ok = isStr && phonePattern.MatchString(strings.TrimSpace(s))
	case TypeArray:
		k := reflect.ValueOf(value).Kind()
		ok = k == reflect.Slice || k == reflect.Array
		if _, isBytes := value.([]byte); isBytes {
			ok = false
		}
	case TypeObject:
		ok = reflect.ValueOf(value).Kind() == reflect.Map
	}
	if ok {
		return ""
	}
	return fmt.Sprintf("%s must be a valid %s", field, typ)
}

var comparators = map[string]func(a, b float64) bool{
	"<":  func(a, b float64) bool { return a < b },
	"<=": func(a, b float64) bool { return a <= b },
	">":  func(a, b float64) bool { return a > b },
	">=": func(a, b float64) bool { return a >= b },
	"==": func(a, b float64) bool { return a == b },
	"!=": func(a, b float64) bool { return a != b },
}

func checkRelationship(rel Relationship, rec record.Record) string {
	lv, lok := rec[rel.Left]
	rv, rok := rec[rel.Right]
	if !lok || !rok || lv == nil || rv == nil {
		return ""
	}
	cmp := comparators[rel.Op]

	if lf, ok := record.ToFloat(lv); ok {
		if rf, ok := record.ToFloat(rv); ok {
			if !cmp(lf, rf) {
				return fmt.Sprintf("relationship %s violated (%v vs %v)", rel, lv, rv)
			}
			return ""
		}
	}
	if lt, ok := record.ParseTime(lv); ok {
		if rt, ok := record.ParseTime(rv); ok {
			if !cmp(float64(lt.UnixNano()), float64(rt.UnixNano())) {
				return fmt.Sprintf("relationship %s violated (%v vs %v)", rel, lv, rv)
			}
			return ""
		}
	}
	switch rel.Op {
	case "==":
		if !record.ValuesEqual(lv, rv) {
			return fmt.Sprintf("relationship %s violated (%v vs %v)", rel, lv, rv)
		}
	case "!=":
		if record.ValuesEqual(lv, rv) {
			return fmt.Sprintf("relationship %s violated (%v vs %v)", rel, lv, rv)
		}
	default:
		return fmt.Sprintf("relationship %s cannot compare %v and %v", rel, lv, rv)
	}
	return ""
}
