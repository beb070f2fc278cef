// Package transform maps and coerces source records into target records.
package transform

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/terrafusion/syncservice/internal/domain/errors"
	"github.com/terrafusion/syncservice/internal/domain/record"
)

// Func converts a single field value.
type Func func(value any) (any, error)

// Registry resolves transform names to functions.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry creates a registry preloaded with the built-in transforms.
func NewRegistry() *Registry {
	r := &Registry{funcs: make(map[string]Func)}
	for name, fn := range builtins {
		r.funcs[name] = fn
	}
	return r
}

// Register adds or replaces a named transform.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// Get returns the transform registered under name.
func (r *Registry) Get(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Names returns the registered transform names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for n := range r.funcs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Apply runs the named transform. Nil values pass through every transform
// except null_if_empty.
func (r *Registry) Apply(name string, value any) (any, error) {
	fn, ok := r.Get(name)
	if !ok {
		return value, fmt.Errorf("%w: %s", errors.ErrUnknownTransform, name)
	}
	if value == nil {
		return nil, nil
	}
	return fn(value)
}

var builtins = map[string]Func{
	"upper":            stringFunc(strings.ToUpper),
	"lower":            stringFunc(strings.ToLower),
	"trim":             stringFunc(strings.TrimSpace),
	"to_string":        toString,
	"to_int":           toInt,
	"to_float":         toFloat,
	"to_bool":          toBool,
	"iso_date":         isoLayout("2006-01-02"),
	"iso_datetime":     isoLayout(time.RFC3339),
	"uuid":             toUUID,
	"null_if_empty":    nullIfEmpty,
	"strip_non_digits": stripNonDigits,
}

func stringFunc(f func(string) string) Func {
	return func(v any) (any, error) {
		s, err := toString(v)
		if err != nil {
			return nil, err
		}
		return f(s.(string)), nil
	}
}

func toString(v any) (any, error) {
	return record.FormatValue(record.Normalize(v)), nil
}

func toInt(v any) (any, error) {
	switch val := v.(type) {
	case bool:
		if val {
			return int64(1), nil
		}
		return int64(0), nil
	case string:
		s := strings.TrimSpace(val)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, nil
		}
	}
	f, ok := record.ToFloat(v)
	if !ok {
		return nil, fmt.Errorf("cannot convert %v to integer", v)
	}
	return int64(math.Trunc(f)), nil
}

func toFloat(v any) (any, error) {
	f, ok := record.ToFloat(v)
	if !ok {
		return nil, fmt.Errorf("cannot convert %v to float", v)
	}
	return f, nil
}

func toBool(v any) (any, error) {
	switch val := v.(type) {
	case bool:
		return val, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "true", "t", "yes", "y", "1":
			return true, nil
		case "false", "f", "no", "n", "0", "":
			return false, nil
		}
		return nil, fmt.Errorf("cannot convert %q to boolean", val)
	}
	f, ok := record.ToFloat(v)
	if !ok {
		return nil, fmt.Errorf("cannot convert %v to boolean", v)
	}
	return f != 0, nil
}

func isoLayout(layout string) Func {
	return func(v any) (any, error) {
		t, ok := record.ParseTime(v)
		if !ok {
			if s, isStr := v.(string); isStr {
				for _, alt := range []string{"01/02/2006", "1/2/2006", "01/02/2006 15:04:05"} {
					if parsed, err := time.Parse(alt, strings.TrimSpace(s)); err == nil {
						return parsed.Format(layout), nil
					}
				}
			}
			return nil, fmt.Errorf("cannot parse %v as a date", v)
		}
		return t.UTC().Format(layout), nil
	}
}

func toUUID(v any) (any, error) {
	s, _ := toString(v)
	id, err := uuid.Parse(strings.TrimSpace(s.(string)))
	if err != nil {
		return nil, fmt.Errorf("invalid uuid %v: %w", v, err)
	}
	return id.String(), nil
}

func nullIfEmpty(v any) (any, error) {
	if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
		return nil, nil
	}
	return v, nil
}

func stripNonDigits(v any) (any, error) {
	s, _ := toString(v)
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s.(string)), nil
}
