package record

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// timeLayouts are tried in order when a string is compared against a time.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ValuesEqual reports whether two column values are equal after coercion.
// Integers and floats compare numerically, numeric strings compare against
// numbers, byte slices compare as strings, ISO strings compare against times
// and booleans compare against 0/1.
func ValuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	if ta, ok := asTime(a); ok {
		if tb, ok := asTime(b); ok {
			return ta.Equal(tb)
		}
	}

	if fa, ok := asNumber(a); ok {
		if fb, ok := asNumber(b); ok {
			return fa == fb || math.Abs(fa-fb) <= 1e-9*math.Max(math.Abs(fa), math.Abs(fb))
		}
	}

	if ba, ok := a.(bool); ok {
		if bb, ok := asBool(b); ok {
			return ba == bb
		}
		return false
	}
	if bb, ok := b.(bool); ok {
		if ba, ok := asBool(a); ok {
			return ba == bb
		}
		return false
	}

	if sa, ok := asString(a); ok {
		if sb, ok := asString(b); ok {
			return sa == sb
		}
	}

	return reflect.DeepEqual(a, b)
}

// ParseTime parses a time value from the supported ISO layouts.
func ParseTime(v any) (time.Time, bool) {
	return asTime(v)
}

// ToFloat converts a numeric or numeric-string value to float64.
func ToFloat(v any) (float64, bool) {
	return asNumber(v)
}

func asTime(v any) (time.Time, bool) {
	switch val := v.(type) {
	case time.Time:
		return val, true
	case string:
		return parseTimeString(val)
	case []byte:
		return parseTimeString(string(val))
	}
	return time.Time{}, false
}

func parseTimeString(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if len(s) < len("2006-01-02") || s[4] != '-' {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func asNumber(v any) (float64, bool) {
	switch val := v.(type) {
	case int:
		return float64(val), true
	case int8:
		return float64(val), true
	case int16:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint8:
		return float64(val), true
	case uint16:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case fmt.Stringer:
		return parseNumber(val.String())
	case string:
		return parseNumber(val)
	case []byte:
		return parseNumber(string(val))
	}
	return 0, false
}

func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func asBool(v any) (bool, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(val))
		return b, err == nil
	}
	if f, ok := asNumber(v); ok && (f == 0 || f == 1) {
		return f == 1, true
	}
	return false, false
}

func asString(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case []byte:
		return string(val), true
	case fmt.Stringer:
		return val.String(), true
	}
	return "", false
}
