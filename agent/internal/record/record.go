// Package record holds the helpers every collection stage shares for working
// with raw source records: dotted-path lookup, cloning, and loose numeric
// coercion of decoded JSON/SQL values.
package record

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Record is one raw row/object fetched from a data source.
type Record = map[string]any

// Lookup resolves a dotted path ("customer.address.city") against r.
// Intermediate values must be maps; the second return is false when any
// segment is missing.
func Lookup(r Record, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	if v, ok := r[path]; ok {
		return v, true
	}
	var cur any = r
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Set writes v at a dotted path, creating intermediate maps as needed.
func Set(r Record, path string, v any) {
	segs := strings.Split(path, ".")
	cur := r
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = v
}

// Clone returns a deep copy of r (nested maps and slices are copied).
func Clone(r Record) Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Clone(t)
	case []any:
		cp := make([]any, len(t))
		for i, e := range t {
			cp[i] = cloneValue(e)
		}
		return cp
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// Float coerces a decoded value to float64. Numeric strings are parsed;
// booleans map to 0/1.
func Float(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case []byte:
		return parseFloat(string(t))
	case string:
		return parseFloat(t)
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func parseFloat(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// String renders a value for string comparison and dimension keys.
func String(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

// Time parses a timestamp from a time.Time, an RFC3339 string, or a unix
// number (seconds, or milliseconds when larger than 1e12).
func Time(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts, true
			}
		}
		if f, ok := parseFloat(t); ok {
			return unixTime(f), true
		}
		return time.Time{}, false
	default:
		if f, ok := Float(v); ok {
			return unixTime(f), true
		}
		return time.Time{}, false
	}
}

func unixTime(f float64) time.Time {
	if f > 1e12 {
		return time.UnixMilli(int64(f)).UTC()
	}
	return time.Unix(int64(f), 0).UTC()
}

// NonNullPct returns the percentage (0–100) of top-level fields in r whose
// value is neither nil nor an empty string. An empty record scores 0.
func NonNullPct(r Record) float64 {
	if len(r) == 0 {
		return 0
	}
	var n int
	for _, v := range r {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		n++
	}
	return float64(n) / float64(len(r)) * 100
}
