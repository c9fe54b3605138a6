package snapshot

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

// Layouts accepted for string timestamps, tried in order.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.DateOnly,
}

// Accessor shapes found on timestamp objects from document stores.
type (
	timeAccessor   interface{ Time() time.Time }
	dateAccessor   interface{ ToDate() time.Time }
	asTimeAccessor interface{ AsTime() time.Time }
)

// ParseTimestamp converts a stored timestamp of unknown shape into epoch
// milliseconds. Accepted: numeric epoch milliseconds, ISO-8601 strings,
// time.Time values, objects exposing Time(), ToDate() or AsTime(), and maps
// carrying seconds/_seconds with optional nanoseconds/_nanoseconds.
// Unrecognized shapes return nil rather than an error.
func ParseTimestamp(v any) *int64 {
	if i, ok := asInt64(v); ok {
		return ms(i)
	}

	switch t := v.(type) {
	case nil:
		return nil
	case time.Time:
		return fromTime(t)
	case *time.Time:
		if t == nil {
			return nil
		}

		return fromTime(*t)
	case float32:
		return fromFloat(float64(t))
	case float64:
		return fromFloat(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return ms(i)
		}

		if f, err := t.Float64(); err == nil {
			return fromFloat(f)
		}

		return nil
	case string:
		return fromString(t)
	case timeAccessor:
		return fromTime(t.Time())
	case dateAccessor:
		return fromTime(t.ToDate())
	case asTimeAccessor:
		return fromTime(t.AsTime())
	case map[string]any:
		return fromSecondsMap(t)
	default:
		return nil
	}
}

// TimeFromMillis converts a ParseTimestamp result back into a time.Time.
func TimeFromMillis(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}

	t := time.UnixMilli(*ms).UTC()

	return &t
}

func ms(v int64) *int64 {
	return &v
}

func fromTime(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}

	return ms(t.UnixMilli())
}

func fromFloat(f float64) *int64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}

	return ms(int64(f))
}

func fromString(s string) *int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return fromTime(t)
		}
	}

	return nil
}

func fromSecondsMap(m map[string]any) *int64 {
	secs, ok := numberField(m, "seconds", "_seconds")
	if !ok {
		return nil
	}

	nanos, _ := numberField(m, "nanoseconds", "_nanoseconds")

	return ms(int64(secs*1000 + nanos/1e6))
}

func numberField(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if i, ok := asInt64(m[k]); ok {
			return float64(i), true
		}

		switch n := m[k].(type) {
		case float32:
			if math.IsNaN(float64(n)) || math.IsInf(float64(n), 0) {
				return 0, false
			}

			return float64(n), true
		case float64:
			if math.IsNaN(n) || math.IsInf(n, 0) {
				return 0, false
			}

			return n, true
		case json.Number:
			if f, err := n.Float64(); err == nil {
				return f, true
			}
		}
	}

	return 0, false
}

// asInt64 converts any integer kind. Unsigned values beyond int64 are
// rejected.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return unsigned(uint64(n))
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return unsigned(n)
	default:
		return 0, false
	}
}

func unsigned(n uint64) (int64, bool) {
	if n > math.MaxInt64 {
		return 0, false
	}

	return int64(n), true
}
