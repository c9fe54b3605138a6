package snapshot

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type firestoreTimestamp struct{ t time.Time }

func (f firestoreTimestamp) ToDate() time.Time { return f.t }

type protoTimestamp struct{ t time.Time }

func (p protoTimestamp) AsTime() time.Time { return p.t }

func TestParseTimestamp(t *testing.T) {
	ref := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	refMs := ref.UnixMilli()

	tests := []struct {
		name string
		in   any
		want *int64
	}{
		{"nil", nil, nil},
		{"epoch ms int64", refMs, &refMs},
		{"epoch ms float", float64(refMs), &refMs},
		{"epoch ms uint64", uint64(refMs), &refMs},
		{"epoch ms uint", uint(refMs), &refMs},
		{"small int16", int16(1500), ms(1500)},
		{"uint64 overflow", uint64(math.MaxUint64), nil},
		{"json number", json.Number("1704189600000"), &refMs},
		{"rfc3339", "2024-01-02T10:00:00Z", &refMs},
		{"rfc3339 offset", "2024-01-02T11:00:00+01:00", &refMs},
		{"rfc3339 millis", "2024-01-02T10:00:00.000Z", &refMs},
		{"time value", ref, &refMs},
		{"time pointer", &ref, &refMs},
		{"to date accessor", firestoreTimestamp{ref}, &refMs},
		{"as time accessor", protoTimestamp{ref}, &refMs},
		{"seconds map", map[string]any{"seconds": float64(ref.Unix())}, &refMs},
		{"underscore seconds map", map[string]any{"_seconds": ref.Unix(), "_nanoseconds": 0}, &refMs},
		{"int32 seconds map", map[string]any{"seconds": int32(ref.Unix())}, &refMs},
		{"uint64 seconds map", map[string]any{"seconds": uint64(ref.Unix())}, &refMs},
		{"float32 seconds map", map[string]any{"seconds": float32(1000), "nanoseconds": float32(0)}, ms(1_000_000)},
		{"empty string", "   ", nil},
		{"garbage string", "yesterday-ish", nil},
		{"zero time", time.Time{}, nil},
		{"nil time pointer", (*time.Time)(nil), nil},
		{"NaN", math.NaN(), nil},
		{"map without seconds", map[string]any{"foo": 1}, nil},
		{"unsupported type", []string{"x"}, nil},
		{"bool", true, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseTimestamp(tt.in)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}

			require.NotNil(t, got)
			assert.Equal(t, *tt.want, *got)
		})
	}
}

func TestParseTimestamp_SecondsMapWithNanos(t *testing.T) {
	got := ParseTimestamp(map[string]any{"seconds": int64(10), "nanoseconds": int64(500_000_000)})

	require.NotNil(t, got)
	assert.Equal(t, int64(10_500), *got)
}

func TestTimeFromMillis(t *testing.T) {
	assert.Nil(t, TimeFromMillis(nil))

	v := int64(1704189600000)
	got := TimeFromMillis(&v)
	require.NotNil(t, got)
	assert.Equal(t, time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC), *got)
}
