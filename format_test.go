package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/ownedsync/internal/sync"
)

func TestFormatTime(t *testing.T) {
	now := time.Now()
	sameYear := time.Date(now.Year(), time.March, 15, 10, 30, 0, 0, time.UTC)
	diffYear := time.Date(2020, time.December, 25, 8, 0, 0, 0, time.UTC)

	t.Run("same year", func(t *testing.T) {
		result := formatTime(sameYear)
		assert.Contains(t, result, "Mar")
		assert.Contains(t, result, "15")
		assert.Contains(t, result, "10:30")
	})

	t.Run("different year", func(t *testing.T) {
		result := formatTime(diffYear)
		assert.Contains(t, result, "Dec")
		assert.Contains(t, result, "25")
		assert.Contains(t, result, "2020")
	})

	t.Run("zero", func(t *testing.T) {
		assert.Equal(t, "never", formatTime(time.Time{}))
	})
}

func TestFormatAge(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		at   time.Time
		want string
	}{
		{"zero", time.Time{}, "never"},
		{"seconds", now.Add(-30 * time.Second), "just now"},
		{"minutes", now.Add(-5 * time.Minute), "5m ago"},
		{"hours", now.Add(-3 * time.Hour), "3h ago"},
		{"days", now.Add(-72 * time.Hour), "3d ago"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatAge(tt.at, now))
		})
	}
}

func TestFormatCount(t *testing.T) {
	assert.Equal(t, "0 tracks", formatCount(0))
	assert.Equal(t, "1 track", formatCount(1))
	assert.Equal(t, "12 tracks", formatCount(12))
	assert.Equal(t, "12,345 tracks", formatCount(12345))
}

func TestFormatStatus(t *testing.T) {
	ok := formatStatus(sync.Status{Phase: sync.PhaseReady, Message: "Synced to cloud"})
	assert.Equal(t, "Synced to cloud (ready)", ok)

	failed := formatStatus(sync.Status{
		Phase:     sync.PhaseReady,
		Message:   "Saved to device",
		ErrorStep: sync.StepSavingRemote,
		ErrorCode: "unavailable",
	})
	assert.Contains(t, failed, "[savingRemote: unavailable]")
}

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer

	headers := []string{"ID", "TRACKS", "CREATED"}
	rows := [][]string{
		{"20260301T120000Z-ab12", "42", "Mar  1 12:00"},
		{"20260302T120000Z-cd34", "7", "Mar  2 12:00"},
	}

	printTable(&buf, headers, rows)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")

	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], "20260301T120000Z-ab12")
	assert.Equal(t, strings.Index(lines[0], "TRACKS"), strings.Index(lines[2], "7"), "columns are aligned")
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, printJSON(&buf, map[string]int{"count": 3}))
	assert.Equal(t, "{\n  \"count\": 3\n}\n", buf.String())
}
