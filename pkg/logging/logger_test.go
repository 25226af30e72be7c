package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedLogger(level Level, jsonFormat bool) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	l := NewLogger(level, jsonFormat)
	l.SetOutput(&buf)
	l.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return l, &buf
}

func TestJSONEntry(t *testing.T) {
	l, buf := fixedLogger(INFO, true)
	l.WithField("job_id", "job-1").Info("job created", Fields{"priority": 5, "error": errors.New("boom")})

	var e Entry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &e))
	assert.Equal(t, "INFO", e.Level)
	assert.Equal(t, "job created", e.Message)
	assert.Equal(t, "2024-05-01T12:00:00Z", e.Timestamp)
	assert.Equal(t, "job-1", e.Fields["job_id"])
	assert.Equal(t, float64(5), e.Fields["priority"])
	assert.Equal(t, "boom", e.Fields["error"])
}

func TestLevelFiltering(t *testing.T) {
	l, buf := fixedLogger(WARN, true)
	l.Debug("hidden")
	l.Info("hidden")
	l.Warn("shown")
	l.Error("shown")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)
	assert.False(t, l.Enabled(INFO))
	assert.True(t, l.Enabled(ERROR))
}

func TestTextFormatSortsFields(t *testing.T) {
	l, buf := fixedLogger(DEBUG, false)
	l.Debug("relay tick", Fields{"zeta": 1, "alpha": "a"})
	assert.Equal(t, "[2024-05-01 12:00:00] DEBUG: relay tick alpha=a zeta=1\n", buf.String())
}

func TestChildDoesNotMutateParent(t *testing.T) {
	parent, buf := fixedLogger(INFO, true)
	child := parent.WithFields(Fields{"component": "relay"})
	_ = child.WithError(errors.New("x"))

	parent.Info("parent")
	var e Entry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &e))
	assert.Empty(t, e.Fields)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", DEBUG, false},
		{"INFO", INFO, false},
		{"", INFO, false},
		{"warning", WARN, false},
		{"Error", ERROR, false},
		{"verbose", INFO, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestNewWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "vidcoord.log")
	l, err := New(Options{Level: "info", Format: "json", File: path})
	require.NoError(t, err)
	l.Info("to file")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"to file"`)
}

func TestNilAndNop(t *testing.T) {
	var l *Logger
	assert.NotPanics(t, func() { l.Info("nothing") })
	assert.NotPanics(t, func() { Nop().Error("discarded") })
}
