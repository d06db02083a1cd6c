package log

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTerminalHandlerOutput(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(NewTerminalHandlerWithLevel(&buf, LevelDebug, false))

	l.Info(VMMonitoring, "dispatch started", "pc", 0, "func", "main")
	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "INFO "), "unexpected prefix: %q", out)
	assert.Contains(t, out, "dispatch started")
	assert.Contains(t, out, "pc=0")
	assert.Contains(t, out, `func="main"`)
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(NewTerminalHandlerWithLevel(&buf, LevelWarn, false))

	l.Debug(VMMonitoring, "should be dropped")
	assert.Equal(t, "", buf.String())

	l.Error(VMMonitoring, "should be kept")
	assert.Contains(t, buf.String(), "should be kept")
}

func TestModuleGating(t *testing.T) {
	var buf bytes.Buffer
	old := Root()
	defer SetDefault(old)
	SetDefault(NewLogger(NewTerminalHandlerWithLevel(&buf, LevelTrace, false)))

	DisableModule(SegmentMonitoring)
	Debug(SegmentMonitoring, "gated out")
	assert.Equal(t, "", buf.String())

	EnableModule(SegmentMonitoring)
	Debug(SegmentMonitoring, "gated in")
	assert.Contains(t, buf.String(), "gated in")
}

func TestParseLevel(t *testing.T) {
	testCases := []struct {
		in       string
		expected slog.Level
		wantErr  bool
	}{
		{"trace", LevelTrace, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"error", LevelError, false},
		{"crit", LevelCrit, false},
		{"bogus", 0, true},
	}
	for _, tc := range testCases {
		lvl, err := ParseLevel(tc.in)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		assert.NoError(t, err, tc.in)
		assert.Equal(t, tc.expected, lvl, tc.in)
	}
}
