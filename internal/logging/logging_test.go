// ABOUTME: Tests for logger construction and the colorized text handler.
// ABOUTME: Color is disabled so assertions can match plain text.

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "info", "json")

	logger.With("component", "session").Info("=== AGENT CONNECTED ===", "agent_id", int64(4))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "=== AGENT CONNECTED ===", line["msg"])
	assert.Equal(t, "session", line["component"])
	assert.Equal(t, float64(4), line["agent_id"])
}

func TestNew_TextLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warn", "text")

	logger.Info("hidden")
	logger.Warn("shown", "agent_id", 7)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "WRN shown")
	assert.Contains(t, out, " agent_id=7")
}

func TestColorHandler_AttrsAndGroups(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "debug", "text")

	logger.With("component", "uplink").
		WithGroup("frame").
		Debug("received", "type", "ping", slog.Group("size", "bytes", 14))

	out := buf.String()
	assert.Contains(t, out, "DBG received")
	assert.Contains(t, out, " component=uplink")
	assert.Contains(t, out, " frame.type=ping")
	assert.Contains(t, out, " frame.size.bytes=14")
}
