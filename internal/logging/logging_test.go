package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/howard-nolan/llmbridge/internal/config"
)

func TestNew_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(config.LogConfig{Level: "info", Format: "json"}, &buf)

	logger.Info("adapter ready", "provider", "openai", "attempt", 2)

	line := buf.Bytes()
	require.True(t, gjson.ValidBytes(line), "not JSON: %s", line)
	assert.Equal(t, "adapter ready", gjson.GetBytes(line, "message").String())
	assert.Equal(t, "info", gjson.GetBytes(line, "level").String())
	assert.Equal(t, "openai", gjson.GetBytes(line, "provider").String())
	assert.Equal(t, int64(2), gjson.GetBytes(line, "attempt").Int())
}

func TestNew_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(config.LogConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("hidden")
	assert.Zero(t, buf.Len())

	logger.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestNew_RedactsCredentials(t *testing.T) {
	var buf bytes.Buffer
	logger := New(config.LogConfig{Level: "debug", Format: "json"}, &buf)

	logger.Debug("vendor said: Incorrect API key provided: sk-proj-abcdefghijklmnopqrstuvwxyz",
		"api_key", "anything", "provider", "openai")

	out := buf.String()
	assert.NotContains(t, out, "sk-proj-abcdefghijklmnopqrstuvwxyz")
	assert.NotContains(t, out, "anything")
	assert.Contains(t, out, "[REDACTED]")
}

func TestNew_ConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(config.LogConfig{Level: "info", Format: "console"}, &buf)

	logger.Info("listening", "port", 8080)

	assert.False(t, gjson.Valid(buf.String()))
	assert.Contains(t, buf.String(), "listening")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel("chatty"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}
