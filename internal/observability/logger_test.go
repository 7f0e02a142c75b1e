package observability

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vodmux/vodmux/internal/config"
)

func TestNewLoggerWithWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, &buf)

	logger.Info("segment build complete", slog.Int("segments", 3))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "segment build complete", entry["msg"])
	assert.Equal(t, float64(3), entry["segments"])
}

func TestLoggerRedactsSensitiveFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, &buf)

	logger.Info("fetching asset", slog.String("token", "super-secret-value"))

	out := buf.String()
	assert.NotContains(t, out, "super-secret-value")
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "warn", Format: "text"}, &buf)

	logger.Info("should be filtered")
	assert.Empty(t, buf.String())

	logger.Warn("should appear")
	assert.Contains(t, buf.String(), "should appear")
}

func TestSetLogLevel(t *testing.T) {
	SetLogLevel("debug")
	assert.Equal(t, "debug", GetLogLevel())

	SetLogLevel("error")
	assert.Equal(t, "error", GetLogLevel())

	// Unknown levels fall back to info.
	SetLogLevel("bogus")
	assert.Equal(t, "info", GetLogLevel())
}

func TestWithHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "text"}, &buf)

	WithComponent(logger, "muxer").Info("hello")
	assert.Contains(t, buf.String(), "component=muxer")

	buf.Reset()
	WithError(logger, assert.AnError).Info("failed")
	assert.True(t, strings.Contains(buf.String(), "error="))
}
