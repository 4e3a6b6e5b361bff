// ABOUTME: Tests for opsbridge command helpers
// ABOUTME: Covers listen address rewriting, level parsing and console log output

package main

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"

	"github.com/2389/opsbridge/internal/config"
)

func TestDialAddr(t *testing.T) {
	tests := []struct {
		listen string
		want   string
	}{
		{"0.0.0.0:8000", "127.0.0.1:8000"},
		{":9090", "127.0.0.1:9090"},
		{"[::]:50051", "127.0.0.1:50051"},
		{"10.1.2.3:8000", "10.1.2.3:8000"},
		{"localhost:8080", "localhost:8080"},
		{"not-an-addr", "not-an-addr"},
	}
	for _, tt := range tests {
		t.Run(tt.listen, func(t *testing.T) {
			assert.Equal(t, tt.want, dialAddr(tt.listen))
		})
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("WARN"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}

func TestConsoleHandler(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })
	prevDefault := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prevDefault) })

	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "info", Format: "text"}, &buf)

	logger.Debug("hidden")
	logger.With("component", "hub").WithGroup("req").Info("pushed", "server_id", "srv-1")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "INF pushed")
	assert.Contains(t, out, "component=hub")
	assert.Contains(t, out, "req.server_id=srv-1")
}

func TestJSONLogger(t *testing.T) {
	prevDefault := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prevDefault) })

	var buf bytes.Buffer
	setupLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf).Warn("slow", "request_id", "r1")
	assert.Contains(t, buf.String(), `"request_id":"r1"`)
	assert.Contains(t, buf.String(), `"level":"WARN"`)
}
