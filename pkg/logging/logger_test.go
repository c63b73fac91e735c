// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(42), "UNKNOWN"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.level.String())
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{" error ", LevelError, false},
		{"verbose", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			assert.Equal(t, tt.want, got)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// =============================================================================
// Logger Tests
// =============================================================================

func TestNew_JSONToBuffer(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Format: FormatJSON, Output: &buf, Service: "svc"})

	logger.Info("hello", "chat_id", "c-1")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "hello", record["msg"])
	assert.Equal(t, "svc", record["service"])
	assert.Equal(t, "c-1", record["chat_id"])
}

func TestNew_AutoFormatNonTerminalIsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Output: &buf})

	logger.Info("auto")

	assert.True(t, strings.HasPrefix(buf.String(), "{"), "non-terminal output should be JSON")
}

func TestNew_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Format: FormatText, Output: &buf})

	logger.Warn("careful", "n", 3)

	assert.Contains(t, buf.String(), "msg=careful")
	assert.Contains(t, buf.String(), "n=3")
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelWarn, Format: FormatText, Output: &buf})

	logger.Debug("d")
	logger.Info("i")
	logger.Error("e")

	out := buf.String()
	assert.NotContains(t, out, "msg=d")
	assert.NotContains(t, out, "msg=i")
	assert.Contains(t, out, "msg=e")
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Format: FormatText, Output: &buf})

	logger.With("correlation_id", "abc").Info("scoped")

	assert.Contains(t, buf.String(), "correlation_id=abc")
}

func TestLogger_Quiet(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Output: &buf, Quiet: true})

	logger.Error("silent")

	assert.Empty(t, buf.String())
}

func TestNew_WithLogDir(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{Level: LevelInfo, Quiet: true, LogDir: dir, Service: "orch"})
	logger.Info("to file")
	require.NoError(t, logger.Close())

	name := "orch_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"to file"`)
}

func TestLogger_Exporter(t *testing.T) {
	exp := NewBufferedExporter()
	logger := New(Config{Level: LevelInfo, Quiet: true, Exporter: exp, Service: "orch"})

	logger.Info("exported", "k", "v")
	logger.Debug("filtered")

	assert.Eventually(t, func() bool { return len(exp.Entries()) == 1 }, time.Second, 10*time.Millisecond)
	entry := exp.Entries()[0]
	assert.Equal(t, "exported", entry.Message)
	assert.Equal(t, "v", entry.Attrs["k"])
	assert.Equal(t, "orch", entry.Service)
}

func TestLogger_Slog(t *testing.T) {
	logger := New(Config{Quiet: true})
	assert.IsType(t, &slog.Logger{}, logger.Slog())
}

func TestArgsToMap(t *testing.T) {
	got := argsToMap([]any{"a", 1, 2, "skipped", "dangling"})
	assert.Equal(t, map[string]any{"a": 1}, got)
}
