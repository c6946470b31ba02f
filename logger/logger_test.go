// Copyright The vscsi-helper Authors. All Rights Reserved.
// SPDX-License-Identifier: MIT

package logger

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		want    zapcore.Level
		wantErr bool
	}{
		{name: "DEBUG", level: "debug", want: zapcore.DebugLevel},
		{name: "DEFAULT", level: "", want: zapcore.InfoLevel},
		{name: "INFO", level: "INFO", want: zapcore.InfoLevel},
		{name: "WARN", level: "warn", want: zapcore.WarnLevel},
		{name: "ERROR", level: "error", want: zapcore.ErrorLevel},
		{name: "UNKNOWN", level: "verbose", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLevel(tt.level)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Level())
		})
	}
}

func TestConvertToLetterLevel(t *testing.T) {
	tests := []struct {
		name string
		l    zapcore.Level
		want string
	}{
		{name: "DEBUG", l: zapcore.DebugLevel, want: "D"},
		{name: "INFO", l: zapcore.InfoLevel, want: "I"},
		{name: "WARN", l: zapcore.WarnLevel, want: "W"},
		{name: "ERROR", l: zapcore.ErrorLevel, want: "E"},
		{name: "FATAL", l: zapcore.FatalLevel, want: "F"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equalf(t, tt.want, ConvertToLetterLevel(tt.l), "ConvertToLetterLevel(%v)", tt.l)
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	tests := []struct {
		level string
		want  []string
	}{
		{level: "debug", want: []string{"D! ", "I! ", "W! ", "E! "}},
		{level: "info", want: []string{"I! ", "W! ", "E! "}},
		{level: "warn", want: []string{"W! ", "E! "}},
		{level: "error", want: []string{"E! "}},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			lvl, err := ParseLevel(tt.level)
			require.NoError(t, err)
			l := NewWithWriter(&buf, lvl)
			l.Debug("debug")
			l.Info("info")
			l.Warn("warn")
			l.Error("error")

			lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
			require.Len(t, lines, len(tt.want))
			for i, prefix := range tt.want {
				assert.True(t, strings.HasPrefix(lines[i], prefix), lines[i])
			}
		})
	}
}

func TestEncodeEntry(t *testing.T) {
	got, err := NewEncoder().EncodeEntry(zapcore.Entry{
		Level:   zapcore.WarnLevel,
		Time:    time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Message: "dropped malformed row",
	}, []zapcore.Field{zap.Int("line", 7), zap.String("device", "vm01/scsi0:0")})
	require.NoError(t, err)

	line := got.String()
	require.True(t, strings.HasPrefix(line, "W! "), line)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "W! ")), &decoded))
	assert.Equal(t, "dropped malformed row", decoded["msg"])
	assert.EqualValues(t, 7, decoded["line"])
	assert.Equal(t, "vm01/scsi0:0", decoded["device"])
}

func TestSampled(t *testing.T) {
	var buf bytes.Buffer
	l := Sampled(NewWithWriter(&buf, zap.NewAtomicLevelAt(zapcore.InfoLevel)))
	for i := 0; i < 50; i++ {
		l.Warn("dropped malformed row")
	}
	l.Info("parsed capture")
	assert.Equal(t, 10, strings.Count(buf.String(), "dropped malformed row"))
	assert.Equal(t, 1, strings.Count(buf.String(), "parsed capture"))
}

func TestWriteLogToFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "nested", "vscsi-helper.log")
	w, err := NewWriter(logFile)
	require.NoError(t, err)
	t.Cleanup(func() {
		if c, ok := w.(io.Closer); ok {
			c.Close()
		}
	})

	l := NewWithWriter(w, zap.NewAtomicLevelAt(zapcore.InfoLevel))
	l.Info("TEST")
	l.Debug("ignored")

	f, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(f), "I! "))
	assert.Contains(t, string(f), `"msg":"TEST"`)
	assert.NotContains(t, string(f), "ignored")
}

func TestNewWriterDefaultsToStderr(t *testing.T) {
	w, err := NewWriter("")
	require.NoError(t, err)
	assert.Same(t, os.Stderr, w)

	_, err = New("loud", "")
	assert.Error(t, err)
}
