// Copyright The vscsi-helper Authors. All Rights Reserved.
// SPDX-License-Identifier: MIT

package logger

import (
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

var bufferPool = buffer.NewPool()

// LetterLevelEncoder prefixes every JSON entry with a single letter level
// marker ("I! ", "E! ") so logs stay greppable by severity.
type LetterLevelEncoder struct {
	zapcore.Encoder
}

func NewEncoder() LetterLevelEncoder {
	return LetterLevelEncoder{
		zapcore.NewJSONEncoder(newProductionEncoderConfig()),
	}
}

func (t LetterLevelEncoder) EncodeEntry(e zapcore.Entry, f []zapcore.Field) (*buffer.Buffer, error) {
	entry, err := t.Encoder.EncodeEntry(e, f)
	if err != nil {
		return nil, err
	}
	defer entry.Free()
	buf := bufferPool.Get()
	buf.AppendString(ConvertToLetterLevel(e.Level) + "! ")
	buf.AppendBytes(entry.Bytes())
	return buf, nil
}

func (t LetterLevelEncoder) Clone() zapcore.Encoder {
	return LetterLevelEncoder{t.Encoder.Clone()}
}

func newProductionEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:       "timestamp",
		NameKey:       "logger",
		CallerKey:     "caller",
		FunctionKey:   zapcore.OmitKey,
		MessageKey:    "msg",
		StacktraceKey: "stacktrace",
		LineEnding:    zapcore.DefaultLineEnding,
		EncodeTime:    zapcore.ISO8601TimeEncoder,
		EncodeCaller:  zapcore.ShortCallerEncoder,
	}
}

// ParseLevel accepts debug, info, warn and error. An empty level is info.
func ParseLevel(level string) (zap.AtomicLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return zap.NewAtomicLevelAt(zapcore.DebugLevel), nil
	case "", "info":
		return zap.NewAtomicLevelAt(zapcore.InfoLevel), nil
	case "warn":
		return zap.NewAtomicLevelAt(zapcore.WarnLevel), nil
	case "error":
		return zap.NewAtomicLevelAt(zapcore.ErrorLevel), nil
	}
	return zap.AtomicLevel{}, fmt.Errorf("unknown log level %q", level)
}

func ConvertToLetterLevel(l zapcore.Level) string {
	return string(l.CapitalString()[0])
}

// New builds the process logger. Entries go to stderr, or to a rotated file
// when logFile is set.
func New(level string, logFile string) (*zap.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	w, err := NewWriter(logFile)
	if err != nil {
		return nil, err
	}
	return NewWithWriter(w, lvl), nil
}

func NewWithWriter(writer io.Writer, level zap.AtomicLevel) *zap.Logger {
	core := zapcore.NewCore(NewEncoder(), zapcore.AddSync(writer), level)
	return zap.New(core)
}

// Sampled wraps l so that repetitive entries are thinned out: within every
// minute the first 10 entries with the same message are kept, then every 100th.
func Sampled(l *zap.Logger) *zap.Logger {
	return l.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewSamplerWithOptions(core, time.Minute, 10, 100)
	}))
}
