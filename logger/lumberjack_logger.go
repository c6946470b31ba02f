// Copyright The vscsi-helper Authors. All Rights Reserved.
// SPDX-License-Identifier: MIT

package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	maxLogSizeMB   = 100
	maxLogBackups  = 5
	maxLogAgeDays  = 7
	logDirFileMode = 0755
)

// NewWriter returns stderr, or a rotating writer for logFile.
func NewWriter(logFile string) (io.Writer, error) {
	if logFile == "" {
		return os.Stderr, nil
	}
	if err := os.MkdirAll(filepath.Dir(logFile), logDirFileMode); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    maxLogSizeMB,
		MaxBackups: maxLogBackups,
		MaxAge:     maxLogAgeDays,
		Compress:   true,
	}, nil
}
