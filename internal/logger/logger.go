// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger provides the package-level logging surface used across
// revokefs: a severity-filtered, text-or-json slog logger with an optional
// rotating log file.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity names accepted by SetSeverity (case-insensitively); the
// --log-severity flag takes their lower-case forms.
const (
	TRACE   = "TRACE"
	DEBUG   = "DEBUG"
	INFO    = "INFO"
	WARNING = "WARNING"
	ERROR   = "ERROR"
	OFF     = "OFF"
)

// slog only has four levels. TRACE and OFF are modeled as levels below
// Debug and above Error respectively, so the LevelVar threshold check still
// works with the stock handler.
const (
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
	LevelOff   = slog.Level(16)
)

// RotateConfig mirrors the knobs lumberjack exposes for log-file rotation.
type RotateConfig struct {
	MaxFileSizeMB   int
	BackupFileCount int
	Compress        bool
}

func DefaultRotateConfig() RotateConfig {
	return RotateConfig{MaxFileSizeMB: 512, BackupFileCount: 10, Compress: false}
}

type loggerFactory struct {
	file         *lumberjack.Logger
	sysWriter    io.Writer
	format       string
	level        string
	rotateConfig RotateConfig
}

var (
	defaultLoggerFactory = &loggerFactory{
		sysWriter: os.Stderr,
		format:    "text",
		level:     INFO,
	}
	defaultLogger = slog.New(
		defaultLoggerFactory.createJsonOrTextHandler(os.Stderr, programLevel(INFO), ""),
	)
)

func programLevel(level string) *slog.LevelVar {
	v := new(slog.LevelVar)
	setLoggingLevel(level, v)
	return v
}

func setLoggingLevel(level string, v *slog.LevelVar) {
	switch strings.ToUpper(level) {
	case TRACE:
		v.Set(LevelTrace)
	case DEBUG:
		v.Set(LevelDebug)
	case INFO:
		v.Set(LevelInfo)
	case WARNING:
		v.Set(LevelWarn)
	case ERROR:
		v.Set(LevelError)
	default:
		v.Set(LevelOff)
	}
}

// createJsonOrTextHandler builds the handler for the currently configured
// format, adding a ReplaceAttr hook so TRACE (which slog itself knows
// nothing about) renders with its own severity label.
func (f *loggerFactory) createJsonOrTextHandler(w io.Writer, level *slog.LevelVar, prefix string) slog.Handler {
	replace := func(groups []string, a slog.Attr) slog.Attr {
		switch a.Key {
		case slog.LevelKey:
			lvl := a.Value.Any().(slog.Level)
			a.Key = "severity"
			a.Value = slog.StringValue(severityLabel(lvl))
		case slog.MessageKey:
			a.Key = "message"
			if prefix != "" {
				a.Value = slog.StringValue(prefix + a.Value.String())
			}
		}
		return a
	}

	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: replace}

	if f.format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func severityLabel(l slog.Level) string {
	switch {
	case l <= LevelTrace:
		return "TRACE"
	case l <= LevelDebug:
		return "DEBUG"
	case l <= LevelInfo:
		return "INFO"
	case l <= LevelWarn:
		return "WARNING"
	default:
		return "ERROR"
	}
}

// SetLogFormat switches the default logger between "text" and "json" output
// (anything else, including the empty string, behaves as "json" — matching
// the gcsfuse convention of defaulting to the machine-readable format).
func SetLogFormat(format string) {
	if format != "text" {
		format = "json"
	}
	defaultLoggerFactory.format = format
	rebuild()
}

// InitLogFile points the default logger at a rotating file on disk.
func InitLogFile(path string, severity string, rotate RotateConfig) error {
	if path == "" {
		return fmt.Errorf("log file path must not be empty")
	}
	defaultLoggerFactory.file = &lumberjack.Logger{
		Filename:   path,
		MaxSize:    rotate.MaxFileSizeMB,
		MaxBackups: rotate.BackupFileCount,
		Compress:   rotate.Compress,
	}
	defaultLoggerFactory.sysWriter = nil
	defaultLoggerFactory.level = severity
	defaultLoggerFactory.rotateConfig = rotate
	rebuild()
	return nil
}

func rebuild() {
	w := defaultLoggerFactory.sysWriter
	if defaultLoggerFactory.file != nil {
		w = defaultLoggerFactory.file
	}
	defaultLogger = slog.New(
		defaultLoggerFactory.createJsonOrTextHandler(w, programLevel(defaultLoggerFactory.level), ""),
	)
}

// SetSeverity changes the minimum severity logged.
func SetSeverity(severity string) {
	defaultLoggerFactory.level = severity
	rebuild()
}

func Tracef(format string, v ...any) { defaultLogger.Log(context.Background(), LevelTrace, fmt.Sprintf(format, v...)) }
func Debugf(format string, v ...any) { defaultLogger.Debug(fmt.Sprintf(format, v...)) }
func Infof(format string, v ...any)  { defaultLogger.Info(fmt.Sprintf(format, v...)) }
func Warnf(format string, v ...any)  { defaultLogger.Warn(fmt.Sprintf(format, v...)) }
func Errorf(format string, v ...any) { defaultLogger.Error(fmt.Sprintf(format, v...)) }

func Trace(msg string) { defaultLogger.Log(context.Background(), LevelTrace, msg) }
func Debug(msg string) { defaultLogger.Debug(msg) }
func Info(msg string)  { defaultLogger.Info(msg) }
func Warn(msg string)  { defaultLogger.Warn(msg) }
func Error(msg string) { defaultLogger.Error(msg) }
