/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package logging is the bridge's internal leveled logger, backed by zap.
package logging

import (
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level mirrors the levels the bridge logs at.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelNoPrint
)

var (
	atom = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	base atomic.Pointer[zap.Logger]
)

func init() {
	base.Store(newDefault())
}

func newDefault() *zap.Logger {
	enc := zap.NewDevelopmentEncoderConfig()
	enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	enc.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.999999")
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.Lock(os.Stderr), atom)
	return zap.New(core, zap.AddCaller())
}

// SetLogger replaces the logger every bridge package writes to.
// A nil logger silences the bridge. The level set by SetLevel only applies
// to the default logger.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	base.Store(l)
}

// SetLevel changes the default logger's level. The default is LevelWarn.
func SetLevel(l Level) {
	switch l {
	case LevelDebug:
		atom.SetLevel(zapcore.DebugLevel)
	case LevelInfo:
		atom.SetLevel(zapcore.InfoLevel)
	case LevelWarn:
		atom.SetLevel(zapcore.WarnLevel)
	case LevelError:
		atom.SetLevel(zapcore.ErrorLevel)
	default:
		atom.SetLevel(zapcore.FatalLevel)
	}
}

// Logger is a named view of the shared zap logger.
type Logger struct {
	name string
}

// New returns a logger whose entries are named name.
func New(name string) *Logger {
	return &Logger{name: name}
}

// Zap returns the named zap logger for structured fields.
func (l *Logger) Zap() *zap.Logger {
	return base.Load().Named(l.name)
}

func (l *Logger) sugar() *zap.SugaredLogger {
	return base.Load().Named(l.name).WithOptions(zap.AddCallerSkip(1)).Sugar()
}

func (l *Logger) Errorf(format string, a ...interface{}) { l.sugar().Errorf(format, a...) }

func (l *Logger) Warnf(format string, a ...interface{}) { l.sugar().Warnf(format, a...) }

func (l *Logger) Infof(format string, a ...interface{}) { l.sugar().Infof(format, a...) }

func (l *Logger) Debugf(format string, a ...interface{}) { l.sugar().Debugf(format, a...) }
