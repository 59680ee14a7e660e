// Copyright 2025 UMH Systems GmbH
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

package logger

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvLogLevel is the environment variable read by Initialize
const EnvLogLevel = "LOGGING_LEVEL"

var initOnce sync.Once

// Initialize sets up the global zap logger from the LOGGING_LEVEL environment variable.
// It is safe to call multiple times, only the first call has an effect.
func Initialize() {
	level := os.Getenv(EnvLogLevel)
	if level == "" {
		level = "info"
	}
	InitializeWithConfig(level, false)
}

// InitializeWithConfig sets up the global zap logger with the given level.
// Development mode switches to a human readable console encoder.
// Output always goes to stderr, stdout carries the checkpoint stream.
func InitializeWithConfig(level string, development bool) {
	initOnce.Do(func() {
		zap.ReplaceGlobals(New(level, development))
	})
}

// New builds a standalone zap logger writing to stderr
func New(level string, development bool) *zap.Logger {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := cfg.Build()
	if err != nil {
		// The config above is static, Build only fails on broken sinks
		return zap.NewNop()
	}
	return l
}

// For returns a sugared logger named after the given component
func For(component string) *zap.SugaredLogger {
	return zap.S().Named(component)
}

// OrDefault returns l if set, otherwise the component logger
func OrDefault(l *zap.SugaredLogger, component string) *zap.SugaredLogger {
	if l != nil {
		return l
	}
	return For(component)
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
