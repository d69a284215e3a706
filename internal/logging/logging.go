/*
 * Copyright 2025 SREDiag Authors
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

// Package logging holds the process-wide zap logger shared by the amp-ipc packages.
package logging

import (
	"fmt"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvLogLevel overrides the configured level when set (debug, info, warn, error).
const EnvLogLevel = "AMPIPC_LOG_LEVEL"

var base atomic.Pointer[zap.Logger]

func init() {
	base.Store(zap.NewNop())
	if lvl := os.Getenv(EnvLogLevel); lvl != "" {
		if l, err := New(lvl, false); err == nil {
			base.Store(l)
		}
	}
}

// L returns the current logger. It is a no-op logger unless SetLogger was
// called or AMPIPC_LOG_LEVEL is set.
func L() *zap.Logger {
	return base.Load()
}

// Named returns a child of the current logger.
func Named(name string) *zap.Logger {
	return base.Load().Named(name)
}

// SetLogger replaces the process logger. A nil logger installs a no-op one.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	base.Store(l)
}

// New builds a logger at the given level. The env override wins over level.
func New(level string, development bool) (*zap.Logger, error) {
	if env := os.Getenv(EnvLogLevel); env != "" {
		level = env
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Sampling = nil
	return cfg.Build()
}
