// Copyright (c) 2025, NVIDIA CORPORATION.  All rights reserved.
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

package logging

import (
	"context"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel converts a case-insensitive level name to a slog.Level.
// Unrecognized names fall back to slog.LevelInfo.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewStructuredLogger builds a JSON slog.Logger writing to stderr, tagged
// with the given module/version and filtered to the given level. Debug-level
// logs carry source file/line information; other levels omit it to keep
// output compact.
func NewStructuredLogger(module, version, level string) *slog.Logger {
	lvl := ParseLevel(level)

	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	})

	return slog.New(handler).With(
		slog.String("module", module),
		slog.String("version", version),
	)
}

// SetDefaultStructuredLogger installs a structured logger as the slog
// default, reading LOG_LEVEL from the environment (defaulting to INFO).
func SetDefaultStructuredLogger(module, version string) {
	SetDefaultStructuredLoggerWithLevel(module, version, os.Getenv("LOG_LEVEL"))
}

// SetDefaultStructuredLoggerWithLevel installs a structured logger as the
// slog default using an explicit level, which takes precedence over
// LOG_LEVEL. An empty level falls back to LOG_LEVEL, then to INFO.
func SetDefaultStructuredLoggerWithLevel(module, version, level string) {
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	slog.SetDefault(NewStructuredLogger(module, version, level))
}

// NewLogLogger adapts the default slog logger to a standard library
// *log.Logger at the given level, for code that still expects the
// log.Logger interface (e.g. http.Server.ErrorLog).
func NewLogLogger(level slog.Level, discardBelow bool) *log.Logger {
	handler := slog.Default().Handler()
	if discardBelow && !handler.Enabled(context.Background(), level) {
		return log.New(io.Discard, "", 0)
	}
	return slog.NewLogLogger(handler, level)
}
