// Package logging provides structured logging utilities for concierge.
//
// # Overview
//
// This package wraps the standard library slog package with concierge's
// defaults and conventions for consistent logging across prepare, restore,
// and status runs. It supports environment-based log level configuration,
// module/version context injection, and automatic source location tracking
// for debug logs.
//
// # Features
//
//   - Structured JSON logging to stderr
//   - Environment-based log level configuration (LOG_LEVEL)
//   - Automatic module and version context
//   - Source location tracking for debug logs
//   - Flexible log level parsing
//   - Integration with standard library log package
//
// # Log Levels
//
// Supported log levels (case-insensitive):
//   - DEBUG: Detailed diagnostic information with source location
//   - INFO: General informational messages (default)
//   - WARN/WARNING: Warning messages for potentially problematic situations
//   - ERROR: Error messages for failures requiring attention
//
// # Usage
//
// Setting the default logger (recommended):
//
//	func main() {
//	    logging.SetDefaultStructuredLogger("concierge", "v1.0.0")
//	    defer slog.Info("run finished")
//
//	    // Use slog as normal
//	    slog.Info("preparing provider", "provider", "local-container")
//	    slog.Debug("bootstrap argv", "argv", argv)
//	    slog.Error("bootstrap failed", "error", err)
//	}
//
// Creating a custom logger:
//
//	logger := logging.NewStructuredLogger("controller", "v2.0.0", "debug")
//	logger.Info("bootstrapping controller", "provider", name)
//
// Setting explicit log level:
//
//	logging.SetDefaultStructuredLoggerWithLevel("cli", "v1.0.0", "warn")
//
// Converting standard library logger:
//
//	stdLogger := logging.NewLogLogger(slog.LevelInfo, false)
//	stdLogger.Println("legacy log message")
//
// # Environment Configuration
//
// The LOG_LEVEL environment variable controls logging verbosity:
//
//	LOG_LEVEL=debug concierge prepare
//	LOG_LEVEL=error concierge restore
//
// If LOG_LEVEL is not set, defaults to INFO level.
//
// # Output Format
//
// All logs are written to stderr in JSON format:
//
//	{
//	    "time": "2026-01-15T10:30:00.123Z",
//	    "level": "INFO",
//	    "msg": "bootstrapping controller",
//	    "module": "concierge",
//	    "version": "v1.0.0",
//	    "provider": "local-container"
//	}
//
// Debug logs include source location:
//
//	{
//	    "time": "2026-01-15T10:30:00.123Z",
//	    "level": "DEBUG",
//	    "source": {
//	        "function": "controller.(*Handler).bootstrapProvider",
//	        "file": "controller.go",
//	        "line": 117
//	    },
//	    "msg": "running command",
//	    "module": "concierge",
//	    "version": "v1.0.0"
//	}
//
// # Integration
//
// This package is used by:
//   - pkg/cli - root command and subcommand logging
//   - pkg/manager - prepare/restore/status lifecycle logging
//   - pkg/plan - stage execution logging
//   - pkg/controller - controller bootstrap/destroy logging
//   - pkg/provider/* - per-backend prepare/restore logging
//
// All components share consistent logging format and configuration.
package logging
