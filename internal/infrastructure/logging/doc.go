// Package logging provides structured logging for the platform.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the platform.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for benches watched by a human
//   - Default fields (service, version) on all log entries
//   - Level-based filtering, adjustable at runtime
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr, discard
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Info("platform started", "namespace", cfg.Platform.Namespace)
//	inst := logger.With("instance", "memory_map")
//
// # Security
//
// Never log broker passwords or InfluxDB tokens.
package logging
