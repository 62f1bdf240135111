// Package logging provides a minimal logging interface and adapters for packbot.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// that the pipeline, the event bus and the agent loop use for observability.
// This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - NoOpLogger for silent operation (testing, minimal setups)
//   - With for attaching component fields
//
// Usage:
//
//	logger := logging.NewLogger(&logging.LoggerConfig{Level: logging.LogLevelDebug, Format: "text"})
//	logger = logging.With(logger, "component", "bus")
//	logger.Warn("bus.queue.full", "kind", sig.Kind)
package logging
