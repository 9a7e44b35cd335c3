// Package logging provides a minimal logging interface and adapters for taskrelay.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// that the dispatcher, workers and gateway use for observability. This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.New(&logging.Config{Level: logging.LogLevelInfo, Format: "json"})
//	d := dispatcher.New(registry, ledgers, func(o *dispatcher.Options) { o.Logger = logger })
//
// Components log dotted event names ("dispatcher.task.accepted") followed by
// key/value pairs, so any slog handler can index them.
package logging
