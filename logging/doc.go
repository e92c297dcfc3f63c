// Package logging provides a minimal logging interface and adapters.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// that the orchestrator, tools and provider selector use for observability. This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewLogger(&logging.LoggerConfig{Level: logging.LogLevelInfo, Format: "console"})
//	app, err := researchmail.New(cfg, func(o *researchmail.Options) { o.Logger = logger })
//
// Credential material is carried as core.Secret, which redacts itself in every
// slog handler, so passing tokens or keys as attributes is safe by construction.
package logging
