// Package logging configures the zerolog logger shared by every fetchcache
// package.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs cache hits, evictions and backoff decisions.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs startup, shutdown and batch summaries.
	LevelInfo LogLevel = "info"

	// LevelWarn logs retries, dropped writes and recorded failures.
	LevelWarn LogLevel = "warn"

	// LevelError logs exhausted fetches and upstream alerts.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output instead of JSON.
	Pretty bool

	// Service is attached to every event as the "service" field when set.
	Service string

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:   LevelInfo,
		Service: "fetchcache",
		Output:  os.Stderr,
	}
}

// Setup configures the global zerolog logger and returns it.
// Loggers created by NewLogger afterwards inherit its output and fields.
func Setup(cfg Config) zerolog.Logger {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	ctx := zerolog.New(output).With().Timestamp()
	if cfg.Service != "" {
		ctx = ctx.Str("service", cfg.Service)
	}
	logger := ctx.Logger()

	log.Logger = logger
	return logger
}

// ParseLevel converts a LogLevel to a zerolog.Level. Matching is case
// insensitive and "warning" is accepted for warn.
func ParseLevel(level LogLevel) (zerolog.Level, error) {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel, nil
	case "info", "":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Context fields used across packages:
//   - component: emitting package (cache, fetch, client, failure, throttle, proxy)
//   - key: cache or failure key
//   - error_class: terminal, transient or rate_limited
//   - attempt: 1-based fetch attempt
//   - backoff: delay before the next attempt
//   - ttl: lifetime of a stored entry
//   - used_bytes / quota_bytes: store budget at the time of the event
