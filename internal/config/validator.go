package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure.
type ValidationError struct {
	Field   string // The config field path (e.g., "session.scrollback_bytes")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError.
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels.
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation
// errors found.
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateServer()...)
	errors = append(errors, c.validateSession()...)
	errors = append(errors, c.validateDetect()...)
	errors = append(errors, c.validateRelay()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

// validateServer validates the ServerConfig.
func (c *Config) validateServer() []ValidationError {
	var errors []ValidationError

	if c.Server.Addr == "" {
		errors = append(errors, ValidationError{
			Field:   "server.addr",
			Value:   c.Server.Addr,
			Message: "cannot be empty",
		})
	}

	return errors
}

// validateSession validates the SessionConfig.
func (c *Config) validateSession() []ValidationError {
	var errors []ValidationError

	if c.Session.Command == "" {
		errors = append(errors, ValidationError{
			Field:   "session.command",
			Value:   c.Session.Command,
			Message: "cannot be empty",
		})
	}

	const minScrollback = 1024        // 1KB minimum
	const maxScrollback = 100_000_000 // 100MB maximum

	if c.Session.ScrollbackBytes < minScrollback {
		errors = append(errors, ValidationError{
			Field:   "session.scrollback_bytes",
			Value:   c.Session.ScrollbackBytes,
			Message: fmt.Sprintf("must be at least %d bytes (1KB)", minScrollback),
		})
	}
	if c.Session.ScrollbackBytes > maxScrollback {
		errors = append(errors, ValidationError{
			Field:   "session.scrollback_bytes",
			Value:   c.Session.ScrollbackBytes,
			Message: fmt.Sprintf("exceeds maximum of %d bytes (100MB)", maxScrollback),
		})
	}

	if c.Session.ScrollbackFrames <= 0 {
		errors = append(errors, ValidationError{
			Field:   "session.scrollback_frames",
			Value:   c.Session.ScrollbackFrames,
			Message: "must be positive",
		})
	}

	if c.Session.DiagnosticTailBytes <= 0 {
		errors = append(errors, ValidationError{
			Field:   "session.diagnostic_tail_bytes",
			Value:   c.Session.DiagnosticTailBytes,
			Message: "must be positive",
		})
	}

	// Restart policy validation (budget 0 disables restarts; negative is invalid)
	if c.Session.RestartBudget < 0 {
		errors = append(errors, ValidationError{
			Field:   "session.restart_budget",
			Value:   c.Session.RestartBudget,
			Message: "must be non-negative (0 disables restarts)",
		})
	}
	if c.Session.RestartBackoffMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "session.restart_backoff_ms",
			Value:   c.Session.RestartBackoffMs,
			Message: "must be positive",
		})
	}
	if c.Session.RestartBackoffMaxMs < c.Session.RestartBackoffMs {
		errors = append(errors, ValidationError{
			Field:   "session.restart_backoff_max_ms",
			Value:   c.Session.RestartBackoffMaxMs,
			Message: "must be at least restart_backoff_ms",
		})
	}

	// PTY geometry validation
	const minCols, maxCols = 20, 500
	const minRows, maxRows = 5, 200

	if c.Session.Cols < minCols || c.Session.Cols > maxCols {
		errors = append(errors, ValidationError{
			Field:   "session.cols",
			Value:   c.Session.Cols,
			Message: fmt.Sprintf("must be between %d and %d", minCols, maxCols),
		})
	}
	if c.Session.Rows < minRows || c.Session.Rows > maxRows {
		errors = append(errors, ValidationError{
			Field:   "session.rows",
			Value:   c.Session.Rows,
			Message: fmt.Sprintf("must be between %d and %d", minRows, maxRows),
		})
	}

	return errors
}

// validateDetect validates the DetectConfig.
func (c *Config) validateDetect() []ValidationError {
	var errors []ValidationError

	const minIdleWindow = 50
	const maxIdleWindow = 60000

	if c.Detect.IdleWindowMs < minIdleWindow {
		errors = append(errors, ValidationError{
			Field:   "detect.idle_window_ms",
			Value:   c.Detect.IdleWindowMs,
			Message: fmt.Sprintf("must be at least %dms", minIdleWindow),
		})
	}
	if c.Detect.IdleWindowMs > maxIdleWindow {
		errors = append(errors, ValidationError{
			Field:   "detect.idle_window_ms",
			Value:   c.Detect.IdleWindowMs,
			Message: fmt.Sprintf("exceeds maximum of %dms", maxIdleWindow),
		})
	}

	if c.Detect.MinOptionLines < 1 {
		errors = append(errors, ValidationError{
			Field:   "detect.min_option_lines",
			Value:   c.Detect.MinOptionLines,
			Message: "must be at least 1",
		})
	}

	return errors
}

// validateRelay validates the RelayConfig.
func (c *Config) validateRelay() []ValidationError {
	var errors []ValidationError

	const minQueueDepth = 1
	const maxQueueDepth = 100000

	if c.Relay.QueueDepth < minQueueDepth {
		errors = append(errors, ValidationError{
			Field:   "relay.queue_depth",
			Value:   c.Relay.QueueDepth,
			Message: "must be at least 1",
		})
	}
	if c.Relay.QueueDepth > maxQueueDepth {
		errors = append(errors, ValidationError{
			Field:   "relay.queue_depth",
			Value:   c.Relay.QueueDepth,
			Message: fmt.Sprintf("exceeds maximum of %d", maxQueueDepth),
		})
	}

	return errors
}

// validateLogging validates the LoggingConfig.
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	return errors
}
