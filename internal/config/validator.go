package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/gobwas/glob"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "manager.workers")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
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

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidVersionModes returns the list of valid version tag modes
func ValidVersionModes() []string {
	return []string{"content", "prefix"}
}

// ValidColorModes returns the list of valid output color modes
func ValidColorModes() []string {
	return []string{"auto", "always", "never"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateManager()...)
	errors = append(errors, c.validateEngine()...)
	errors = append(errors, c.validateLoader()...)
	errors = append(errors, c.validateLogging()...)
	errors = append(errors, c.validateOutput()...)

	return errors
}

func (c *Config) validateManager() []ValidationError {
	var errors []ValidationError
	m := c.Manager

	positive := []struct {
		field string
		value int
	}{
		{"manager.max_programs", m.MaxPrograms},
		{"manager.workers", m.Workers},
		{"manager.queue_size", m.QueueSize},
		{"manager.max_input_bytes", m.MaxInputBytes},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errors = append(errors, ValidationError{Field: p.field, Value: p.value, Message: "must be positive"})
		}
	}

	// A single OS thread per worker is plenty; more only contend for the lock.
	const maxWorkers = 64
	if m.Workers > maxWorkers {
		errors = append(errors, ValidationError{
			Field:   "manager.workers",
			Value:   m.Workers,
			Message: fmt.Sprintf("exceeds maximum of %d", maxWorkers),
		})
	}

	if m.LockTimeout < time.Second {
		errors = append(errors, ValidationError{
			Field:   "manager.lock_timeout",
			Value:   m.LockTimeout,
			Message: "must be at least 1s",
		})
	}

	if !slices.Contains(ValidVersionModes(), m.VersionMode) {
		errors = append(errors, ValidationError{
			Field:   "manager.version_mode",
			Value:   m.VersionMode,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidVersionModes(), ", ")),
		})
	}
	if m.VersionMode == "prefix" && m.VersionPrefixLen <= 0 {
		errors = append(errors, ValidationError{
			Field:   "manager.version_prefix_len",
			Value:   m.VersionPrefixLen,
			Message: "must be positive in prefix mode",
		})
	}

	return errors
}

func (c *Config) validateEngine() []ValidationError {
	var errors []ValidationError

	if c.Engine.CheckpointInterval <= 0 {
		errors = append(errors, ValidationError{
			Field:   "engine.checkpoint_interval",
			Value:   c.Engine.CheckpointInterval,
			Message: "must be positive",
		})
	}
	if c.Engine.CallStackSize < 0 {
		errors = append(errors, ValidationError{
			Field:   "engine.call_stack_size",
			Value:   c.Engine.CallStackSize,
			Message: "must be non-negative",
		})
	}
	if c.Engine.RegistrySize < 0 {
		errors = append(errors, ValidationError{
			Field:   "engine.registry_size",
			Value:   c.Engine.RegistrySize,
			Message: "must be non-negative",
		})
	}

	return errors
}

func (c *Config) validateLoader() []ValidationError {
	var errors []ValidationError

	if c.Loader.Pattern == "" {
		errors = append(errors, ValidationError{
			Field:   "loader.pattern",
			Value:   c.Loader.Pattern,
			Message: "must not be empty",
		})
	} else if _, err := glob.Compile(c.Loader.Pattern); err != nil {
		errors = append(errors, ValidationError{
			Field:   "loader.pattern",
			Value:   c.Loader.Pattern,
			Message: fmt.Sprintf("invalid glob: %v", err),
		})
	}

	if c.Loader.Debounce < 0 {
		errors = append(errors, ValidationError{
			Field:   "loader.debounce",
			Value:   c.Loader.Debounce,
			Message: "must be non-negative",
		})
	}

	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	if c.Logging.MaxSizeMB <= 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be positive",
		})
	}

	const maxLogSizeMB = 1000 // 1GB
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}

	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}

func (c *Config) validateOutput() []ValidationError {
	if slices.Contains(ValidColorModes(), c.Output.Color) {
		return nil
	}
	return []ValidationError{{
		Field:   "output.color",
		Value:   c.Output.Color,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidColorModes(), ", ")),
	}}
}
