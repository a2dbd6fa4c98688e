package config

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/Iron-Ham/ladder/internal/statestore"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "scheduler.workers")
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

// featureNameRegex matches names safe to use as a state file name
var featureNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// maxWorkers bounds the worker pool size
const maxWorkers = 256

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidBackends returns the list of valid state backends
func ValidBackends() []string {
	return []string{statestore.BackendFile, statestore.BackendSQLite}
}

// ValidStrategies returns the list of valid assignment strategy names
func ValidStrategies() []string {
	return []string{"lpt", "lpt-per-level"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateState()...)
	errors = append(errors, c.validateScheduler()...)
	errors = append(errors, c.validateLogging()...)
	errors = append(errors, c.validateResources()...)

	return errors
}

// validateState validates the StateConfig
func (c *Config) validateState() []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(c.State.Dir) == "" {
		errors = append(errors, ValidationError{
			Field:   "state.dir",
			Value:   c.State.Dir,
			Message: "must not be empty",
		})
	}

	if c.State.Backend != "" && !slices.Contains(ValidBackends(), c.State.Backend) {
		errors = append(errors, ValidationError{
			Field:   "state.backend",
			Value:   c.State.Backend,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidBackends(), ", ")),
		})
	}

	// Feature is optional here; commands that need one check for it
	if c.State.Feature != "" && !featureNameRegex.MatchString(c.State.Feature) {
		errors = append(errors, ValidationError{
			Field:   "state.feature",
			Value:   c.State.Feature,
			Message: "must start with a letter or digit and contain only letters, digits, '.', '_' or '-'",
		})
	}

	if c.State.BusyTimeout < 0 {
		errors = append(errors, ValidationError{
			Field:   "state.busy_timeout",
			Value:   c.State.BusyTimeout,
			Message: "must be non-negative",
		})
	}

	return errors
}

// validateScheduler validates the SchedulerConfig
func (c *Config) validateScheduler() []ValidationError {
	var errors []ValidationError
	s := c.Scheduler

	if s.Workers < 1 || s.Workers > maxWorkers {
		errors = append(errors, ValidationError{
			Field:   "scheduler.workers",
			Value:   s.Workers,
			Message: fmt.Sprintf("must be between 1 and %d", maxWorkers),
		})
	}

	if s.MaxRetries < 0 {
		errors = append(errors, ValidationError{
			Field:   "scheduler.max_retries",
			Value:   s.MaxRetries,
			Message: "must be non-negative",
		})
	}

	for _, d := range []struct {
		field string
		value time.Duration
	}{
		{"scheduler.stale_timeout", s.StaleTimeout},
		{"scheduler.poll_interval", s.PollInterval},
		{"scheduler.ready_timeout", s.ReadyTimeout},
		{"scheduler.backoff_initial", s.BackoffInitial},
		{"scheduler.backoff_max", s.BackoffMax},
	} {
		if d.value <= 0 {
			errors = append(errors, ValidationError{
				Field:   d.field,
				Value:   d.value,
				Message: "must be positive",
			})
		}
	}

	if s.BackoffInitial > 0 && s.BackoffMax > 0 && s.BackoffMax < s.BackoffInitial {
		errors = append(errors, ValidationError{
			Field:   "scheduler.backoff_max",
			Value:   s.BackoffMax,
			Message: fmt.Sprintf("must be at least backoff_initial (%s)", s.BackoffInitial),
		})
	}

	if s.Strategy != "" && !slices.Contains(ValidStrategies(), s.Strategy) {
		errors = append(errors, ValidationError{
			Field:   "scheduler.strategy",
			Value:   s.Strategy,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidStrategies(), ", ")),
		})
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
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

// validateResources validates semaphore resource limits
func (c *Config) validateResources() []ValidationError {
	var errors []ValidationError

	names := make([]string, 0, len(c.Resources))
	for name := range c.Resources {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			errors = append(errors, ValidationError{
				Field:   "resources",
				Value:   name,
				Message: "resource name must not be empty",
			})
			continue
		}
		if limit := c.Resources[name]; limit < 1 {
			errors = append(errors, ValidationError{
				Field:   "resources." + name,
				Value:   limit,
				Message: "must be at least 1",
			})
		}
	}

	return errors
}
