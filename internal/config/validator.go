package config

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "engine.max_concurrent")
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

// branchPrefixRegex validates branch prefix characters.
// Prefixes must start with alphanumeric and may contain alphanumeric,
// hyphen, underscore, and slash.
var branchPrefixRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_/-]*$`)

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation
// errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateEngine()...)
	errors = append(errors, c.validateRunner()...)
	errors = append(errors, c.validateSync()...)
	errors = append(errors, c.validateConflict()...)
	errors = append(errors, c.validateBranch()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

func (c *Config) validateEngine() []ValidationError {
	var errors []ValidationError

	if c.Engine.MaxConcurrent < 0 {
		errors = append(errors, ValidationError{
			Field:   "engine.max_concurrent",
			Value:   c.Engine.MaxConcurrent,
			Message: "must be zero or positive",
		})
	}
	if c.Engine.MaxRetries < 0 {
		errors = append(errors, ValidationError{
			Field:   "engine.max_retries",
			Value:   c.Engine.MaxRetries,
			Message: "must be zero or positive",
		})
	}
	if c.Engine.TaskTimeoutMinutes < 0 {
		errors = append(errors, ValidationError{
			Field:   "engine.task_timeout_minutes",
			Value:   c.Engine.TaskTimeoutMinutes,
			Message: "must be zero or positive",
		})
	}

	return errors
}

func (c *Config) validateRunner() []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(c.Runner.Command) == "" {
		errors = append(errors, ValidationError{
			Field:   "runner.command",
			Value:   c.Runner.Command,
			Message: "must not be empty",
		})
	}

	return errors
}

func (c *Config) validateSync() []ValidationError {
	var errors []ValidationError

	prefix := c.Sync.BackupTagPrefix
	if strings.TrimSpace(prefix) == "" {
		errors = append(errors, ValidationError{
			Field:   "sync.backup_tag_prefix",
			Value:   prefix,
			Message: "must not be empty",
		})
	} else if !branchPrefixRegex.MatchString(prefix) {
		errors = append(errors, ValidationError{
			Field:   "sync.backup_tag_prefix",
			Value:   prefix,
			Message: "must start with a letter and contain only alphanumeric, hyphen, underscore, or slash",
		})
	}

	return errors
}

func (c *Config) validateConflict() []ValidationError {
	var errors []ValidationError

	for basename, entity := range c.Conflict.StructuredLogs {
		if strings.ContainsAny(basename, "/\\") {
			errors = append(errors, ValidationError{
				Field:   "conflict.structured_logs",
				Value:   basename,
				Message: "keys must be basenames, not paths",
			})
		}
		if strings.TrimSpace(entity) == "" {
			errors = append(errors, ValidationError{
				Field:   "conflict.structured_logs",
				Value:   basename,
				Message: "entity type must not be empty",
			})
		}
	}

	return errors
}

func (c *Config) validateBranch() []ValidationError {
	var errors []ValidationError

	if c.Branch.Prefix != "" && !branchPrefixRegex.MatchString(c.Branch.Prefix) {
		errors = append(errors, ValidationError{
			Field:   "branch.prefix",
			Value:   c.Branch.Prefix,
			Message: "must start with a letter and contain only alphanumeric, hyphen, underscore, or slash",
		})
	}

	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	return errors
}
