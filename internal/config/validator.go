package config

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/Iron-Ham/stageflow/internal/logging"
	"github.com/Iron-Ham/stageflow/internal/notify"
	"github.com/Iron-Ham/stageflow/internal/state"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "logging.max_size_mb")
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

// ValidBackends returns the list of valid state backends
func ValidBackends() []string {
	return []string{state.BackendFile, state.BackendSQLite}
}

// ValidWebhookFormats returns the list of valid webhook payload formats
func ValidWebhookFormats() []string {
	return []string{notify.WebhookFormatJSON, notify.WebhookFormatSlack}
}

// maxPathLength is a reasonable limit; most filesystems cap paths near 4096.
const maxPathLength = 4096

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateState()...)
	errors = append(errors, c.validateLogging()...)
	errors = append(errors, c.validateHarness()...)
	errors = append(errors, c.validateNotifications()...)
	errors = append(errors, c.validateHandoff()...)
	errors = append(errors, c.validateWorkflows()...)

	return errors
}

// validateState validates the StateConfig
func (c *Config) validateState() []ValidationError {
	var errors []ValidationError

	if c.State.Dir == "" {
		errors = append(errors, ValidationError{
			Field:   "state.dir",
			Value:   c.State.Dir,
			Message: "must not be empty",
		})
	}
	errors = append(errors, validatePath("state.dir", c.State.Dir)...)

	if !slices.Contains(ValidBackends(), c.State.Backend) {
		errors = append(errors, ValidationError{
			Field:   "state.backend",
			Value:   c.State.Backend,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidBackends(), ", ")),
		})
	}

	if c.State.Retain < 0 {
		errors = append(errors, ValidationError{
			Field:   "state.retain",
			Value:   c.State.Retain,
			Message: "must be non-negative (0 keeps every run)",
		})
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	// Validate log level
	if c.Logging.Level != "" && !slices.Contains(logging.ValidLevels(), strings.ToUpper(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.ToLower(strings.Join(logging.ValidLevels(), ", "))),
		})
	}

	errors = append(errors, validatePath("logging.file", c.Logging.File)...)

	// Max size must be positive
	if c.Logging.MaxSizeMB <= 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be positive",
		})
	}

	// Reasonable upper bound for log file size
	const maxLogSizeMB = 1000 // 1GB
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}

	// Max backups must be non-negative
	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}

// validateHarness validates the HarnessConfig
func (c *Config) validateHarness() []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(c.Harness.Command) == "" {
		errors = append(errors, ValidationError{
			Field:   "harness.command",
			Value:   c.Harness.Command,
			Message: "must not be empty",
		})
	}

	for i, arg := range c.Harness.Args {
		if strings.HasPrefix(arg, "--session-id") || strings.HasPrefix(arg, "--resume") {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("harness.args[%d]", i),
				Value:   arg,
				Message: "session flags are managed by stageflow",
			})
		}
	}

	return errors
}

// validateNotifications validates the NotificationsConfig
func (c *Config) validateNotifications() []ValidationError {
	var errors []ValidationError
	n := c.Notifications

	if n.WebhookFormat != "" && !slices.Contains(ValidWebhookFormats(), n.WebhookFormat) {
		errors = append(errors, ValidationError{
			Field:   "notifications.webhook_format",
			Value:   n.WebhookFormat,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidWebhookFormats(), ", ")),
		})
	}

	if n.WebhookURL != "" && !strings.HasPrefix(n.WebhookURL, "http://") && !strings.HasPrefix(n.WebhookURL, "https://") {
		errors = append(errors, ValidationError{
			Field:   "notifications.webhook_url",
			Value:   n.WebhookURL,
			Message: "must be an http or https URL",
		})
	}

	if n.PollInterval < 0 {
		errors = append(errors, ValidationError{
			Field:   "notifications.poll_interval",
			Value:   n.PollInterval,
			Message: "must be non-negative",
		})
	}

	errors = append(errors, validatePath("notifications.response_dir", n.ResponseDir)...)

	return errors
}

// validateHandoff validates the HandoffConfig
func (c *Config) validateHandoff() []ValidationError {
	var errors []ValidationError

	if c.Handoff.MaxSummaryChars < 0 {
		errors = append(errors, ValidationError{
			Field:   "handoff.max_summary_chars",
			Value:   c.Handoff.MaxSummaryChars,
			Message: "must be non-negative (0 uses the default)",
		})
	}

	return errors
}

// validateWorkflows validates every inline workflow definition
func (c *Config) validateWorkflows() []ValidationError {
	var errors []ValidationError

	errors = append(errors, validatePath("workflows_dir", c.WorkflowsDir)...)

	// Sort for stable error order.
	keys := make([]string, 0, len(c.Workflows))
	for k := range c.Workflows {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		w := c.Workflows[key]
		if w.Name == "" {
			w.Name = key
		}
		if err := w.Validate(); err != nil {
			errors = append(errors, ValidationError{
				Field:   "workflows." + key,
				Value:   w.Name,
				Message: err.Error(),
			})
		}
	}

	return errors
}

// validatePath rejects paths no filesystem accepts. Empty paths are allowed.
func validatePath(field, path string) []ValidationError {
	var errors []ValidationError

	if strings.ContainsRune(path, '\x00') {
		errors = append(errors, ValidationError{
			Field:   field,
			Value:   path,
			Message: "path contains invalid null character",
		})
	}

	if len(path) > maxPathLength {
		errors = append(errors, ValidationError{
			Field:   field,
			Value:   path,
			Message: fmt.Sprintf("path exceeds maximum length of %d characters", maxPathLength),
		})
	}

	return errors
}
