// Package errors provides centralized error definitions and error handling utilities
// for stageflow. It defines the pipeline's error taxonomy, sentinel errors,
// constructors with context wrapping, and classification helpers.
//
// # Error Types
//
// Each failure class of the pipeline has its own type:
//   - ConfigError: unknown stages, missing gate timeouts, bad workflow definitions.
//     Always surfaced before any state is mutated.
//   - HookError: a pre/post hook exited non-zero. Never fatal.
//   - HarnessError: a harness session could not be started, fed, or closed,
//     or reported an error event. Fatal to the current stage only.
//   - PersistenceError: run state could not be written or read. Fatal.
//
// # Usage
//
//	err := errors.NewConfigError("unknown stage", errors.ErrStageNotFound).WithStage("deploy")
//
//	if errors.IsFatal(err) { ... }
//
//	var hookErr *errors.HookError
//	if errors.As(err, &hookErr) { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Configuration sentinel errors
var (
	// ErrStageNotFound indicates a stage name that is not part of the workflow.
	ErrStageNotFound = New("stage not found")
	// ErrWorkflowNotFound indicates a workflow name with no definition.
	ErrWorkflowNotFound = New("workflow not found")
	// ErrGateTimeoutMissing indicates a notify gate configured without a timeout.
	ErrGateTimeoutMissing = New("notify gate requires a timeout")
	// ErrConflictingOptions indicates mutually exclusive run options were both set.
	ErrConflictingOptions = New("conflicting run options")
	// ErrInvalidGateType indicates an unrecognised gate type.
	ErrInvalidGateType = New("invalid gate type")
)

// Run state sentinel errors
var (
	// ErrRunNotFound indicates that no persisted state exists for a run id.
	ErrRunNotFound = New("run not found")
	// ErrRunLocked indicates that another process holds the run lock.
	ErrRunLocked = New("run is locked by another process")
	// ErrRunCorrupted indicates that persisted run state could not be decoded.
	ErrRunCorrupted = New("run state corrupted")
)

// Harness sentinel errors
var (
	// ErrHarnessStream indicates the harness reported an error event mid-stream.
	ErrHarnessStream = New("harness stream error")
	// ErrStreamClosed indicates the event stream ended without a Done event.
	ErrStreamClosed = New("harness stream closed before completion")
)

// ErrHookFailed indicates a hook command exited with a non-zero status.
var ErrHookFailed = New("hook failed")

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// StageflowError is the interface implemented by every typed error in this package.
type StageflowError interface {
	error
	Unwrap() error
	Severity() Severity
	// IsFatal reports whether the error must abort the current run.
	IsFatal() bool
	// IsUserFacing reports whether the message is safe to show on the CLI.
	IsUserFacing() bool
}

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	severity   Severity
	fatal      bool
	userFacing bool
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsFatal returns whether the error aborts a run.
func (e *baseError) IsFatal() bool {
	return e.fatal
}

// IsUserFacing returns whether the error is safe to show users.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// format renders "<kind> [k=v, ...]: message: cause".
func (e *baseError) format(kind string, parts []string) string {
	prefix := kind
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", kind, strings.Join(parts, ", "))
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// -----------------------------------------------------------------------------
// Domain Errors
// -----------------------------------------------------------------------------

// ConfigError reports an invalid workflow, gate, or option configuration.
//
// Example:
//
//	err := errors.NewConfigError("unknown --from stage", errors.ErrStageNotFound).WithStage("deploy")
//	fmt.Println(err) // "config error [stage=deploy]: unknown --from stage: stage not found"
type ConfigError struct {
	baseError
	Workflow string
	Stage    string
	Field    string
}

// NewConfigError creates a new ConfigError.
func NewConfigError(message string, cause error) *ConfigError {
	return &ConfigError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			fatal:      true,
			userFacing: true,
		},
	}
}

// WithWorkflow adds the workflow name to the error context.
func (e *ConfigError) WithWorkflow(name string) *ConfigError {
	e.Workflow = name
	return e
}

// WithStage adds the stage name to the error context.
func (e *ConfigError) WithStage(name string) *ConfigError {
	e.Stage = name
	return e
}

// WithField adds the offending field to the error context.
func (e *ConfigError) WithField(field string) *ConfigError {
	e.Field = field
	return e
}

// Error returns the formatted error message.
func (e *ConfigError) Error() string {
	var parts []string
	if e.Workflow != "" {
		parts = append(parts, "workflow="+e.Workflow)
	}
	if e.Stage != "" {
		parts = append(parts, "stage="+e.Stage)
	}
	if e.Field != "" {
		parts = append(parts, "field="+e.Field)
	}
	return e.format("config error", parts)
}

// Is checks if this error matches the target.
func (e *ConfigError) Is(target error) bool {
	_, ok := target.(*ConfigError)
	return ok
}

// HookError reports a failed pre- or post-stage hook. Hooks are best-effort,
// so this error is logged and never aborts a stage.
type HookError struct {
	baseError
	Stage    string
	Phase    string
	Command  string
	ExitCode int
}

// NewHookError creates a new HookError.
func NewHookError(command string, exitCode int, cause error) *HookError {
	return &HookError{
		baseError: baseError{
			message:    fmt.Sprintf("hook %q exited with code %d", command, exitCode),
			cause:      cause,
			severity:   SeverityWarning,
			fatal:      false,
			userFacing: true,
		},
		Command:  command,
		ExitCode: exitCode,
	}
}

// WithStage adds the stage and hook phase ("pre" or "post") to the error context.
func (e *HookError) WithStage(stage, phase string) *HookError {
	e.Stage = stage
	e.Phase = phase
	return e
}

// Error returns the formatted error message.
func (e *HookError) Error() string {
	var parts []string
	if e.Stage != "" {
		parts = append(parts, "stage="+e.Stage)
	}
	if e.Phase != "" {
		parts = append(parts, "phase="+e.Phase)
	}
	return e.format("hook error", parts)
}

// Is checks if this error matches the target.
func (e *HookError) Is(target error) bool {
	if _, ok := target.(*HookError); ok {
		return true
	}
	return target == ErrHookFailed
}

// HarnessError reports a failure talking to the agent harness.
//
// Example:
//
//	err := errors.NewHarnessError("send", cause).WithStage("plan").WithSession("abc")
type HarnessError struct {
	baseError
	Operation string
	Stage     string
	SessionID string
}

// NewHarnessError creates a new HarnessError for the given operation
// ("start", "send", "stream", "close").
func NewHarnessError(operation string, cause error) *HarnessError {
	return &HarnessError{
		baseError: baseError{
			message:    operation + " failed",
			cause:      cause,
			severity:   SeverityError,
			fatal:      true,
			userFacing: true,
		},
		Operation: operation,
	}
}

// WithStage adds the stage name to the error context.
func (e *HarnessError) WithStage(stage string) *HarnessError {
	e.Stage = stage
	return e
}

// WithSession adds the harness session id to the error context.
func (e *HarnessError) WithSession(id string) *HarnessError {
	e.SessionID = id
	return e
}

// Error returns the formatted error message.
func (e *HarnessError) Error() string {
	var parts []string
	if e.Stage != "" {
		parts = append(parts, "stage="+e.Stage)
	}
	if e.SessionID != "" {
		parts = append(parts, "session="+e.SessionID)
	}
	return e.format("harness error", parts)
}

// Is checks if this error matches the target.
func (e *HarnessError) Is(target error) bool {
	_, ok := target.(*HarnessError)
	return ok
}

// PersistenceError reports that run state could not be saved or loaded.
// The runner must abort instead of continuing on stale on-disk state.
type PersistenceError struct {
	baseError
	RunID string
	Path  string
}

// NewPersistenceError creates a new PersistenceError.
func NewPersistenceError(message string, cause error) *PersistenceError {
	return &PersistenceError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityCritical,
			fatal:      true,
			userFacing: true,
		},
	}
}

// WithRun adds the run id to the error context.
func (e *PersistenceError) WithRun(id string) *PersistenceError {
	e.RunID = id
	return e
}

// WithPath adds the state file path to the error context.
func (e *PersistenceError) WithPath(path string) *PersistenceError {
	e.Path = path
	return e
}

// Error returns the formatted error message.
func (e *PersistenceError) Error() string {
	var parts []string
	if e.RunID != "" {
		parts = append(parts, "run="+e.RunID)
	}
	if e.Path != "" {
		parts = append(parts, "path="+e.Path)
	}
	return e.format("persistence error", parts)
}

// Is checks if this error matches the target.
func (e *PersistenceError) Is(target error) bool {
	_, ok := target.(*PersistenceError)
	return ok
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsFatal reports whether err must abort the current run. Errors that do not
// carry a classification are treated as fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var sfErr StageflowError
	if As(err, &sfErr) {
		return sfErr.IsFatal()
	}
	return true
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement StageflowError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}
	var sfErr StageflowError
	if As(err, &sfErr) {
		return sfErr.Severity()
	}
	return SeverityError
}

// IsConfigError reports whether err is (or wraps) a ConfigError.
func IsConfigError(err error) bool {
	var cfgErr *ConfigError
	return As(err, &cfgErr)
}

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
