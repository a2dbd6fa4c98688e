// Package errors provides the error taxonomy for ladder. It defines sentinel
// errors, domain error types carrying scheduling context, and classification
// helpers that let callers separate infrastructure failures from expected
// contention.
//
// # Error Types
//
// Domain errors:
//   - StateError: persistence I/O or lock failures for a feature's state document
//   - StateCorruptionError: a state document exists but cannot be parsed
//   - TaskError: a task lifecycle operation failed
//
// Semantic errors:
//   - NotFoundError: a task, worker, level or resource is unknown
//   - ValidationError: invalid input (graph, config, plan)
//   - TimeoutError: a bounded wait elapsed
//
// Expected contention (a claim that loses a race, a task blocked on
// dependencies) is never an error; repositories report it as a boolean or a
// list.
//
// # Usage
//
//	err := errors.NewStateError("write state", ioErr).WithFeature("auth").WithPath(p)
//	if errors.Is(err, errors.ErrStateWrite) { ... }
//
//	var corrupt *errors.StateCorruptionError
//	if errors.As(err, &corrupt) { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions so callers need a single import.
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
	// SeverityCritical is for errors that may indicate data loss.
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

// State-related sentinel errors
var (
	// ErrStateCorrupted indicates the state document exists but is unparseable.
	ErrStateCorrupted = New("state document corrupted")
	// ErrStateRead indicates the state document could not be read.
	ErrStateRead = New("state read failed")
	// ErrStateWrite indicates the state document could not be persisted.
	ErrStateWrite = New("state write failed")
	// ErrLockFailed indicates the exclusive state lock could not be acquired.
	ErrLockFailed = New("state lock failed")
)

// Scheduling sentinel errors
var (
	// ErrTaskNotFound indicates that a task id is not part of the graph or state.
	ErrTaskNotFound = New("task not found")
	// ErrWorkerNotFound indicates that a worker id has no record.
	ErrWorkerNotFound = New("worker not found")
	// ErrLevelNotFound indicates that a level has no record.
	ErrLevelNotFound = New("level not found")
	// ErrInvalidGraph indicates a task graph failed structural validation.
	ErrInvalidGraph = New("task graph is invalid")
	// ErrLevelFailed indicates a level ended with terminally failed tasks.
	ErrLevelFailed = New("level failed")
	// ErrMergeConflict indicates a level's merge ended in conflict.
	ErrMergeConflict = New("merge conflict")
	// ErrPaused indicates the feature is paused.
	ErrPaused = New("execution paused")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error
// -----------------------------------------------------------------------------

// LadderError is implemented by every error type in this package.
type LadderError interface {
	error
	Unwrap() error
	Is(target error) bool
	Severity() Severity
	IsRetryable() bool
	IsUserFacing() bool
}

type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *baseError) Unwrap() error { return e.cause }

func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

func (e *baseError) Severity() Severity { return e.severity }

func (e *baseError) IsRetryable() bool { return e.retryable }

func (e *baseError) IsUserFacing() bool { return e.userFacing }

func (e *baseError) setCause(err error) { e.cause = err }

func (e *baseError) formatCause() string { return fmt.Sprintf("%s: %v", e.message, e.cause) }

// contextPrefix renders "name [k=v, ...]" for the non-empty parts.
func contextPrefix(name string, parts []string) string {
	if len(parts) == 0 {
		return name
	}
	return fmt.Sprintf("%s [%s]", name, strings.Join(parts, ", "))
}

// -----------------------------------------------------------------------------
// Domain Errors
// -----------------------------------------------------------------------------

// StateError represents an infrastructure failure reading, writing or locking
// a feature's state document. Lock failures are retryable.
//
//	err := errors.NewStateError("write state", errors.ErrStateWrite).WithFeature("auth")
//	fmt.Println(err) // "state error [feature=auth]: write state: state write failed"
type StateError struct {
	baseError
	Feature string
	Path    string
}

// NewStateError creates a new StateError.
func NewStateError(message string, cause error) *StateError {
	return &StateError{
		baseError: baseError{
			message:   message,
			cause:     cause,
			severity:  SeverityError,
			retryable: errors.Is(cause, ErrLockFailed),
		},
	}
}

// WithFeature adds the feature name to the error context.
func (e *StateError) WithFeature(feature string) *StateError {
	e.Feature = feature
	return e
}

// WithPath adds the document path to the error context.
func (e *StateError) WithPath(path string) *StateError {
	e.Path = path
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *StateError) WithRetryable(r bool) *StateError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *StateError) Error() string {
	var parts []string
	if e.Feature != "" {
		parts = append(parts, "feature="+e.Feature)
	}
	if e.Path != "" {
		parts = append(parts, "path="+e.Path)
	}
	prefix := contextPrefix("state error", parts)
	if e.cause != nil {
		return fmt.Sprintf("%s: %s", prefix, e.formatCause())
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *StateError) Is(target error) bool {
	if _, ok := target.(*StateError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// StateCorruptionError reports a state document that exists but failed to
// parse. It is fatal and distinct from a missing document: it signals
// possible data loss rather than a fresh start.
type StateCorruptionError struct {
	baseError
	Path string
}

// NewStateCorruptionError creates a StateCorruptionError for the document at path.
func NewStateCorruptionError(path string, cause error) *StateCorruptionError {
	return &StateCorruptionError{
		baseError: baseError{
			message:    "state document is corrupted",
			cause:      cause,
			severity:   SeverityCritical,
			userFacing: true,
		},
		Path: path,
	}
}

// Error returns the formatted error message.
func (e *StateCorruptionError) Error() string {
	base := fmt.Sprintf("state corruption [path=%s]", e.Path)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *StateCorruptionError) Is(target error) bool {
	if _, ok := target.(*StateCorruptionError); ok {
		return true
	}
	if target == ErrStateCorrupted {
		return true
	}
	return e.baseError.Is(target)
}

// TaskError represents a failed task lifecycle operation.
type TaskError struct {
	baseError
	TaskID   string
	WorkerID int
	Level    int
}

// NewTaskError creates a new TaskError. WorkerID defaults to -1 (unset).
func NewTaskError(message string, cause error) *TaskError {
	return &TaskError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			userFacing: true,
		},
		WorkerID: -1,
	}
}

// WithTaskID adds the task id to the error context.
func (e *TaskError) WithTaskID(id string) *TaskError {
	e.TaskID = id
	return e
}

// WithWorkerID adds the worker id to the error context.
func (e *TaskError) WithWorkerID(id int) *TaskError {
	e.WorkerID = id
	return e
}

// WithLevel adds the level number to the error context.
func (e *TaskError) WithLevel(level int) *TaskError {
	e.Level = level
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *TaskError) WithRetryable(r bool) *TaskError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *TaskError) Error() string {
	var parts []string
	if e.TaskID != "" {
		parts = append(parts, "task="+e.TaskID)
	}
	if e.WorkerID >= 0 {
		parts = append(parts, fmt.Sprintf("worker=%d", e.WorkerID))
	}
	if e.Level > 0 {
		parts = append(parts, fmt.Sprintf("level=%d", e.Level))
	}
	prefix := contextPrefix("task error", parts)
	if e.cause != nil {
		return fmt.Sprintf("%s: %s", prefix, e.formatCause())
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *TaskError) Is(target error) bool {
	if _, ok := target.(*TaskError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
//
//	err := errors.NewNotFoundError("worker", "3")
//	fmt.Println(err) // "worker '3' not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			severity:   SeverityWarning,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.setCause(cause)
	return e
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input.
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			severity:   SeverityWarning,
			userFacing: true,
		},
	}
}

// WithField sets the offending field.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue sets the offending value.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.setCause(cause)
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, "field="+e.Field)
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}
	prefix := contextPrefix("validation error", parts)
	if e.cause != nil {
		return fmt.Sprintf("%s: %s", prefix, e.formatCause())
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if target == ErrInvalidInput {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that timed out.
//
//	err := errors.NewTimeoutError("acquire slot db", 5*time.Second)
//	fmt.Println(err) // "timeout error: acquire slot db (timeout: 5s)"
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:    operation,
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if target == ErrTimeout {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var le LadderError
	if As(err, &le) {
		return le.IsRetryable()
	}
	return Is(err, ErrTimeout) || Is(err, ErrLockFailed)
}

// IsUserFacing returns true if the error message is safe to display.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	var le LadderError
	if As(err, &le) {
		return le.IsUserFacing()
	}
	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement LadderError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}
	var le LadderError
	if As(err, &le) {
		return le.Severity()
	}
	return SeverityError
}

// IsCorruption reports whether err signals a corrupted state document.
func IsCorruption(err error) bool {
	var corrupt *StateCorruptionError
	return As(err, &corrupt)
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
