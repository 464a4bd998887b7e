package orchestrator

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and
// propagation policy.
type ErrorClass string

const (
	// ErrorClassValidation indicates bad input rejected before any
	// resource was touched. Not retryable without changed input.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassConflict indicates a state conflict such as a lost
	// compare-and-swap race or an operation already in flight.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassResource indicates a backend resource failure surfaced as
	// the terminal state of the attempted operation.
	ErrorClassResource ErrorClass = "resource"

	// ErrorClassTransient indicates a temporary failure that may succeed
	// on retry, such as an unreachable health probe.
	ErrorClassTransient ErrorClass = "transient"
)

// Reason is a stable error reason code surfaced to callers and recorded on
// site records.
type Reason string

const (
	ReasonDuplicateDomain      Reason = "DUPLICATE_DOMAIN"
	ReasonValidationError      Reason = "VALIDATION_ERROR"
	ReasonNotFound             Reason = "NOT_FOUND"
	ReasonPortConflict         Reason = "PORT_CONFLICT"
	ReasonPortsExhausted       Reason = "PORTS_EXHAUSTED"
	ReasonBackendUnavailable   Reason = "BACKEND_UNAVAILABLE"
	ReasonProcessSpawnFailure  Reason = "PROCESS_SPAWN_FAILURE"
	ReasonOperationInProgress  Reason = "OPERATION_IN_PROGRESS"
	ReasonStartTimeout         Reason = "START_TIMEOUT"
	ReasonHealthCheckFailed    Reason = "HEALTH_CHECK_FAILED"
	ReasonMigrationFailed      Reason = "MIGRATION_FAILED"
	ReasonOrphanedAfterRestart Reason = "ORPHANED_AFTER_RESTART"
	ReasonIllegalTransition    Reason = "ILLEGAL_TRANSITION"
	ReasonInternal             Reason = "INTERNAL_ERROR"
)

// OrchestratorError is a classified error with site and operation context.
// nolint:revive // intentionally named to distinguish from standard errors
type OrchestratorError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Reason is the stable reason code for programmatic handling.
	Reason Reason `json:"reason"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Site is the site ID the error relates to, if applicable.
	Site string `json:"site,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *OrchestratorError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Reason, e.Message)
	if e.Site != "" {
		msg += fmt.Sprintf(" (site=%s", e.Site)
		if e.Operation != "" {
			msg += fmt.Sprintf(", operation=%s", e.Operation)
		}
		msg += ")"
	} else if e.Operation != "" {
		msg += fmt.Sprintf(" (operation=%s)", e.Operation)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *OrchestratorError) Unwrap() error {
	return e.Err
}

// Is implements error equality for errors.Is: two orchestrator errors match
// when their reason codes match.
func (e *OrchestratorError) Is(target error) bool {
	t, ok := target.(*OrchestratorError)
	if !ok {
		return false
	}
	return e.Reason == t.Reason
}

// WithSite adds site context to the error.
func (e *OrchestratorError) WithSite(siteID string) *OrchestratorError {
	e.Site = siteID
	return e
}

// WithOperation adds operation context to the error.
func (e *OrchestratorError) WithOperation(op string) *OrchestratorError {
	e.Operation = op
	return e
}

// NewValidationError creates a validation-class error.
func NewValidationError(reason Reason, message string, err error) *OrchestratorError {
	return &OrchestratorError{Class: ErrorClassValidation, Reason: reason, Message: message, Err: err}
}

// NewConflictError creates a conflict-class error.
func NewConflictError(reason Reason, message string, err error) *OrchestratorError {
	return &OrchestratorError{Class: ErrorClassConflict, Reason: reason, Message: message, Err: err}
}

// NewResourceError creates a resource-class error.
func NewResourceError(reason Reason, message string, err error) *OrchestratorError {
	return &OrchestratorError{Class: ErrorClassResource, Reason: reason, Message: message, Err: err}
}

// NewTransientError creates a transient-class error.
func NewTransientError(reason Reason, message string, err error) *OrchestratorError {
	return &OrchestratorError{Class: ErrorClassTransient, Reason: reason, Message: message, Err: err}
}

// ReasonOf extracts the reason code from an error chain. Returns
// ReasonInternal for unclassified errors and the empty reason for nil.
func ReasonOf(err error) Reason {
	if err == nil {
		return ""
	}
	var oe *OrchestratorError
	if errors.As(err, &oe) {
		return oe.Reason
	}
	return ReasonInternal
}

// IsReason reports whether the error chain carries the given reason code.
func IsReason(err error, reason Reason) bool {
	return ReasonOf(err) == reason
}

// IsRetryable reports whether the operation that produced err can be
// retried without changed input. Validation errors require the caller to
// change input; conflict errors resolve once the in-flight operation
// reaches a terminal state.
func IsRetryable(err error) bool {
	var oe *OrchestratorError
	if !errors.As(err, &oe) {
		return false
	}
	return oe.Class == ErrorClassTransient || oe.Class == ErrorClassResource
}
