package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// Error Taxonomy
// =============================================================================

var (
	// ErrConfig covers missing or invalid input. Always fatal, and always raised
	// before any cluster side effect.
	ErrConfig = errors.New("configuration error")

	// ErrClusterUnreachable aborts the run. Partial state is safe to re-apply.
	ErrClusterUnreachable = errors.New("cluster manager unreachable")

	// ErrReadinessTimeout is soft unless strict readiness is requested.
	ErrReadinessTimeout = errors.New("readiness probe timed out")

	// ErrAuth is fatal for the reconciliation phase only.
	ErrAuth = errors.New("control plane authentication failed")

	// ErrSubmissionRejected is recorded per unit and never aborts siblings.
	ErrSubmissionRejected = errors.New("submission rejected")

	ErrCircularDependency = errors.New("circular dependency detected")
	ErrUnknownDependency  = errors.New("unknown dependency")
	ErrDuplicateUnit      = errors.New("duplicate unit name")
	ErrMissingVariable    = errors.New("required parameter is missing")
	ErrDependencyFailed   = errors.New("dependency did not deploy")
	ErrProvision          = errors.New("resource provisioning failed")
	ErrInvalidTransition  = errors.New("invalid state transition")
)

// Error wraps a taxonomy sentinel with the operation and unit it concerns.
type Error struct {
	Op      string // Operation that failed (e.g., "Deploy", "Teardown")
	Unit    string // Unit name if applicable
	Message string
	Kind    error // One of the taxonomy sentinels
	Err     error // Underlying cause, may be nil
}

// Error renders "Op unit: message: kind: cause", omitting empty parts.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Unit != "" {
		b.WriteString(" ")
		b.WriteString(e.Unit)
	}
	parts := make([]string, 0, 3)
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if e.Kind != nil {
		parts = append(parts, e.Kind.Error())
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	if len(parts) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(parts, ": "))
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// NewError creates a new Error.
func NewError(op, unit, message string, kind, err error) *Error {
	return &Error{
		Op:      op,
		Unit:    unit,
		Message: message,
		Kind:    kind,
		Err:     err,
	}
}

// NewConfigError creates an Error of kind ErrConfig.
func NewConfigError(op, unit, message string, err error) *Error {
	return NewError(op, unit, message, ErrConfig, err)
}

// IsFatal reports whether err must abort the whole run.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConfig) ||
		errors.Is(err, ErrClusterUnreachable) ||
		errors.Is(err, ErrAuth)
}

// =============================================================================
// Readiness Timeout
// =============================================================================

// TimeoutError reports a unit whose probe never succeeded within the deadline.
type TimeoutError struct {
	Unit     string
	Timeout  time.Duration
	Attempts int
	Last     error // Last probe failure
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("unit %s not ready after %s (%d attempts)", e.Unit, e.Timeout, e.Attempts)
	if e.Last != nil {
		msg += ": " + e.Last.Error()
	}
	return msg
}

func (e *TimeoutError) Unwrap() []error {
	if e.Last != nil {
		return []error{ErrReadinessTimeout, e.Last}
	}
	return []error{ErrReadinessTimeout}
}

// =============================================================================
// Provisioning Batch
// =============================================================================

// ResourceFailure is a single failed resource creation.
type ResourceFailure struct {
	Resource ClusterResource
	Err      error
}

// ProvisionError collects every failed resource of one ensure batch.
type ProvisionError struct {
	Failures []ResourceFailure
}

func (e *ProvisionError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Resource, f.Err))
	}
	return fmt.Sprintf("%d resource(s) failed: %s", len(e.Failures), strings.Join(parts, "; "))
}

func (e *ProvisionError) Unwrap() []error {
	errs := []error{ErrProvision}
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}
