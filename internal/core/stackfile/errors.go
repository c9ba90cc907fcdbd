// Package stackfile renders unit templates and validates the resulting
// stack definitions. This is part of the Functional Core - all functions are
// pure with no I/O.
package stackfile

import (
	"errors"
	"fmt"
	"strings"

	"github.com/artpar/stackup/internal/core/domain"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// Input validation errors
	ErrEmptyInput = errors.New("stack definition is empty")

	// YAML parsing errors
	ErrInvalidYAML = errors.New("invalid YAML syntax")

	// Stack structure errors
	ErrNoServices = errors.New("stack definition must define at least one service")

	// Service validation errors
	ErrServiceNoImage     = errors.New("service must have an image")
	ErrServiceInvalidPort = errors.New("invalid port configuration")

	// Unsupported feature errors
	ErrUnsupportedFeature = errors.New("unsupported stack feature")
)

// ParseError wraps errors with context about where parsing failed.
type ParseError struct {
	Field   string // e.g., "services.web.ports[0]"
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// NewParseError creates a new ParseError.
func NewParseError(field, message string, err error) *ParseError {
	return &ParseError{
		Field:   field,
		Message: message,
		Err:     err,
	}
}

// MissingParamsError lists every parameter a template needs but the
// Environment lacks. Missing parameters are never silently defaulted.
type MissingParamsError struct {
	Names    []string
	Messages map[string]string // From ${VAR:?message}
}

func (e *MissingParamsError) Error() string {
	parts := make([]string, 0, len(e.Names))
	for _, n := range e.Names {
		if msg := e.Messages[n]; msg != "" {
			parts = append(parts, fmt.Sprintf("%s (%s)", n, msg))
			continue
		}
		parts = append(parts, n)
	}
	return "missing required parameters: " + strings.Join(parts, ", ")
}

func (e *MissingParamsError) Unwrap() []error {
	return []error{domain.ErrMissingVariable, domain.ErrConfig}
}
