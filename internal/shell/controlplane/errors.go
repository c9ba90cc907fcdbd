package controlplane

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized is returned when credentials are refused.
	ErrUnauthorized = errors.New("control plane refused credentials")

	// ErrNoToken is returned when authentication succeeds without a token.
	ErrNoToken = errors.New("control plane returned no token")

	// ErrRejected is returned when the control plane refuses a request body.
	ErrRejected = errors.New("control plane rejected request")

	// ErrUnreachable is returned on transport failures and server errors.
	ErrUnreachable = errors.New("control plane unreachable")

	// ErrNoEndpoint is returned when no swarm endpoint can be resolved.
	ErrNoEndpoint = errors.New("no swarm endpoint registered")
)

// APIError describes a failed control-plane call.
type APIError struct {
	Op      string // Operation that failed (e.g., "CreateStack")
	Status  int    // HTTP status, zero on transport failure
	Message string
	Err     error
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// NewAPIError creates a new APIError.
func NewAPIError(op string, status int, message string, err error) *APIError {
	return &APIError{Op: op, Status: status, Message: message, Err: err}
}
