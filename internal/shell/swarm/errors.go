package swarm

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrAlreadyExists is returned when a network, volume, or secret exists.
	// Provisioning treats it as success.
	ErrAlreadyExists = errors.New("already exists")

	// ErrNotFound is returned when the target of a delete or inspect is absent.
	// Teardown treats it as success.
	ErrNotFound = errors.New("not found")

	// ErrUnreachable is returned on transport failures talking to the engine.
	ErrUnreachable = errors.New("cluster manager unreachable")

	// ErrRejected is returned when the engine refuses a definition.
	ErrRejected = errors.New("definition rejected")

	// ErrNotSwarm is returned when the engine is not a swarm manager.
	ErrNotSwarm = errors.New("engine is not a swarm manager")
)

// SwarmError wraps errors with additional context.
type SwarmError struct {
	Op      string // Operation that failed
	Entity  string // Entity type (network, volume, secret, stack, service)
	ID      string // Entity name if applicable
	Message string
	Err     error
}

func (e *SwarmError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s %s %s: %s", e.Op, e.Entity, e.ID, e.Message)
	}
	if e.Entity != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Entity, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *SwarmError) Unwrap() error {
	return e.Err
}

// NewSwarmError creates a new SwarmError.
func NewSwarmError(op, entity, id, message string, err error) *SwarmError {
	return &SwarmError{
		Op:      op,
		Entity:  entity,
		ID:      id,
		Message: message,
		Err:     err,
	}
}
