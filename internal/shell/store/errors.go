// Package store persists reconciliation records and run history so reruns
// can skip units the control plane already owns.
package store

import (
	"errors"
	"strings"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	ErrNotFound         = errors.New("entity not found")
	ErrDuplicateID      = errors.New("entity already exists")
	ErrConnectionFailed = errors.New("state database unavailable")
	ErrMigrationFailed  = errors.New("state schema migration failed")
	ErrInvalidData      = errors.New("invalid stored data")
	ErrTxFailed         = errors.New("transaction failed")
)

// StoreError reports a failed persistence operation on a run, record, or
// sealed parameter. The CLI maps it to its own exit code.
type StoreError struct {
	Op      string // e.g. "SaveRecord", "FinishRun"
	Entity  string // "run", "record" or "param"
	ID      string // run ID, unit name or parameter key
	Message string
	Err     error
}

func (e *StoreError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	for _, part := range []string{e.Entity, e.ID} {
		if part != "" {
			b.WriteString(" ")
			b.WriteString(part)
		}
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func NewStoreError(op, entity, id, message string, err error) *StoreError {
	return &StoreError{Op: op, Entity: entity, ID: id, Message: message, Err: err}
}

// IsNotFound reports whether err means the entity is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
