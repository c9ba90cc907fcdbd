package store

import (
	"context"
	"time"

	"github.com/artpar/stackup/internal/core/domain"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the persistence interface for runs and reconciliation records.
// Records are keyed by unit: the latest record of a unit wins across runs.
type Store interface {
	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, id string, status RunStatus, message string, finishedAt time.Time) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, opts ListOptions) ([]Run, error)

	// Record operations
	SaveRecord(ctx context.Context, rec *domain.ReconciliationRecord) error
	GetRecord(ctx context.Context, unit string) (*domain.ReconciliationRecord, error)
	ListRecords(ctx context.Context) ([]domain.ReconciliationRecord, error)
	ListHistory(ctx context.Context, unit string, opts ListOptions) ([]domain.ReconciliationRecord, error)

	// Sealed parameter operations
	SaveParam(ctx context.Context, param *SealedParam) error
	ListParams(ctx context.Context) ([]SealedParam, error)

	// Transaction support
	WithTx(ctx context.Context, fn func(Store) error) error

	// Lifecycle
	Close() error
}

// =============================================================================
// Runs
// =============================================================================

// RunStatus is the outcome of an orchestration run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunPartial   RunStatus = "partial" // Finished with soft failures
	RunFailed    RunStatus = "failed"
)

// Run is one orchestration run.
type Run struct {
	ID         string     `json:"id"`
	Command    string     `json:"command"` // run, reconcile
	Status     RunStatus  `json:"status"`
	Message    string     `json:"message,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// =============================================================================
// Sealed Parameters
// =============================================================================

// SealedParam is a generated parameter value, encrypted so reruns reuse it
// instead of generating a new one.
type SealedParam struct {
	Key       string    `json:"key"`
	Sealed    string    `json:"-"`
	UpdatedAt time.Time `json:"updated_at"`
}

// =============================================================================
// Options
// =============================================================================

// ListOptions defines pagination options.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  100,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
