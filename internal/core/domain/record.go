package domain

import "time"

// =============================================================================
// Unit State
// =============================================================================

// UnitState is the per-unit reconciliation outcome of a run.
type UnitState string

const (
	StatePending         UnitState = "pending"
	StateDeployedDirect  UnitState = "deployed-direct"
	StateReady           UnitState = "ready"
	StateTimedOut        UnitState = "timed-out"
	StateTornDown        UnitState = "torn-down"
	StateDeployedManaged UnitState = "deployed-managed"
	StateFailed          UnitState = "failed"
)

var validTransitions = map[UnitState][]UnitState{
	StatePending:         {StateDeployedDirect, StateFailed},
	StateDeployedDirect:  {StateReady, StateTimedOut, StateTornDown, StateFailed},
	StateReady:           {StateTornDown, StateFailed},
	StateTimedOut:        {StateTornDown, StateFailed},
	StateTornDown:        {StateDeployedManaged, StateFailed},
	StateDeployedManaged: {},
	StateFailed:          {StatePending, StateTornDown},
}

// ValidateTransition checks if a state transition is allowed.
func ValidateTransition(from, to UnitState) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return ErrInvalidTransition
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return ErrInvalidTransition
}

// =============================================================================
// Reconciliation Record
// =============================================================================

// ReconciliationRecord tracks one unit through a run. Each record has a
// single writer at a time.
type ReconciliationRecord struct {
	Unit         string     `json:"unit" db:"unit"`
	State        UnitState  `json:"state" db:"state"`
	RunID        string     `json:"run_id" db:"run_id"`
	Stage        int        `json:"stage" db:"stage"`
	Error        string     `json:"error,omitempty" db:"error"`
	Sequence     int64      `json:"sequence" db:"sequence"` // Run-wide order of the last transition
	ControlPlane int        `json:"control_plane_stack_id,omitempty" db:"control_plane_stack_id"`
	DeployedAt   *time.Time `json:"deployed_at,omitempty" db:"deployed_at"`
	ReadyAt      *time.Time `json:"ready_at,omitempty" db:"ready_at"`
	ManagedAt    *time.Time `json:"managed_at,omitempty" db:"managed_at"`
	TornDownAt   *time.Time `json:"torn_down_at,omitempty" db:"torn_down_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// NewRecord creates a pending record.
func NewRecord(unit, runID string, stage int, now time.Time) *ReconciliationRecord {
	return &ReconciliationRecord{
		Unit:      unit,
		State:     StatePending,
		RunID:     runID,
		Stage:     stage,
		UpdatedAt: now,
	}
}

// Transition moves the record to a new state and stamps the timestamps.
func (r *ReconciliationRecord) Transition(to UnitState, now time.Time) error {
	if err := ValidateTransition(r.State, to); err != nil {
		return err
	}
	r.State = to
	r.UpdatedAt = now
	switch to {
	case StatePending:
		r.Error = ""
		r.TornDownAt = nil
	case StateDeployedDirect:
		r.DeployedAt = &now
		r.TornDownAt = nil
	case StateReady:
		r.ReadyAt = &now
	case StateTornDown:
		r.TornDownAt = &now
		r.Error = ""
	case StateDeployedManaged:
		r.ManagedAt = &now
		r.Error = ""
	}
	return nil
}

// Fail moves the record to failed from any non-terminal state.
func (r *ReconciliationRecord) Fail(err error, now time.Time) {
	r.State = StateFailed
	r.UpdatedAt = now
	if err != nil {
		r.Error = err.Error()
	}
}

// IsManaged reports whether the control plane already owns the unit.
func (r ReconciliationRecord) IsManaged() bool {
	return r.State == StateDeployedManaged
}

// Satisfied reports whether dependents may be deployed after this unit.
// A timed-out unit still satisfies: readiness timeouts are soft.
func (r ReconciliationRecord) Satisfied() bool {
	switch r.State {
	case StateDeployedDirect, StateReady, StateTimedOut, StateDeployedManaged:
		return true
	default:
		return false
	}
}

// Running reports whether a direct deployment of the unit is live.
func (r ReconciliationRecord) Running() bool {
	switch r.State {
	case StateDeployedDirect, StateReady, StateTimedOut:
		return true
	default:
		return false
	}
}

// AwaitingRecreate reports whether the unit's direct deployment is gone but
// the control plane never took it over, either because the run stopped after
// teardown or because recreation failed.
func (r ReconciliationRecord) AwaitingRecreate() bool {
	switch r.State {
	case StateTornDown:
		return true
	case StateFailed:
		return r.TornDownAt != nil
	default:
		return false
	}
}
