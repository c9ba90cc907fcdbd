package domain

import (
	"sort"
	"time"
)

// RunReport summarizes one orchestration run.
type RunReport struct {
	RunID      string                 `json:"run_id"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at"`
	Stages     [][]string             `json:"stages"`
	Records    []ReconciliationRecord `json:"records"`
	Warnings   []string               `json:"warnings,omitempty"`

	// UnresolvedHosts lists ingress hostnames that still need external DNS.
	UnresolvedHosts []string `json:"unresolved_hosts,omitempty"`

	// Reconciled is set once the control-plane handoff has been attempted.
	Reconciled bool `json:"reconciled"`
}

// Record returns the record for a unit.
func (r *RunReport) Record(unit string) (ReconciliationRecord, bool) {
	for _, rec := range r.Records {
		if rec.Unit == unit {
			return rec, true
		}
	}
	return ReconciliationRecord{}, false
}

// SetRecord inserts or replaces the record for rec.Unit.
func (r *RunReport) SetRecord(rec ReconciliationRecord) {
	for i := range r.Records {
		if r.Records[i].Unit == rec.Unit {
			r.Records[i] = rec
			return
		}
	}
	r.Records = append(r.Records, rec)
}

// InState returns the records currently in the given state.
func (r *RunReport) InState(state UnitState) []ReconciliationRecord {
	var out []ReconciliationRecord
	for _, rec := range r.Records {
		if rec.State == state {
			out = append(out, rec)
		}
	}
	return out
}

// Failed returns the failed records.
func (r *RunReport) Failed() []ReconciliationRecord {
	return r.InState(StateFailed)
}

// CountByState tallies records per state.
func (r *RunReport) CountByState() map[UnitState]int {
	counts := make(map[UnitState]int)
	for _, rec := range r.Records {
		counts[rec.State]++
	}
	return counts
}

// Warn appends a warning.
func (r *RunReport) Warn(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

// SortRecords orders records by stage, then by name.
func (r *RunReport) SortRecords() {
	sort.SliceStable(r.Records, func(i, j int) bool {
		if r.Records[i].Stage != r.Records[j].Stage {
			return r.Records[i].Stage < r.Records[j].Stage
		}
		return r.Records[i].Unit < r.Records[j].Unit
	})
}
