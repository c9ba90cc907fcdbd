package rollout

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/artpar/stackup/internal/core/domain"
	"github.com/artpar/stackup/internal/shell/clock"
	"github.com/artpar/stackup/internal/shell/store"
)

// =============================================================================
// Ledger
// =============================================================================

// Ledger owns the ReconciliationRecords of one run. Each unit's record is
// written only by the goroutine handling that unit; the mutex guards the map
// and the run-wide sequence counter. Every change is persisted to the store.
type Ledger struct {
	mu      sync.Mutex
	runID   string
	records map[string]*domain.ReconciliationRecord
	order   []string
	seq     int64
	report  domain.RunReport

	store  store.Store
	clock  clock.Clock
	logger *slog.Logger
}

// NewLedger creates a ledger for runID. A nil store keeps records in memory only.
func NewLedger(runID string, st store.Store, clk clock.Clock, logger *slog.Logger) *Ledger {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		runID:   runID,
		records: make(map[string]*domain.ReconciliationRecord),
		report:  domain.RunReport{RunID: runID, StartedAt: clk.Now()},
		store:   st,
		clock:   clk,
		logger:  logger.With("component", "ledger", "run_id", runID),
	}
}

// RunID returns the run this ledger belongs to.
func (l *Ledger) RunID() string {
	return l.runID
}

// Load creates a record for every unit of stages. Units already handed to the
// control plane keep their persisted record. With resume set, every persisted
// record is carried over so a reconcile-only run sees earlier deployments.
func (l *Ledger) Load(ctx context.Context, stages []domain.DeploymentStage, resume bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.report.Stages = make([][]string, len(stages))
	for _, stage := range stages {
		l.report.Stages[stage.Index] = stage.Names()
		for _, unit := range stage.Units {
			rec, err := l.previous(ctx, unit.Name)
			if err != nil {
				return err
			}
			if rec != nil && (resume || rec.IsManaged()) {
				rec.RunID = l.runID
				rec.Stage = stage.Index
			} else {
				rec = domain.NewRecord(unit.Name, l.runID, stage.Index, l.clock.Now())
			}
			if _, seen := l.records[unit.Name]; !seen {
				l.order = append(l.order, unit.Name)
			}
			l.records[unit.Name] = rec
			if err := l.persist(ctx, rec); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *Ledger) previous(ctx context.Context, unit string) (*domain.ReconciliationRecord, error) {
	if l.store == nil {
		return nil, nil
	}
	rec, err := l.store.GetRecord(ctx, unit)
	if store.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Get returns a copy of the unit's record.
func (l *Ledger) Get(unit string) (domain.ReconciliationRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[unit]
	if !ok {
		return domain.ReconciliationRecord{}, false
	}
	return *rec, true
}

// Transition moves the unit to state to and persists the change.
func (l *Ledger) Transition(ctx context.Context, unit string, to domain.UnitState) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[unit]
	if !ok {
		return domain.NewError("Transition", unit, "unit has no record", domain.ErrInvalidTransition, nil)
	}
	from := rec.State
	if err := rec.Transition(to, l.clock.Now()); err != nil {
		return domain.NewError("Transition", unit, fmt.Sprintf("%s -> %s", from, to), err, nil)
	}
	l.seq++
	rec.Sequence = l.seq
	l.logger.Debug("unit transition", "unit", unit, "from", from, "to", to, "sequence", rec.Sequence)
	return l.persist(ctx, rec)
}

// Fail marks the unit failed with cause and persists the change.
func (l *Ledger) Fail(ctx context.Context, unit string, cause error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[unit]
	if !ok {
		return domain.NewError("Fail", unit, "unit has no record", domain.ErrInvalidTransition, nil)
	}
	rec.Fail(cause, l.clock.Now())
	l.seq++
	rec.Sequence = l.seq
	return l.persist(ctx, rec)
}

// SetControlPlaneID records the control-plane stack ID of a unit.
func (l *Ledger) SetControlPlaneID(unit string, id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.records[unit]; ok {
		rec.ControlPlane = id
	}
}

// Warn appends a run-level warning.
func (l *Ledger) Warn(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.report.Warn(msg)
}

// SetUnresolvedHosts records the hostnames that still need DNS configuration.
func (l *Ledger) SetUnresolvedHosts(hosts []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.report.UnresolvedHosts = hosts
}

// MarkReconciled flags the run as having completed reconciliation.
func (l *Ledger) MarkReconciled() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.report.Reconciled = true
}

// Report returns a snapshot of the run.
func (l *Ledger) Report() *domain.RunReport {
	l.mu.Lock()
	defer l.mu.Unlock()

	r := l.report
	r.FinishedAt = l.clock.Now()
	r.Stages = append([][]string(nil), l.report.Stages...)
	r.Warnings = append([]string(nil), l.report.Warnings...)
	r.UnresolvedHosts = append([]string(nil), l.report.UnresolvedHosts...)
	r.Records = make([]domain.ReconciliationRecord, 0, len(l.order))
	for _, name := range l.order {
		r.Records = append(r.Records, *l.records[name])
	}
	r.SortRecords()
	return &r
}

func (l *Ledger) persist(ctx context.Context, rec *domain.ReconciliationRecord) error {
	if l.store == nil {
		return nil
	}
	// A record write must land even when the run is being cancelled.
	if err := l.store.SaveRecord(context.WithoutCancel(ctx), rec); err != nil {
		l.logger.Error("failed to persist record", "unit", rec.Unit, "error", err)
		return err
	}
	return nil
}
