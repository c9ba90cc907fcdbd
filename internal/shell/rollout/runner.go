package rollout

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/artpar/stackup/internal/core/domain"
	"github.com/artpar/stackup/internal/core/graph"
	"github.com/artpar/stackup/internal/shell/clock"
	"github.com/artpar/stackup/internal/shell/controlplane"
	"github.com/artpar/stackup/internal/shell/probe"
	"github.com/artpar/stackup/internal/shell/store"
	"github.com/artpar/stackup/internal/shell/swarm"
)

// HostChecker reports which hostnames still need DNS configuration.
type HostChecker interface {
	Unresolved(ctx context.Context, hosts []string) []string
}

// =============================================================================
// Configuration
// =============================================================================

// RunnerConfig configures a whole run.
type RunnerConfig struct {
	Scheduler  SchedulerConfig
	Reconciler ReconcilerConfig

	// Credentials authenticate against the control plane. Reconciliation
	// runs only when the runner has a control-plane API.
	Credentials controlplane.Credentials

	// PushgatewayURL receives the run metrics when set.
	PushgatewayURL string
	MetricsJob     string
}

// Dependencies are the collaborators of a Runner.
type Dependencies struct {
	Cluster      swarm.Client
	ControlPlane controlplane.API // nil skips reconciliation
	Prober       probe.Prober
	Store        store.Store // nil keeps state in memory
	Hosts        HostChecker // nil skips the DNS summary
	Clock        clock.Clock
	Metrics      *Metrics
}

// =============================================================================
// Runner
// =============================================================================

// Runner composes the rollout components into the run, reconcile, and status
// operations. Concurrent runs against the same cluster are not supported.
type Runner struct {
	deps       Dependencies
	config     RunnerConfig
	scheduler  *Scheduler
	reconciler *Reconciler
	logger     *slog.Logger
}

// NewRunner wires the rollout components around deps.
func NewRunner(deps Dependencies, config RunnerConfig, logger *slog.Logger) *Runner {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Store == nil {
		deps.Store = store.NewMemoryStore()
	}
	if config.MetricsJob == "" {
		config.MetricsJob = "stackup"
	}
	if logger == nil {
		logger = slog.Default()
	}

	provisioner := NewProvisioner(deps.Cluster, deps.Metrics, logger)
	deployer := NewDeployer(deps.Cluster, deps.Clock, logger)
	gate := NewGate(deps.Prober, deps.Clock, logger)

	r := &Runner{
		deps:      deps,
		config:    config,
		scheduler: NewScheduler(provisioner, deployer, gate, deps.Clock, config.Scheduler, deps.Metrics, logger),
		logger:    logger.With("component", "runner"),
	}
	if deps.ControlPlane != nil {
		r.reconciler = NewReconciler(deps.Cluster, deps.ControlPlane, deployer, deps.Clock, config.Reconciler, deps.Metrics, logger)
	}
	return r
}

// Plan validates the plan and renders every unit without side effects.
func (r *Runner) Plan(plan Plan, env domain.Environment) (*Prepared, error) {
	return r.scheduler.Prepare(plan, env)
}

// Run deploys the plan and, when a control plane is configured, hands the
// deployed units to it. Reconciliation only starts after every stage
// completed without a fatal error.
func (r *Runner) Run(ctx context.Context, plan Plan, env domain.Environment) (*domain.RunReport, error) {
	prepared, err := r.scheduler.Prepare(plan, env)
	if err != nil {
		return nil, err
	}

	ledger, err := r.begin(ctx, "run")
	if err != nil {
		return nil, err
	}

	_, runErr := r.scheduler.Run(ctx, plan, env, ledger)
	if runErr == nil && r.reconciler != nil {
		_, runErr = r.reconciler.Reconcile(ctx, graph.Order(prepared.Stages), env, r.config.Credentials, ledger)
	}

	return r.finish(ctx, ledger, prepared, runErr)
}

// Reconcile runs only the control-plane handoff against units deployed by
// an earlier run. Units with no persisted record are adopted when their
// stack has services on the cluster.
func (r *Runner) Reconcile(ctx context.Context, plan Plan, env domain.Environment) (*domain.RunReport, error) {
	if r.reconciler == nil {
		return nil, domain.NewConfigError("Reconcile", "", "control plane is not configured", nil)
	}
	prepared, err := r.scheduler.Prepare(plan, env)
	if err != nil {
		return nil, err
	}

	ledger, err := r.begin(ctx, "reconcile")
	if err != nil {
		return nil, err
	}
	if err := ledger.Load(ctx, prepared.Stages, true); err != nil {
		return r.finish(ctx, ledger, prepared, err)
	}

	units := graph.Order(prepared.Stages)
	if err := r.discover(ctx, units, ledger); err != nil {
		return r.finish(ctx, ledger, prepared, err)
	}

	_, runErr := r.reconciler.Reconcile(ctx, units, env, r.config.Credentials, ledger)
	return r.finish(ctx, ledger, prepared, runErr)
}

// Status returns the persisted record of every unit.
func (r *Runner) Status(ctx context.Context) ([]domain.ReconciliationRecord, error) {
	return r.deps.Store.ListRecords(ctx)
}

// Runs returns the most recent runs, newest first.
func (r *Runner) Runs(ctx context.Context, limit int) ([]store.Run, error) {
	return r.deps.Store.ListRuns(ctx, store.ListOptions{Limit: limit})
}

func (r *Runner) begin(ctx context.Context, command string) (*Ledger, error) {
	run := &store.Run{
		ID:        uuid.NewString(),
		Command:   command,
		Status:    store.RunRunning,
		StartedAt: r.deps.Clock.Now(),
	}
	if err := r.deps.Store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	r.logger.Info("run started", "run_id", run.ID, "command", command)
	return NewLedger(run.ID, r.deps.Store, r.deps.Clock, r.logger), nil
}

// discover marks adoptable units without a record as deployed when their
// stack is running on the cluster.
func (r *Runner) discover(ctx context.Context, units []domain.ServiceUnit, ledger *Ledger) error {
	for _, unit := range units {
		rec, _ := ledger.Get(unit.Name)
		if !unit.Adoptable() || rec.State != domain.StatePending {
			continue
		}
		n, err := r.deps.Cluster.CountServices(ctx, unit.Name)
		if err != nil {
			return domain.NewError("Discover", unit.Name, "", domain.ErrClusterUnreachable, err)
		}
		if n == 0 {
			continue
		}
		r.logger.Info("found running unit", "unit", unit.Name, "services", n)
		if err := ledger.Transition(ctx, unit.Name, domain.StateDeployedDirect); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) finish(ctx context.Context, ledger *Ledger, prepared *Prepared, runErr error) (*domain.RunReport, error) {
	if r.deps.Hosts != nil && ctx.Err() == nil {
		if hosts := prepared.Hosts(); len(hosts) > 0 {
			ledger.SetUnresolvedHosts(r.deps.Hosts.Unresolved(ctx, hosts))
		}
	}

	report := ledger.Report()
	status, message := runOutcome(report, runErr)

	finishCtx := context.WithoutCancel(ctx)
	if err := r.deps.Store.FinishRun(finishCtx, ledger.RunID(), status, message, report.FinishedAt); err != nil {
		r.logger.Error("failed to finish run", "run_id", ledger.RunID(), "error", err)
		if runErr == nil {
			runErr = err
		}
	}

	r.deps.Metrics.runFinished(report.FinishedAt.Sub(report.StartedAt), status == store.RunSucceeded)
	if err := r.deps.Metrics.Push(finishCtx, r.config.PushgatewayURL, r.config.MetricsJob); err != nil {
		r.logger.Warn("failed to push metrics", "url", r.config.PushgatewayURL, "error", err)
	}

	r.logger.Info("run finished",
		"run_id", ledger.RunID(),
		"status", status,
		"failed", len(report.Failed()),
		"warnings", len(report.Warnings),
		"unresolved_hosts", len(report.UnresolvedHosts),
	)
	return report, runErr
}

func runOutcome(report *domain.RunReport, runErr error) (store.RunStatus, string) {
	if runErr != nil {
		return store.RunFailed, runErr.Error()
	}
	if failed := report.Failed(); len(failed) > 0 {
		return store.RunPartial, fmt.Sprintf("%d unit(s) failed", len(failed))
	}
	return store.RunSucceeded, ""
}
