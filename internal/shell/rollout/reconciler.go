package rollout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/artpar/stackup/internal/core/domain"
	"github.com/artpar/stackup/internal/core/graph"
	"github.com/artpar/stackup/internal/shell/clock"
	"github.com/artpar/stackup/internal/shell/controlplane"
	"github.com/artpar/stackup/internal/shell/swarm"
)

// =============================================================================
// Configuration
// =============================================================================

// ReconcilerConfig configures the control-plane reconciler.
type ReconcilerConfig struct {
	// EndpointID is the control-plane environment to create stacks in.
	// Zero picks the lowest registered endpoint.
	EndpointID int

	// DrainAttempts bounds how often the service count is polled after teardown.
	// Default: 30.
	DrainAttempts int

	// DrainInterval is the delay between drain polls.
	// Default: 2 seconds.
	DrainInterval time.Duration
}

// DefaultReconcilerConfig returns the default configuration.
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		DrainAttempts: 30,
		DrainInterval: 2 * time.Second,
	}
}

// =============================================================================
// Control Plane Reconciler
// =============================================================================

// Reconciler hands direct-deployed units to the control plane. The control
// plane only takes lifecycle ownership of stacks it created itself, so each
// unit is removed from the cluster and recreated through the control-plane
// API.
type Reconciler struct {
	cluster  swarm.Client
	api      controlplane.API
	deployer *Deployer
	clock    clock.Clock
	config   ReconcilerConfig
	metrics  *Metrics
	logger   *slog.Logger
}

// NewReconciler creates a control-plane reconciler.
func NewReconciler(
	cluster swarm.Client,
	api controlplane.API,
	deployer *Deployer,
	clk clock.Clock,
	config ReconcilerConfig,
	metrics *Metrics,
	logger *slog.Logger,
) *Reconciler {
	defaults := DefaultReconcilerConfig()
	if config.DrainAttempts == 0 {
		config.DrainAttempts = defaults.DrainAttempts
	}
	if config.DrainInterval == 0 {
		config.DrainInterval = defaults.DrainInterval
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Reconciler{
		cluster:  cluster,
		api:      api,
		deployer: deployer,
		clock:    clk,
		config:   config,
		metrics:  metrics,
		logger:   logger.With("component", "reconciler"),
	}
}

// Reconcile adopts every adoptable unit that is running as a direct
// deployment, and resumes units a previous attempt tore down without
// recreating. Authentication happens before anything is removed: without a
// valid session no teardown is issued. A rejected recreation is recorded on
// its unit and the remaining units are still attempted.
func (r *Reconciler) Reconcile(ctx context.Context, units []domain.ServiceUnit, env domain.Environment, creds controlplane.Credentials, ledger *Ledger) (*domain.RunReport, error) {
	candidates := r.candidates(units, ledger)
	if len(candidates) == 0 {
		r.logger.Info("nothing to reconcile")
		ledger.MarkReconciled()
		return ledger.Report(), nil
	}

	// Step 1: authenticate and resolve the target
	sess, err := r.api.Authenticate(ctx, creds)
	if err != nil {
		r.metrics.reconcileOutcome("authenticate", "failed")
		r.logger.Error("control plane authentication failed", "error", err)
		return ledger.Report(), domain.NewError("Authenticate", "", "", domain.ErrAuth, err)
	}
	r.metrics.reconcileOutcome("authenticate", "ok")

	endpointID, err := controlplane.ResolveEndpoint(ctx, r.api, sess, r.config.EndpointID)
	if err != nil {
		return ledger.Report(), domain.NewError("ResolveEndpoint", "", "no usable control-plane endpoint", domain.ErrAuth, err)
	}
	swarmID, err := r.cluster.ClusterID(ctx)
	if err != nil {
		return ledger.Report(), domain.NewError("ClusterID", "", "", domain.ErrClusterUnreachable, err)
	}

	managed, err := r.managedStacks(ctx, sess, endpointID)
	if err != nil {
		return ledger.Report(), domain.NewError("ListStacks", "", "", domain.ErrAuth, err)
	}

	definitions := make(map[string]string, len(candidates))
	for _, unit := range candidates {
		rendered, err := r.deployer.Render(unit, env)
		if err != nil {
			return ledger.Report(), domain.NewConfigError("Reconcile", unit.Name, "render template", err)
		}
		definitions[unit.Name] = rendered.Definition
	}

	r.logger.Info("reconciliation started",
		"units", len(candidates),
		"endpoint_id", endpointID,
		"swarm_id", swarmID,
	)

	// In-flight removals and creations complete even if the run is cancelled.
	opCtx := context.WithoutCancel(ctx)

	// Step 2: teardown, dependents first
	var removed []domain.ServiceUnit
	for i := len(candidates) - 1; i >= 0; i-- {
		unit := candidates[i]
		if err := ctx.Err(); err != nil {
			return ledger.Report(), err
		}
		if id, ok := managed[unit.Name]; ok {
			// An earlier attempt already recreated this unit through the control plane.
			if err := r.markManaged(opCtx, ledger, unit.Name, id); err != nil {
				return ledger.Report(), err
			}
			continue
		}

		if rec, _ := ledger.Get(unit.Name); rec.AwaitingRecreate() {
			r.logger.Info("resuming recreation", "unit", unit.Name, "state", rec.State)
			if rec.State != domain.StateTornDown {
				if err := ledger.Transition(opCtx, unit.Name, domain.StateTornDown); err != nil {
					return ledger.Report(), err
				}
			}
			removed = append([]domain.ServiceUnit{unit}, removed...)
			continue
		}

		ok, err := r.teardown(opCtx, unit, ledger)
		if err != nil {
			return ledger.Report(), err
		}
		if ok {
			removed = append([]domain.ServiceUnit{unit}, removed...)
		}
	}

	// Step 3: drain-wait
	if len(removed) > 0 {
		if err := r.drain(ctx, removed, ledger); err != nil {
			return ledger.Report(), err
		}
	}

	// Step 4: recreate in dependency order
	for _, unit := range removed {
		if err := ctx.Err(); err != nil {
			return ledger.Report(), err
		}
		if err := r.recreate(opCtx, sess, unit, endpointID, swarmID, definitions[unit.Name], ledger); err != nil {
			return ledger.Report(), err
		}
	}

	ledger.MarkReconciled()
	r.logger.Info("reconciliation completed", "recreated", len(removed))
	return ledger.Report(), nil
}

// candidates returns the units to hand over, in dependency order. Units the
// control plane itself depends on stay direct deployments: removing them
// would cut the path to the API that recreates everything.
func (r *Reconciler) candidates(units []domain.ServiceUnit, ledger *Ledger) []domain.ServiceUnit {
	dependents := graph.Dependents(units)
	controlPlane := make(map[string]bool)
	for _, u := range units {
		if u.ControlPlane {
			controlPlane[u.Name] = true
		}
	}

	var out []domain.ServiceUnit
	for _, unit := range units {
		rec, ok := ledger.Get(unit.Name)
		if !ok || !unit.Adoptable() {
			continue
		}
		if cp := supports(dependents[unit.Name], controlPlane); cp != "" {
			r.logger.Warn("unit kept as direct deployment", "unit", unit.Name, "control_plane", cp)
			ledger.Warn(fmt.Sprintf("%s: kept as direct deployment because control plane %s depends on it; set adopt: false to silence", unit.Name, cp))
			continue
		}
		if rec.Running() || rec.AwaitingRecreate() {
			out = append(out, unit)
		}
	}
	return out
}

// supports returns the first control-plane unit among dependents.
func supports(dependents []string, controlPlane map[string]bool) string {
	for _, name := range dependents {
		if controlPlane[name] {
			return name
		}
	}
	return ""
}

func (r *Reconciler) managedStacks(ctx context.Context, sess *controlplane.Session, endpointID int) (map[string]int, error) {
	stacks, err := r.api.ListStacks(ctx, sess)
	if err != nil {
		return nil, err
	}
	managed := make(map[string]int, len(stacks))
	for _, s := range stacks {
		if s.EndpointID == endpointID {
			managed[s.Name] = s.ID
		}
	}
	return managed, nil
}

// teardown removes one unit. A missing stack counts as removed. It reports
// whether the unit should be recreated; only an unreachable cluster is fatal.
func (r *Reconciler) teardown(ctx context.Context, unit domain.ServiceUnit, ledger *Ledger) (bool, error) {
	err := r.cluster.RemoveStack(ctx, unit.Name)
	switch {
	case err == nil:
		r.metrics.reconcileOutcome("teardown", "removed")
		r.logger.Info("unit torn down", "unit", unit.Name)
	case errors.Is(err, swarm.ErrNotFound):
		r.metrics.reconcileOutcome("teardown", "not_found")
		r.logger.Info("unit already absent", "unit", unit.Name)
	case errors.Is(err, swarm.ErrUnreachable):
		r.metrics.reconcileOutcome("teardown", "failed")
		wrapped := domain.NewError("Teardown", unit.Name, "", domain.ErrClusterUnreachable, err)
		if ferr := ledger.Fail(ctx, unit.Name, wrapped); ferr != nil {
			return false, ferr
		}
		return false, wrapped
	default:
		r.metrics.reconcileOutcome("teardown", "failed")
		r.logger.Warn("unit teardown failed", "unit", unit.Name, "error", err)
		return false, ledger.Fail(ctx, unit.Name, domain.NewError("Teardown", unit.Name, "", domain.ErrSubmissionRejected, err))
	}

	if err := ledger.Transition(ctx, unit.Name, domain.StateTornDown); err != nil {
		return false, err
	}
	return true, nil
}

// drain polls the service count of the removed stacks. Running out of
// attempts is only a warning.
func (r *Reconciler) drain(ctx context.Context, removed []domain.ServiceUnit, ledger *Ledger) error {
	names := make([]string, len(removed))
	for i, u := range removed {
		names[i] = u.Name
	}

	remaining := -1
	for attempt := 1; attempt <= r.config.DrainAttempts; attempt++ {
		n, err := r.cluster.CountServices(ctx, names...)
		if err != nil {
			r.logger.Warn("service count failed", "attempt", attempt, "error", err)
		} else {
			remaining = n
			if n == 0 {
				r.metrics.reconcileOutcome("drain", "drained")
				r.logger.Info("services drained", "attempts", attempt)
				return nil
			}
		}
		if attempt == r.config.DrainAttempts {
			break
		}
		if err := r.clock.Sleep(ctx, r.config.DrainInterval); err != nil {
			return err
		}
	}

	r.metrics.reconcileOutcome("drain", "exhausted")
	msg := fmt.Sprintf("drain wait exhausted after %d attempts with %d service(s) remaining; recreating anyway",
		r.config.DrainAttempts, remaining)
	r.logger.Warn("drain wait exhausted", "attempts", r.config.DrainAttempts, "remaining", remaining)
	ledger.Warn(msg)
	return nil
}

func (r *Reconciler) recreate(ctx context.Context, sess *controlplane.Session, unit domain.ServiceUnit, endpointID int, swarmID, definition string, ledger *Ledger) error {
	stack, err := r.api.CreateStack(ctx, sess, controlplane.CreateStackRequest{
		Name:             unit.Name,
		EndpointID:       endpointID,
		SwarmID:          swarmID,
		StackFileContent: definition,
	})
	if err != nil {
		r.metrics.reconcileOutcome("recreate", "rejected")
		r.logger.Warn("unit recreation rejected", "unit", unit.Name, "error", err)
		return ledger.Fail(ctx, unit.Name, domain.NewError("Recreate", unit.Name, "", domain.ErrSubmissionRejected, err))
	}

	r.metrics.reconcileOutcome("recreate", "created")
	r.logger.Info("unit recreated under control plane", "unit", unit.Name, "stack_id", stack.ID)
	return r.markManaged(ctx, ledger, unit.Name, stack.ID)
}

// markManaged walks a running or torn-down unit to deployed-managed.
func (r *Reconciler) markManaged(ctx context.Context, ledger *Ledger, unit string, stackID int) error {
	rec, _ := ledger.Get(unit)
	if rec.State != domain.StateTornDown {
		if err := ledger.Transition(ctx, unit, domain.StateTornDown); err != nil {
			return err
		}
	}
	ledger.SetControlPlaneID(unit, stackID)
	return ledger.Transition(ctx, unit, domain.StateDeployedManaged)
}
