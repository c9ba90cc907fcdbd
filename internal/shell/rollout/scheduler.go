package rollout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/artpar/stackup/internal/core/domain"
	"github.com/artpar/stackup/internal/core/graph"
	"github.com/artpar/stackup/internal/shell/clock"
)

// =============================================================================
// Configuration
// =============================================================================

// SchedulerConfig configures the dependency scheduler.
type SchedulerConfig struct {
	// ReadinessTimeout bounds the readiness wait of a single unit.
	// Default: 5 minutes.
	ReadinessTimeout time.Duration

	// ReadinessInterval is the fixed delay between probe attempts.
	// Default: 5 seconds.
	ReadinessInterval time.Duration

	// Strict turns readiness timeouts into fatal errors.
	Strict bool

	// MaxConcurrent bounds concurrent deployments within a stage.
	// Zero deploys the whole stage at once.
	MaxConcurrent int
}

// DefaultSchedulerConfig returns the default configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		ReadinessTimeout:  5 * time.Minute,
		ReadinessInterval: 5 * time.Second,
	}
}

// =============================================================================
// Plan
// =============================================================================

// Plan is the desired state of a run: the unit graph and the resources
// ensured around it.
type Plan struct {
	Units     []domain.ServiceUnit
	Resources []domain.ClusterResource
}

// Prepared is a validated plan: layered, with every template rendered.
type Prepared struct {
	Stages   []domain.DeploymentStage
	Rendered map[string]*Rendered
}

// Hosts returns the ingress hostnames of every rendered unit, sorted.
func (p *Prepared) Hosts() []string {
	seen := make(map[string]bool)
	for _, r := range p.Rendered {
		for _, h := range r.Stack.Hosts() {
			seen[h] = true
		}
	}
	hosts := make([]string, 0, len(seen))
	for h := range seen {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}

// =============================================================================
// Dependency Scheduler
// =============================================================================

// Scheduler deploys a unit graph stage by stage. Units within a stage deploy
// concurrently; every unit of a stage passes (or times out of) its readiness
// gate before the next stage starts.
type Scheduler struct {
	provisioner *Provisioner
	deployer    *Deployer
	gate        *Gate
	clock       clock.Clock
	config      SchedulerConfig
	metrics     *Metrics
	logger      *slog.Logger
}

// NewScheduler creates a dependency scheduler.
func NewScheduler(
	provisioner *Provisioner,
	deployer *Deployer,
	gate *Gate,
	clk clock.Clock,
	config SchedulerConfig,
	metrics *Metrics,
	logger *slog.Logger,
) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if config.ReadinessTimeout == 0 {
		config.ReadinessTimeout = defaults.ReadinessTimeout
	}
	if config.ReadinessInterval == 0 {
		config.ReadinessInterval = defaults.ReadinessInterval
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		provisioner: provisioner,
		deployer:    deployer,
		gate:        gate,
		clock:       clk,
		config:      config,
		metrics:     metrics,
		logger:      logger.With("component", "scheduler"),
	}
}

// Prepare layers the graph and renders every unit without touching the
// cluster. Every failure is a config error.
func (s *Scheduler) Prepare(plan Plan, env domain.Environment) (*Prepared, error) {
	stages, err := graph.Layers(plan.Units)
	if err != nil {
		return nil, err
	}

	known := make(map[string]bool, len(plan.Units))
	for _, u := range plan.Units {
		known[u.Name] = true
	}
	for _, r := range plan.Resources {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if r.After != "" && !known[r.After] {
			return nil, domain.NewConfigError("Prepare", r.After,
				fmt.Sprintf("%s is bound to an unknown unit", r), domain.ErrUnknownDependency)
		}
	}

	prepared := &Prepared{Stages: stages, Rendered: make(map[string]*Rendered, len(plan.Units))}
	var errs []error
	for _, unit := range graph.Order(stages) {
		r, err := s.deployer.Render(unit, env)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		prepared.Rendered[unit.Name] = r
	}
	if len(errs) > 0 {
		return nil, domain.NewConfigError("Prepare", "",
			fmt.Sprintf("%d unit(s) failed to render", len(errs)), errors.Join(errs...))
	}
	return prepared, nil
}

// Run executes the plan. Config errors surface before any cluster call.
// Unreachable-cluster and provisioning errors abort the run; rejected
// submissions and readiness timeouts are recorded in the report. A nil
// ledger keeps records in memory under a fresh run ID.
func (s *Scheduler) Run(ctx context.Context, plan Plan, env domain.Environment, ledger *Ledger) (*domain.RunReport, error) {
	prepared, err := s.Prepare(plan, env)
	if err != nil {
		s.logger.Error("plan rejected", "error", err)
		return nil, err
	}
	if ledger == nil {
		ledger = NewLedger(uuid.NewString(), nil, s.clock, s.logger)
	}
	if err := ledger.Load(ctx, prepared.Stages, false); err != nil {
		return ledger.Report(), err
	}

	upfront, bound := domain.SplitResources(plan.Resources)
	if len(upfront) > 0 {
		if _, err := s.provisioner.Ensure(ctx, upfront); err != nil {
			s.logger.Error("resource provisioning failed", "error", err)
			return ledger.Report(), err
		}
	}

	for _, stage := range prepared.Stages {
		if err := ctx.Err(); err != nil {
			s.logger.Warn("run cancelled", "next_stage", stage.Index)
			return ledger.Report(), err
		}

		s.logger.Info("stage started", "stage", stage.Index, "units", stage.Names())

		if err := s.deployStage(ctx, stage, env, ledger); err != nil {
			s.logger.Error("stage aborted", "stage", stage.Index, "error", err)
			return ledger.Report(), err
		}
		if err := s.awaitStage(ctx, stage, ledger); err != nil {
			s.logger.Error("stage aborted", "stage", stage.Index, "error", err)
			return ledger.Report(), err
		}
		if err := s.ensureBound(ctx, stage, bound, ledger); err != nil {
			s.logger.Error("resource provisioning failed", "stage", stage.Index, "error", err)
			return ledger.Report(), err
		}

		s.logger.Info("stage completed", "stage", stage.Index)
	}

	return ledger.Report(), nil
}

// deployStage deploys every unit of the stage. Per-unit failures land in the
// ledger; only fatal errors are returned, all of them joined.
func (s *Scheduler) deployStage(ctx context.Context, stage domain.DeploymentStage, env domain.Environment, ledger *Ledger) error {
	// Submissions already in flight finish even if the run is cancelled.
	deployCtx := context.WithoutCancel(ctx)

	var (
		mu    sync.Mutex
		fatal []error
	)
	g := new(errgroup.Group)
	if s.config.MaxConcurrent > 0 {
		g.SetLimit(s.config.MaxConcurrent)
	}
	for _, unit := range stage.Units {
		g.Go(func() error {
			if err := s.deployUnit(deployCtx, unit, env, ledger); err != nil {
				mu.Lock()
				fatal = append(fatal, err)
				mu.Unlock()
			}
			return nil
		})
	}
	// Workers record failures in fatal; the group bounds concurrency.
	err := g.Wait()
	return errors.Join(append(fatal, err)...)
}

func (s *Scheduler) deployUnit(ctx context.Context, unit domain.ServiceUnit, env domain.Environment, ledger *Ledger) error {
	rec, _ := ledger.Get(unit.Name)
	if rec.IsManaged() {
		s.metrics.deployOutcome("managed")
		s.logger.Info("unit already managed by control plane", "unit", unit.Name)
		return nil
	}

	for _, dep := range unit.DependsOn {
		depRec, ok := ledger.Get(dep)
		if ok && depRec.Satisfied() {
			continue
		}
		s.metrics.deployOutcome("dependency_failed")
		err := domain.NewError("Deploy", unit.Name,
			fmt.Sprintf("dependency %s is %s", dep, depRec.State), domain.ErrDependencyFailed, nil)
		s.logger.Warn("unit skipped", "unit", unit.Name, "error", err)
		return ledger.Fail(ctx, unit.Name, err)
	}

	if _, err := s.deployer.Deploy(ctx, unit, env); err != nil {
		if ferr := ledger.Fail(ctx, unit.Name, err); ferr != nil {
			return ferr
		}
		if errors.Is(err, domain.ErrClusterUnreachable) {
			s.metrics.deployOutcome("unreachable")
			s.logger.Error("cluster unreachable", "unit", unit.Name, "error", err)
			return err
		}
		s.metrics.deployOutcome("rejected")
		s.logger.Warn("unit submission rejected", "unit", unit.Name, "error", err)
		return nil
	}

	s.metrics.deployOutcome("deployed")
	return ledger.Transition(ctx, unit.Name, domain.StateDeployedDirect)
}

// awaitStage runs the readiness gate for every deployed unit of the stage.
func (s *Scheduler) awaitStage(ctx context.Context, stage domain.DeploymentStage, ledger *Ledger) error {
	var (
		mu    sync.Mutex
		fatal []error
	)
	g := new(errgroup.Group)
	for _, unit := range stage.Units {
		rec, _ := ledger.Get(unit.Name)
		if rec.State != domain.StateDeployedDirect && !rec.IsManaged() {
			continue
		}
		g.Go(func() error {
			if err := s.awaitUnit(ctx, unit, rec.IsManaged(), ledger); err != nil {
				mu.Lock()
				fatal = append(fatal, err)
				mu.Unlock()
			}
			return nil
		})
	}
	// Workers record failures in fatal; the group bounds concurrency.
	err := g.Wait()
	return errors.Join(append(fatal, err)...)
}

func (s *Scheduler) awaitUnit(ctx context.Context, unit domain.ServiceUnit, managed bool, ledger *Ledger) error {
	start := s.clock.Now()
	err := s.gate.AwaitReady(ctx, unit, s.config.ReadinessTimeout, s.config.ReadinessInterval)
	waited := s.clock.Now().Sub(start)

	var timeout *domain.TimeoutError
	switch {
	case err == nil:
		if unit.HasProbe() {
			s.metrics.readinessOutcome("ready", waited)
		} else {
			s.metrics.readinessOutcome("no_probe", 0)
		}
		if managed {
			return nil
		}
		return ledger.Transition(ctx, unit.Name, domain.StateReady)

	case errors.As(err, &timeout):
		s.metrics.readinessOutcome("timed_out", waited)
		s.logger.Warn("readiness timed out",
			"unit", unit.Name,
			"timeout", timeout.Timeout,
			"attempts", timeout.Attempts,
			"error", timeout.Last,
		)
		ledger.Warn(timeout.Error())
		if !managed {
			if terr := ledger.Transition(ctx, unit.Name, domain.StateTimedOut); terr != nil {
				return terr
			}
		}
		if s.config.Strict {
			return err
		}
		return nil

	default:
		return err
	}
}

// ensureBound creates the resources bound to units of the stage. Resources
// bound to a unit that did not deploy are skipped with a warning.
func (s *Scheduler) ensureBound(ctx context.Context, stage domain.DeploymentStage, bound map[string][]domain.ClusterResource, ledger *Ledger) error {
	var resources []domain.ClusterResource
	for _, unit := range stage.Units {
		rs := bound[unit.Name]
		if len(rs) == 0 {
			continue
		}
		rec, _ := ledger.Get(unit.Name)
		if !rec.Satisfied() {
			msg := fmt.Sprintf("skipped %d resource(s) bound to %s: unit is %s", len(rs), unit.Name, rec.State)
			s.logger.Warn("bound resources skipped", "unit", unit.Name, "state", rec.State)
			ledger.Warn(msg)
			continue
		}
		resources = append(resources, rs...)
	}
	if len(resources) == 0 {
		return nil
	}
	_, err := s.provisioner.Ensure(ctx, resources)
	return err
}
