package rollout

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/artpar/stackup/internal/core/domain"
	"github.com/artpar/stackup/internal/core/stackfile"
	"github.com/artpar/stackup/internal/shell/clock"
	"github.com/artpar/stackup/internal/shell/swarm"
)

// =============================================================================
// Stack Deployer
// =============================================================================

// Rendered is a unit template with parameters substituted and validated.
type Rendered struct {
	Unit       string
	Definition string
	Stack      *stackfile.StackFile
}

// DeployHandle identifies a submitted unit for the readiness gate.
type DeployHandle struct {
	Unit        string
	Definition  string
	Hosts       []string
	SubmittedAt time.Time
}

// Deployer renders unit templates and submits them to the cluster manager.
type Deployer struct {
	client swarm.Client
	clock  clock.Clock
	logger *slog.Logger
}

// NewDeployer creates a deployer backed by client.
func NewDeployer(client swarm.Client, clk clock.Clock, logger *slog.Logger) *Deployer {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Deployer{
		client: client,
		clock:  clk,
		logger: logger.With("component", "deployer"),
	}
}

// Render substitutes env into the unit template and parses the result.
// Missing parameters are a config error; a malformed definition is a
// rejected submission.
func (d *Deployer) Render(unit domain.ServiceUnit, env domain.Environment) (*Rendered, error) {
	def, err := stackfile.Render(unit.Template, env)
	if err != nil {
		return nil, domain.NewConfigError("Render", unit.Name, "render template", err)
	}
	stack, err := stackfile.Parse(def)
	if err != nil {
		return nil, domain.NewError("Render", unit.Name, "invalid stack definition", domain.ErrSubmissionRejected, err)
	}
	return &Rendered{Unit: unit.Name, Definition: def, Stack: stack}, nil
}

// Deploy renders the unit and submits it under its name. An existing stack
// of that name is updated in place by the cluster manager.
func (d *Deployer) Deploy(ctx context.Context, unit domain.ServiceUnit, env domain.Environment) (*DeployHandle, error) {
	r, err := d.Render(unit, env)
	if err != nil {
		return nil, err
	}

	if err := d.client.DeployStack(ctx, unit.Name, r.Definition); err != nil {
		if errors.Is(err, swarm.ErrUnreachable) {
			return nil, domain.NewError("Deploy", unit.Name, "", domain.ErrClusterUnreachable, err)
		}
		return nil, domain.NewError("Deploy", unit.Name, "", domain.ErrSubmissionRejected, err)
	}

	d.logger.Info("unit deployed", "unit", unit.Name, "services", len(r.Stack.Services))
	return &DeployHandle{
		Unit:        unit.Name,
		Definition:  r.Definition,
		Hosts:       r.Stack.Hosts(),
		SubmittedAt: d.clock.Now(),
	}, nil
}
