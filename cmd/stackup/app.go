package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/artpar/stackup/internal/core/domain"
	"github.com/artpar/stackup/internal/shell/controlplane"
	"github.com/artpar/stackup/internal/shell/dns"
	"github.com/artpar/stackup/internal/shell/probe"
	"github.com/artpar/stackup/internal/shell/rollout"
	"github.com/artpar/stackup/internal/shell/store"
	"github.com/artpar/stackup/internal/shell/swarm"
)

// =============================================================================
// App
// =============================================================================

// App is one CLI invocation: loaded configuration plus the wired runner.
type App struct {
	Config *Config
	Env    domain.Environment
	Plan   rollout.Plan
	Runner *rollout.Runner

	store  store.Store
	docker *swarm.DockerClient
	logger *slog.Logger
}

// AppOptions selects which connections an invocation needs.
type AppOptions struct {
	ConfigPath string
	EnvFile    string
	LogOutput  io.Writer

	// Connect dials the cluster and control plane. plan and status run offline.
	Connect bool
}

// NewApp loads configuration and wires the rollout runner.
func NewApp(ctx context.Context, opts AppOptions) (*App, error) {
	cfg, err := LoadConfig(opts.ConfigPath)
	if err != nil {
		return nil, &AppError{Op: "LoadConfig", Err: err, ExitCode: ExitConfigError}
	}

	if opts.LogOutput == nil {
		opts.LogOutput = os.Stderr
	}
	logger := SetupLogger(cfg, opts.LogOutput)

	env, err := LoadEnvironment(opts.EnvFile)
	if err != nil {
		return nil, &AppError{Op: "LoadEnvironment", Err: err, ExitCode: ExitConfigError}
	}

	app := &App{
		Config: cfg,
		logger: logger,
	}

	if cfg.State.DSN != "" {
		s, err := store.NewSQLiteStore(cfg.State.DSN)
		if err != nil {
			return nil, &AppError{Op: "OpenStore", Err: err, ExitCode: ExitStoreError}
		}
		app.store = s
	} else {
		app.store = store.NewMemoryStore()
	}

	if err := app.load(ctx, env, opts.Connect); err != nil {
		app.Close()
		return nil, err
	}

	var creds controlplane.Credentials
	if opts.Connect {
		if err := cfg.ExpandControlPlaneURL(app.Env); err != nil {
			app.Close()
			return nil, &AppError{Op: "ExpandControlPlaneURL", Err: err, ExitCode: ExitConfigError}
		}
		creds, err = cfg.Credentials(app.Env)
		if err != nil {
			app.Close()
			return nil, &AppError{Op: "Credentials", Err: err, ExitCode: ExitConfigError}
		}
	}

	deps := rollout.Dependencies{
		Store:   app.store,
		Metrics: rollout.NewMetrics(nil),
	}

	if opts.Connect {
		if err := app.connect(ctx, &deps); err != nil {
			app.Close()
			return nil, err
		}
	}

	app.Runner = rollout.NewRunner(deps, cfg.RunnerConfig(creds), logger)
	return app, nil
}

// load restores sealed parameters, reads the plan, and seals newly generated
// values when the invocation will act on the cluster.
func (a *App) load(ctx context.Context, env domain.Environment, persist bool) error {
	passphrase := env.Get(a.Config.State.SealKeyParam)

	if passphrase != "" {
		restored, err := restoreParams(ctx, a.store, env, passphrase, a.logger)
		if err != nil {
			return &AppError{Op: "RestoreParams", Err: err, ExitCode: ExitCode(err)}
		}
		env = restored
	}

	plan, resolved, err := LoadPlan(a.Config, env)
	if err != nil {
		return &AppError{Op: "LoadPlan", Err: err, ExitCode: ExitConfigError}
	}
	a.Plan = plan
	a.Env = resolved.Environment

	if len(resolved.Generated) == 0 || !persist {
		return nil
	}
	if passphrase == "" {
		a.logger.Warn("generated parameters are not persisted; set the seal passphrase to reuse them",
			"keys", resolved.Generated,
			"passphrase_param", a.Config.State.SealKeyParam,
		)
		return nil
	}
	if err := sealParams(ctx, a.store, a.Env, resolved.Generated, passphrase, time.Now()); err != nil {
		return &AppError{Op: "SealParams", Err: err, ExitCode: ExitCode(err)}
	}
	a.logger.Info("sealed generated parameters", "keys", resolved.Generated)
	return nil
}

func (a *App) connect(ctx context.Context, deps *rollout.Dependencies) error {
	cfg := a.Config

	d, err := swarm.NewDockerClient(swarm.Config{
		Host:         cfg.Cluster.Host,
		ApplyMode:    swarm.ApplyMode(cfg.Cluster.ApplyMode),
		DockerBinary: cfg.Cluster.DockerBinary,
		Timeout:      cfg.Cluster.Timeout,
	}, a.logger)
	if err != nil {
		return &AppError{Op: "ConnectCluster", Err: err, ExitCode: ExitRunFailure}
	}
	a.docker = d

	// Verify the cluster before any state changes
	if err := d.Ping(ctx); err != nil {
		return &AppError{Op: "ConnectCluster", Err: err, ExitCode: ExitRunFailure}
	}
	deps.Cluster = d

	if cfg.ControlPlane.Enabled {
		deps.ControlPlane = controlplane.NewClient(controlplane.Config{
			BaseURL:            cfg.ControlPlane.URL,
			Timeout:            cfg.ControlPlane.Timeout,
			RetryMax:           cfg.ControlPlane.RetryMax,
			InsecureSkipVerify: cfg.ControlPlane.InsecureSkipVerify,
		}, a.logger)
	}

	deps.Prober = probe.New(probe.Config{
		AttemptTimeout:     cfg.Readiness.AttemptTimeout,
		InsecureSkipVerify: cfg.Readiness.InsecureSkipVerify,
	}, a.logger)

	if cfg.DNS.Check {
		deps.Hosts = dns.NewResolver(net.DefaultResolver, cfg.DNS.ExpectedIPs, a.logger)
	}

	a.logger.Info("connected to cluster",
		"host", cfg.Cluster.Host,
		"apply_mode", cfg.Cluster.ApplyMode,
		"control_plane", cfg.ControlPlane.Enabled,
	)
	return nil
}

// Close releases the store and cluster connections.
func (a *App) Close() error {
	var errs []error
	if a.docker != nil {
		errs = append(errs, a.docker.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
