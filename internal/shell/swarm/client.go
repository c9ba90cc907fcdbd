package swarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/artpar/stackup/internal/core/stackfile"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	swarmtypes "github.com/docker/docker/api/types/swarm"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
)

// =============================================================================
// Docker Client Implementation
// =============================================================================

// DockerClient implements Client against a Docker Engine in swarm mode.
type DockerClient struct {
	cli    *client.Client
	cfg    Config
	exec   CommandRunner
	logger *slog.Logger
}

// NewDockerClient creates a new Docker client.
// If cfg.Host is empty, it uses the default Docker host from environment.
func NewDockerClient(cfg Config, logger *slog.Logger) (*DockerClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ApplyMode == "" {
		cfg.ApplyMode = ApplyAPI
	}
	if cfg.DockerBinary == "" {
		cfg.DockerBinary = "docker"
	}

	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, NewSwarmError("NewDockerClient", "", "", fmt.Sprintf("failed to create client: %v", err), ErrUnreachable)
	}

	return &DockerClient{
		cli:    cli,
		cfg:    cfg,
		exec:   ExecRunner,
		logger: logger.With("component", "swarm_client"),
	}, nil
}

// WithCommandRunner replaces the runner used by file apply.
func (d *DockerClient) WithCommandRunner(r CommandRunner) *DockerClient {
	d.exec = r
	return d
}

// Ping checks that the engine is reachable and is a swarm manager.
func (d *DockerClient) Ping(ctx context.Context) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	if _, err := d.cli.Ping(ctx); err != nil {
		return NewSwarmError("Ping", "", "", fmt.Sprintf("failed to ping docker: %v", err), ErrUnreachable)
	}
	if _, err := d.cli.SwarmInspect(ctx); err != nil {
		return NewSwarmError("Ping", "", "", err.Error(), classify(err, ErrNotSwarm))
	}
	return nil
}

// Close closes the Docker client connection.
func (d *DockerClient) Close() error {
	return d.cli.Close()
}

// ClusterID returns the swarm cluster ID.
func (d *DockerClient) ClusterID(ctx context.Context) (string, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	sw, err := d.cli.SwarmInspect(ctx)
	if err != nil {
		return "", NewSwarmError("ClusterID", "swarm", "", err.Error(), classify(err, ErrNotSwarm))
	}
	return sw.ID, nil
}

// =============================================================================
// Network / Volume / Secret Operations
// =============================================================================

// CreateNetwork creates a swarm-scoped network.
func (d *DockerClient) CreateNetwork(ctx context.Context, spec NetworkSpec) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	driver := spec.Driver
	if driver == "" {
		driver = "overlay"
	}

	_, err := d.cli.NetworkCreate(ctx, spec.Name, network.CreateOptions{
		Driver:     driver,
		Scope:      "swarm",
		Attachable: spec.Attachable,
		Labels:     withManagedBy(spec.Labels),
	})
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return NewSwarmError("CreateNetwork", "network", spec.Name, "network already exists", ErrAlreadyExists)
		}
		return NewSwarmError("CreateNetwork", "network", spec.Name, err.Error(), classify(err, ErrRejected))
	}
	d.logger.Debug("network created", "network", spec.Name, "driver", driver)
	return nil
}

// CreateVolume creates a named volume. The engine treats volume creation as
// idempotent, so existence is checked first to report ErrAlreadyExists.
func (d *DockerClient) CreateVolume(ctx context.Context, spec VolumeSpec) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	if _, err := d.cli.VolumeInspect(ctx, spec.Name); err == nil {
		return NewSwarmError("CreateVolume", "volume", spec.Name, "volume already exists", ErrAlreadyExists)
	} else if !client.IsErrNotFound(err) {
		return NewSwarmError("CreateVolume", "volume", spec.Name, err.Error(), classify(err, ErrRejected))
	}

	driver := spec.Driver
	if driver == "" {
		driver = "local"
	}
	_, err := d.cli.VolumeCreate(ctx, volume.CreateOptions{
		Name:   spec.Name,
		Driver: driver,
		Labels: withManagedBy(spec.Labels),
	})
	if err != nil {
		return NewSwarmError("CreateVolume", "volume", spec.Name, err.Error(), classify(err, ErrRejected))
	}
	d.logger.Debug("volume created", "volume", spec.Name, "driver", driver)
	return nil
}

// CreateSecret creates a swarm secret.
func (d *DockerClient) CreateSecret(ctx context.Context, name string, data []byte, labels map[string]string) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	_, err := d.cli.SecretCreate(ctx, swarmtypes.SecretSpec{
		Annotations: swarmtypes.Annotations{Name: name, Labels: withManagedBy(labels)},
		Data:        data,
	})
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return NewSwarmError("CreateSecret", "secret", name, "secret already exists", ErrAlreadyExists)
		}
		return NewSwarmError("CreateSecret", "secret", name, err.Error(), classify(err, ErrRejected))
	}
	d.logger.Debug("secret created", "secret", name)
	return nil
}

// DeleteSecret removes a swarm secret by name.
func (d *DockerClient) DeleteSecret(ctx context.Context, name string) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	if err := d.cli.SecretRemove(ctx, name); err != nil {
		if client.IsErrNotFound(err) {
			return NewSwarmError("DeleteSecret", "secret", name, "secret not found", ErrNotFound)
		}
		return NewSwarmError("DeleteSecret", "secret", name, err.Error(), classify(err, ErrRejected))
	}
	return nil
}

// =============================================================================
// Stack Operations
// =============================================================================

// DeployStack parses the rendered definition and applies it using the
// configured apply mode.
func (d *DockerClient) DeployStack(ctx context.Context, name, definition string) error {
	stack, err := stackfile.Parse(definition)
	if err != nil {
		return NewSwarmError("DeployStack", "stack", name, err.Error(), errors.Join(ErrRejected, err))
	}

	if d.cfg.ApplyMode == ApplyFile {
		return d.deployFile(ctx, name, definition)
	}
	return d.deployAPI(ctx, name, stack)
}

func (d *DockerClient) deployAPI(ctx context.Context, name string, stack *stackfile.StackFile) error {
	spec, err := ConvertStack(name, stack)
	if err != nil {
		return NewSwarmError("DeployStack", "stack", name, err.Error(), ErrRejected)
	}

	for _, n := range spec.Networks {
		if err := d.CreateNetwork(ctx, n); err != nil && !errors.Is(err, ErrAlreadyExists) {
			return err
		}
	}

	existing, err := d.stackServices(ctx, name)
	if err != nil {
		return NewSwarmError("DeployStack", "stack", name, err.Error(), classify(err, ErrRejected))
	}
	byName := make(map[string]swarmtypes.Service, len(existing))
	for _, svc := range existing {
		byName[svc.Spec.Name] = svc
	}

	for _, svcSpec := range spec.Services {
		if err := d.resolveSecretIDs(ctx, &svcSpec); err != nil {
			return err
		}

		callCtx, cancel := d.withTimeout(ctx)
		if current, ok := byName[svcSpec.Name]; ok {
			_, err = d.cli.ServiceUpdate(callCtx, current.ID, current.Version, svcSpec, types.ServiceUpdateOptions{})
			cancel()
			if err != nil {
				return NewSwarmError("DeployStack", "service", svcSpec.Name, err.Error(), classify(err, ErrRejected))
			}
			d.logger.Debug("service updated", "stack", name, "service", svcSpec.Name)
			continue
		}

		_, err = d.cli.ServiceCreate(callCtx, svcSpec, types.ServiceCreateOptions{})
		cancel()
		if err != nil {
			return NewSwarmError("DeployStack", "service", svcSpec.Name, err.Error(), classify(err, ErrRejected))
		}
		d.logger.Debug("service created", "stack", name, "service", svcSpec.Name)
	}

	return nil
}

func (d *DockerClient) resolveSecretIDs(ctx context.Context, spec *swarmtypes.ServiceSpec) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	for _, ref := range spec.TaskTemplate.ContainerSpec.Secrets {
		sec, _, err := d.cli.SecretInspectWithRaw(ctx, ref.SecretName)
		if err != nil {
			if client.IsErrNotFound(err) {
				return NewSwarmError("DeployStack", "secret", ref.SecretName, "secret referenced by "+spec.Name+" does not exist", ErrRejected)
			}
			return NewSwarmError("DeployStack", "secret", ref.SecretName, err.Error(), classify(err, ErrRejected))
		}
		ref.SecretID = sec.ID
	}
	return nil
}

// RemoveStack removes every service and stack-scoped network of a stack.
// Returns ErrNotFound when the stack has no objects.
func (d *DockerClient) RemoveStack(ctx context.Context, name string) error {
	services, err := d.stackServices(ctx, name)
	if err != nil {
		return NewSwarmError("RemoveStack", "stack", name, err.Error(), classify(err, ErrRejected))
	}

	callCtx, cancel := d.withTimeout(ctx)
	networks, err := d.cli.NetworkList(callCtx, network.ListOptions{Filters: namespaceFilter(name)})
	cancel()
	if err != nil {
		return NewSwarmError("RemoveStack", "stack", name, err.Error(), classify(err, ErrRejected))
	}

	if len(services) == 0 && len(networks) == 0 {
		return NewSwarmError("RemoveStack", "stack", name, "stack not found", ErrNotFound)
	}

	var errs []error
	for _, svc := range services {
		callCtx, cancel := d.withTimeout(ctx)
		err := d.cli.ServiceRemove(callCtx, svc.ID)
		cancel()
		if err != nil && !client.IsErrNotFound(err) {
			errs = append(errs, NewSwarmError("RemoveStack", "service", svc.Spec.Name, err.Error(), classify(err, ErrRejected)))
		}
	}
	// Networks still attached to draining tasks fail removal; they are reused
	// by the next deployment of the stack.
	for _, n := range networks {
		callCtx, cancel := d.withTimeout(ctx)
		err := d.cli.NetworkRemove(callCtx, n.ID)
		cancel()
		if err != nil && !client.IsErrNotFound(err) {
			d.logger.Debug("network not removed", "stack", name, "network", n.Name, "error", err)
		}
	}

	d.logger.Debug("stack removed", "stack", name, "services", len(services))
	return errors.Join(errs...)
}

// CountServices counts services of the named stacks, or of the whole cluster.
func (d *DockerClient) CountServices(ctx context.Context, stacks ...string) (int, error) {
	if len(stacks) == 0 {
		ctx, cancel := d.withTimeout(ctx)
		defer cancel()
		services, err := d.cli.ServiceList(ctx, types.ServiceListOptions{})
		if err != nil {
			return 0, NewSwarmError("CountServices", "service", "", err.Error(), classify(err, ErrRejected))
		}
		return len(services), nil
	}

	total := 0
	for _, stack := range stacks {
		services, err := d.stackServices(ctx, stack)
		if err != nil {
			return 0, NewSwarmError("CountServices", "stack", stack, err.Error(), classify(err, ErrRejected))
		}
		total += len(services)
	}
	return total, nil
}

func (d *DockerClient) stackServices(ctx context.Context, stack string) ([]swarmtypes.Service, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	return d.cli.ServiceList(ctx, types.ServiceListOptions{Filters: namespaceFilter(stack)})
}

// =============================================================================
// Helpers
// =============================================================================

func (d *DockerClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.cfg.Timeout)
}

func namespaceFilter(stack string) filters.Args {
	return filters.NewArgs(filters.Arg("label", LabelNamespace+"="+stack))
}

func withManagedBy(labels map[string]string) map[string]string {
	out := make(map[string]string, len(labels)+1)
	for k, v := range labels {
		out[k] = v
	}
	out[LabelManagedBy] = "stackup"
	return out
}

// classify maps transport failures to ErrUnreachable and everything else to fallback.
func classify(err error, fallback error) error {
	if client.IsErrConnectionFailed(err) || errors.Is(err, context.DeadlineExceeded) {
		return ErrUnreachable
	}
	return fallback
}
