package rollout

import (
	"context"
	"errors"
	"log/slog"

	"github.com/artpar/stackup/internal/core/domain"
	"github.com/artpar/stackup/internal/shell/swarm"
)

// =============================================================================
// Resource Provisioner
// =============================================================================

// EnsureResult lists what an Ensure call did.
type EnsureResult struct {
	Created  []string
	Existing []string
}

// Provisioner creates networks, volumes, and secrets if absent. It never
// deletes a resource.
type Provisioner struct {
	client  swarm.Client
	metrics *Metrics
	logger  *slog.Logger
}

// NewProvisioner creates a provisioner backed by client.
func NewProvisioner(client swarm.Client, metrics *Metrics, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{
		client:  client,
		metrics: metrics,
		logger:  logger.With("component", "provisioner"),
	}
}

// Ensure attempts every resource. An existing resource counts as success.
// Other failures do not stop sibling creations; they are returned together
// as a *domain.ProvisionError once every resource has been attempted.
func (p *Provisioner) Ensure(ctx context.Context, resources []domain.ClusterResource) (*EnsureResult, error) {
	for _, r := range resources {
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}

	result := &EnsureResult{}
	var failures []domain.ResourceFailure

	for _, r := range resources {
		err := p.create(ctx, r)
		switch {
		case err == nil:
			result.Created = append(result.Created, r.String())
			p.metrics.resourceOutcome(string(r.Kind), "created")
			p.logger.Info("resource created", "kind", r.Kind, "name", r.Name)
		case errors.Is(err, swarm.ErrAlreadyExists):
			result.Existing = append(result.Existing, r.String())
			p.metrics.resourceOutcome(string(r.Kind), "existing")
			p.logger.Debug("resource already exists", "kind", r.Kind, "name", r.Name)
		case errors.Is(err, swarm.ErrUnreachable):
			p.metrics.resourceOutcome(string(r.Kind), "failed")
			failures = append(failures, domain.ResourceFailure{
				Resource: r,
				Err:      domain.NewError("Ensure", "", r.String(), domain.ErrClusterUnreachable, err),
			})
		default:
			p.metrics.resourceOutcome(string(r.Kind), "failed")
			p.logger.Warn("resource creation failed", "kind", r.Kind, "name", r.Name, "error", err)
			failures = append(failures, domain.ResourceFailure{Resource: r, Err: err})
		}
	}

	if len(failures) > 0 {
		return result, &domain.ProvisionError{Failures: failures}
	}
	return result, nil
}

func (p *Provisioner) create(ctx context.Context, r domain.ClusterResource) error {
	labels := map[string]string{swarm.LabelManagedBy: "stackup"}
	for k, v := range r.Labels {
		labels[k] = v
	}

	switch r.Kind {
	case domain.ResourceNetwork:
		return p.client.CreateNetwork(ctx, swarm.NetworkSpec{
			Name:       r.Name,
			Driver:     r.Driver,
			Attachable: r.Attachable,
			Labels:     labels,
		})
	case domain.ResourceVolume:
		return p.client.CreateVolume(ctx, swarm.VolumeSpec{
			Name:   r.Name,
			Driver: r.Driver,
			Labels: labels,
		})
	case domain.ResourceSecret:
		return p.client.CreateSecret(ctx, r.Name, r.Data, labels)
	default:
		return domain.NewConfigError("Ensure", "", "unknown resource kind "+string(r.Kind), nil)
	}
}
