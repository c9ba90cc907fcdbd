// Package swarm provides the cluster-manager client used by the rollout
// components: overlay networks, named volumes, secrets, and stacks on a
// Docker swarm.
// This is part of the Imperative Shell - all operations perform I/O.
package swarm

import (
	"context"
	"time"
)

// =============================================================================
// Client Interface
// =============================================================================

// Client is the cluster-manager surface consumed by the rollout package.
// Every create reports ErrAlreadyExists and every delete reports ErrNotFound
// distinctly from other failures.
type Client interface {
	CreateNetwork(ctx context.Context, spec NetworkSpec) error
	CreateVolume(ctx context.Context, spec VolumeSpec) error
	CreateSecret(ctx context.Context, name string, data []byte, labels map[string]string) error
	DeleteSecret(ctx context.Context, name string) error

	// DeployStack submits a rendered stack file under the given name.
	// Existing services of the stack are updated in place.
	DeployStack(ctx context.Context, name, definition string) error

	// RemoveStack removes every service and stack-scoped network of a stack.
	RemoveStack(ctx context.Context, name string) error

	// CountServices counts services of the named stacks, or of the whole
	// cluster when no stack is given.
	CountServices(ctx context.Context, stacks ...string) (int, error)

	// ClusterID returns the swarm cluster ID.
	ClusterID(ctx context.Context) (string, error)

	Ping(ctx context.Context) error
	Close() error
}

// =============================================================================
// Specs
// =============================================================================

// NetworkSpec describes a swarm-scoped network.
type NetworkSpec struct {
	Name       string
	Driver     string // defaults to overlay
	Attachable bool
	Labels     map[string]string
}

// VolumeSpec describes a named volume.
type VolumeSpec struct {
	Name   string
	Driver string // defaults to local
	Labels map[string]string
}

// =============================================================================
// Configuration
// =============================================================================

// ApplyMode selects how a stack definition reaches the cluster.
type ApplyMode string

const (
	// ApplyAPI converts the stack file to service specs and calls the Engine API.
	ApplyAPI ApplyMode = "api"
	// ApplyFile pipes the stack file to `docker stack deploy`.
	ApplyFile ApplyMode = "file"
)

// Config configures the Docker-backed client.
type Config struct {
	Host         string        // Engine endpoint, empty uses DOCKER_HOST
	ApplyMode    ApplyMode     // api or file
	DockerBinary string        // CLI used by file apply
	Timeout      time.Duration // Per-call timeout
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		ApplyMode:    ApplyAPI,
		DockerBinary: "docker",
		Timeout:      30 * time.Second,
	}
}

// =============================================================================
// Labels
// =============================================================================

const (
	// LabelNamespace is the label docker stack uses to group a stack's objects.
	LabelNamespace = "com.docker.stack.namespace"

	// LabelImage records the image a service was deployed from.
	LabelImage = "com.docker.stack.image"

	// LabelManagedBy marks objects created by this tool.
	LabelManagedBy = "io.stackup.managed-by"
)
