package domain

import (
	"fmt"
	"regexp"
)

// =============================================================================
// Cluster Resources
// =============================================================================

// ResourceKind identifies the cluster primitive a resource maps to.
type ResourceKind string

const (
	ResourceNetwork ResourceKind = "network"
	ResourceVolume  ResourceKind = "volume"
	ResourceSecret  ResourceKind = "secret"
)

var resourceNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// ClusterResource is a network, volume, or secret ensured before deployment.
// Creation is create-if-absent; this subsystem never deletes one.
type ClusterResource struct {
	Kind       ResourceKind      `json:"kind"`
	Name       string            `json:"name"`
	Driver     string            `json:"driver,omitempty"`
	Attachable bool              `json:"attachable,omitempty"` // Networks only
	Labels     map[string]string `json:"labels,omitempty"`
	Data       []byte            `json:"-"` // Secrets only

	// After names a unit that must be deployed before this resource is created.
	// Empty means the resource is ensured before the first stage.
	After string `json:"after,omitempty"`
}

// NetworkResource creates a network resource.
func NetworkResource(name, driver string, attachable bool) ClusterResource {
	return ClusterResource{Kind: ResourceNetwork, Name: name, Driver: driver, Attachable: attachable}
}

// VolumeResource creates a volume resource.
func VolumeResource(name, driver string) ClusterResource {
	return ClusterResource{Kind: ResourceVolume, Name: name, Driver: driver}
}

// SecretResource creates a secret resource.
func SecretResource(name string, data []byte) ClusterResource {
	return ClusterResource{Kind: ResourceSecret, Name: name, Data: data}
}

// Validate checks the resource definition.
func (r ClusterResource) Validate() error {
	switch r.Kind {
	case ResourceNetwork, ResourceVolume:
	case ResourceSecret:
		if len(r.Data) == 0 {
			return NewConfigError("ValidateResource", "", fmt.Sprintf("secret %s has no data", r.Name), nil)
		}
	default:
		return NewConfigError("ValidateResource", "", fmt.Sprintf("unknown resource kind %q", r.Kind), nil)
	}
	if !resourceNameRegex.MatchString(r.Name) {
		return NewConfigError("ValidateResource", "", fmt.Sprintf("invalid %s name %q", r.Kind, r.Name), nil)
	}
	return nil
}

func (r ClusterResource) String() string {
	return fmt.Sprintf("%s/%s", r.Kind, r.Name)
}

// SplitResources separates resources ensured up front from those bound to a unit.
func SplitResources(resources []ClusterResource) (upfront []ClusterResource, after map[string][]ClusterResource) {
	after = make(map[string][]ClusterResource)
	for _, r := range resources {
		if r.After == "" {
			upfront = append(upfront, r)
			continue
		}
		after[r.After] = append(after[r.After], r)
	}
	return upfront, after
}
