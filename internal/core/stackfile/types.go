package stackfile

// =============================================================================
// StackFile - Main Output Type
// =============================================================================

// StackFile is a parsed, rendered stack definition, decoupled from compose-go types.
type StackFile struct {
	Services []Service `json:"services"`
	Networks []Network `json:"networks,omitempty"`
	Volumes  []Volume  `json:"volumes,omitempty"`
	Secrets  []Secret  `json:"secrets,omitempty"`
}

// ServiceNames returns the service names in definition order.
func (s *StackFile) ServiceNames() []string {
	names := make([]string, len(s.Services))
	for i, svc := range s.Services {
		names[i] = svc.Name
	}
	return names
}

// =============================================================================
// Service Types
// =============================================================================

// Service represents a single swarm service definition.
type Service struct {
	Name         string            `json:"name"`
	Image        string            `json:"image"`
	Command      []string          `json:"command,omitempty"`
	Entrypoint   []string          `json:"entrypoint,omitempty"`
	Environment  map[string]string `json:"environment,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`        // Container labels
	DeployLabels map[string]string `json:"deploy_labels,omitempty"` // Service labels (read by swarm-mode ingress)
	Mode         string            `json:"mode,omitempty"`          // "replicated" or "global"
	Replicas     *uint64           `json:"replicas,omitempty"`
	Constraints  []string          `json:"constraints,omitempty"`
	Ports        []Port            `json:"ports,omitempty"`
	Networks     []string          `json:"networks,omitempty"`
	Volumes      []VolumeMount     `json:"volumes,omitempty"`
	Secrets      []SecretRef       `json:"secrets,omitempty"`
}

// Port represents a published port.
type Port struct {
	Target    uint32 `json:"target"`              // Container port
	Published uint32 `json:"published,omitempty"` // Cluster port (0 = none)
	Protocol  string `json:"protocol,omitempty"`  // tcp, udp
	Mode      string `json:"mode,omitempty"`      // ingress, host
}

// VolumeMount represents a volume mount in a service.
type VolumeMount struct {
	Type     VolumeMountType `json:"type"`
	Source   string          `json:"source"`
	Target   string          `json:"target"`
	ReadOnly bool            `json:"readonly"`
}

// VolumeMountType represents the type of volume mount.
type VolumeMountType string

const (
	VolumeMountTypeBind   VolumeMountType = "bind"
	VolumeMountTypeVolume VolumeMountType = "volume"
	VolumeMountTypeTmpfs  VolumeMountType = "tmpfs"
)

// SecretRef attaches a secret to a service.
type SecretRef struct {
	Source string `json:"source"`
	Target string `json:"target,omitempty"`
}

// =============================================================================
// Top-level Objects
// =============================================================================

// Network represents a top-level network.
type Network struct {
	Name       string            `json:"name"`
	Driver     string            `json:"driver,omitempty"`
	External   bool              `json:"external"`
	ExternalAs string            `json:"external_as,omitempty"` // Cluster name when external
	Attachable bool              `json:"attachable"`
	Labels     map[string]string `json:"labels,omitempty"`
}

// Volume represents a top-level named volume.
type Volume struct {
	Name       string            `json:"name"`
	Driver     string            `json:"driver,omitempty"`
	External   bool              `json:"external"`
	ExternalAs string            `json:"external_as,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
}

// Secret represents a top-level secret. Only external secrets are supported;
// secret material is created by the resource provisioner, not by stacks.
type Secret struct {
	Name       string `json:"name"`
	External   bool   `json:"external"`
	ExternalAs string `json:"external_as,omitempty"`
}

// ExternalNames returns the cluster-level names of every external object the
// stack expects to exist, keyed by kind.
func (s *StackFile) ExternalNames() (networks, volumes, secrets []string) {
	for _, n := range s.Networks {
		if n.External {
			networks = append(networks, n.ExternalAs)
		}
	}
	for _, v := range s.Volumes {
		if v.External {
			volumes = append(volumes, v.ExternalAs)
		}
	}
	for _, sec := range s.Secrets {
		if sec.External {
			secrets = append(secrets, sec.ExternalAs)
		}
	}
	return networks, volumes, secrets
}
