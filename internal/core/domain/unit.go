package domain

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
)

// =============================================================================
// Readiness Probe
// =============================================================================

// ProbeProtocol selects how a readiness probe is executed.
type ProbeProtocol string

const (
	ProbeHTTP  ProbeProtocol = "http"
	ProbeHTTPS ProbeProtocol = "https"
	ProbeTCP   ProbeProtocol = "tcp"
)

// Probe describes a unit's readiness check.
type Probe struct {
	Protocol ProbeProtocol `json:"protocol" yaml:"protocol"`

	// Endpoint is a URL for http(s) probes and host:port for tcp probes.
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// ExpectStatus pins the expected HTTP status. Zero accepts any 2xx.
	ExpectStatus int `json:"expect_status,omitempty" yaml:"expect_status,omitempty"`
}

// Validate checks that the probe can be executed.
func (p Probe) Validate() error {
	switch p.Protocol {
	case ProbeHTTP, ProbeHTTPS:
		u, err := url.Parse(p.Endpoint)
		if err != nil || u.Host == "" {
			return fmt.Errorf("probe endpoint %q is not a valid URL", p.Endpoint)
		}
		if u.Scheme != string(p.Protocol) {
			return fmt.Errorf("probe endpoint %q does not match protocol %s", p.Endpoint, p.Protocol)
		}
	case ProbeTCP:
		if _, _, err := net.SplitHostPort(p.Endpoint); err != nil {
			return fmt.Errorf("probe endpoint %q is not host:port", p.Endpoint)
		}
	default:
		return fmt.Errorf("unsupported probe protocol %q", p.Protocol)
	}
	if p.ExpectStatus != 0 && (p.ExpectStatus < 100 || p.ExpectStatus > 599) {
		return fmt.Errorf("expect_status %d is not an HTTP status", p.ExpectStatus)
	}
	return nil
}

// Accepts reports whether an HTTP status satisfies the probe.
func (p Probe) Accepts(status int) bool {
	if p.ExpectStatus != 0 {
		return status == p.ExpectStatus
	}
	return status >= 200 && status < 300
}

// =============================================================================
// Service Unit
// =============================================================================

// stackNameRegex matches names the cluster manager accepts as stack namespaces.
var stackNameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)

// ServiceUnit is one independently deployable stack. Immutable during a run.
type ServiceUnit struct {
	Name      string   `json:"name"`
	Source    string   `json:"source,omitempty"` // Template path, informational
	Template  string   `json:"-"`                // Parameterized stack definition
	DependsOn []string `json:"depends_on,omitempty"`
	Networks  []string `json:"networks,omitempty"`
	Volumes   []string `json:"volumes,omitempty"`
	Secrets   []string `json:"secrets,omitempty"`
	Probe     *Probe   `json:"probe,omitempty"`

	// Adopt hands the unit to the control plane after direct deployment.
	Adopt bool `json:"adopt"`

	// ControlPlane marks the admin console itself. It is never adopted,
	// since tearing it down would remove the API that recreates everything.
	ControlPlane bool `json:"control_plane,omitempty"`
}

// Validate checks the unit in isolation. Graph-level checks live in core/graph.
func (u ServiceUnit) Validate() error {
	if !stackNameRegex.MatchString(u.Name) {
		return NewConfigError("ValidateUnit", u.Name, fmt.Sprintf("invalid unit name %q", u.Name), nil)
	}
	if u.Template == "" {
		return NewConfigError("ValidateUnit", u.Name, "template is empty", nil)
	}
	for _, dep := range u.DependsOn {
		if dep == u.Name {
			return NewConfigError("ValidateUnit", u.Name, "unit depends on itself", ErrCircularDependency)
		}
	}
	if u.Probe != nil {
		if err := u.Probe.Validate(); err != nil {
			return NewConfigError("ValidateUnit", u.Name, "invalid probe", err)
		}
	}
	return nil
}

// HasProbe reports whether readiness must be awaited.
func (u ServiceUnit) HasProbe() bool {
	return u.Probe != nil
}

// Adoptable reports whether the reconciler should hand this unit to the control plane.
func (u ServiceUnit) Adoptable() bool {
	return u.Adopt && !u.ControlPlane
}

// =============================================================================
// Deployment Stage
// =============================================================================

// DeploymentStage is one topological layer. Units inside a stage do not
// depend on each other and may deploy concurrently.
type DeploymentStage struct {
	Index int
	Units []ServiceUnit
}

// Names returns the unit names of the stage in order.
func (s DeploymentStage) Names() []string {
	names := make([]string, len(s.Units))
	for i, u := range s.Units {
		names[i] = u.Name
	}
	return names
}
