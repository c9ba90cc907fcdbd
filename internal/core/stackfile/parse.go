package stackfile

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Parser Functions
// =============================================================================

// Parse parses a rendered stack definition into a StackFile.
// This is a pure function - no I/O, no side effects.
func Parse(content string) (*StackFile, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyInput
	}

	project, err := loadProject(content)
	if err != nil {
		return nil, err
	}

	if err := checkUnsupportedFeatures(project); err != nil {
		return nil, err
	}

	if len(project.Services) == 0 {
		return nil, ErrNoServices
	}

	stack := &StackFile{
		Services: make([]Service, 0, len(project.Services)),
	}

	for _, svc := range project.Services {
		converted, err := convertService(svc)
		if err != nil {
			return nil, err
		}
		stack.Services = append(stack.Services, converted)
	}
	sort.Slice(stack.Services, func(i, j int) bool { return stack.Services[i].Name < stack.Services[j].Name })

	if err := validatePorts(stack.Services); err != nil {
		return nil, err
	}

	for name, net := range project.Networks {
		stack.Networks = append(stack.Networks, convertNetwork(name, net))
	}
	for name, vol := range project.Volumes {
		stack.Volumes = append(stack.Volumes, convertVolume(name, vol))
	}
	for name, sec := range project.Secrets {
		stack.Secrets = append(stack.Secrets, Secret{
			Name:       name,
			External:   bool(sec.External),
			ExternalAs: externalName(name, sec.Name),
		})
	}
	sort.Slice(stack.Networks, func(i, j int) bool { return stack.Networks[i].Name < stack.Networks[j].Name })
	sort.Slice(stack.Volumes, func(i, j int) bool { return stack.Volumes[i].Name < stack.Volumes[j].Name })
	sort.Slice(stack.Secrets, func(i, j int) bool { return stack.Secrets[i].Name < stack.Secrets[j].Name })

	return stack, nil
}

// loadProject loads a stack definition using compose-go.
func loadProject(content string) (*types.Project, error) {
	var dict map[string]interface{}
	if err := yaml.Unmarshal([]byte(content), &dict); err != nil {
		return nil, NewParseError("", "invalid YAML syntax", ErrInvalidYAML)
	}
	if dict == nil {
		return nil, NewParseError("", "invalid YAML syntax", ErrInvalidYAML)
	}

	project, err := loader.LoadWithContext(context.Background(), types.ConfigDetails{
		ConfigFiles: []types.ConfigFile{
			{
				Content: []byte(content),
				Config:  dict,
			},
		},
	}, func(opts *loader.Options) {
		opts.SetProjectName("stackup", false)
		opts.SkipValidation = false
		// Templates are rendered already; interpolation here only unescapes
		// $$ and casts scalar types, matching what the cluster manager sees.
		opts.SkipInterpolation = false
		opts.SkipNormalization = true
		opts.SkipExtends = true
	})
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "image") && strings.Contains(errStr, "build") {
			return nil, NewParseError("", "service must have an image", ErrServiceNoImage)
		}
		return nil, NewParseError("", errStr, ErrInvalidYAML)
	}

	return project, nil
}

// checkUnsupportedFeatures rejects definitions the swarm stack model cannot run.
func checkUnsupportedFeatures(project *types.Project) error {
	for _, svc := range project.Services {
		if svc.Build != nil {
			return NewParseError("services."+svc.Name+".build", "build is not supported in stacks", ErrUnsupportedFeature)
		}
		if svc.Extends != nil && svc.Extends.File != "" {
			return NewParseError("services."+svc.Name+".extends", "extends is not supported", ErrUnsupportedFeature)
		}
	}
	for name, sec := range project.Secrets {
		if !bool(sec.External) {
			return NewParseError("secrets."+name, "only external secrets are supported", ErrUnsupportedFeature)
		}
	}
	return nil
}

// convertService converts a compose-go service to our Service type.
func convertService(svc types.ServiceConfig) (Service, error) {
	service := Service{
		Name:         svc.Name,
		Image:        svc.Image,
		Command:      svc.Command,
		Entrypoint:   svc.Entrypoint,
		Environment:  make(map[string]string),
		Labels:       make(map[string]string),
		DeployLabels: make(map[string]string),
		Mode:         "replicated",
		Networks:     make([]string, 0),
	}

	if service.Image == "" {
		return Service{}, NewParseError("services."+svc.Name, "service must have an image", ErrServiceNoImage)
	}

	for _, p := range svc.Ports {
		var published uint32
		if p.Published != "" {
			pub, err := strconv.ParseUint(p.Published, 10, 32)
			if err != nil {
				return Service{}, NewParseError(
					fmt.Sprintf("services.%s.ports", svc.Name),
					fmt.Sprintf("published port %q is not a number", p.Published),
					ErrServiceInvalidPort,
				)
			}
			published = uint32(pub)
		}
		service.Ports = append(service.Ports, Port{
			Target:    p.Target,
			Published: published,
			Protocol:  p.Protocol,
			Mode:      p.Mode,
		})
	}

	for k, v := range svc.Environment {
		if v != nil {
			service.Environment[k] = *v
		}
	}

	for _, v := range svc.Volumes {
		mount := VolumeMount{
			Source:   v.Source,
			Target:   v.Target,
			ReadOnly: v.ReadOnly,
		}
		switch v.Type {
		case "bind":
			mount.Type = VolumeMountTypeBind
		case "volume":
			mount.Type = VolumeMountTypeVolume
		case "tmpfs":
			mount.Type = VolumeMountTypeTmpfs
		default:
			if strings.HasPrefix(v.Source, "./") || strings.HasPrefix(v.Source, "/") || strings.HasPrefix(v.Source, "~") {
				mount.Type = VolumeMountTypeBind
			} else {
				mount.Type = VolumeMountTypeVolume
			}
		}
		service.Volumes = append(service.Volumes, mount)
	}

	for net := range svc.Networks {
		service.Networks = append(service.Networks, net)
	}
	sort.Strings(service.Networks)

	for _, s := range svc.Secrets {
		service.Secrets = append(service.Secrets, SecretRef{Source: s.Source, Target: s.Target})
	}

	for k, v := range svc.Labels {
		service.Labels[k] = v
	}

	if svc.Deploy != nil {
		if svc.Deploy.Mode != "" {
			service.Mode = svc.Deploy.Mode
		}
		if svc.Deploy.Replicas != nil {
			if *svc.Deploy.Replicas < 0 {
				return Service{}, NewParseError("services."+svc.Name+".deploy.replicas", "replicas cannot be negative", ErrUnsupportedFeature)
			}
			replicas := uint64(*svc.Deploy.Replicas)
			service.Replicas = &replicas
		}
		for k, v := range svc.Deploy.Labels {
			service.DeployLabels[k] = v
		}
		service.Constraints = append(service.Constraints, svc.Deploy.Placement.Constraints...)
	}

	return service, nil
}

// convertNetwork converts a compose-go network to our Network type.
func convertNetwork(name string, net types.NetworkConfig) Network {
	return Network{
		Name:       name,
		Driver:     net.Driver,
		External:   bool(net.External),
		ExternalAs: externalName(name, net.Name),
		Attachable: net.Attachable,
		Labels:     net.Labels,
	}
}

// convertVolume converts a compose-go volume to our Volume type.
func convertVolume(name string, vol types.VolumeConfig) Volume {
	return Volume{
		Name:       name,
		Driver:     vol.Driver,
		External:   bool(vol.External),
		ExternalAs: externalName(name, vol.Name),
		Labels:     vol.Labels,
	}
}

func externalName(key, name string) string {
	if name != "" {
		return name
	}
	return key
}

// validatePorts validates all port configurations.
func validatePorts(services []Service) error {
	for _, svc := range services {
		for i, port := range svc.Ports {
			field := fmt.Sprintf("services.%s.ports[%d]", svc.Name, i)
			if port.Target == 0 || port.Target > 65535 {
				return NewParseError(field, "target port must be between 1 and 65535", ErrServiceInvalidPort)
			}
			if port.Published > 65535 {
				return NewParseError(field, "published port must be <= 65535", ErrServiceInvalidPort)
			}
		}
	}
	return nil
}
