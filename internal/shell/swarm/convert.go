package swarm

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/artpar/stackup/internal/core/stackfile"
	"github.com/docker/docker/api/types/mount"
	swarmtypes "github.com/docker/docker/api/types/swarm"
	"github.com/docker/go-connections/nat"
)

// =============================================================================
// Stack Conversion
// =============================================================================

// defaultNetwork is attached to services that declare no network.
const defaultNetwork = "default"

// StackSpec is the Engine API rendition of one stack.
type StackSpec struct {
	Name     string
	Networks []NetworkSpec // stack-scoped networks, created before services
	Services []swarmtypes.ServiceSpec
}

// ConvertStack converts a parsed stack file into service specs the way
// `docker stack deploy` does: stack objects are prefixed with the stack name
// and labeled with the namespace, external objects keep their cluster names.
// Secret references carry names only; IDs are resolved at apply time.
func ConvertStack(name string, stack *stackfile.StackFile) (*StackSpec, error) {
	spec := &StackSpec{Name: name}

	networks := make(map[string]stackfile.Network, len(stack.Networks))
	for _, n := range stack.Networks {
		networks[n.Name] = n
	}
	volumes := make(map[string]stackfile.Volume, len(stack.Volumes))
	for _, v := range stack.Volumes {
		volumes[v.Name] = v
	}
	secrets := make(map[string]stackfile.Secret, len(stack.Secrets))
	for _, s := range stack.Secrets {
		secrets[s.Name] = s
	}

	usedNetworks := make(map[string]bool)
	for _, svc := range stack.Services {
		svcNetworks := svc.Networks
		if len(svcNetworks) == 0 {
			svcNetworks = []string{defaultNetwork}
		}
		for _, n := range svcNetworks {
			usedNetworks[n] = true
		}

		converted, err := convertService(name, svc, svcNetworks, networks, volumes, secrets)
		if err != nil {
			return nil, err
		}
		spec.Services = append(spec.Services, converted)
	}

	names := make([]string, 0, len(usedNetworks))
	for n := range usedNetworks {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		net, declared := networks[n]
		if declared && net.External {
			continue
		}
		ns := NetworkSpec{
			Name:   scopedName(name, n),
			Driver: "overlay",
			Labels: map[string]string{LabelNamespace: name},
		}
		if declared {
			if net.Driver != "" {
				ns.Driver = net.Driver
			}
			ns.Attachable = net.Attachable
			for k, v := range net.Labels {
				ns.Labels[k] = v
			}
		}
		spec.Networks = append(spec.Networks, ns)
	}

	return spec, nil
}

func convertService(
	stack string,
	svc stackfile.Service,
	svcNetworks []string,
	networks map[string]stackfile.Network,
	volumes map[string]stackfile.Volume,
	secrets map[string]stackfile.Secret,
) (swarmtypes.ServiceSpec, error) {
	labels := map[string]string{LabelNamespace: stack}
	for k, v := range svc.DeployLabels {
		labels[k] = v
	}

	containerLabels := map[string]string{LabelNamespace: stack}
	for k, v := range svc.Labels {
		containerLabels[k] = v
	}

	container := &swarmtypes.ContainerSpec{
		Image:   svc.Image,
		Labels:  containerLabels,
		Command: svc.Entrypoint,
		Args:    svc.Command,
		Env:     envList(svc.Environment),
	}

	for _, v := range svc.Volumes {
		m, err := convertMount(stack, v, volumes)
		if err != nil {
			return swarmtypes.ServiceSpec{}, fmt.Errorf("service %s: %w", svc.Name, err)
		}
		container.Mounts = append(container.Mounts, m)
	}

	for _, ref := range svc.Secrets {
		sec, ok := secrets[ref.Source]
		if !ok {
			return swarmtypes.ServiceSpec{}, fmt.Errorf("service %s: undefined secret %q", svc.Name, ref.Source)
		}
		target := ref.Target
		if target == "" {
			target = ref.Source
		}
		container.Secrets = append(container.Secrets, &swarmtypes.SecretReference{
			SecretName: sec.ExternalAs,
			File: &swarmtypes.SecretReferenceFileTarget{
				Name: target,
				UID:  "0",
				GID:  "0",
				Mode: 0o444,
			},
		})
	}

	task := swarmtypes.TaskSpec{ContainerSpec: container}
	if len(svc.Constraints) > 0 {
		task.Placement = &swarmtypes.Placement{Constraints: svc.Constraints}
	}
	for _, n := range svcNetworks {
		target := scopedName(stack, n)
		if net, ok := networks[n]; ok && net.External {
			target = net.ExternalAs
		}
		task.Networks = append(task.Networks, swarmtypes.NetworkAttachmentConfig{
			Target:  target,
			Aliases: []string{svc.Name},
		})
	}

	spec := swarmtypes.ServiceSpec{
		Annotations:  swarmtypes.Annotations{Name: scopedName(stack, svc.Name), Labels: labels},
		TaskTemplate: task,
	}

	switch svc.Mode {
	case "global":
		spec.Mode = swarmtypes.ServiceMode{Global: &swarmtypes.GlobalService{}}
	default:
		replicas := uint64(1)
		if svc.Replicas != nil {
			replicas = *svc.Replicas
		}
		spec.Mode = swarmtypes.ServiceMode{Replicated: &swarmtypes.ReplicatedService{Replicas: &replicas}}
	}

	if len(svc.Ports) > 0 {
		endpoint := &swarmtypes.EndpointSpec{}
		for _, p := range svc.Ports {
			pc, err := convertPort(p)
			if err != nil {
				return swarmtypes.ServiceSpec{}, fmt.Errorf("service %s: %w", svc.Name, err)
			}
			endpoint.Ports = append(endpoint.Ports, pc)
		}
		spec.EndpointSpec = endpoint
	}

	return spec, nil
}

func convertMount(stack string, v stackfile.VolumeMount, volumes map[string]stackfile.Volume) (mount.Mount, error) {
	switch v.Type {
	case stackfile.VolumeMountTypeBind:
		return mount.Mount{Type: mount.TypeBind, Source: v.Source, Target: v.Target, ReadOnly: v.ReadOnly}, nil
	case stackfile.VolumeMountTypeTmpfs:
		return mount.Mount{Type: mount.TypeTmpfs, Target: v.Target}, nil
	case stackfile.VolumeMountTypeVolume:
		if v.Source == "" {
			return mount.Mount{Type: mount.TypeVolume, Target: v.Target, ReadOnly: v.ReadOnly}, nil
		}
		vol, ok := volumes[v.Source]
		if !ok {
			return mount.Mount{}, fmt.Errorf("undefined volume %q", v.Source)
		}
		source := scopedName(stack, v.Source)
		m := mount.Mount{Type: mount.TypeVolume, Target: v.Target, ReadOnly: v.ReadOnly}
		if vol.External {
			source = vol.ExternalAs
		} else {
			m.VolumeOptions = &mount.VolumeOptions{Labels: map[string]string{LabelNamespace: stack}}
			if vol.Driver != "" {
				m.VolumeOptions.DriverConfig = &mount.Driver{Name: vol.Driver}
			}
		}
		m.Source = source
		return m, nil
	default:
		return mount.Mount{}, fmt.Errorf("unsupported mount type %q", v.Type)
	}
}

func convertPort(p stackfile.Port) (swarmtypes.PortConfig, error) {
	proto := p.Protocol
	if proto == "" {
		proto = "tcp"
	}
	port, err := nat.NewPort(proto, strconv.FormatUint(uint64(p.Target), 10))
	if err != nil {
		return swarmtypes.PortConfig{}, fmt.Errorf("invalid port %d/%s: %w", p.Target, proto, err)
	}

	mode := swarmtypes.PortConfigPublishModeIngress
	if p.Mode == "host" {
		mode = swarmtypes.PortConfigPublishModeHost
	}

	return swarmtypes.PortConfig{
		Protocol:      swarmtypes.PortConfigProtocol(port.Proto()),
		TargetPort:    uint32(port.Int()),
		PublishedPort: p.Published,
		PublishMode:   mode,
	}, nil
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func scopedName(stack, name string) string {
	return stack + "_" + name
}
