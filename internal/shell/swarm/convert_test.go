package swarm

import (
	"testing"

	"github.com/artpar/stackup/internal/core/stackfile"
	"github.com/docker/docker/api/types/mount"
	swarmtypes "github.com/docker/docker/api/types/swarm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const adminConsoleStack = `
services:
  portainer:
    image: portainer/portainer-ce:2.19.4
    command: -H tcp://tasks.agent:9001 --tlsskipverify --admin-password-file /run/secrets/portainer_admin
    volumes:
      - portainer_data:/data
    networks:
      - traefik-public
      - agent_network
    secrets:
      - source: admin_password
        target: portainer_admin
    deploy:
      placement:
        constraints:
          - node.role == manager
      labels:
        - traefik.enable=true
        - traefik.http.routers.portainer.rule=Host(` + "`admin.example.com`" + `)
  agent:
    image: portainer/agent:2.19.4
    environment:
      AGENT_CLUSTER_ADDR: tasks.agent
    volumes:
      - /var/run/docker.sock:/var/run/docker.sock
    networks:
      - agent_network
    deploy:
      mode: global
networks:
  traefik-public:
    external: true
  agent_network:
    driver: overlay
    attachable: true
volumes:
  portainer_data:
    external: true
secrets:
  admin_password:
    external: true
    name: portainer_admin_password
`

func TestConvertStack_AdminConsole(t *testing.T) {
	stack, err := stackfile.Parse(adminConsoleStack)
	require.NoError(t, err)

	spec, err := ConvertStack("admin_console", stack)
	require.NoError(t, err)

	// Only the stack-scoped network is created; the external one is reused.
	require.Len(t, spec.Networks, 1)
	assert.Equal(t, "admin_console_agent_network", spec.Networks[0].Name)
	assert.Equal(t, "overlay", spec.Networks[0].Driver)
	assert.True(t, spec.Networks[0].Attachable)
	assert.Equal(t, "admin_console", spec.Networks[0].Labels[LabelNamespace])

	require.Len(t, spec.Services, 2)
	agent, portainer := spec.Services[0], spec.Services[1]

	assert.Equal(t, "admin_console_agent", agent.Name)
	require.NotNil(t, agent.Mode.Global)
	assert.Nil(t, agent.Mode.Replicated)
	assert.Equal(t, []string{"AGENT_CLUSTER_ADDR=tasks.agent"}, agent.TaskTemplate.ContainerSpec.Env)
	require.Len(t, agent.TaskTemplate.ContainerSpec.Mounts, 1)
	assert.Equal(t, mount.TypeBind, agent.TaskTemplate.ContainerSpec.Mounts[0].Type)

	assert.Equal(t, "admin_console_portainer", portainer.Name)
	assert.Equal(t, "admin_console", portainer.Labels[LabelNamespace])
	assert.Equal(t, "true", portainer.Labels["traefik.enable"])
	require.NotNil(t, portainer.Mode.Replicated)
	assert.Equal(t, uint64(1), *portainer.Mode.Replicated.Replicas)
	assert.Equal(t, []string{"node.role == manager"}, portainer.TaskTemplate.Placement.Constraints)

	targets := make([]string, 0, len(portainer.TaskTemplate.Networks))
	for _, n := range portainer.TaskTemplate.Networks {
		targets = append(targets, n.Target)
		assert.Equal(t, []string{"portainer"}, n.Aliases)
	}
	assert.ElementsMatch(t, []string{"traefik-public", "admin_console_agent_network"}, targets)

	mounts := portainer.TaskTemplate.ContainerSpec.Mounts
	require.Len(t, mounts, 1)
	assert.Equal(t, "portainer_data", mounts[0].Source)
	assert.Equal(t, "/data", mounts[0].Target)

	secrets := portainer.TaskTemplate.ContainerSpec.Secrets
	require.Len(t, secrets, 1)
	assert.Equal(t, "portainer_admin_password", secrets[0].SecretName)
	assert.Equal(t, "portainer_admin", secrets[0].File.Name)
}

func TestConvertStack_DefaultNetworkAndScopedVolume(t *testing.T) {
	stack, err := stackfile.Parse(`
services:
  db:
    image: postgres:16
    deploy:
      replicas: 2
    ports:
      - "5432:5432"
    volumes:
      - pgdata:/var/lib/postgresql/data
volumes:
  pgdata:
    driver: local
`)
	require.NoError(t, err)

	spec, err := ConvertStack("data_store", stack)
	require.NoError(t, err)

	require.Len(t, spec.Networks, 1)
	assert.Equal(t, "data_store_default", spec.Networks[0].Name)

	svc := spec.Services[0]
	assert.Equal(t, uint64(2), *svc.Mode.Replicated.Replicas)
	require.Len(t, svc.TaskTemplate.Networks, 1)
	assert.Equal(t, "data_store_default", svc.TaskTemplate.Networks[0].Target)

	m := svc.TaskTemplate.ContainerSpec.Mounts[0]
	assert.Equal(t, "data_store_pgdata", m.Source)
	require.NotNil(t, m.VolumeOptions)
	assert.Equal(t, "data_store", m.VolumeOptions.Labels[LabelNamespace])
	assert.Equal(t, "local", m.VolumeOptions.DriverConfig.Name)

	require.NotNil(t, svc.EndpointSpec)
	assert.Equal(t, []swarmtypes.PortConfig{{
		Protocol:      swarmtypes.PortConfigProtocolTCP,
		TargetPort:    5432,
		PublishedPort: 5432,
		PublishMode:   swarmtypes.PortConfigPublishModeIngress,
	}}, svc.EndpointSpec.Ports)
}

func TestConvertPort(t *testing.T) {
	tests := []struct {
		name string
		port stackfile.Port
		want swarmtypes.PortConfig
	}{
		{
			name: "udp host mode",
			port: stackfile.Port{Target: 53, Published: 53, Protocol: "udp", Mode: "host"},
			want: swarmtypes.PortConfig{
				Protocol:      swarmtypes.PortConfigProtocolUDP,
				TargetPort:    53,
				PublishedPort: 53,
				PublishMode:   swarmtypes.PortConfigPublishModeHost,
			},
		},
		{
			name: "default protocol",
			port: stackfile.Port{Target: 80},
			want: swarmtypes.PortConfig{
				Protocol:    swarmtypes.PortConfigProtocolTCP,
				TargetPort:  80,
				PublishMode: swarmtypes.PortConfigPublishModeIngress,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := convertPort(tt.port)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConvertStack_UndefinedVolume(t *testing.T) {
	stack := &stackfile.StackFile{Services: []stackfile.Service{{
		Name:    "app",
		Image:   "nginx",
		Volumes: []stackfile.VolumeMount{{Type: stackfile.VolumeMountTypeVolume, Source: "missing", Target: "/x"}},
	}}}
	_, err := ConvertStack("app", stack)
	assert.ErrorContains(t, err, "undefined volume")
}
