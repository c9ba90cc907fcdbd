package rollout

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/stackup/internal/core/domain"
	"github.com/artpar/stackup/internal/shell/store"
	"github.com/artpar/stackup/internal/shell/swarm"
	"github.com/artpar/stackup/internal/shell/swarm/swarmtest"
)

type schedulerFixture struct {
	cluster *swarmtest.Fake
	prober  *fakeProber
	clock   interface{ Now() time.Time }
	metrics *Metrics
	sched   *Scheduler
}

func newSchedulerFixture(cfg SchedulerConfig) *schedulerFixture {
	cluster := swarmtest.New()
	prober := newFakeProber()
	clk := newFakeClock()
	metrics := NewMetrics(nil)
	sched := NewScheduler(
		NewProvisioner(cluster, metrics, nil),
		NewDeployer(cluster, clk, nil),
		NewGate(prober, clk, nil),
		clk,
		cfg,
		metrics,
		nil,
	)
	return &schedulerFixture{cluster: cluster, prober: prober, clock: clk, metrics: metrics, sched: sched}
}

func testSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{ReadinessTimeout: 30 * time.Second, ReadinessInterval: 5 * time.Second}
}

// =============================================================================
// Ordering
// =============================================================================

func TestScheduler_Run_DeploysInDependencyOrder(t *testing.T) {
	f := newSchedulerFixture(testSchedulerConfig())
	ledger := NewLedger("run-1", nil, newFakeClock(), nil)

	events := &eventLog{}
	f.cluster.OnDeploy = func(name string) {
		events.add("deploy:" + name)
		// Every dependency has reached deployed-direct before a dependent is submitted.
		for _, dep := range findUnit(threeTier(), name).DependsOn {
			rec, ok := ledger.Get(dep)
			assert.True(t, ok)
			assert.True(t, rec.Satisfied(), "%s submitted while %s is %s", name, dep, rec.State)
		}
	}
	f.prober.onCheck = func(endpoint string) {
		switch endpoint {
		case edgeEndpoint:
			events.add("probe:edge_router")
		case adminEndpoint:
			events.add("probe:admin_console")
		}
	}

	report, err := f.sched.Run(context.Background(), Plan{Units: threeTier()}, testEnv(), ledger)
	require.NoError(t, err)

	assert.Equal(t, []string{"edge_router", "admin_console", "data_store"}, f.cluster.CallsTo("DeployStack"))
	assert.Less(t, events.index("probe:admin_console"), events.index("deploy:data_store"))
	assert.Less(t, events.index("probe:edge_router"), events.index("deploy:admin_console"))

	assert.Equal(t, [][]string{{"edge_router"}, {"admin_console"}, {"data_store"}}, report.Stages)
	assert.Equal(t, 3, report.CountByState()[domain.StateReady])

	edge, _ := report.Record("edge_router")
	admin, _ := report.Record("admin_console")
	data, _ := report.Record("data_store")
	assert.Less(t, edge.Sequence, admin.Sequence)
	assert.Less(t, admin.Sequence, data.Sequence)

	assert.Equal(t, float64(3), testutil.ToFloat64(f.metrics.unitDeploys.WithLabelValues("deployed")))
	assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.readiness.WithLabelValues("ready")))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.readiness.WithLabelValues("no_probe")))
}

func TestScheduler_Run_ConcurrentStage(t *testing.T) {
	units := []domain.ServiceUnit{
		{Name: "edge_router", Template: stackTemplate("traefik:v3.1")},
		{Name: "postgres", Template: stackTemplate("postgres:16"), DependsOn: []string{"edge_router"}},
		{Name: "redis", Template: stackTemplate("redis:7"), DependsOn: []string{"edge_router"}},
		{Name: "app", Template: stackTemplate("app:1"), DependsOn: []string{"postgres", "redis"}},
	}
	f := newSchedulerFixture(SchedulerConfig{MaxConcurrent: 1})

	report, err := f.sched.Run(context.Background(), Plan{Units: units}, testEnv(), nil)
	require.NoError(t, err)

	deploys := f.cluster.CallsTo("DeployStack")
	require.Len(t, deploys, 4)
	assert.Equal(t, "edge_router", deploys[0])
	assert.ElementsMatch(t, []string{"postgres", "redis"}, deploys[1:3])
	assert.Equal(t, "app", deploys[3])
	assert.Equal(t, [][]string{{"edge_router"}, {"postgres", "redis"}, {"app"}}, report.Stages)
	assert.NotEmpty(t, report.RunID)
}

// =============================================================================
// Config Errors
// =============================================================================

func TestScheduler_Run_CycleRejectedBeforeAnyCall(t *testing.T) {
	units := []domain.ServiceUnit{
		{Name: "a", Template: stackTemplate("a:1"), DependsOn: []string{"c"}},
		{Name: "b", Template: stackTemplate("b:1"), DependsOn: []string{"a"}},
		{Name: "c", Template: stackTemplate("c:1"), DependsOn: []string{"b"}},
	}
	f := newSchedulerFixture(testSchedulerConfig())

	report, err := f.sched.Run(context.Background(), Plan{Units: units, Resources: baseResources()}, testEnv(), nil)
	require.Error(t, err)
	assert.Nil(t, report)
	assert.ErrorIs(t, err, domain.ErrConfig)
	assert.ErrorIs(t, err, domain.ErrCircularDependency)
	assert.True(t, domain.IsFatal(err))

	assert.Empty(t, f.cluster.CallsTo("DeployStack"))
	assert.Empty(t, f.cluster.Calls())
}

func TestScheduler_Run_MissingParametersRejectedBeforeAnyCall(t *testing.T) {
	f := newSchedulerFixture(testSchedulerConfig())

	_, err := f.sched.Run(context.Background(), Plan{Units: threeTier(), Resources: baseResources()}, domain.NewEnvironment(nil), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfig)
	assert.ErrorIs(t, err, domain.ErrMissingVariable)
	// Both templates that reference DOMAIN are reported at once.
	assert.Contains(t, err.Error(), "2 unit(s) failed to render")
	assert.Empty(t, f.cluster.Calls())
}

func TestScheduler_Prepare_UnknownBoundUnit(t *testing.T) {
	f := newSchedulerFixture(testSchedulerConfig())
	secret := domain.SecretResource("admin_password", []byte("hash"))
	secret.After = "nope"

	_, err := f.sched.Prepare(Plan{Units: threeTier(), Resources: []domain.ClusterResource{secret}}, testEnv())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfig)
	assert.ErrorIs(t, err, domain.ErrUnknownDependency)
}

func TestScheduler_Prepare_Hosts(t *testing.T) {
	f := newSchedulerFixture(testSchedulerConfig())

	prepared, err := f.sched.Prepare(Plan{Units: threeTier()}, testEnv())
	require.NoError(t, err)
	assert.Equal(t, []string{"admin.example.com", "traefik.example.com"}, prepared.Hosts())
	assert.Len(t, prepared.Rendered, 3)
}

// =============================================================================
// Readiness
// =============================================================================

func TestScheduler_Run_ReadinessTimeoutIsSoft(t *testing.T) {
	cfg := testSchedulerConfig()
	f := newSchedulerFixture(cfg)
	f.prober.never[adminEndpoint] = true

	var probeDoneAt, dataDeployAt time.Time
	f.prober.onCheck = func(endpoint string) {
		if endpoint == edgeEndpoint {
			probeDoneAt = f.clock.Now()
		}
	}
	f.cluster.OnDeploy = func(name string) {
		if name == "data_store" {
			dataDeployAt = f.clock.Now()
		}
	}

	report, err := f.sched.Run(context.Background(), Plan{Units: threeTier()}, testEnv(), nil)
	require.NoError(t, err)

	admin, _ := report.Record("admin_console")
	assert.Equal(t, domain.StateTimedOut, admin.State)
	data, _ := report.Record("data_store")
	assert.Equal(t, domain.StateReady, data.State)

	// The next stage started within timeout + interval of the stalled unit's stage.
	assert.LessOrEqual(t, dataDeployAt.Sub(probeDoneAt), cfg.ReadinessTimeout+cfg.ReadinessInterval)

	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "admin_console")
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.readiness.WithLabelValues("timed_out")))
}

func TestScheduler_Run_StrictReadiness(t *testing.T) {
	cfg := testSchedulerConfig()
	cfg.Strict = true
	f := newSchedulerFixture(cfg)
	f.prober.never[adminEndpoint] = true

	report, err := f.sched.Run(context.Background(), Plan{Units: threeTier()}, testEnv(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrReadinessTimeout)

	admin, _ := report.Record("admin_console")
	assert.Equal(t, domain.StateTimedOut, admin.State)
	assert.Equal(t, []string{"edge_router", "admin_console"}, f.cluster.CallsTo("DeployStack"))
}

// =============================================================================
// Failures
// =============================================================================

func TestScheduler_Run_UnreachableAborts(t *testing.T) {
	f := newSchedulerFixture(testSchedulerConfig())
	f.cluster.Errors["DeployStack/admin_console"] = swarm.NewSwarmError("DeployStack", "stack", "admin_console",
		"cannot connect", swarm.ErrUnreachable)

	report, err := f.sched.Run(context.Background(), Plan{Units: threeTier()}, testEnv(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrClusterUnreachable)
	assert.True(t, domain.IsFatal(err))

	assert.Equal(t, []string{"edge_router", "admin_console"}, f.cluster.CallsTo("DeployStack"))
	admin, _ := report.Record("admin_console")
	assert.Equal(t, domain.StateFailed, admin.State)
	data, _ := report.Record("data_store")
	assert.Equal(t, domain.StatePending, data.State)
}

func TestScheduler_Run_RejectedSiblingDoesNotAbort(t *testing.T) {
	units := []domain.ServiceUnit{
		{Name: "edge_router", Template: stackTemplate("traefik:v3.1")},
		{Name: "postgres", Template: stackTemplate("postgres:16"), DependsOn: []string{"edge_router"}},
		{Name: "redis", Template: stackTemplate("redis:7"), DependsOn: []string{"edge_router"}},
		{Name: "app", Template: stackTemplate("app:1"), DependsOn: []string{"redis"}},
		{Name: "worker", Template: stackTemplate("worker:1"), DependsOn: []string{"postgres"}},
	}
	f := newSchedulerFixture(testSchedulerConfig())
	f.cluster.Errors["DeployStack/redis"] = swarm.NewSwarmError("DeployStack", "stack", "redis",
		"invalid mount config", swarm.ErrRejected)

	report, err := f.sched.Run(context.Background(), Plan{Units: units}, testEnv(), nil)
	require.NoError(t, err)

	assert.NotContains(t, f.cluster.CallsTo("DeployStack"), "app")
	assert.Contains(t, f.cluster.CallsTo("DeployStack"), "worker")

	redis, _ := report.Record("redis")
	assert.Equal(t, domain.StateFailed, redis.State)
	assert.Contains(t, redis.Error, "invalid mount config")

	app, _ := report.Record("app")
	assert.Equal(t, domain.StateFailed, app.State)
	assert.Contains(t, app.Error, domain.ErrDependencyFailed.Error())

	postgres, _ := report.Record("postgres")
	assert.Equal(t, domain.StateReady, postgres.State)
	assert.Len(t, report.Failed(), 2)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.unitDeploys.WithLabelValues("rejected")))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.unitDeploys.WithLabelValues("dependency_failed")))
}

func TestScheduler_Run_ProvisionFailureAborts(t *testing.T) {
	f := newSchedulerFixture(testSchedulerConfig())
	f.cluster.Errors["CreateNetwork/traefik-public"] = errors.New("permission denied")

	_, err := f.sched.Run(context.Background(), Plan{Units: threeTier(), Resources: baseResources()}, testEnv(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProvision)
	assert.Empty(t, f.cluster.CallsTo("DeployStack"))
	// Siblings of the failed resource were still attempted.
	assert.Equal(t, []string{"portainer_data"}, f.cluster.CallsTo("CreateVolume"))
}

// =============================================================================
// Resources
// =============================================================================

func TestScheduler_Run_BoundResources(t *testing.T) {
	f := newSchedulerFixture(testSchedulerConfig())
	resources := baseResources()
	resources[2].After = "edge_router"

	_, err := f.sched.Run(context.Background(), Plan{Units: threeTier(), Resources: resources}, testEnv(), nil)
	require.NoError(t, err)

	var ops []string
	for _, c := range f.cluster.Calls() {
		ops = append(ops, c.Op+":"+c.Name)
	}
	assert.Equal(t, []string{
		"CreateNetwork:traefik-public",
		"CreateVolume:portainer_data",
		"DeployStack:edge_router",
		"CreateSecret:admin_password",
		"DeployStack:admin_console",
		"DeployStack:data_store",
	}, ops)
}

func TestScheduler_Run_BoundResourcesSkippedWhenUnitFails(t *testing.T) {
	f := newSchedulerFixture(testSchedulerConfig())
	f.cluster.Errors["DeployStack/edge_router"] = errors.New("rejected")
	resources := baseResources()
	resources[2].After = "edge_router"

	report, err := f.sched.Run(context.Background(), Plan{Units: threeTier(), Resources: resources}, testEnv(), nil)
	require.NoError(t, err)
	assert.Empty(t, f.cluster.CallsTo("CreateSecret"))
	require.NotEmpty(t, report.Warnings)
	assert.True(t, strings.HasPrefix(report.Warnings[0], "skipped 1 resource(s) bound to edge_router"))
}

// =============================================================================
// Reruns and Cancellation
// =============================================================================

func TestScheduler_Run_RerunIsIdempotent(t *testing.T) {
	f := newSchedulerFixture(testSchedulerConfig())
	plan := Plan{Units: threeTier(), Resources: baseResources()}

	_, err := f.sched.Run(context.Background(), plan, testEnv(), nil)
	require.NoError(t, err)
	report, err := f.sched.Run(context.Background(), plan, testEnv(), nil)
	require.NoError(t, err)

	assert.Len(t, f.cluster.CallsTo("DeployStack"), 6)
	assert.Len(t, f.cluster.Networks, 1)
	assert.Len(t, f.cluster.Stacks, 3)
	assert.Empty(t, report.Failed())
}

func TestScheduler_Run_SkipsManagedUnits(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.CreateRun(ctx, &store.Run{ID: "old", Command: "run", Status: store.RunSucceeded, StartedAt: testStart}))
	prev := domain.NewRecord("data_store", "old", 2, testStart)
	prev.State = domain.StateDeployedManaged
	prev.ControlPlane = 7
	require.NoError(t, st.SaveRecord(ctx, prev))
	require.NoError(t, st.CreateRun(ctx, &store.Run{ID: "new", Command: "run", Status: store.RunRunning, StartedAt: testStart}))

	f := newSchedulerFixture(testSchedulerConfig())
	ledger := NewLedger("new", st, newFakeClock(), nil)

	report, err := f.sched.Run(ctx, Plan{Units: threeTier()}, testEnv(), ledger)
	require.NoError(t, err)

	assert.Equal(t, []string{"edge_router", "admin_console"}, f.cluster.CallsTo("DeployStack"))
	data, _ := report.Record("data_store")
	assert.Equal(t, domain.StateDeployedManaged, data.State)
	assert.Equal(t, 7, data.ControlPlane)
	assert.Equal(t, "new", data.RunID)

	persisted, err := st.GetRecord(ctx, "edge_router")
	require.NoError(t, err)
	assert.Equal(t, domain.StateReady, persisted.State)
	assert.Equal(t, "new", persisted.RunID)
}

func TestScheduler_Run_CancelledAtStageBoundary(t *testing.T) {
	f := newSchedulerFixture(testSchedulerConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.cluster.OnDeploy = func(name string) {
		if name == "edge_router" {
			cancel()
		}
	}

	report, err := f.sched.Run(ctx, Plan{Units: threeTier()}, testEnv(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, []string{"edge_router"}, f.cluster.CallsTo("DeployStack"))
	edge, _ := report.Record("edge_router")
	assert.True(t, edge.Running(), "in-flight deploy completes, got %s", edge.State)
}
