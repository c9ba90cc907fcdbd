package rollout

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/stackup/internal/core/domain"
	"github.com/artpar/stackup/internal/core/graph"
	"github.com/artpar/stackup/internal/shell/clock"
	"github.com/artpar/stackup/internal/shell/controlplane"
	"github.com/artpar/stackup/internal/shell/controlplane/controlplanetest"
	"github.com/artpar/stackup/internal/shell/swarm"
	"github.com/artpar/stackup/internal/shell/swarm/swarmtest"
)

var adminCreds = controlplane.Credentials{Username: "admin", Password: "secret"}

type reconcilerFixture struct {
	cluster *swarmtest.Fake
	server  *controlplanetest.Server
	clock   *clock.Fake
	metrics *Metrics
	rec     *Reconciler
	units   []domain.ServiceUnit
	ledger  *Ledger
}

// dataTier is admin_console <- {cache, postgres, search}; the three data
// units are adoptable and already running as direct deployments.
func dataTier() []domain.ServiceUnit {
	return []domain.ServiceUnit{
		{Name: "admin_console", Template: stackTemplate("portainer/portainer-ce:2.21.0"), ControlPlane: true, Adopt: true},
		{Name: "cache", Template: stackTemplate("redis:7"), DependsOn: []string{"admin_console"}, Adopt: true},
		{Name: "postgres", Template: stackTemplate("postgres:${PG_VERSION:-16}"), DependsOn: []string{"admin_console"}, Adopt: true},
		{Name: "search", Template: stackTemplate("meilisearch:v1.8"), DependsOn: []string{"admin_console"}, Adopt: true},
	}
}

func newReconcilerFixture(t *testing.T, units []domain.ServiceUnit) *reconcilerFixture {
	t.Helper()

	server := controlplanetest.New()
	t.Cleanup(server.Close)

	cluster := swarmtest.New()
	clk := newFakeClock()
	metrics := NewMetrics(nil)
	api := controlplane.NewClient(controlplane.Config{
		BaseURL:      server.URL,
		Timeout:      5 * time.Second,
		RetryMax:     1,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 2 * time.Millisecond,
	}, nil)

	rec := NewReconciler(cluster, api, NewDeployer(cluster, clk, nil), clk,
		ReconcilerConfig{DrainAttempts: 3, DrainInterval: 2 * time.Second}, metrics, nil)

	stages, err := graph.Layers(units)
	require.NoError(t, err)
	ledger := NewLedger("run-1", nil, clk, nil)
	require.NoError(t, ledger.Load(context.Background(), stages, false))

	ctx := context.Background()
	for _, u := range units {
		cluster.Stacks[u.Name] = "deployed"
		cluster.Services[u.Name] = 1
		require.NoError(t, ledger.Transition(ctx, u.Name, domain.StateDeployedDirect))
		require.NoError(t, ledger.Transition(ctx, u.Name, domain.StateReady))
	}

	return &reconcilerFixture{
		cluster: cluster,
		server:  server,
		clock:   clk,
		metrics: metrics,
		rec:     rec,
		units:   graph.Order(stages),
		ledger:  ledger,
	}
}

func (f *reconcilerFixture) reconcile(creds controlplane.Credentials) (*domain.RunReport, error) {
	return f.rec.Reconcile(context.Background(), f.units, testEnv(), creds, f.ledger)
}

// =============================================================================
// Happy Path
// =============================================================================

func TestReconciler_TeardownThenRecreate(t *testing.T) {
	f := newReconcilerFixture(t, dataTier())
	f.server.OnCreate = func(name string) {
		// Every teardown is issued before the first recreation.
		assert.Len(t, f.cluster.CallsTo("RemoveStack"), 3)
	}

	report, err := f.reconcile(adminCreds)
	require.NoError(t, err)
	assert.True(t, report.Reconciled)

	assert.ElementsMatch(t, []string{"cache", "postgres", "search"}, f.cluster.CallsTo("RemoveStack"))
	creates := f.server.Creates()
	require.Len(t, creates, 3)
	assert.Equal(t, []string{"cache", "postgres", "search"}, []string{creates[0].Name, creates[1].Name, creates[2].Name})

	for _, c := range creates {
		assert.Equal(t, 1, c.EndpointID)
		assert.Equal(t, "swarm-test-id", c.SwarmID)
		assert.Equal(t, "Bearer test-jwt", c.Authorization)
	}
	assert.Contains(t, creates[1].Content, "postgres:16")

	assert.Equal(t, 3, report.CountByState()[domain.StateDeployedManaged])
	cache, _ := report.Record("cache")
	assert.NotZero(t, cache.ControlPlane)
	assert.NotNil(t, cache.ManagedAt)

	// The control plane itself is never torn down.
	admin, _ := report.Record("admin_console")
	assert.Equal(t, domain.StateReady, admin.State)
	assert.NotContains(t, f.cluster.CallsTo("RemoveStack"), "admin_console")
	assert.Empty(t, report.Warnings)
}

func TestReconciler_RejectedRecreateDoesNotStopBatch(t *testing.T) {
	f := newReconcilerFixture(t, dataTier())
	f.server.SetReject("postgres", true)

	report, err := f.reconcile(adminCreds)
	require.NoError(t, err)

	assert.Len(t, f.cluster.CallsTo("RemoveStack"), 3)
	require.Len(t, f.server.Creates(), 3)

	postgres, _ := report.Record("postgres")
	assert.Equal(t, domain.StateFailed, postgres.State)
	assert.Contains(t, postgres.Error, domain.ErrSubmissionRejected.Error())

	search, _ := report.Record("search")
	assert.Equal(t, domain.StateDeployedManaged, search.State)
	assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.reconcile.WithLabelValues("recreate", "created")))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.reconcile.WithLabelValues("recreate", "rejected")))
}

// =============================================================================
// Authentication Safety
// =============================================================================

func TestReconciler_AuthFailureIssuesNoTeardown(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*controlplanetest.Server)
		creds controlplane.Credentials
	}{
		{
			name:  "wrong password",
			setup: func(*controlplanetest.Server) {},
			creds: controlplane.Credentials{Username: "admin", Password: "wrong"},
		},
		{
			name:  "null token",
			setup: func(s *controlplanetest.Server) { s.NullToken = true },
			creds: adminCreds,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newReconcilerFixture(t, dataTier())
			tt.setup(f.server)

			report, err := f.reconcile(tt.creds)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrAuth)
			assert.True(t, domain.IsFatal(err))

			assert.Empty(t, f.cluster.CallsTo("RemoveStack"))
			assert.Empty(t, f.server.Creates())
			assert.False(t, report.Reconciled)
			// Direct deployments stay running.
			assert.Equal(t, 4, report.CountByState()[domain.StateReady])
		})
	}
}

// =============================================================================
// Teardown and Drain
// =============================================================================

func TestReconciler_TeardownNotFoundIsSuccess(t *testing.T) {
	f := newReconcilerFixture(t, dataTier())
	delete(f.cluster.Stacks, "search")
	delete(f.cluster.Services, "search")

	report, err := f.reconcile(adminCreds)
	require.NoError(t, err)

	search, _ := report.Record("search")
	assert.Equal(t, domain.StateDeployedManaged, search.State)
	assert.Len(t, f.server.Creates(), 3)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.reconcile.WithLabelValues("teardown", "not_found")))
}

func TestReconciler_TeardownFailureExcludesUnit(t *testing.T) {
	f := newReconcilerFixture(t, dataTier())
	f.cluster.Errors["RemoveStack/cache"] = swarm.NewSwarmError("RemoveStack", "stack", "cache", "service busy", swarm.ErrRejected)

	report, err := f.reconcile(adminCreds)
	require.NoError(t, err)

	cache, _ := report.Record("cache")
	assert.Equal(t, domain.StateFailed, cache.State)
	creates := f.server.Creates()
	require.Len(t, creates, 2)
	assert.Equal(t, "postgres", creates[0].Name)
	assert.Equal(t, "search", creates[1].Name)
}

func TestReconciler_TeardownUnreachableAborts(t *testing.T) {
	f := newReconcilerFixture(t, dataTier())
	f.cluster.Errors["RemoveStack/search"] = swarm.NewSwarmError("RemoveStack", "stack", "search", "cannot connect", swarm.ErrUnreachable)

	_, err := f.reconcile(adminCreds)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrClusterUnreachable)
	assert.Empty(t, f.server.Creates())
}

func TestReconciler_DrainWait(t *testing.T) {
	f := newReconcilerFixture(t, dataTier())
	f.cluster.CountSequence = []int{3, 1, 0}

	report, err := f.reconcile(adminCreds)
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, f.clock.Sleeps())
	assert.Empty(t, report.Warnings)
	assert.Len(t, f.server.Creates(), 3)
}

func TestReconciler_DrainExhaustionIsWarning(t *testing.T) {
	f := newReconcilerFixture(t, dataTier())
	f.cluster.CountSequence = []int{3, 3, 2}

	report, err := f.reconcile(adminCreds)
	require.NoError(t, err)

	assert.Len(t, f.cluster.CallsTo("CountServices"), 3)
	assert.Len(t, f.clock.Sleeps(), 2)
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "drain wait exhausted after 3 attempts with 2 service(s) remaining")
	// Recreation proceeds regardless.
	assert.Len(t, f.server.Creates(), 3)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.reconcile.WithLabelValues("drain", "exhausted")))
}

// =============================================================================
// Resumability
// =============================================================================

func TestReconciler_AlreadyManagedStackIsNotTornDown(t *testing.T) {
	f := newReconcilerFixture(t, dataTier())
	f.server.AddStack("cache", 1)

	report, err := f.reconcile(adminCreds)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"postgres", "search"}, f.cluster.CallsTo("RemoveStack"))
	assert.Len(t, f.server.Creates(), 2)
	cache, _ := report.Record("cache")
	assert.Equal(t, domain.StateDeployedManaged, cache.State)
	assert.Equal(t, 1, cache.ControlPlane)
}

func TestReconciler_ResumesAfterRejectedRecreate(t *testing.T) {
	f := newReconcilerFixture(t, dataTier())
	f.server.SetReject("postgres", true)

	_, err := f.reconcile(adminCreds)
	require.NoError(t, err)
	postgres, _ := f.ledger.Get("postgres")
	require.Equal(t, domain.StateFailed, postgres.State)
	require.True(t, postgres.AwaitingRecreate())

	f.server.SetReject("postgres", false)
	report, err := f.reconcile(adminCreds)
	require.NoError(t, err)

	postgres, _ = report.Record("postgres")
	assert.Equal(t, domain.StateDeployedManaged, postgres.State)
	assert.Empty(t, postgres.Error)
	assert.Len(t, f.cluster.CallsTo("RemoveStack"), 3)
	creates := f.server.Creates()
	require.Len(t, creates, 4)
	assert.Equal(t, "postgres", creates[3].Name)
	assert.Equal(t, 3, report.CountByState()[domain.StateDeployedManaged])
}

func TestReconciler_FailedTeardownIsRetried(t *testing.T) {
	f := newReconcilerFixture(t, dataTier())
	f.cluster.Errors["RemoveStack/cache"] = swarm.NewSwarmError("RemoveStack", "stack", "cache", "service busy", swarm.ErrRejected)

	_, err := f.reconcile(adminCreds)
	require.NoError(t, err)
	cache, _ := f.ledger.Get("cache")
	require.Equal(t, domain.StateFailed, cache.State)
	// Never removed, so not a candidate for recreation.
	assert.False(t, cache.AwaitingRecreate())
	assert.Len(t, f.server.Creates(), 2)
}

func TestReconciler_ControlPlaneDependencyStaysDirect(t *testing.T) {
	units := []domain.ServiceUnit{
		{Name: "edge_router", Template: stackTemplate("traefik:v3.1"), Adopt: true},
		{Name: "admin_console", Template: stackTemplate("portainer/portainer-ce:2.21.0"), DependsOn: []string{"edge_router"}, ControlPlane: true},
		{Name: "cache", Template: stackTemplate("redis:7"), DependsOn: []string{"admin_console"}, Adopt: true},
	}
	f := newReconcilerFixture(t, units)

	report, err := f.reconcile(adminCreds)
	require.NoError(t, err)

	assert.Equal(t, []string{"cache"}, f.cluster.CallsTo("RemoveStack"))
	creates := f.server.Creates()
	require.Len(t, creates, 1)
	assert.Equal(t, "cache", creates[0].Name)

	edge, _ := report.Record("edge_router")
	assert.Equal(t, domain.StateReady, edge.State)
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "edge_router: kept as direct deployment because control plane admin_console depends on it")
}

func TestReconciler_SecondCallIsNoop(t *testing.T) {
	f := newReconcilerFixture(t, dataTier())

	_, err := f.reconcile(adminCreds)
	require.NoError(t, err)
	report, err := f.reconcile(adminCreds)
	require.NoError(t, err)

	assert.True(t, report.Reconciled)
	assert.Len(t, f.cluster.CallsTo("RemoveStack"), 3)
	assert.Len(t, f.server.Creates(), 3)
	assert.Equal(t, 1, f.server.AuthCount())
}

func TestReconciler_RenderFailureBeforeTeardown(t *testing.T) {
	units := dataTier()
	units[2].Template = stackTemplate("postgres:${PG_VERSION}")
	f := newReconcilerFixture(t, units)

	_, err := f.reconcile(adminCreds)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfig)
	assert.Empty(t, f.cluster.CallsTo("RemoveStack"))
}
