package rollout

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/artpar/stackup/internal/core/domain"
	"github.com/artpar/stackup/internal/shell/clock"
)

var testStart = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// =============================================================================
// Fake Prober
// =============================================================================

var errNotReady = errors.New("connection refused")

// fakeProber reports an endpoint healthy once it has been checked
// failuresBefore[endpoint] times. Endpoints in never stay unhealthy.
type fakeProber struct {
	mu             sync.Mutex
	failuresBefore map[string]int
	never          map[string]bool
	checks         map[string]int
	onCheck        func(endpoint string)
}

func newFakeProber() *fakeProber {
	return &fakeProber{
		failuresBefore: make(map[string]int),
		never:          make(map[string]bool),
		checks:         make(map[string]int),
	}
}

func (f *fakeProber) Check(ctx context.Context, p domain.Probe) error {
	f.mu.Lock()
	f.checks[p.Endpoint]++
	n := f.checks[p.Endpoint]
	hook := f.onCheck
	healthy := !f.never[p.Endpoint] && n > f.failuresBefore[p.Endpoint]
	f.mu.Unlock()

	if hook != nil {
		hook(p.Endpoint)
	}
	if !healthy {
		return errNotReady
	}
	return nil
}

func (f *fakeProber) Checks(endpoint string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checks[endpoint]
}

// =============================================================================
// Event Log
// =============================================================================

// eventLog records deploy and probe events across fakes in order.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) index(e string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, v := range l.events {
		if v == e {
			return i
		}
	}
	return -1
}

// =============================================================================
// Fixtures
// =============================================================================

const (
	edgeEndpoint  = "https://edge.test/ping"
	adminEndpoint = "https://admin.test/api/system/status"
)

func stackTemplate(image string) string {
	return "services:\n  app:\n    image: " + image + "\n"
}

// threeTier is edge_router <- admin_console <- data_store.
func threeTier() []domain.ServiceUnit {
	return []domain.ServiceUnit{
		{
			Name:      "data_store",
			Template:  stackTemplate("postgres:${PG_VERSION:-16}"),
			DependsOn: []string{"admin_console"},
			Adopt:     true,
		},
		{
			Name:     "edge_router",
			Template: "services:\n  traefik:\n    image: traefik:v3.1\n    deploy:\n      labels:\n        traefik.http.routers.api.rule: Host(`traefik.${DOMAIN}`)\n",
			Probe:    &domain.Probe{Protocol: domain.ProbeHTTPS, Endpoint: edgeEndpoint},
			Adopt:    true,
		},
		{
			Name:         "admin_console",
			Template:     "services:\n  portainer:\n    image: portainer/portainer-ce:2.21.0\n    deploy:\n      labels:\n        traefik.http.routers.admin.rule: Host(`admin.${DOMAIN}`)\n",
			DependsOn:    []string{"edge_router"},
			Probe:        &domain.Probe{Protocol: domain.ProbeHTTPS, Endpoint: adminEndpoint},
			ControlPlane: true,
		},
	}
}

func testEnv() domain.Environment {
	return domain.NewEnvironment(map[string]string{"DOMAIN": "example.com"})
}

func findUnit(units []domain.ServiceUnit, name string) domain.ServiceUnit {
	for _, u := range units {
		if u.Name == name {
			return u
		}
	}
	panic("unknown unit " + name)
}

func newFakeClock() *clock.Fake {
	return clock.NewFake(testStart)
}
