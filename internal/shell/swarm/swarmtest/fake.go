// Package swarmtest provides an in-memory cluster manager for tests.
package swarmtest

import (
	"context"
	"sync"

	"github.com/artpar/stackup/internal/shell/swarm"
)

// Call is one recorded cluster-manager call.
type Call struct {
	Op   string // CreateNetwork, CreateVolume, CreateSecret, DeleteSecret, DeployStack, RemoveStack, CountServices
	Name string
}

// Fake is an in-memory swarm.Client. It records every call in order and
// keeps track of created objects so repeated creates report ErrAlreadyExists.
type Fake struct {
	mu sync.Mutex

	Networks map[string]swarm.NetworkSpec
	Volumes  map[string]swarm.VolumeSpec
	Secrets  map[string][]byte
	Stacks   map[string]string // name -> last definition

	// Services is the number of services each deployed stack contributes.
	Services map[string]int

	// Errors injects a failure per "Op/name" key, e.g. "DeployStack/app".
	Errors map[string]error

	// CountSequence, when set, is returned by successive CountServices calls.
	CountSequence []int

	ID    string
	calls []Call

	// OnDeploy runs after a successful DeployStack, outside the lock.
	OnDeploy func(name string)
}

var _ swarm.Client = (*Fake)(nil)

// New creates an empty fake cluster.
func New() *Fake {
	return &Fake{
		Networks: make(map[string]swarm.NetworkSpec),
		Volumes:  make(map[string]swarm.VolumeSpec),
		Secrets:  make(map[string][]byte),
		Stacks:   make(map[string]string),
		Services: make(map[string]int),
		Errors:   make(map[string]error),
		ID:       "swarm-test-id",
	}
}

func (f *Fake) record(op, name string) error {
	f.calls = append(f.calls, Call{Op: op, Name: name})
	return f.Errors[op+"/"+name]
}

// Calls returns the recorded calls in order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsTo returns the names passed to op, in call order.
func (f *Fake) CallsTo(op string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for _, c := range f.calls {
		if c.Op == op {
			names = append(names, c.Name)
		}
	}
	return names
}

func (f *Fake) CreateNetwork(ctx context.Context, spec swarm.NetworkSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateNetwork", spec.Name); err != nil {
		return err
	}
	if _, ok := f.Networks[spec.Name]; ok {
		return swarm.NewSwarmError("CreateNetwork", "network", spec.Name, "network already exists", swarm.ErrAlreadyExists)
	}
	f.Networks[spec.Name] = spec
	return nil
}

func (f *Fake) CreateVolume(ctx context.Context, spec swarm.VolumeSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateVolume", spec.Name); err != nil {
		return err
	}
	if _, ok := f.Volumes[spec.Name]; ok {
		return swarm.NewSwarmError("CreateVolume", "volume", spec.Name, "volume already exists", swarm.ErrAlreadyExists)
	}
	f.Volumes[spec.Name] = spec
	return nil
}

func (f *Fake) CreateSecret(ctx context.Context, name string, data []byte, labels map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateSecret", name); err != nil {
		return err
	}
	if _, ok := f.Secrets[name]; ok {
		return swarm.NewSwarmError("CreateSecret", "secret", name, "secret already exists", swarm.ErrAlreadyExists)
	}
	f.Secrets[name] = append([]byte(nil), data...)
	return nil
}

func (f *Fake) DeleteSecret(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteSecret", name); err != nil {
		return err
	}
	if _, ok := f.Secrets[name]; !ok {
		return swarm.NewSwarmError("DeleteSecret", "secret", name, "secret not found", swarm.ErrNotFound)
	}
	delete(f.Secrets, name)
	return nil
}

func (f *Fake) DeployStack(ctx context.Context, name, definition string) error {
	f.mu.Lock()
	if err := f.record("DeployStack", name); err != nil {
		f.mu.Unlock()
		return err
	}
	f.Stacks[name] = definition
	if _, ok := f.Services[name]; !ok {
		f.Services[name] = 1
	}
	hook := f.OnDeploy
	f.mu.Unlock()

	if hook != nil {
		hook(name)
	}
	return nil
}

func (f *Fake) RemoveStack(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("RemoveStack", name); err != nil {
		return err
	}
	if _, ok := f.Stacks[name]; !ok {
		return swarm.NewSwarmError("RemoveStack", "stack", name, "stack not found", swarm.ErrNotFound)
	}
	delete(f.Stacks, name)
	delete(f.Services, name)
	return nil
}

func (f *Fake) CountServices(ctx context.Context, stacks ...string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CountServices", ""); err != nil {
		return 0, err
	}
	if len(f.CountSequence) > 0 {
		n := f.CountSequence[0]
		f.CountSequence = f.CountSequence[1:]
		return n, nil
	}
	total := 0
	if len(stacks) == 0 {
		for _, n := range f.Services {
			total += n
		}
		return total, nil
	}
	for _, s := range stacks {
		total += f.Services[s]
	}
	return total, nil
}

func (f *Fake) ClusterID(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ClusterID", ""); err != nil {
		return "", err
	}
	return f.ID, nil
}

func (f *Fake) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record("Ping", "")
}

func (f *Fake) Close() error {
	return nil
}
