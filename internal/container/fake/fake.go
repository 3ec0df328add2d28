package fake

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/slok/rollr/internal/log"
	"github.com/slok/rollr/internal/model"
)

// ExecFunc simulates a command run inside a container.
type ExecFunc func(container string, cmd []string) (*model.ExecResult, error)

// ControlConfig is the configuration for the fake container control.
type ControlConfig struct {
	// Exec simulates execs, defaults to always succeeding.
	Exec   ExecFunc
	Logger log.Logger
}

func (c *ControlConfig) defaults() error {
	if c.Exec == nil {
		c.Exec = func(string, []string) (*model.ExecResult, error) { return &model.ExecResult{}, nil }
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "container.Fake"})
	return nil
}

type fakeContainer struct {
	spec    model.ContainerSpec
	running bool
}

type failKey struct {
	op     string
	target string
}

// Control is an in-memory implementation of container.Control.
// It simulates the runtime without running real containers.
type Control struct {
	images     map[string]bool
	networks   map[string]map[string]string
	containers map[string]*fakeContainer
	failures   map[failKey]error
	exec       ExecFunc
	mu         sync.Mutex
	logger     log.Logger
}

// NewControl creates a new fake container control.
func NewControl(cfg ControlConfig) (*Control, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Control{
		images:     map[string]bool{},
		networks:   map[string]map[string]string{},
		containers: map[string]*fakeContainer{},
		failures:   map[failKey]error{},
		exec:       cfg.Exec,
		logger:     cfg.Logger,
	}, nil
}

// FailOn makes the op (method name) fail with err for the target (container, network
// or image name), an empty target fails the op for every target.
func (c *Control) FailOn(op, target string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[failKey{op: op, target: target}] = err
}

func (c *Control) failure(op, target string) error {
	if err, ok := c.failures[failKey{op: op, target: target}]; ok {
		return err
	}
	return c.failures[failKey{op: op}]
}

// Kill stops a container as if it had died, without removing it.
func (c *Control) Kill(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ct, ok := c.containers[name]; ok {
		ct.running = false
	}
}

// Containers returns the names of the existing containers sorted.
func (c *Control) Containers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := []string{}
	for n := range c.containers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Networks returns the names of the existing networks sorted.
func (c *Control) Networks() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := []string{}
	for n := range c.networks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Container returns the spec a container was run with.
func (c *Control) Container(name string) (model.ContainerSpec, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ct, ok := c.containers[name]
	if !ok {
		return model.ContainerSpec{}, false
	}
	return ct.spec, true
}

// Check returns all checks as OK.
func (c *Control) Check(_ context.Context, images []string) []model.CheckResult {
	return []model.CheckResult{{ID: "fake_runtime", Message: "Fake runtime always available", Status: model.CheckStatusOK}}
}

// EnsureImage marks the image as present.
func (c *Control) EnsureImage(_ context.Context, name, _ string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.failure("EnsureImage", name); err != nil {
		return false, err
	}
	if c.images[name] {
		return false, nil
	}
	c.images[name] = true
	return true, nil
}

// CreateNetwork creates a network, existing networks are reused.
func (c *Control) CreateNetwork(_ context.Context, name string, labels map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.failure("CreateNetwork", name); err != nil {
		return err
	}
	if _, ok := c.networks[name]; !ok {
		c.networks[name] = labels
	}
	return nil
}

// RemoveNetwork removes a network.
func (c *Control) RemoveNetwork(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.failure("RemoveNetwork", name); err != nil {
		return err
	}
	for cn, ct := range c.containers {
		if ct.spec.Network == name {
			return fmt.Errorf("network %s has active endpoint %s", name, cn)
		}
	}
	delete(c.networks, name)
	return nil
}

// RunContainer registers a running container.
func (c *Control) RunContainer(_ context.Context, spec model.ContainerSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.failure("RunContainer", spec.Name); err != nil {
		return "", err
	}
	if _, ok := c.containers[spec.Name]; ok {
		return "", fmt.Errorf("container %s: %w", spec.Name, model.ErrAlreadyExists)
	}
	if _, ok := c.networks[spec.Network]; spec.Network != "" && !ok {
		return "", fmt.Errorf("network %s: %w", spec.Network, model.ErrNotFound)
	}
	for _, p := range spec.Ports {
		for n, ct := range c.containers {
			for _, op := range ct.spec.Ports {
				if op.HostPort == p.HostPort {
					return "", fmt.Errorf("port %d already allocated by %s", p.HostPort, n)
				}
			}
		}
	}

	c.containers[spec.Name] = &fakeContainer{spec: spec, running: true}
	c.logger.Debugf("Started container %s", spec.Name)
	return spec.Name, nil
}

// Exec runs the configured exec function on a running container.
func (c *Control) Exec(_ context.Context, name string, cmd []string) (*model.ExecResult, error) {
	c.mu.Lock()
	if err := c.failure("Exec", name); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	ct, ok := c.containers[name]
	running := ok && ct.running
	c.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("container %s: %w", name, model.ErrNotFound)
	}
	if !running {
		return nil, fmt.Errorf("container %s is not running: %w", name, model.ErrNotValid)
	}

	return c.exec(name, cmd)
}

// Stop stops a container.
func (c *Control) Stop(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.failure("Stop", name); err != nil {
		return err
	}
	if ct, ok := c.containers[name]; ok {
		ct.running = false
	}
	return nil
}

// Remove removes a container.
func (c *Control) Remove(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.failure("Remove", name); err != nil {
		return err
	}
	delete(c.containers, name)
	return nil
}

// IsRunning returns the container running state.
func (c *Control) IsRunning(_ context.Context, name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.failure("IsRunning", name); err != nil {
		return false, err
	}
	ct, ok := c.containers[name]
	return ok && ct.running, nil
}

// ListManaged lists the labeled containers and networks.
func (c *Control) ListManaged(_ context.Context) (containers, networks []model.ManagedResource, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for n, ct := range c.containers {
		if ct.spec.Labels[model.ManagedLabel] == "true" {
			containers = append(containers, model.ManagedResource{Name: n, RolloutID: ct.spec.Labels[model.RolloutLabel]})
		}
	}
	for n, labels := range c.networks {
		if labels[model.ManagedLabel] == "true" {
			networks = append(networks, model.ManagedResource{Name: n, RolloutID: labels[model.RolloutLabel]})
		}
	}
	sort.Slice(containers, func(i, j int) bool { return containers[i].Name < containers[j].Name })
	sort.Slice(networks, func(i, j int) bool { return networks[i].Name < networks[j].Name })

	return containers, networks, nil
}
