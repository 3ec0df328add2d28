package model

import "fmt"

// ManagedLabel is the label set on every runtime resource created by the control plane.
const ManagedLabel = "rollr.managed"

// RolloutLabel is the label that links a runtime resource with its rollout.
const RolloutLabel = "rollr.rollout-id"

// ContainerSpec describes a detached container to run.
type ContainerSpec struct {
	Name    string
	Image   string
	Network string
	// Aliases are the extra DNS names of the container inside its network.
	Aliases []string
	Env     map[string]string
	Ports   []PortMapping
	Mounts  []Mount
	Cmd     []string
	Labels  map[string]string
}

// Validate validates the container spec.
func (c ContainerSpec) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required: %w", ErrNotValid)
	}
	if c.Image == "" {
		return fmt.Errorf("image is required: %w", ErrNotValid)
	}
	for _, p := range c.Ports {
		if p.ContainerPort <= 0 || p.HostPort < 0 {
			return fmt.Errorf("invalid port mapping %d:%d: %w", p.HostPort, p.ContainerPort, ErrNotValid)
		}
	}
	for _, m := range c.Mounts {
		if m.Source == "" || m.Target == "" {
			return fmt.Errorf("mount source and target are required: %w", ErrNotValid)
		}
	}
	return nil
}

// PortMapping binds a container port to a host port on the loopback interface.
type PortMapping struct {
	HostPort      int
	ContainerPort int
}

// Mount is a host path bind mounted into a container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ExecResult contains the result of an exec operation.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// ManagedResource is a runtime resource owned by the control plane.
type ManagedResource struct {
	Name      string
	RolloutID string
}
