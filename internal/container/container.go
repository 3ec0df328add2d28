package container

import (
	"context"

	"github.com/slok/rollr/internal/model"
)

// Control is the set of container runtime operations the sandbox provisioning needs.
type Control interface {
	// Check performs preflight checks of the runtime and the given images.
	Check(ctx context.Context, images []string) []model.CheckResult

	// EnsureImage makes the image available, building it from buildContext when it
	// is set, pulling it otherwise. Returns true if the image had to be built or pulled.
	EnsureImage(ctx context.Context, name, buildContext string) (bool, error)

	// CreateNetwork creates an isolated network, an existing one is reused.
	CreateNetwork(ctx context.Context, name string, labels map[string]string) error
	// RemoveNetwork removes a network, a missing network is not an error.
	RemoveNetwork(ctx context.Context, name string) error

	// RunContainer creates and starts a detached container returning its handle.
	// It doesn't wait for the application inside to be ready.
	RunContainer(ctx context.Context, spec model.ContainerSpec) (string, error)
	// Exec runs a command inside a running container.
	Exec(ctx context.Context, container string, cmd []string) (*model.ExecResult, error)
	// Stop stops a container, missing or already stopped containers are not an error.
	Stop(ctx context.Context, container string) error
	// Remove removes a container, missing containers are not an error.
	Remove(ctx context.Context, container string) error
	// IsRunning returns false without error when the container doesn't exist.
	IsRunning(ctx context.Context, container string) (bool, error)

	// ListManaged lists the containers and networks labeled as owned by the control plane.
	ListManaged(ctx context.Context) (containers, networks []model.ManagedResource, err error)
}

// ManagedLabels returns the labels every runtime resource of a rollout carries.
func ManagedLabels(rolloutID string) map[string]string {
	return map[string]string{
		model.ManagedLabel: "true",
		model.RolloutLabel: rolloutID,
	}
}
