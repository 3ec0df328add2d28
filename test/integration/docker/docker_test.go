package docker_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/rollr/internal/app/cleanup"
	"github.com/slok/rollr/internal/container"
	"github.com/slok/rollr/internal/container/docker"
	"github.com/slok/rollr/internal/model"
	"github.com/slok/rollr/internal/storage/memory"
	intdocker "github.com/slok/rollr/test/integration/docker"
)

type noopTeardown struct{}

func (noopTeardown) Teardown(context.Context, string, model.Sandbox) {}

// uniqueID generates a unique rollout ID for test isolation.
func uniqueID() string {
	return fmt.Sprintf("it%d", time.Now().UnixNano())
}

func TestDockerControlLifecycle(t *testing.T) {
	config := intdocker.NewConfig(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	ctrl, err := docker.NewControl(docker.ControlConfig{StopTimeoutSeconds: 1})
	require.NoError(t, err)

	id := uniqueID()
	network := model.PlanSandbox(id).Network
	labels := container.ManagedLabels(id)
	name := "rollr-" + id + "-app"
	t.Cleanup(func() {
		ctx := context.Background()
		_ = ctrl.Remove(ctx, name)
		_ = ctrl.RemoveNetwork(ctx, network)
	})

	_, err = ctrl.EnsureImage(ctx, config.Image, "")
	require.NoError(t, err)

	require.NoError(t, ctrl.CreateNetwork(ctx, network, labels))
	// Networks are reused.
	require.NoError(t, ctrl.CreateNetwork(ctx, network, labels))

	_, err = ctrl.RunContainer(ctx, model.ContainerSpec{
		Name:    name,
		Image:   config.Image,
		Network: network,
		Aliases: []string{"app"},
		Env:     map[string]string{"ROLLOUT_ID": id},
		Cmd:     []string{"sleep", "300"},
		Labels:  labels,
	})
	require.NoError(t, err)

	running, err := ctrl.IsRunning(ctx, name)
	require.NoError(t, err)
	assert.True(t, running)

	res, err := ctrl.Exec(ctx, name, []string{"sh", "-c", "echo $ROLLOUT_ID"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, id, strings.TrimSpace(res.Stdout))

	res, err = ctrl.Exec(ctx, name, []string{"sh", "-c", "exit 3"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)

	containers, networks, err := ctrl.ListManaged(ctx)
	require.NoError(t, err)
	assert.Contains(t, containers, model.ManagedResource{Name: name, RolloutID: id})
	assert.Contains(t, networks, model.ManagedResource{Name: network, RolloutID: id})

	require.NoError(t, ctrl.Stop(ctx, name))
	running, err = ctrl.IsRunning(ctx, name)
	require.NoError(t, err)
	assert.False(t, running)

	// Removals are idempotent.
	require.NoError(t, ctrl.Remove(ctx, name))
	require.NoError(t, ctrl.Remove(ctx, name))
	require.NoError(t, ctrl.RemoveNetwork(ctx, network))
	require.NoError(t, ctrl.RemoveNetwork(ctx, network))

	running, err = ctrl.IsRunning(ctx, name)
	require.NoError(t, err)
	assert.False(t, running)
}

func TestCleanupRemovesManagedResources(t *testing.T) {
	config := intdocker.NewConfig(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	ctrl, err := docker.NewControl(docker.ControlConfig{StopTimeoutSeconds: 1})
	require.NoError(t, err)
	_, err = ctrl.EnsureImage(ctx, config.Image, "")
	require.NoError(t, err)

	id := uniqueID()
	network := model.PlanSandbox(id).Network
	require.NoError(t, ctrl.CreateNetwork(ctx, network, container.ManagedLabels(id)))
	for _, suffix := range []string{"db", "app"} {
		_, err := ctrl.RunContainer(ctx, model.ContainerSpec{
			Name:    fmt.Sprintf("rollr-%s-%s", id, suffix),
			Image:   config.Image,
			Network: network,
			Cmd:     []string{"sleep", "300"},
			Labels:  container.ManagedLabels(id),
		})
		require.NoError(t, err)
	}

	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(t, err)
	svc, err := cleanup.NewService(cleanup.ServiceConfig{
		Repository: repo,
		Control:    ctrl,
		Teardown:   noopTeardown{},
	})
	require.NoError(t, err)

	res, err := svc.Run(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.RemovedContainers, 2)
	assert.GreaterOrEqual(t, res.RemovedNetworks, 1)

	containers, networks, err := ctrl.ListManaged(ctx)
	require.NoError(t, err)
	for _, c := range containers {
		assert.NotEqual(t, id, c.RolloutID)
	}
	for _, n := range networks {
		assert.NotEqual(t, id, n.RolloutID)
	}
}

func TestBinaryDoctorAndList(t *testing.T) {
	config := intdocker.NewConfig(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	dataDir := t.TempDir()

	stdout, stderr, err := intdocker.RunRollrCmd(ctx, t, config, dataDir, "list")
	require.NoError(t, err, "stderr: %s", stderr)
	assert.Contains(t, string(stdout), "No rollouts found")

	stdout, stderr, err = intdocker.RunRollrCmd(ctx, t, config, dataDir, "list", "--format", "json")
	require.NoError(t, err, "stderr: %s", stderr)
	assert.Equal(t, "[]", strings.TrimSpace(string(stdout)))

	// Missing images are warnings, the daemon check must pass.
	stdout, _, _ = intdocker.RunRollrCmd(ctx, t, config, dataDir, "doctor")
	assert.Contains(t, string(stdout), "Docker daemon reachable")
}
