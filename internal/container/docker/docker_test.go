package docker_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/rollr/internal/container/docker"
	"github.com/slok/rollr/internal/log"
	"github.com/slok/rollr/internal/model"
)

// fakeClient implements the used Docker client methods, unused ones panic through the nil interface.
type fakeClient struct {
	docker.DockerClient

	images      []image.Summary
	pulled      []string
	created     *container.Config
	createdHost *container.HostConfig
	createdNet  *network.NetworkingConfig
	startErr    error
	removed     []string
	inspect     container.InspectResponse
	inspectErr  error
	netRmErr    error
	stopErr     error
}

func (f *fakeClient) ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error) {
	return f.images, nil
}

func (f *fakeClient) ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error) {
	f.pulled = append(f.pulled, ref)
	return io.NopCloser(strings.NewReader(`{"status":"done"}`)), nil
}

func (f *fakeClient) NetworkRemove(ctx context.Context, networkID string) error { return f.netRmErr }

func (f *fakeClient) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	f.created, f.createdHost, f.createdNet = config, hostConfig, networkingConfig
	return container.CreateResponse{ID: "cid-" + containerName}, nil
}

func (f *fakeClient) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	return f.startErr
}

func (f *fakeClient) ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error {
	return f.stopErr
}

func (f *fakeClient) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	f.removed = append(f.removed, containerID)
	return nil
}

func (f *fakeClient) ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error) {
	return f.inspect, f.inspectErr
}

func newControl(t *testing.T, cli *fakeClient, run docker.CmdRunner) *docker.Control {
	t.Helper()
	c, err := docker.NewControl(docker.ControlConfig{Client: cli, RunCmd: run, Logger: log.Noop})
	require.NoError(t, err)
	return c
}

func TestControlIsRunning(t *testing.T) {
	tests := map[string]struct {
		inspect    container.InspectResponse
		inspectErr error
		exp        bool
		expErr     bool
	}{
		"A running container should be running.": {
			inspect: container.InspectResponse{ContainerJSONBase: &container.ContainerJSONBase{State: &container.State{Running: true}}},
			exp:     true,
		},
		"An exited container should not be running.": {
			inspect: container.InspectResponse{ContainerJSONBase: &container.ContainerJSONBase{State: &container.State{Running: false, Status: "exited"}}},
			exp:     false,
		},
		"A missing container should not be running without error.": {
			inspectErr: fmt.Errorf("Error response from daemon: No such container: x"),
			exp:        false,
		},
		"Other inspect errors should be returned.": {
			inspectErr: fmt.Errorf("daemon unavailable"),
			expErr:     true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			c := newControl(t, &fakeClient{inspect: test.inspect, inspectErr: test.inspectErr}, nil)

			got, err := c.IsRunning(context.Background(), "x")
			if test.expErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.exp, got)
		})
	}
}

func TestControlRunContainer(t *testing.T) {
	cli := &fakeClient{}
	c := newControl(t, cli, nil)

	handle, err := c.RunContainer(context.Background(), model.ContainerSpec{
		Name:    "rollr-a-app",
		Image:   "metabase/metabase:latest",
		Network: "rollr-a-net",
		Aliases: []string{"app"},
		Env:     map[string]string{"B": "2", "A": "1"},
		Ports:   []model.PortMapping{{HostPort: 8100, ContainerPort: 3000}},
		Mounts:  []model.Mount{{Source: "/tmp/dump", Target: "/seed/dump", ReadOnly: true}},
		Labels:  map[string]string{model.ManagedLabel: "true"},
	})
	require.NoError(t, err)

	assert.Equal(t, "rollr-a-app", handle)
	assert.Equal(t, []string{"A=1", "B=2"}, cli.created.Env)
	assert.Contains(t, cli.created.ExposedPorts, nat.Port("3000/tcp"))
	assert.Equal(t, []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: "8100"}}, cli.createdHost.PortBindings[nat.Port("3000/tcp")])
	assert.Equal(t, container.NetworkMode("rollr-a-net"), cli.createdHost.NetworkMode)
	assert.Equal(t, []string{"app"}, cli.createdNet.EndpointsConfig["rollr-a-net"].Aliases)
	require.Len(t, cli.createdHost.Mounts, 1)
	assert.True(t, cli.createdHost.Mounts[0].ReadOnly)
}

func TestControlRunContainerStartFailureRemovesContainer(t *testing.T) {
	cli := &fakeClient{startErr: errors.New("port is already allocated")}
	c := newControl(t, cli, nil)

	_, err := c.RunContainer(context.Background(), model.ContainerSpec{Name: "n", Image: "i"})
	require.Error(t, err)
	assert.Equal(t, []string{"cid-n"}, cli.removed)
}

func TestControlEnsureImage(t *testing.T) {
	tests := map[string]struct {
		images       []image.Summary
		buildContext string
		runCode      int
		expChanged   bool
		expPulled    []string
		expBuildArgs []string
		expErr       bool
	}{
		"A present image should not be built nor pulled.": {
			images:     []image.Summary{{ID: "sha256:1"}},
			expChanged: false,
		},
		"A missing image without build context should be pulled.": {
			expChanged: true,
			expPulled:  []string{"postgres:16"},
		},
		"A missing image with build context should be built.": {
			buildContext: "./worker",
			expChanged:   true,
			expBuildArgs: []string{"build", "-t", "postgres:16", "./worker"},
		},
		"A failing build should fail.": {
			buildContext: "./worker",
			runCode:      1,
			expBuildArgs: []string{"build", "-t", "postgres:16", "./worker"},
			expErr:       true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			var gotArgs []string
			run := func(ctx context.Context, args []string, stdout, stderr io.Writer) (int, error) {
				gotArgs = args
				return test.runCode, nil
			}
			cli := &fakeClient{images: test.images}
			c := newControl(t, cli, run)

			changed, err := c.EnsureImage(context.Background(), "postgres:16", test.buildContext)
			assert.Equal(t, test.expBuildArgs, gotArgs)
			assert.Equal(t, test.expPulled, cli.pulled)
			if test.expErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expChanged, changed)
		})
	}
}

func TestControlExec(t *testing.T) {
	tests := map[string]struct {
		code      int
		stdout    string
		stderr    string
		expResult *model.ExecResult
		expErr    error
	}{
		"A successful command should return its output.": {
			stdout:    "accepting connections",
			expResult: &model.ExecResult{ExitCode: 0, Stdout: "accepting connections"},
		},
		"A failing command should return its exit code.": {
			code:      2,
			stderr:    "no response",
			expResult: &model.ExecResult{ExitCode: 2, Stderr: "no response"},
		},
		"A missing container should return not found.": {
			code:   1,
			stderr: "Error response from daemon: No such container: x",
			expErr: model.ErrNotFound,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			run := func(ctx context.Context, args []string, stdout, stderr io.Writer) (int, error) {
				assert.Equal(t, []string{"exec", "x", "pg_isready"}, args)
				_, _ = io.WriteString(stdout, test.stdout)
				_, _ = io.WriteString(stderr, test.stderr)
				return test.code, nil
			}
			c := newControl(t, &fakeClient{}, run)

			res, err := c.Exec(context.Background(), "x", []string{"pg_isready"})
			if test.expErr != nil {
				assert.ErrorIs(t, err, test.expErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expResult, res)
		})
	}
}

func TestControlIdempotentRemovals(t *testing.T) {
	cli := &fakeClient{
		netRmErr: fmt.Errorf("Error response from daemon: network rollr-a-net not found"),
		stopErr:  fmt.Errorf("Error response from daemon: No such container: rollr-a-db"),
	}
	c := newControl(t, cli, nil)

	assert.NoError(t, c.RemoveNetwork(context.Background(), "rollr-a-net"))
	assert.NoError(t, c.Stop(context.Background(), "rollr-a-db"))
}
