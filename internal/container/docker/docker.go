package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/slok/rollr/internal/log"
	"github.com/slok/rollr/internal/model"
)

// DockerClient is the interface for Docker operations that we use.
type DockerClient interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
	NetworkRemove(ctx context.Context, networkID string) error
	NetworkList(ctx context.Context, options network.ListOptions) ([]network.Summary, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
}

// CmdRunner runs docker CLI commands, image builds and execs go through the CLI.
type CmdRunner func(ctx context.Context, args []string, stdout, stderr io.Writer) (exitCode int, err error)

// ControlConfig is the configuration for the Docker container control.
type ControlConfig struct {
	Client DockerClient
	// RunCmd runs docker CLI commands, defaults to the docker binary.
	RunCmd CmdRunner
	// StopTimeoutSeconds is the graceful stop time before a container is killed.
	StopTimeoutSeconds int
	Logger             log.Logger
}

func (c *ControlConfig) defaults() error {
	if c.Client == nil {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return fmt.Errorf("could not create Docker client: %w", err)
		}
		c.Client = cli
	}
	if c.RunCmd == nil {
		c.RunCmd = runDockerCLI
	}
	if c.StopTimeoutSeconds <= 0 {
		c.StopTimeoutSeconds = 10
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "container.Docker"})
	return nil
}

// Control is the Docker implementation of container.Control.
type Control struct {
	client      DockerClient
	runCmd      CmdRunner
	stopTimeout int
	logger      log.Logger
}

// NewControl creates a new Docker container control.
func NewControl(cfg ControlConfig) (*Control, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Control{
		client:      cfg.Client,
		runCmd:      cfg.RunCmd,
		stopTimeout: cfg.StopTimeoutSeconds,
		logger:      cfg.Logger,
	}, nil
}

// Check verifies the Docker daemon is reachable and the images are present.
func (c *Control) Check(ctx context.Context, images []string) []model.CheckResult {
	ping, err := c.client.Ping(ctx)
	if err != nil {
		return []model.CheckResult{{
			ID:      "docker_daemon",
			Message: fmt.Sprintf("Docker daemon is not reachable: %v", err),
			Status:  model.CheckStatusError,
		}}
	}

	results := []model.CheckResult{{
		ID:      "docker_daemon",
		Message: fmt.Sprintf("Docker daemon reachable (API %s)", ping.APIVersion),
		Status:  model.CheckStatusOK,
	}}

	for _, img := range images {
		ok, err := c.hasImage(ctx, img)
		switch {
		case err != nil:
			results = append(results, model.CheckResult{ID: "image", Message: fmt.Sprintf("Could not list image %s: %v", img, err), Status: model.CheckStatusError})
		case !ok:
			results = append(results, model.CheckResult{ID: "image", Message: fmt.Sprintf("Image %s missing, it will be built or pulled on first use", img), Status: model.CheckStatusWarning})
		default:
			results = append(results, model.CheckResult{ID: "image", Message: fmt.Sprintf("Image %s present", img), Status: model.CheckStatusOK})
		}
	}

	return results
}

// EnsureImage builds or pulls the image when it is missing.
func (c *Control) EnsureImage(ctx context.Context, name, buildContext string) (bool, error) {
	ok, err := c.hasImage(ctx, name)
	if err != nil {
		return false, fmt.Errorf("could not list images: %w", err)
	}
	if ok {
		c.logger.Debugf("Image %s already present", name)
		return false, nil
	}

	if buildContext != "" {
		c.logger.Infof("Building image %s from %s", name, buildContext)
		var stderr bytes.Buffer
		code, err := c.runCmd(ctx, []string{"build", "-t", name, buildContext}, io.Discard, &stderr)
		if err != nil {
			return false, fmt.Errorf("could not build image %s: %w", name, err)
		}
		if code != 0 {
			return false, fmt.Errorf("image %s build exited with code %d: %s", name, code, strings.TrimSpace(stderr.String()))
		}
		return true, nil
	}

	c.logger.Infof("Pulling image %s", name)
	pullResp, err := c.client.ImagePull(ctx, name, image.PullOptions{})
	if err != nil {
		return false, fmt.Errorf("could not pull image %s: %w", name, err)
	}
	defer pullResp.Close()
	if _, err := io.Copy(io.Discard, pullResp); err != nil {
		return false, fmt.Errorf("could not pull image %s: %w", name, err)
	}

	return true, nil
}

func (c *Control) hasImage(ctx context.Context, name string) (bool, error) {
	imgs, err := c.client.ImageList(ctx, image.ListOptions{Filters: filters.NewArgs(filters.Arg("reference", name))})
	if err != nil {
		return false, err
	}
	return len(imgs) > 0, nil
}

// CreateNetwork creates a bridge network.
func (c *Control) CreateNetwork(ctx context.Context, name string, labels map[string]string) error {
	_, err := c.client.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge", Labels: labels})
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			c.logger.Debugf("Network %s already exists", name)
			return nil
		}
		return fmt.Errorf("could not create network %s: %w", name, err)
	}

	c.logger.Debugf("Created network %s", name)
	return nil
}

// RemoveNetwork removes a network.
func (c *Control) RemoveNetwork(ctx context.Context, name string) error {
	if err := c.client.NetworkRemove(ctx, name); err != nil {
		if isNotFound(err) {
			c.logger.Debugf("Network %s already removed", name)
			return nil
		}
		return fmt.Errorf("could not remove network %s: %w", name, err)
	}

	c.logger.Debugf("Removed network %s", name)
	return nil
}

// RunContainer creates and starts a detached container.
func (c *Control) RunContainer(ctx context.Context, spec model.ContainerSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range spec.Ports {
		port := nat.Port(fmt.Sprintf("%d/tcp", p.ContainerPort))
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(p.HostPort)}}
	}

	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: m.Source, Target: m.Target, ReadOnly: m.ReadOnly})
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          env,
		Cmd:          spec.Cmd,
		Labels:       spec.Labels,
		ExposedPorts: exposed,
	}
	hostCfg := &container.HostConfig{
		PortBindings: bindings,
		Mounts:       mounts,
		// Lets the sandbox reach the control plane on Linux hosts too.
		ExtraHosts: []string{"host.docker.internal:host-gateway"},
	}
	var netCfg *network.NetworkingConfig
	if spec.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(spec.Network)
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.Network: {Aliases: spec.Aliases},
			},
		}
	}

	resp, err := c.client.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("could not create container %s: %w", spec.Name, err)
	}

	if err := c.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if rmErr := c.client.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true}); rmErr != nil {
			c.logger.Warningf("Could not remove container %s after failed start: %v", spec.Name, rmErr)
		}
		return "", fmt.Errorf("could not start container %s: %w", spec.Name, err)
	}

	c.logger.Debugf("Started container %s (%s)", spec.Name, resp.ID)
	return spec.Name, nil
}

// Exec runs a command inside a running container using the docker CLI.
func (c *Control) Exec(ctx context.Context, name string, cmd []string) (*model.ExecResult, error) {
	if len(cmd) == 0 {
		return nil, fmt.Errorf("command cannot be empty: %w", model.ErrNotValid)
	}

	args := append([]string{"exec", name}, cmd...)
	c.logger.Debugf("Executing command in container %s: docker %v", name, args)

	var stdout, stderr bytes.Buffer
	code, err := c.runCmd(ctx, args, &stdout, &stderr)
	if err != nil {
		return nil, fmt.Errorf("could not exec in container %s: %w", name, err)
	}

	// The CLI reports missing containers with its own exit code and a message.
	if code != 0 {
		msg := stderr.String()
		if strings.Contains(msg, "No such container") {
			return nil, fmt.Errorf("container %s: %w", name, model.ErrNotFound)
		}
		if strings.Contains(msg, "is not running") {
			return nil, fmt.Errorf("container %s is not running: %w", name, model.ErrNotValid)
		}
	}

	return &model.ExecResult{ExitCode: code, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

// Stop stops a container.
func (c *Control) Stop(ctx context.Context, name string) error {
	timeout := c.stopTimeout
	if err := c.client.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil {
		if isNotFound(err) || strings.Contains(err.Error(), "is not running") || strings.Contains(err.Error(), "is already stopped") {
			c.logger.Debugf("Container %s already stopped", name)
			return nil
		}
		return fmt.Errorf("could not stop container %s: %w", name, err)
	}

	c.logger.Debugf("Stopped container %s", name)
	return nil
}

// Remove force removes a container with its anonymous volumes.
func (c *Control) Remove(ctx context.Context, name string) error {
	err := c.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil {
		if isNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			c.logger.Debugf("Container %s already removed", name)
			return nil
		}
		return fmt.Errorf("could not remove container %s: %w", name, err)
	}

	c.logger.Debugf("Removed container %s", name)
	return nil
}

// IsRunning inspects the container state.
func (c *Control) IsRunning(ctx context.Context, name string) (bool, error) {
	info, err := c.client.ContainerInspect(ctx, name)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("could not inspect container %s: %w", name, err)
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return false, nil
	}

	return info.State.Running, nil
}

// ListManaged lists the labeled containers and networks.
func (c *Control) ListManaged(ctx context.Context) (containers, networks []model.ManagedResource, err error) {
	f := filters.NewArgs(filters.Arg("label", model.ManagedLabel+"=true"))

	cs, err := c.client.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, nil, fmt.Errorf("could not list containers: %w", err)
	}
	for _, ct := range cs {
		name := ct.ID
		if len(ct.Names) > 0 {
			name = strings.TrimPrefix(ct.Names[0], "/")
		}
		containers = append(containers, model.ManagedResource{Name: name, RolloutID: ct.Labels[model.RolloutLabel]})
	}

	ns, err := c.client.NetworkList(ctx, network.ListOptions{Filters: f})
	if err != nil {
		return nil, nil, fmt.Errorf("could not list networks: %w", err)
	}
	for _, n := range ns {
		networks = append(networks, model.ManagedResource{Name: n.Name, RolloutID: n.Labels[model.RolloutLabel]})
	}

	return containers, networks, nil
}

func isNotFound(err error) bool {
	return client.IsErrNotFound(err) || strings.Contains(err.Error(), "No such container") || strings.Contains(err.Error(), "not found")
}

func runDockerCLI(ctx context.Context, args []string, stdout, stderr io.Writer) (int, error) {
	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		return 0, err
	}

	return 0, nil
}
