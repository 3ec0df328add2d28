package provision

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/slok/rollr/internal/container"
	"github.com/slok/rollr/internal/log"
	"github.com/slok/rollr/internal/model"
	"github.com/slok/rollr/internal/port"
	"github.com/slok/rollr/internal/seed"
)

const appAlias = "app"

// Worker container environment.
const (
	EnvRolloutID   = "ROLLOUT_ID"
	EnvTaskID      = "TASK_ID"
	EnvTaskPrompt  = "TASK_PROMPT"
	EnvTaskAnswer  = "TASK_ANSWER"
	EnvModel       = "ROLLOUT_MODEL"
	EnvAgentToken  = "AGENT_TOKEN"
	EnvCallbackURL = "CALLBACK_URL"
	EnvAppURL      = "APP_URL"
)

// Request is the rollout a sandbox is provisioned for.
type Request struct {
	RolloutID   string
	TaskID      string
	Task        string
	Answer      string
	Model       string
	Token       string
	CallbackURL string
}

func (r Request) validate() error {
	if r.RolloutID == "" {
		return fmt.Errorf("rollout id is required")
	}
	if r.Token == "" {
		return fmt.Errorf("callback token is required")
	}
	if r.CallbackURL == "" {
		return fmt.Errorf("callback url is required")
	}
	return nil
}

// PipelineConfig is the configuration of the sandbox provisioning pipeline.
type PipelineConfig struct {
	Control container.Control
	Seeder  seed.Seeder
	Ports   port.Allocator
	Profile model.SandboxProfile
	// AppHost is the host the application health endpoint is probed on through its
	// published port, defaults to 127.0.0.1.
	AppHost    string
	HTTPClient container.HTTPDoer
	Logger     log.Logger
}

func (c *PipelineConfig) defaults() error {
	if c.Control == nil {
		return fmt.Errorf("container control is required")
	}
	if c.Seeder == nil {
		return fmt.Errorf("seeder is required")
	}
	if c.Ports == nil {
		return fmt.Errorf("port allocator is required")
	}
	if err := c.Profile.Validate(); err != nil {
		return fmt.Errorf("invalid sandbox profile: %w", err)
	}
	if c.AppHost == "" {
		c.AppHost = "127.0.0.1"
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "provision.Pipeline"})
	return nil
}

// Pipeline builds rollout sandboxes: network, seeded database, application and worker,
// each stage waiting for the previous one to be ready.
type Pipeline struct {
	control    container.Control
	seeder     seed.Seeder
	ports      port.Allocator
	profile    model.SandboxProfile
	appHost    string
	httpClient container.HTTPDoer
	logger     log.Logger
}

// NewPipeline returns a new sandbox provisioning pipeline.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Pipeline{
		control:    cfg.Control,
		seeder:     cfg.Seeder,
		ports:      cfg.Ports,
		profile:    cfg.Profile,
		appHost:    cfg.AppHost,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger,
	}, nil
}

// Plan returns the resources the pipeline will create for a rollout.
func (p *Pipeline) Plan(rolloutID string) model.Sandbox {
	return p.seeder.Plan(rolloutID, model.PlanSandbox(rolloutID))
}

// Images returns the images the sandboxes run.
func (p *Pipeline) Images() []string {
	return []string{p.profile.Database.Image, p.profile.App.Image, p.profile.Worker.Image}
}

// Provision creates the planned sandbox and starts the worker on it. The returned sandbox has
// the worker container and the application port set. On failure the sandbox has every
// resource created so far so the caller can tear it down.
func (p *Pipeline) Provision(ctx context.Context, req Request, sb model.Sandbox) (model.Sandbox, error) {
	if err := req.validate(); err != nil {
		return sb, fmt.Errorf("invalid request: %w: %w", err, model.ErrNotValid)
	}
	logger := p.logger.WithValues(log.Kv{"rollout-id": req.RolloutID})

	var endpoint *seed.Endpoint
	chain := NewProvisionerChain(
		NewLogProvisioner("network", logger, ProvisionerFunc(func(ctx context.Context) error {
			return p.control.CreateNetwork(ctx, sb.Network, container.ManagedLabels(req.RolloutID))
		})),
		NewLogProvisioner("database", logger, ProvisionerFunc(func(ctx context.Context) error {
			ep, err := p.seeder.Seed(ctx, req.RolloutID, sb)
			if err != nil {
				return err
			}
			endpoint = ep
			return nil
		})),
		NewLogProvisioner("application", logger, ProvisionerFunc(func(ctx context.Context) error {
			hostPort, err := p.runApp(ctx, req.RolloutID, sb, *endpoint)
			if hostPort != 0 {
				sb.Port = hostPort
			}
			return err
		})),
		NewLogProvisioner("worker", logger, ProvisionerFunc(func(ctx context.Context) error {
			name, err := p.runWorker(ctx, req, sb)
			if err != nil {
				return err
			}
			sb.WorkerContainer = name
			return nil
		})),
	)

	if err := chain.Provision(ctx); err != nil {
		return sb, err
	}

	logger.Infof("Sandbox provisioned, application on port %d", sb.Port)
	return sb, nil
}

func (p *Pipeline) runApp(ctx context.Context, rolloutID string, sb model.Sandbox, ep seed.Endpoint) (int, error) {
	prof := p.profile.App

	if _, err := p.control.EnsureImage(ctx, prof.Image, prof.BuildContext); err != nil {
		return 0, fmt.Errorf("could not ensure application image: %w", err)
	}

	hostPort, err := p.ports.Allocate(ctx, rolloutID)
	if err != nil {
		return 0, fmt.Errorf("could not allocate port: %w", err)
	}

	_, err = p.control.RunContainer(ctx, model.ContainerSpec{
		Name:    sb.AppContainer,
		Image:   prof.Image,
		Network: sb.Network,
		Aliases: []string{appAlias},
		Env:     expandEnv(prof.Env, ep.Vars()),
		Ports:   []model.PortMapping{{HostPort: hostPort, ContainerPort: prof.Port}},
		Labels:  container.ManagedLabels(rolloutID),
	})
	if err != nil {
		return hostPort, fmt.Errorf("could not run application container: %w", err)
	}

	url := fmt.Sprintf("http://%s:%d%s", p.appHost, hostPort, prof.HealthPath)
	if !container.WaitHTTPReady(ctx, p.httpClient, url, prof.ReadyTimeout, prof.ReadyInterval) {
		return hostPort, fmt.Errorf("application container %s not healthy after %s", sb.AppContainer, prof.ReadyTimeout)
	}

	return hostPort, nil
}

func (p *Pipeline) runWorker(ctx context.Context, req Request, sb model.Sandbox) (string, error) {
	prof := p.profile.Worker

	if _, err := p.control.EnsureImage(ctx, prof.Image, prof.BuildContext); err != nil {
		return "", fmt.Errorf("could not ensure worker image: %w", err)
	}

	env := make(map[string]string, len(prof.Env)+8)
	for k, v := range prof.Env {
		env[k] = v
	}
	env[EnvRolloutID] = req.RolloutID
	env[EnvTaskID] = req.TaskID
	env[EnvTaskPrompt] = taskPrompt(prof.InstructionsPrefix, req.Task)
	env[EnvTaskAnswer] = req.Answer
	env[EnvModel] = req.Model
	env[EnvAgentToken] = req.Token
	env[EnvCallbackURL] = req.CallbackURL
	env[EnvAppURL] = "http://" + appAlias + ":" + strconv.Itoa(p.profile.App.Port)

	name := model.WorkerContainerName(req.RolloutID)
	_, err := p.control.RunContainer(ctx, model.ContainerSpec{
		Name:    name,
		Image:   prof.Image,
		Network: sb.Network,
		Env:     env,
		Labels:  container.ManagedLabels(req.RolloutID),
	})
	if err != nil {
		return "", fmt.Errorf("could not run worker container: %w", err)
	}

	return name, nil
}

func taskPrompt(prefix, task string) string {
	if prefix == "" {
		return task
	}
	return prefix + "\n\n" + task
}

// expandEnv expands ${VAR} references of env values with vars, unknown variables expand to empty.
func expandEnv(env, vars map[string]string) map[string]string {
	res := make(map[string]string, len(env))
	for k, v := range env {
		res[k] = os.Expand(v, func(name string) string { return vars[name] })
	}
	return res
}
