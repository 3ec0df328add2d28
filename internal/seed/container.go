package seed

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/slok/rollr/internal/container"
	"github.com/slok/rollr/internal/log"
	"github.com/slok/rollr/internal/model"
)

const (
	dbAlias      = "db"
	seedMountDir = "/seed"
	maxOutputLen = 300
)

// ContainerSeederConfig is the configuration of the per rollout database container seeder.
type ContainerSeederConfig struct {
	Control container.Control
	Profile model.DatabaseProfile
	Logger  log.Logger
}

func (c *ContainerSeederConfig) defaults() error {
	if c.Control == nil {
		return fmt.Errorf("container control is required")
	}
	if c.Profile.Image == "" {
		return fmt.Errorf("database image is required")
	}
	if c.Profile.SeedDump != "" {
		abs, err := filepath.Abs(c.Profile.SeedDump)
		if err != nil {
			return fmt.Errorf("invalid seed dump path: %w", err)
		}
		c.Profile.SeedDump = abs
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "seed.ContainerSeeder"})
	return nil
}

// ContainerSeeder runs a dedicated database container per rollout restored from the seed dump.
type ContainerSeeder struct {
	control container.Control
	profile model.DatabaseProfile
	logger  log.Logger
}

// NewContainerSeeder returns a new per rollout database container seeder.
func NewContainerSeeder(cfg ContainerSeederConfig) (*ContainerSeeder, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &ContainerSeeder{
		control: cfg.Control,
		profile: cfg.Profile,
		logger:  cfg.Logger,
	}, nil
}

// Plan keeps the planned database container.
func (s *ContainerSeeder) Plan(_ string, sb model.Sandbox) model.Sandbox {
	sb.DatabaseName = ""
	return sb
}

// Seed runs the database container and restores the seed dump on it.
func (s *ContainerSeeder) Seed(ctx context.Context, rolloutID string, sb model.Sandbox) (*Endpoint, error) {
	logger := s.logger.WithValues(log.Kv{"rollout-id": rolloutID})
	p := s.profile

	if _, err := s.control.EnsureImage(ctx, p.Image, p.BuildContext); err != nil {
		return nil, fmt.Errorf("could not ensure database image: %w", err)
	}

	env := map[string]string{
		"POSTGRES_USER":     p.User,
		"POSTGRES_PASSWORD": p.Password,
		"POSTGRES_DB":       p.Name,
	}
	for k, v := range p.Env {
		env[k] = v
	}

	spec := model.ContainerSpec{
		Name:    sb.DatabaseContainer,
		Image:   p.Image,
		Network: sb.Network,
		Aliases: []string{dbAlias},
		Env:     env,
		Labels:  container.ManagedLabels(rolloutID),
	}
	if p.SeedDump != "" {
		spec.Mounts = []model.Mount{{Source: p.SeedDump, Target: seedPath(p.SeedDump), ReadOnly: true}}
	}

	if _, err := s.control.RunContainer(ctx, spec); err != nil {
		return nil, fmt.Errorf("could not run database container: %w", err)
	}

	// Only the final server listens on TCP, the init one uses the unix socket.
	ready := container.WaitFor(ctx, p.ReadyTimeout, p.ReadyInterval, func(ctx context.Context) bool {
		res, err := s.control.Exec(ctx, sb.DatabaseContainer, []string{"pg_isready", "-h", "127.0.0.1", "-U", p.User, "-d", p.Name})
		return err == nil && res.ExitCode == 0
	})
	if !ready {
		return nil, fmt.Errorf("database container %s not ready after %s", sb.DatabaseContainer, p.ReadyTimeout)
	}
	logger.Debugf("Database container %s ready", sb.DatabaseContainer)

	if p.SeedDump != "" {
		if err := s.restore(ctx, sb.DatabaseContainer); err != nil {
			return nil, err
		}
		logger.Infof("Seed %s restored", filepath.Base(p.SeedDump))
	}

	return &Endpoint{Host: dbAlias, Port: p.Port, Name: p.Name, User: p.User, Password: p.Password}, nil
}

func (s *ContainerSeeder) restore(ctx context.Context, dbContainer string) error {
	p := s.profile
	dump := seedPath(p.SeedDump)

	cmd := []string{"pg_restore", "--no-owner", "--no-privileges", "-U", p.User, "-d", p.Name, dump}
	if strings.HasSuffix(dump, ".sql") {
		cmd = []string{"psql", "-v", "ON_ERROR_STOP=1", "-q", "-U", p.User, "-d", p.Name, "-f", dump}
	}

	res, err := s.control.Exec(ctx, dbContainer, cmd)
	if err != nil {
		return fmt.Errorf("could not restore seed: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("seed restore exited with code %d: %s", res.ExitCode, truncate(strings.TrimSpace(res.Stderr), maxOutputLen))
	}

	return nil
}

// Release is a no-op, the database lives and dies with its container.
func (s *ContainerSeeder) Release(context.Context, model.Sandbox) error { return nil }

func seedPath(hostPath string) string {
	return seedMountDir + "/" + filepath.Base(hostPath)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

