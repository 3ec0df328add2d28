package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alecthomas/kingpin/v2"
	"github.com/redis/go-redis/v9"

	"github.com/slok/rollr/internal/container/docker"
	"github.com/slok/rollr/internal/log"
	"github.com/slok/rollr/internal/model"
	"github.com/slok/rollr/internal/port"
	"github.com/slok/rollr/internal/provision"
	"github.com/slok/rollr/internal/sandboxconfig"
	"github.com/slok/rollr/internal/seed"
	"github.com/slok/rollr/internal/storage"
	"github.com/slok/rollr/internal/storage/memory"
	"github.com/slok/rollr/internal/storage/sqlite"
	utilsenv "github.com/slok/rollr/internal/utils/env"
)

const (
	seedStrategyContainer     = "container"
	seedStrategyTemplateClone = "template-clone"
)

// sandboxFlags are the flags shared by the commands that manage rollout sandboxes.
type sandboxFlags struct {
	configPath   string
	seedStrategy string
	workerEnv    []string
	redisAddr    string
	portBase     int
	portMax      int
}

func registerSandboxFlags(cmd *kingpin.CmdClause) *sandboxFlags {
	f := &sandboxFlags{}

	cmd.Flag("sandbox-config", "Sandbox profile YAML file, built-in defaults when missing.").StringVar(&f.configPath)
	cmd.Flag("seed-strategy", "How every rollout gets its database (container, template-clone).").Default(seedStrategyContainer).EnumVar(&f.seedStrategy, seedStrategyContainer, seedStrategyTemplateClone)
	cmd.Flag("worker-env", "Extra worker environment variables (KEY=VALUE or KEY from current environment). Can be repeated.").Short('e').StringsVar(&f.workerEnv)
	cmd.Flag("redis-addr", "Redis address, enables the port registry shared between control plane processes.").StringVar(&f.redisAddr)
	cmd.Flag("port-base", "First host port of the sandbox applications.").Default(fmt.Sprint(port.DefaultBase)).IntVar(&f.portBase)
	cmd.Flag("port-max", "Last host port of the sandbox applications.").Default(fmt.Sprint(port.DefaultMax)).IntVar(&f.portMax)

	return f
}

// loadProfile returns the sandbox profile from the configured file or the default one.
func (f sandboxFlags) loadProfile(ctx context.Context) (model.SandboxProfile, error) {
	profile := model.DefaultSandboxProfile()
	if f.configPath != "" {
		path, err := filepath.Abs(f.configPath)
		if err != nil {
			return profile, fmt.Errorf("invalid sandbox config path: %w", err)
		}

		repo := sandboxconfig.NewProfileYAMLRepository(os.DirFS(filepath.Dir(path)))
		profile, err = repo.GetProfile(ctx, filepath.Base(path))
		if err != nil {
			return profile, fmt.Errorf("could not load sandbox config: %w", err)
		}
	}

	env, err := utilsenv.ParseSpecs(f.workerEnv)
	if err != nil {
		return profile, fmt.Errorf("invalid worker env: %w", err)
	}
	profile.Worker.Env = utilsenv.Merge(profile.Worker.Env, env)

	if f.seedStrategy == seedStrategyTemplateClone && profile.TemplateClone.DSN == "" {
		return profile, fmt.Errorf("template-clone seed strategy needs template_clone.dsn on the sandbox config: %w", model.ErrNotValid)
	}

	return profile, nil
}

// sandboxDeps are the runtime dependencies of the sandbox provisioning and teardown.
type sandboxDeps struct {
	profile  model.SandboxProfile
	control  *docker.Control
	seeder   seed.Seeder
	ports    port.Allocator
	teardown *provision.Teardown
	closers  []func() error
}

func (f sandboxFlags) build(ctx context.Context, logger log.Logger) (_ *sandboxDeps, err error) {
	deps := &sandboxDeps{}
	defer func() {
		if err != nil {
			_ = deps.Close()
		}
	}()

	deps.profile, err = f.loadProfile(ctx)
	if err != nil {
		return nil, err
	}

	deps.control, err = docker.NewControl(docker.ControlConfig{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("could not create docker control: %w", err)
	}

	switch f.seedStrategy {
	case seedStrategyTemplateClone:
		admin, err := seed.NewPostgresAdmin(ctx, deps.profile.TemplateClone.DSN)
		if err != nil {
			return nil, err
		}
		deps.closers = append(deps.closers, admin.Close)

		deps.seeder, err = seed.NewTemplateClone(seed.TemplateCloneConfig{
			Admin:    admin,
			Profile:  deps.profile.TemplateClone,
			Database: deps.profile.Database,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("could not create template clone seeder: %w", err)
		}
	default:
		deps.seeder, err = seed.NewContainerSeeder(seed.ContainerSeederConfig{
			Control: deps.control,
			Profile: deps.profile.Database,
			Logger:  logger,
		})
		if err != nil {
			return nil, fmt.Errorf("could not create container seeder: %w", err)
		}
	}

	if f.redisAddr != "" {
		cli := redis.NewClient(&redis.Options{Addr: f.redisAddr})
		deps.closers = append(deps.closers, cli.Close)
		if err := cli.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("could not connect to redis: %w", err)
		}

		deps.ports, err = port.NewRedisAllocator(port.RedisAllocatorConfig{
			Client: cli,
			Base:   f.portBase,
			Max:    f.portMax,
			Logger: logger,
		})
	} else {
		deps.ports, err = port.NewMemoryAllocator(port.MemoryAllocatorConfig{
			Base:   f.portBase,
			Max:    f.portMax,
			Logger: logger,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("could not create port allocator: %w", err)
	}

	deps.teardown, err = provision.NewTeardown(provision.TeardownConfig{
		Control: deps.control,
		Seeder:  deps.seeder,
		Ports:   deps.ports,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create teardown: %w", err)
	}

	return deps, nil
}

// Close closes the connections of the dependencies.
func (d *sandboxDeps) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		errs = append(errs, d.closers[i]())
	}
	return errors.Join(errs...)
}

// newRepository returns the control plane store, SQLite unless memory is set.
func newRepository(ctx context.Context, root RootCommand, memoryStore bool) (storage.Repository, func() error, error) {
	if memoryStore {
		repo, err := memory.NewRepository(memory.RepositoryConfig{Logger: root.Logger})
		if err != nil {
			return nil, nil, fmt.Errorf("could not create memory repository: %w", err)
		}
		return repo, func() error { return nil }, nil
	}

	repo, err := sqlite.NewRepository(ctx, sqlite.RepositoryConfig{
		DBPath: root.DatabasePath(),
		Logger: root.Logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("could not create sqlite repository: %w", err)
	}
	return repo, repo.Close, nil
}
