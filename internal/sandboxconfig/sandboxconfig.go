// Package sandboxconfig loads the sandbox profile of the rollouts from YAML files.
package sandboxconfig

import (
	"context"
	"fmt"
	"io/fs"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/slok/rollr/internal/model"
)

// ProfileYAMLRepository loads sandbox profiles from YAML files.
type ProfileYAMLRepository struct {
	fs fs.FS
}

// NewProfileYAMLRepository creates a new YAML profile repository.
func NewProfileYAMLRepository(filesystem fs.FS) *ProfileYAMLRepository {
	return &ProfileYAMLRepository{fs: filesystem}
}

// GetProfile loads a sandbox profile from a YAML file. Unset fields keep the
// default profile values, env maps are merged over the default ones.
func (r *ProfileYAMLRepository) GetProfile(ctx context.Context, path string) (model.SandboxProfile, error) {
	data, err := fs.ReadFile(r.fs, path)
	if err != nil {
		return model.SandboxProfile{}, fmt.Errorf("reading profile file: %w", err)
	}

	if ctx.Err() != nil {
		return model.SandboxProfile{}, ctx.Err()
	}

	cfg := fromModel(model.DefaultSandboxProfile())
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return model.SandboxProfile{}, fmt.Errorf("parsing YAML: %w", err)
	}

	p := cfg.toModel()
	if err := p.Validate(); err != nil {
		return model.SandboxProfile{}, fmt.Errorf("invalid profile: %w", err)
	}

	return p, nil
}

// SandboxProfile represents the YAML structure of a sandbox profile.
type SandboxProfile struct {
	Database      DatabaseConfig      `yaml:"database"`
	App           AppConfig           `yaml:"app"`
	Worker        WorkerConfig        `yaml:"worker"`
	TemplateClone TemplateCloneConfig `yaml:"template_clone"`
}

// DatabaseConfig represents the YAML structure of the database engine.
type DatabaseConfig struct {
	Image         string            `yaml:"image"`
	BuildContext  string            `yaml:"build_context"`
	User          string            `yaml:"user"`
	Password      string            `yaml:"password"`
	Name          string            `yaml:"name"`
	Port          int               `yaml:"port"`
	SeedDump      string            `yaml:"seed_dump"`
	ReadyTimeout  time.Duration     `yaml:"ready_timeout"`
	ReadyInterval time.Duration     `yaml:"ready_interval"`
	Env           map[string]string `yaml:"env"`
}

// AppConfig represents the YAML structure of the application.
type AppConfig struct {
	Image         string            `yaml:"image"`
	BuildContext  string            `yaml:"build_context"`
	Port          int               `yaml:"port"`
	HealthPath    string            `yaml:"health_path"`
	Env           map[string]string `yaml:"env"`
	ReadyTimeout  time.Duration     `yaml:"ready_timeout"`
	ReadyInterval time.Duration     `yaml:"ready_interval"`
}

// WorkerConfig represents the YAML structure of the rollout worker.
type WorkerConfig struct {
	Image              string            `yaml:"image"`
	BuildContext       string            `yaml:"build_context"`
	Env                map[string]string `yaml:"env"`
	InstructionsPrefix string            `yaml:"instructions_prefix"`
}

// TemplateCloneConfig represents the YAML structure of the shared database server.
type TemplateCloneConfig struct {
	DSN      string `yaml:"dsn"`
	Template string `yaml:"template"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
}

func fromModel(p model.SandboxProfile) SandboxProfile {
	return SandboxProfile{
		Database: DatabaseConfig{
			Image:         p.Database.Image,
			BuildContext:  p.Database.BuildContext,
			User:          p.Database.User,
			Password:      p.Database.Password,
			Name:          p.Database.Name,
			Port:          p.Database.Port,
			SeedDump:      p.Database.SeedDump,
			ReadyTimeout:  p.Database.ReadyTimeout,
			ReadyInterval: p.Database.ReadyInterval,
			Env:           p.Database.Env,
		},
		App: AppConfig{
			Image:         p.App.Image,
			BuildContext:  p.App.BuildContext,
			Port:          p.App.Port,
			HealthPath:    p.App.HealthPath,
			Env:           p.App.Env,
			ReadyTimeout:  p.App.ReadyTimeout,
			ReadyInterval: p.App.ReadyInterval,
		},
		Worker: WorkerConfig{
			Image:              p.Worker.Image,
			BuildContext:       p.Worker.BuildContext,
			Env:                p.Worker.Env,
			InstructionsPrefix: p.Worker.InstructionsPrefix,
		},
		TemplateClone: TemplateCloneConfig{
			DSN:      p.TemplateClone.DSN,
			Template: p.TemplateClone.Template,
			Host:     p.TemplateClone.Host,
			Port:     p.TemplateClone.Port,
		},
	}
}

func (c SandboxProfile) toModel() model.SandboxProfile {
	return model.SandboxProfile{
		Database: model.DatabaseProfile{
			ImageProfile:  model.ImageProfile{Image: c.Database.Image, BuildContext: c.Database.BuildContext},
			User:          c.Database.User,
			Password:      c.Database.Password,
			Name:          c.Database.Name,
			Port:          c.Database.Port,
			SeedDump:      c.Database.SeedDump,
			ReadyTimeout:  c.Database.ReadyTimeout,
			ReadyInterval: c.Database.ReadyInterval,
			Env:           c.Database.Env,
		},
		App: model.AppProfile{
			ImageProfile:  model.ImageProfile{Image: c.App.Image, BuildContext: c.App.BuildContext},
			Port:          c.App.Port,
			HealthPath:    c.App.HealthPath,
			Env:           c.App.Env,
			ReadyTimeout:  c.App.ReadyTimeout,
			ReadyInterval: c.App.ReadyInterval,
		},
		Worker: model.WorkerProfile{
			ImageProfile:       model.ImageProfile{Image: c.Worker.Image, BuildContext: c.Worker.BuildContext},
			Env:                c.Worker.Env,
			InstructionsPrefix: c.Worker.InstructionsPrefix,
		},
		TemplateClone: model.TemplateCloneProfile{
			DSN:      c.TemplateClone.DSN,
			Template: c.TemplateClone.Template,
			Host:     c.TemplateClone.Host,
			Port:     c.TemplateClone.Port,
		},
	}
}
