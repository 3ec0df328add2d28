package model

import (
	"fmt"
	"time"
)

// SandboxProfile is the static description of the containers every rollout sandbox runs.
type SandboxProfile struct {
	Database DatabaseProfile
	App      AppProfile
	Worker   WorkerProfile
	// TemplateClone is only used by the shared server seeding strategy.
	TemplateClone TemplateCloneProfile
}

// ImageProfile is a container image, built from BuildContext when it is missing and a
// build context is set, pulled otherwise.
type ImageProfile struct {
	Image        string
	BuildContext string
}

// DatabaseProfile is the database engine profile.
type DatabaseProfile struct {
	ImageProfile
	User     string
	Password string
	Name     string
	Port     int
	// SeedDump is the host path of the dump restored into every rollout database.
	// Files ending in .sql are replayed with psql, anything else with pg_restore.
	SeedDump      string
	ReadyTimeout  time.Duration
	ReadyInterval time.Duration
	Env           map[string]string
}

// AppProfile is the application profile.
type AppProfile struct {
	ImageProfile
	Port       int
	HealthPath string
	// Env values are expanded with the sandbox database variables
	// (${DB_HOST}, ${DB_PORT}, ${DB_NAME}, ${DB_USER}, ${DB_PASSWORD}).
	Env           map[string]string
	ReadyTimeout  time.Duration
	ReadyInterval time.Duration
}

// WorkerProfile is the rollout worker profile.
type WorkerProfile struct {
	ImageProfile
	Env map[string]string
	// InstructionsPrefix is prepended to the task text sent to the worker.
	InstructionsPrefix string
}

// TemplateCloneProfile is the shared database server used to clone per rollout databases.
type TemplateCloneProfile struct {
	// DSN is the admin connection string of the shared server.
	DSN string
	// Template is the database every rollout database is cloned from.
	Template string
	// Host and Port are the shared server address as seen from the application container.
	Host string
	Port int
}

// DefaultSandboxProfile returns the default sandbox profile.
func DefaultSandboxProfile() SandboxProfile {
	return SandboxProfile{
		Database: DatabaseProfile{
			ImageProfile:  ImageProfile{Image: "postgres:16"},
			User:          "metabase",
			Password:      "metabase_password",
			Name:          "metabase",
			Port:          5432,
			ReadyTimeout:  60 * time.Second,
			ReadyInterval: time.Second,
		},
		App: AppProfile{
			ImageProfile: ImageProfile{Image: "metabase/metabase:latest"},
			Port:         3000,
			HealthPath:   "/api/health",
			Env: map[string]string{
				"MB_DB_TYPE":   "postgres",
				"MB_DB_DBNAME": "${DB_NAME}",
				"MB_DB_PORT":   "${DB_PORT}",
				"MB_DB_USER":   "${DB_USER}",
				"MB_DB_PASS":   "${DB_PASSWORD}",
				"MB_DB_HOST":   "${DB_HOST}",
			},
			ReadyTimeout:  120 * time.Second,
			ReadyInterval: time.Second,
		},
		Worker: WorkerProfile{
			ImageProfile: ImageProfile{Image: "rollr-worker:latest"},
		},
		TemplateClone: TemplateCloneProfile{
			Template: "root_db",
			Port:     5432,
		},
	}
}

// Validate validates the sandbox profile.
func (p SandboxProfile) Validate() error {
	if p.Database.Image == "" {
		return fmt.Errorf("database image is required: %w", ErrNotValid)
	}
	if p.App.Image == "" {
		return fmt.Errorf("app image is required: %w", ErrNotValid)
	}
	if p.Worker.Image == "" {
		return fmt.Errorf("worker image is required: %w", ErrNotValid)
	}
	if p.Database.Port <= 0 || p.App.Port <= 0 {
		return fmt.Errorf("database and app ports are required: %w", ErrNotValid)
	}
	if p.Database.ReadyTimeout <= 0 || p.App.ReadyTimeout <= 0 {
		return fmt.Errorf("ready timeouts must be positive: %w", ErrNotValid)
	}
	if p.Database.ReadyInterval <= 0 || p.App.ReadyInterval <= 0 {
		return fmt.Errorf("ready intervals must be positive: %w", ErrNotValid)
	}
	return nil
}
