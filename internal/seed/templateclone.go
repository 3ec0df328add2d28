package seed

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/slok/rollr/internal/log"
	"github.com/slok/rollr/internal/model"
)

// ErrTemplateBusy is returned when the template database has open connections and can't be cloned.
var ErrTemplateBusy = errors.New("template database in use")

// Admin is the administration of the shared database server.
type Admin interface {
	// TerminateConnections closes every other session connected to db.
	TerminateConnections(ctx context.Context, db string) error
	// CreateFromTemplate clones template into a new database, returns ErrTemplateBusy
	// when the template has open connections.
	CreateFromTemplate(ctx context.Context, name, template string) error
	// DropDatabase drops the database if it exists.
	DropDatabase(ctx context.Context, name string) error
}

// TemplateCloneConfig is the configuration of the shared server template clone seeder.
type TemplateCloneConfig struct {
	Admin    Admin
	Profile  model.TemplateCloneProfile
	Database model.DatabaseProfile
	// BaseDelay is the first backoff delay, doubled on every retry.
	BaseDelay  time.Duration
	MaxRetries int
	// Sleep waits between retries, defaults to a context aware timer.
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger log.Logger
}

func (c *TemplateCloneConfig) defaults() error {
	if c.Admin == nil {
		return fmt.Errorf("admin is required")
	}
	if c.Profile.Template == "" {
		return fmt.Errorf("template database is required")
	}
	if c.Profile.Host == "" {
		return fmt.Errorf("shared server host is required")
	}
	if c.Profile.Port == 0 {
		c.Profile.Port = 5432
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.Sleep == nil {
		c.Sleep = sleep
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "seed.TemplateClone"})
	return nil
}

// TemplateClone clones a per rollout database from a pre-restored template on a shared server.
// Postgres refuses to clone a template with open sessions, so clones are serialized, stale
// sessions are terminated before every attempt and busy templates are retried with backoff.
type TemplateClone struct {
	admin      Admin
	profile    model.TemplateCloneProfile
	database   model.DatabaseProfile
	baseDelay  time.Duration
	maxRetries int
	sleep      func(ctx context.Context, d time.Duration) error
	mu         sync.Mutex
	logger     log.Logger
}

// NewTemplateClone returns a new template clone seeder.
func NewTemplateClone(cfg TemplateCloneConfig) (*TemplateClone, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &TemplateClone{
		admin:      cfg.Admin,
		profile:    cfg.Profile,
		database:   cfg.Database,
		baseDelay:  cfg.BaseDelay,
		maxRetries: cfg.MaxRetries,
		sleep:      cfg.Sleep,
		logger:     cfg.Logger,
	}, nil
}

// Plan replaces the database container with a database on the shared server.
func (t *TemplateClone) Plan(rolloutID string, sb model.Sandbox) model.Sandbox {
	sb.DatabaseContainer = ""
	sb.DatabaseName = model.CloneDatabaseName(rolloutID)
	return sb
}

// Seed clones the template into the rollout database.
func (t *TemplateClone) Seed(ctx context.Context, rolloutID string, sb model.Sandbox) (*Endpoint, error) {
	if sb.DatabaseName == "" {
		return nil, fmt.Errorf("sandbox database name is required: %w", model.ErrNotValid)
	}
	logger := t.logger.WithValues(log.Kv{"rollout-id": rolloutID})

	t.mu.Lock()
	defer t.mu.Unlock()

	var err error
	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		if attempt > 0 {
			delay := t.baseDelay * time.Duration(1<<(attempt-1))
			logger.Debugf("Template %s busy, retrying in %s (%d/%d)", t.profile.Template, delay, attempt, t.maxRetries)
			if serr := t.sleep(ctx, delay); serr != nil {
				return nil, serr
			}
		}

		if terr := t.admin.TerminateConnections(ctx, t.profile.Template); terr != nil {
			logger.Warningf("Could not terminate template connections: %v", terr)
		}

		err = t.admin.CreateFromTemplate(ctx, sb.DatabaseName, t.profile.Template)
		if err == nil {
			logger.Infof("Database %s cloned from %s", sb.DatabaseName, t.profile.Template)
			return &Endpoint{
				Host:     t.profile.Host,
				Port:     t.profile.Port,
				Name:     sb.DatabaseName,
				User:     t.database.User,
				Password: t.database.Password,
			}, nil
		}
		if !errors.Is(err, ErrTemplateBusy) {
			return nil, fmt.Errorf("could not clone database %s: %w", sb.DatabaseName, err)
		}
	}

	return nil, fmt.Errorf("could not clone database %s after %d retries: %w", sb.DatabaseName, t.maxRetries, err)
}

// Release drops the rollout database.
func (t *TemplateClone) Release(ctx context.Context, sb model.Sandbox) error {
	if sb.DatabaseName == "" {
		return nil
	}

	if err := t.admin.TerminateConnections(ctx, sb.DatabaseName); err != nil {
		t.logger.Warningf("Could not terminate connections of %s: %v", sb.DatabaseName, err)
	}
	if err := t.admin.DropDatabase(ctx, sb.DatabaseName); err != nil {
		return fmt.Errorf("could not drop database %s: %w", sb.DatabaseName, err)
	}

	t.logger.Debugf("Database %s dropped", sb.DatabaseName)
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// pqObjectInUse is the SQLSTATE returned when cloning a template with open sessions.
const pqObjectInUse = "55006"

// PostgresAdmin is the Admin of a Postgres server.
type PostgresAdmin struct {
	db *sql.DB
}

// NewPostgresAdmin connects to the shared server with an admin DSN.
func NewPostgresAdmin(ctx context.Context, dsn string) (*PostgresAdmin, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open shared database server: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not connect to shared database server: %w", err)
	}

	return &PostgresAdmin{db: db}, nil
}

// Close closes the admin connection pool.
func (a *PostgresAdmin) Close() error { return a.db.Close() }

// TerminateConnections terminates the sessions of db.
func (a *PostgresAdmin) TerminateConnections(ctx context.Context, db string) error {
	_, err := a.db.ExecContext(ctx, `SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()`, db)
	if err != nil {
		return fmt.Errorf("could not terminate sessions of %s: %w", db, err)
	}
	return nil
}

// CreateFromTemplate runs CREATE DATABASE ... TEMPLATE.
func (a *PostgresAdmin) CreateFromTemplate(ctx context.Context, name, template string) error {
	query := fmt.Sprintf("CREATE DATABASE %s TEMPLATE %s", pq.QuoteIdentifier(name), pq.QuoteIdentifier(template))
	if _, err := a.db.ExecContext(ctx, query); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pqObjectInUse {
			return fmt.Errorf("%s: %w", pqErr.Message, ErrTemplateBusy)
		}
		return err
	}
	return nil
}

// DropDatabase drops the database if it exists.
func (a *PostgresAdmin) DropDatabase(ctx context.Context, name string) error {
	_, err := a.db.ExecContext(ctx, fmt.Sprintf("DROP DATABASE IF EXISTS %s", pq.QuoteIdentifier(name)))
	return err
}
