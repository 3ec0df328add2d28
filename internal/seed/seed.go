package seed

import (
	"context"
	"strconv"

	"github.com/slok/rollr/internal/model"
)

// Endpoint is how the application container reaches its rollout database.
type Endpoint struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
}

// Vars returns the endpoint as the variables sandbox application env values are expanded with.
func (e Endpoint) Vars() map[string]string {
	return map[string]string{
		"DB_HOST":     e.Host,
		"DB_PORT":     strconv.Itoa(e.Port),
		"DB_NAME":     e.Name,
		"DB_USER":     e.User,
		"DB_PASSWORD": e.Password,
	}
}

// Seeder gives every rollout an isolated copy of the seed dataset.
type Seeder interface {
	// Plan sets the database resources of the sandbox the seeder will create.
	Plan(rolloutID string, sb model.Sandbox) model.Sandbox
	// Seed creates the rollout database, waits until it is ready and restores the seed on it.
	Seed(ctx context.Context, rolloutID string, sb model.Sandbox) (*Endpoint, error)
	// Release frees the database resources not owned by sandbox containers.
	// Releasing twice is not an error.
	Release(ctx context.Context, sb model.Sandbox) error
}
