package model

import (
	"fmt"
	"strings"
)

// Sandbox is the set of runtime resources provisioned for exactly one rollout.
type Sandbox struct {
	Network           string
	DatabaseContainer string
	// DatabaseName is the per rollout database on a shared server, empty when
	// the rollout has its own database container.
	DatabaseName string
	AppContainer string
	// WorkerContainer is only set once the sandbox has been fully provisioned.
	WorkerContainer string
	// Port is the host port bound to the application container, 0 if none.
	Port int
}

// PlanSandbox returns the deterministic resource names of a rollout sandbox.
// The worker container and the port are not planned, they are only known once
// provisioning succeeds.
func PlanSandbox(rolloutID string) Sandbox {
	id := strings.ToLower(rolloutID)
	return Sandbox{
		Network:           fmt.Sprintf("rollr-%s-net", id),
		DatabaseContainer: fmt.Sprintf("rollr-%s-db", id),
		AppContainer:      fmt.Sprintf("rollr-%s-app", id),
	}
}

// WorkerContainerName returns the name of the worker container of a rollout.
func WorkerContainerName(rolloutID string) string {
	return fmt.Sprintf("rollr-%s-worker", strings.ToLower(rolloutID))
}

// CloneDatabaseName returns the name of the per rollout database cloned on a shared server.
func CloneDatabaseName(rolloutID string) string {
	return "rollout_db_" + strings.ToLower(rolloutID)
}

// Containers returns the sandbox containers in reverse dependency order (worker, app, database),
// skipping the unset ones.
func (s Sandbox) Containers() []string {
	cs := make([]string, 0, 3)
	for _, c := range []string{s.WorkerContainer, s.AppContainer, s.DatabaseContainer} {
		if c != "" {
			cs = append(cs, c)
		}
	}
	return cs
}

// IsZero returns true if the sandbox has no resources at all.
func (s Sandbox) IsZero() bool { return s == Sandbox{} }

// Merge returns the sandbox with the unset fields filled from o.
func (s Sandbox) Merge(o Sandbox) Sandbox {
	if s.Network == "" {
		s.Network = o.Network
	}
	if s.DatabaseContainer == "" {
		s.DatabaseContainer = o.DatabaseContainer
	}
	if s.DatabaseName == "" {
		s.DatabaseName = o.DatabaseName
	}
	if s.AppContainer == "" {
		s.AppContainer = o.AppContainer
	}
	if s.WorkerContainer == "" {
		s.WorkerContainer = o.WorkerContainer
	}
	if s.Port == 0 {
		s.Port = o.Port
	}
	return s
}
