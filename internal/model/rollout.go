package model

import (
	"time"
)

// RolloutStatus represents the state of a rollout.
type RolloutStatus string

const (
	// RolloutStatusPending indicates the rollout row exists but has no resources.
	RolloutStatusPending RolloutStatus = "pending"
	// RolloutStatusProvisioning indicates the sandbox is being built.
	RolloutStatusProvisioning RolloutStatus = "provisioning"
	// RolloutStatusRunning indicates the worker container is up.
	RolloutStatusRunning RolloutStatus = "running"
	// RolloutStatusSuccess indicates the worker reported a successful result.
	RolloutStatusSuccess RolloutStatus = "success"
	// RolloutStatusFailed indicates the worker finished but its result was not a success.
	RolloutStatusFailed RolloutStatus = "failed"
	// RolloutStatusError indicates an infrastructure failure.
	RolloutStatusError RolloutStatus = "error"
)

// TerminalRolloutStatuses are the statuses a rollout can't leave by itself.
var TerminalRolloutStatuses = []RolloutStatus{RolloutStatusSuccess, RolloutStatusFailed, RolloutStatusError}

// ActiveRolloutStatuses are the statuses that may own sandbox resources.
var ActiveRolloutStatuses = []RolloutStatus{RolloutStatusPending, RolloutStatusProvisioning, RolloutStatusRunning}

// IsTerminal returns true if the status is a final one.
func (s RolloutStatus) IsTerminal() bool {
	switch s {
	case RolloutStatusSuccess, RolloutStatusFailed, RolloutStatusError:
		return true
	}
	return false
}

// IsActive returns true if the rollout may still own sandbox resources. Workers can report
// their own intermediate statuses, any non terminal status is active.
func (s RolloutStatus) IsActive() bool { return s != "" && !s.IsTerminal() }

// MaxErrorLength is the max number of characters stored on a rollout error.
const MaxErrorLength = 500

// Rollout is one sandboxed attempt at a task.
type Rollout struct {
	ID     string
	TaskID string
	// JobID is empty when the rollout is not grouped by a job.
	JobID  string
	Status RolloutStatus
	// Result is the raw worker output.
	Result string
	// ParsedResult is the structured extraction of the result, serialized as JSON.
	ParsedResult string
	// MatchesExpected is nil until a final result is reported.
	MatchesExpected *bool
	Error           string
	LogPath         string
	Sandbox         Sandbox
	CallbackToken   string
	CreatedAt       time.Time
	CompletedAt     *time.Time
}

// ContainerRef returns the handle of the worker container.
func (r Rollout) ContainerRef() string { return r.Sandbox.WorkerContainer }

// SetStatus sets the status keeping the completed time consistent with it:
// terminal statuses get a completion time (once), non terminal ones have none.
func (r *Rollout) SetStatus(status RolloutStatus, now time.Time) {
	r.Status = status
	if !status.IsTerminal() {
		r.CompletedAt = nil
		return
	}

	if r.CompletedAt == nil {
		t := now.UTC()
		r.CompletedAt = &t
	}
}

// SetError stores the error message truncated to MaxErrorLength characters.
func (r *Rollout) SetError(msg string) {
	r.Error = TruncateError(msg)
}

// TruncateError truncates an error message to MaxErrorLength characters.
func TruncateError(msg string) string {
	runes := []rune(msg)
	if len(runes) <= MaxErrorLength {
		return msg
	}
	return string(runes[:MaxErrorLength])
}

// RolloutFilter filters rollout listings, all fields are optional and conjunctive.
type RolloutFilter struct {
	TaskID   string
	JobID    string
	Statuses []RolloutStatus
	// Limit is the max number of returned rollouts, 0 means no limit.
	Limit int
}
